package services

import (
	"chatrelay/models"
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// dynamoAPI is the part of *dynamodb.Client the store uses.
type dynamoAPI interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

const (
	// allocateExpr bumps the id counter, records the turn's timestamp and
	// makes sure a generation exists. allocateCond keeps LastTS from moving
	// backwards, so id order and timestamp order agree.
	allocateExpr = "SET Generation = if_not_exists(Generation, :zero), LastTS = :ts ADD NextID :one"
	allocateCond = "attribute_not_exists(LastTS) OR LastTS <= :ts"
	// clearExpr moves the conversation to a fresh generation; turns written
	// under older generations are no longer reachable.
	clearExpr = "ADD Generation :one"

	dynamoBatchSize = 25
	// Each failed allocation means another append won in between, so this
	// bounds the number of concurrent appends per conversation.
	maxAllocateAttempts = 16
)

// DynamoDBStore partitions turns by "turn#<conversation>#<generation>" with
// the numeric turn id as sort key. A metadata item per conversation
// ("meta#<conversation>") holds the id counter, the current generation and
// the last stamped time.
type DynamoDBStore struct {
	db    dynamoAPI
	table string
	now   func() time.Time
}

// OpenDynamoDBStore connects to DynamoDB. When endpoint is set (DynamoDB
// Local), static dummy credentials are used.
func OpenDynamoDBStore(ctx context.Context, table, region, endpoint string) (*DynamoDBStore, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if endpoint != "" {
		customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: endpoint}, nil
		})
		opts = append(opts,
			config.WithEndpointResolverWithOptions(customResolver),
			config.WithCredentialsProvider(credentials.StaticCredentialsProvider{
				Value: aws.Credentials{
					AccessKeyID: "dummy", SecretAccessKey: "dummy", SessionToken: "dummy",
				},
			}),
		)
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	s := newDynamoDBStore(dynamodb.NewFromConfig(cfg), table)
	s.ensureTableExists(ctx)
	return s, nil
}

func newDynamoDBStore(db dynamoAPI, table string) *DynamoDBStore {
	return &DynamoDBStore{db: db, table: table, now: Now}
}

func (s *DynamoDBStore) ensureTableExists(ctx context.Context) {
	_, err := s.db.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("PK"),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String("ID"),
				AttributeType: types.ScalarAttributeTypeN,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("PK"),
				KeyType:       types.KeyTypeHash,
			},
			{
				AttributeName: aws.String("ID"),
				KeyType:       types.KeyTypeRange,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if !errors.As(err, &inUse) {
			log.Printf("dynamodb: create table %s: %v", s.table, err)
		}
	}
}

func metaKey(conversationID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "meta#" + conversationID},
		"ID": &types.AttributeValueMemberN{Value: "0"},
	}
}

func partitionKey(conversationID string, generation int64) string {
	return "turn#" + conversationID + "#" + strconv.FormatInt(generation, 10)
}

func (s *DynamoDBStore) Append(ctx context.Context, conversationID string, role models.Role, content string) (models.Turn, error) {
	if err := validateTurn(role, content); err != nil {
		return models.Turn{}, persistErr("append", err)
	}

	id, generation, ts, err := s.allocate(ctx, conversationID)
	if err != nil {
		return models.Turn{}, persistErr("append", err)
	}

	turn := models.Turn{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Timestamp:      ts.In(models.StoreZone),
	}

	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: partitionKey(conversationID, generation)},
			"ID":        &types.AttributeValueMemberN{Value: strconv.FormatInt(turn.ID, 10)},
			"Role":      &types.AttributeValueMemberS{Value: string(turn.Role)},
			"Content":   &types.AttributeValueMemberS{Value: turn.Content},
			"Timestamp": &types.AttributeValueMemberS{Value: turn.Timestamp.Format(time.RFC3339Nano)},
		},
		ConditionExpression: aws.String("attribute_not_exists(ID)"),
	})
	if err != nil {
		return models.Turn{}, persistErr("append", fmt.Errorf("put turn %d: %w", turn.ID, err))
	}
	return turn, nil
}

// allocate stamps the turn and takes the next id in one conditional update.
// When another append already stored a later stamp, the stamp moves just past
// it and the update is retried.
func (s *DynamoDBStore) allocate(ctx context.Context, conversationID string) (int64, int64, time.Time, error) {
	ts := time.Unix(0, s.now().UnixNano())
	for attempt := 1; ; attempt++ {
		out, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(s.table),
			Key:                 metaKey(conversationID),
			UpdateExpression:    aws.String(allocateExpr),
			ConditionExpression: aws.String(allocateCond),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":zero": &types.AttributeValueMemberN{Value: "0"},
				":one":  &types.AttributeValueMemberN{Value: "1"},
				":ts":   &types.AttributeValueMemberN{Value: strconv.FormatInt(ts.UnixNano(), 10)},
			},
			ReturnValues: types.ReturnValueAllNew,
		})
		if err == nil {
			id, err := numberAttr(out.Attributes, "NextID")
			if err != nil {
				return 0, 0, time.Time{}, err
			}
			generation, err := numberAttr(out.Attributes, "Generation")
			if err != nil {
				return 0, 0, time.Time{}, err
			}
			return id, generation, ts, nil
		}

		var stale *types.ConditionalCheckFailedException
		if !errors.As(err, &stale) || attempt == maxAllocateAttempts {
			return 0, 0, time.Time{}, fmt.Errorf("allocate id: %w", err)
		}

		meta, err := s.meta(ctx, conversationID)
		if err != nil {
			return 0, 0, time.Time{}, err
		}
		ts = time.Unix(0, s.now().UnixNano())
		if next := time.Unix(0, meta.lastTS+1); ts.Before(next) {
			ts = next
		}
	}
}

func (s *DynamoDBStore) RecentTurns(ctx context.Context, conversationID string, limit int) ([]models.Turn, error) {
	if limit <= 0 {
		return []models.Turn{}, nil
	}

	items, err := s.readGeneration(ctx, conversationID, func(pk string) ([]map[string]types.AttributeValue, error) {
		result, err := s.db.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: pk},
			},
			ScanIndexForward: aws.Bool(false),
			Limit:            aws.Int32(int32(limit)),
			ConsistentRead:   aws.Bool(true),
		})
		if err != nil {
			return nil, err
		}
		return result.Items, nil
	})
	if err != nil {
		return nil, persistErr("recent turns", err)
	}

	turns, err := decodeDynamoTurns(conversationID, items)
	if err != nil {
		return nil, persistErr("recent turns", err)
	}
	reverseTurns(turns)
	return turns, nil
}

func (s *DynamoDBStore) AllTurns(ctx context.Context, conversationID string) ([]models.Turn, error) {
	items, err := s.readGeneration(ctx, conversationID, func(pk string) ([]map[string]types.AttributeValue, error) {
		return s.queryAll(ctx, pk)
	})
	if err != nil {
		return nil, persistErr("all turns", err)
	}
	turns, err := decodeDynamoTurns(conversationID, items)
	if err != nil {
		return nil, persistErr("all turns", err)
	}
	return turns, nil
}

// readGeneration runs read against the current generation's partition. If a
// ClearAll moved the conversation to a new generation while read ran, the
// old partition may be half deleted; the clear is then ordered first and the
// result is empty.
func (s *DynamoDBStore) readGeneration(ctx context.Context, conversationID string, read func(pk string) ([]map[string]types.AttributeValue, error)) ([]map[string]types.AttributeValue, error) {
	before, err := s.meta(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	items, err := read(partitionKey(conversationID, before.generation))
	if err != nil {
		return nil, err
	}
	after, err := s.meta(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if after.generation != before.generation {
		return nil, nil
	}
	return items, nil
}

// ClearAll switches to a new generation in one UpdateItem, then removes the
// old generation's items. Cleanup failures are logged only: the old items are
// already unreachable.
func (s *DynamoDBStore) ClearAll(ctx context.Context, conversationID string) error {
	out, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              metaKey(conversationID),
		UpdateExpression: aws.String(clearExpr),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedOld,
	})
	if err != nil {
		return persistErr("clear", err)
	}

	old, err := numberAttr(out.Attributes, "Generation")
	if err != nil {
		// No previous generation: nothing was ever stored.
		return nil
	}
	if err := s.deletePartition(ctx, partitionKey(conversationID, old)); err != nil {
		log.Printf("dynamodb: cleanup of %s generation %d failed: %v", conversationID, old, err)
	}
	return nil
}

func (s *DynamoDBStore) Close() error {
	return nil
}

type dynamoMeta struct {
	generation int64
	lastTS     int64
}

func (s *DynamoDBStore) meta(ctx context.Context, conversationID string) (dynamoMeta, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            metaKey(conversationID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return dynamoMeta{}, fmt.Errorf("read conversation metadata: %w", err)
	}

	var m dynamoMeta
	if _, ok := out.Item["Generation"]; ok {
		if m.generation, err = numberAttr(out.Item, "Generation"); err != nil {
			return dynamoMeta{}, err
		}
	}
	if _, ok := out.Item["LastTS"]; ok {
		if m.lastTS, err = numberAttr(out.Item, "LastTS"); err != nil {
			return dynamoMeta{}, err
		}
	}
	return m, nil
}

func (s *DynamoDBStore) queryAll(ctx context.Context, pk string) ([]map[string]types.AttributeValue, error) {
	var (
		items     []map[string]types.AttributeValue
		startFrom map[string]types.AttributeValue
	)
	for {
		result, err := s.db.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: pk},
			},
			ScanIndexForward:  aws.Bool(true),
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: startFrom,
		})
		if err != nil {
			return nil, err
		}
		items = append(items, result.Items...)
		if len(result.LastEvaluatedKey) == 0 {
			return items, nil
		}
		startFrom = result.LastEvaluatedKey
	}
}

func (s *DynamoDBStore) deletePartition(ctx context.Context, pk string) error {
	items, err := s.queryAll(ctx, pk)
	if err != nil {
		return err
	}
	for start := 0; start < len(items); start += dynamoBatchSize {
		end := start + dynamoBatchSize
		if end > len(items) {
			end = len(items)
		}
		requests := make([]types.WriteRequest, 0, end-start)
		for _, item := range items[start:end] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{
					Key: map[string]types.AttributeValue{"PK": item["PK"], "ID": item["ID"]},
				},
			})
		}
		if _, err := s.db.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.table: requests},
		}); err != nil {
			return err
		}
	}
	return nil
}

func numberAttr(item map[string]types.AttributeValue, name string) (int64, error) {
	attr, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("attribute %s missing or not a number", name)
	}
	n, err := strconv.ParseInt(attr.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("attribute %s: %w", name, err)
	}
	return n, nil
}

func stringAttr(item map[string]types.AttributeValue, name string) (string, error) {
	attr, ok := item[name].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("attribute %s missing or not a string", name)
	}
	return attr.Value, nil
}

func decodeDynamoTurns(conversationID string, items []map[string]types.AttributeValue) ([]models.Turn, error) {
	turns := make([]models.Turn, 0, len(items))
	for _, item := range items {
		id, err := numberAttr(item, "ID")
		if err != nil {
			return nil, err
		}
		role, err := stringAttr(item, "Role")
		if err != nil {
			return nil, err
		}
		content, err := stringAttr(item, "Content")
		if err != nil {
			return nil, err
		}
		ts, err := stringAttr(item, "Timestamp")
		if err != nil {
			return nil, err
		}
		timestamp, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("turn %d timestamp: %w", id, err)
		}
		turns = append(turns, models.Turn{
			ID:             id,
			ConversationID: conversationID,
			Role:           models.Role(role),
			Content:        content,
			Timestamp:      timestamp.In(models.StoreZone),
		})
	}
	return turns, nil
}
