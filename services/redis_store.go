package services

import (
	"chatrelay/models"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// appendScript allocates the id, stamps the turn with the server clock and
// pushes it in one atomic step, so list order, id order and time order agree.
var appendScript = redis.NewScript(`
local id = redis.call('INCR', KEYS[1])
local now = redis.call('TIME')
local ts = now[1] .. string.format('%06d', tonumber(now[2]))
local turn = cjson.encode({id = id, role = ARGV[1], content = ARGV[2], ts = ts})
redis.call('RPUSH', KEYS[2], turn)
return turn
`)

// RedisStore keeps each conversation as a list of JSON turns. The id counter
// lives in its own key and survives ClearAll.
type RedisStore struct {
	client *redis.Client
	prefix string
}

type redisTurn struct {
	ID      int64  `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
	TS      string `json:"ts"`
}

func OpenRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client := redis.NewClient(opt)
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return NewRedisStore(client), nil
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "chatrelay"}
}

func (s *RedisStore) seqKey(conversationID string) string {
	return fmt.Sprintf("%s:%s:seq", s.prefix, conversationID)
}

func (s *RedisStore) turnsKey(conversationID string) string {
	return fmt.Sprintf("%s:%s:turns", s.prefix, conversationID)
}

func (s *RedisStore) Append(ctx context.Context, conversationID string, role models.Role, content string) (models.Turn, error) {
	if err := validateTurn(role, content); err != nil {
		return models.Turn{}, persistErr("append", err)
	}

	raw, err := appendScript.Run(ctx, s.client,
		[]string{s.seqKey(conversationID), s.turnsKey(conversationID)},
		string(role), content,
	).Text()
	if err != nil {
		return models.Turn{}, persistErr("append", fmt.Errorf("run append script: %w", err))
	}

	turn, err := decodeRedisTurn(conversationID, raw)
	if err != nil {
		return models.Turn{}, persistErr("append", err)
	}
	return turn, nil
}

func (s *RedisStore) RecentTurns(ctx context.Context, conversationID string, limit int) ([]models.Turn, error) {
	if limit <= 0 {
		return []models.Turn{}, nil
	}
	turns, err := s.lrange(ctx, conversationID, int64(-limit), -1)
	if err != nil {
		return nil, persistErr("recent turns", err)
	}
	return turns, nil
}

func (s *RedisStore) AllTurns(ctx context.Context, conversationID string) ([]models.Turn, error) {
	turns, err := s.lrange(ctx, conversationID, 0, -1)
	if err != nil {
		return nil, persistErr("all turns", err)
	}
	return turns, nil
}

// ClearAll drops the turn list in a single DEL; the counter key is kept.
func (s *RedisStore) ClearAll(ctx context.Context, conversationID string) error {
	if err := s.client.Del(ctx, s.turnsKey(conversationID)).Err(); err != nil {
		return persistErr("clear", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) lrange(ctx context.Context, conversationID string, start, stop int64) ([]models.Turn, error) {
	items, err := s.client.LRange(ctx, s.turnsKey(conversationID), start, stop).Result()
	if err != nil {
		return nil, err
	}

	turns := make([]models.Turn, 0, len(items))
	for _, item := range items {
		turn, err := decodeRedisTurn(conversationID, item)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func decodeRedisTurn(conversationID, raw string) (models.Turn, error) {
	var rt redisTurn
	if err := json.Unmarshal([]byte(raw), &rt); err != nil {
		return models.Turn{}, fmt.Errorf("decode turn: %w", err)
	}
	micros, err := strconv.ParseInt(rt.TS, 10, 64)
	if err != nil {
		return models.Turn{}, fmt.Errorf("decode turn %d timestamp: %w", rt.ID, err)
	}
	return models.Turn{
		ID:             rt.ID,
		ConversationID: conversationID,
		Role:           models.Role(rt.Role),
		Content:        rt.Content,
		Timestamp:      time.UnixMicro(micros).In(models.StoreZone),
	}, nil
}
