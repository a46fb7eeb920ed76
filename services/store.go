package services

import (
	"chatrelay/config"
	"chatrelay/models"
	"context"
	"errors"
	"fmt"
	"strings"
)

// TurnStore is the append-only conversation log. Implementations must be safe
// for concurrent use; Append and ClearAll are linearized per conversation.
type TurnStore interface {
	// Append stores a new turn with a store-assigned id and timestamp.
	Append(ctx context.Context, conversationID string, role models.Role, content string) (models.Turn, error)
	// RecentTurns returns up to limit of the newest turns, oldest first.
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]models.Turn, error)
	// AllTurns returns the whole log, oldest first.
	AllTurns(ctx context.Context, conversationID string) ([]models.Turn, error)
	// ClearAll removes every turn of the conversation at once.
	ClearAll(ctx context.Context, conversationID string) error
	Close() error
}

var ErrInvalidTurn = errors.New("invalid turn")

// PersistenceError wraps any failure to read or write the conversation log.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

func validateTurn(role models.Role, content string) error {
	if !role.Valid() {
		return fmt.Errorf("%w: role %q", ErrInvalidTurn, role)
	}
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidTurn)
	}
	return nil
}

// reverseTurns flips a newest-first slice in place.
func reverseTurns(turns []models.Turn) {
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
}

// OpenStore opens the backend selected by cfg.StoreBackend and makes sure its
// schema exists.
func OpenStore(ctx context.Context, cfg *config.Config) (TurnStore, error) {
	switch cfg.StoreBackend {
	case "sqlite", "":
		return OpenSQLiteStore(cfg.SQLitePath)
	case "postgres":
		return OpenPostgresStore(ctx, cfg.DatabaseURL)
	case "redis":
		return OpenRedisStore(ctx, cfg.RedisURL)
	case "dynamodb":
		return OpenDynamoDBStore(ctx, cfg.DynamoDBTable, cfg.DynamoDBRegion, cfg.DynamoDBEndpoint)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
