package services

import (
	"chatrelay/models"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// sqlDialect holds the statements that differ between SQLite and PostgreSQL.
type sqlDialect struct {
	name   string
	schema string
	// lock runs first in every write transaction; empty when the driver
	// already serializes writers.
	lock   string
	insert string
	recent string
	all    string
	clear  string
}

var sqliteDialect = sqlDialect{
	name: "sqlite",
	schema: `
		CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_turns_conversation_id ON turns(conversation_id, id);
	`,
	insert: `INSERT INTO turns (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?) RETURNING id`,
	recent: `SELECT id, conversation_id, role, content, created_at FROM turns
		WHERE conversation_id = ? ORDER BY id DESC LIMIT ?`,
	all: `SELECT id, conversation_id, role, content, created_at FROM turns
		WHERE conversation_id = ? ORDER BY id ASC`,
	clear: `DELETE FROM turns WHERE conversation_id = ?`,
}

var postgresDialect = sqlDialect{
	name: "postgres",
	schema: `
		CREATE TABLE IF NOT EXISTS turns (
			id BIGSERIAL PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_turns_conversation_id ON turns(conversation_id, id);
	`,
	lock:   `SELECT pg_advisory_xact_lock(hashtext($1))`,
	insert: `INSERT INTO turns (conversation_id, role, content, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
	recent: `SELECT id, conversation_id, role, content, created_at FROM turns
		WHERE conversation_id = $1 ORDER BY id DESC LIMIT $2`,
	all: `SELECT id, conversation_id, role, content, created_at FROM turns
		WHERE conversation_id = $1 ORDER BY id ASC`,
	clear: `DELETE FROM turns WHERE conversation_id = $1`,
}

// SQLStore keeps turns in a single SQL table. Ids come from the database
// sequence, so they keep growing after ClearAll.
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect
	now     func() time.Time
}

const sqliteParams = "_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"

// OpenSQLiteStore opens (or creates) a SQLite database. path is a file path,
// a "file:" URI (query parameters allowed) or ":memory:". Transactions take
// the write lock on BEGIN so that appends and clears are serialized.
func OpenSQLiteStore(path string) (*SQLStore, error) {
	memory := isMemorySQLite(path)
	if !memory {
		if dir := filepath.Dir(sqliteFile(path)); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
			}
		}
	}

	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}
	if memory {
		// Every connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}

	s := newSQLStore(db, sqliteDialect)
	if err := s.InitSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// sqliteDSN turns path into a "file:" URI carrying the store's parameters.
func sqliteDSN(path string) string {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + sqliteParams
}

// sqliteFile strips the URI scheme and query from path.
func sqliteFile(path string) string {
	file := strings.TrimPrefix(path, "file:")
	if i := strings.IndexByte(file, '?'); i >= 0 {
		file = file[:i]
	}
	return file
}

func isMemorySQLite(path string) bool {
	return sqliteFile(path) == ":memory:" || strings.Contains(path, "mode=memory")
}

// OpenPostgresStore connects to PostgreSQL through lib/pq.
func OpenPostgresStore(ctx context.Context, postgresURI string) (*SQLStore, error) {
	if postgresURI == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for the postgres backend")
	}
	connStr := postgresURI
	if !strings.Contains(postgresURI, "sslmode=") {
		if strings.Contains(postgresURI, "?") {
			connStr += "&sslmode=disable"
		} else {
			connStr += "?sslmode=disable"
		}
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := newSQLStore(db, postgresDialect)
	if err := s.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func newSQLStore(db *sql.DB, dialect sqlDialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: Now}
}

// InitSchema creates the turns table if it does not exist yet.
func (s *SQLStore) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.schema); err != nil {
		return fmt.Errorf("failed to create %s schema: %w", s.dialect.name, err)
	}
	return nil
}

func (s *SQLStore) Append(ctx context.Context, conversationID string, role models.Role, content string) (models.Turn, error) {
	if err := validateTurn(role, content); err != nil {
		return models.Turn{}, persistErr("append", err)
	}

	var turn models.Turn
	err := s.withTx(ctx, conversationID, func(tx *sql.Tx) error {
		// Stamped inside the transaction so timestamp order follows id order.
		ts := s.now()
		var id int64
		if err := tx.QueryRowContext(ctx, s.dialect.insert, conversationID, string(role), content, ts.UnixNano()).Scan(&id); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
		turn = models.Turn{
			ID:             id,
			ConversationID: conversationID,
			Role:           role,
			Content:        content,
			Timestamp:      ts.In(models.StoreZone),
		}
		return nil
	})
	if err != nil {
		return models.Turn{}, persistErr("append", err)
	}
	return turn, nil
}

func (s *SQLStore) RecentTurns(ctx context.Context, conversationID string, limit int) ([]models.Turn, error) {
	if limit <= 0 {
		return []models.Turn{}, nil
	}
	turns, err := s.query(ctx, s.dialect.recent, conversationID, limit)
	if err != nil {
		return nil, persistErr("recent turns", err)
	}
	reverseTurns(turns)
	return turns, nil
}

func (s *SQLStore) AllTurns(ctx context.Context, conversationID string) ([]models.Turn, error) {
	turns, err := s.query(ctx, s.dialect.all, conversationID)
	if err != nil {
		return nil, persistErr("all turns", err)
	}
	return turns, nil
}

func (s *SQLStore) ClearAll(ctx context.Context, conversationID string) error {
	err := s.withTx(ctx, conversationID, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.dialect.clear, conversationID); err != nil {
			return fmt.Errorf("delete turns: %w", err)
		}
		return nil
	})
	return persistErr("clear", err)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// withTx runs fn in a write transaction, rolling back on any error.
func (s *SQLStore) withTx(ctx context.Context, conversationID string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if s.dialect.lock != "" {
		if _, err := tx.ExecContext(ctx, s.dialect.lock, conversationID); err != nil {
			tx.Rollback()
			return fmt.Errorf("lock conversation: %w", err)
		}
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) ([]models.Turn, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	turns := make([]models.Turn, 0)
	for rows.Next() {
		var (
			t         models.Turn
			role      string
			createdAt int64
		)
		if err := rows.Scan(&t.ID, &t.ConversationID, &role, &t.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("row scan failed: %w", err)
		}
		t.Role = models.Role(role)
		t.Timestamp = time.Unix(0, createdAt).In(models.StoreZone)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return turns, nil
}
