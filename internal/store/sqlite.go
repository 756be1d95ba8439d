package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

func init() {
	// modernc registers itself under "sqlite"; sqlx only knows the mattn name.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

const schema = `
CREATE TABLE IF NOT EXISTS user (
	id      INTEGER NOT NULL PRIMARY KEY CHECK (id >= 0),
	name    TEXT NOT NULL DEFAULT '',
	token   TEXT NOT NULL UNIQUE,
	chat_id INTEGER NOT NULL UNIQUE CHECK (chat_id >= 0)
)`

// Store is a shared handle over one sqlite database. It is safe for
// concurrent use from multiple goroutines; conflicting writes are serialized
// by the storage engine.
type Store struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// Open opens (creating if absent) the database file and ensures the schema
// exists. Ensuring the schema is idempotent and never touches existing rows.
func Open(cfg Config, log zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store: db path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create db dir: %w", err)
		}
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	// Pragmas ride the DSN so every pooled connection gets them; a plain Exec
	// would configure only the one connection that happens to serve it.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		cfg.Path, busy.Milliseconds(),
	)
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Path, err)
	}

	pool := cfg.PoolSize
	if pool <= 0 {
		pool = 16
	}
	db.SetMaxOpenConns(pool)
	db.SetMaxIdleConns(pool)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ensure schema: %w", err)
	}

	log.Debug().Str("path", cfg.Path).Int("pool", pool).Msg("store opened")
	return &Store{db: db, log: log}, nil
}

// CreateUser inserts a new record. It returns an error wrapping ErrDuplicate
// when any of the three unique keys already exists; existing records are
// never updated.
func (s *Store) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user (id, name, token, chat_id) VALUES (?, ?, ?, ?)`,
		u.ID, u.Name, u.Token, u.ChatID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: id=%d chat_id=%d", ErrDuplicate, u.ID, u.ChatID)
		}
		return fmt.Errorf("store: create user: %w", err)
	}
	return nil
}

// UserByToken returns the record holding token, or (nil, nil) if absent.
func (s *Store) UserByToken(ctx context.Context, token string) (*User, error) {
	return s.getUser(ctx,
		`SELECT id, name, token, chat_id FROM user WHERE token = ? LIMIT 1`, token)
}

// UserByChat returns the record addressed by chatID, or (nil, nil) if absent.
func (s *Store) UserByChat(ctx context.Context, chatID int64) (*User, error) {
	return s.getUser(ctx,
		`SELECT id, name, token, chat_id FROM user WHERE chat_id = ? LIMIT 1`, chatID)
}

func (s *Store) getUser(ctx context.Context, query string, arg any) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: query user: %w", err)
	}
	return &u, nil
}

// CountUsers reports the number of registered users.
func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM user`); err != nil {
		return 0, fmt.Errorf("store: count users: %w", err)
	}
	return n, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// isUniqueViolation decides duplicate-key at the storage boundary from the
// sqlite extended result code, never from formatted error text.
func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}
