package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pulse/pkg/platform/sentinel"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS pulse_kv (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	)`,
}

// SQLiteStore is the durable store for hosts with a writable data directory.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithSQLiteTTL expires records ttl after their last write.
func WithSQLiteTTL(ttl time.Duration) SQLiteOption {
	return func(s *SQLiteStore) {
		s.ttl = ttl
	}
}

// WithSQLiteClock overrides the clock used for timestamps and expiry.
func WithSQLiteClock(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSQLite applies the schema and returns a store over db.
func NewSQLite(ctx context.Context, db *sql.DB, opts ...SQLiteOption) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return s, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		value     []byte
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM pulse_kv WHERE key = ?`, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get %s: %w: %w", key, sentinel.ErrUnavailable, err)
	}
	if expiresAt > 0 && s.now().UnixMilli() >= expiresAt {
		return nil, sentinel.ErrNotFound
	}
	return value, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	now := s.now()
	var expiresAt int64
	if s.ttl > 0 {
		expiresAt = now.Add(s.ttl).UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pulse_kv (key, value, updated_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value,
			updated_at = excluded.updated_at, expires_at = excluded.expires_at`,
		key, value, now.UnixMilli(), expiresAt)
	if err != nil {
		return fmt.Errorf("sqlite set %s: %w: %w", key, sentinel.ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pulse_kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite delete %s: %w: %w", key, sentinel.ErrUnavailable, err)
	}
	return nil
}
