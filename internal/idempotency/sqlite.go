package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS idempotency_records (
	key           TEXT PRIMARY KEY,
	request_hash  TEXT NOT NULL,
	status_code   INTEGER NOT NULL,
	response_body TEXT NOT NULL,
	created_at    TEXT NOT NULL
)`

// SQLiteStore persists records in a sqlite table, one row per key.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the idempotency table if needed and returns a store
// backed by db.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("creating idempotency_records table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (Record, bool, error) {
	var (
		rec       Record
		body      string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, request_hash, status_code, response_body, created_at
		 FROM idempotency_records
		 WHERE key = ?`,
		key,
	).Scan(&rec.Key, &rec.RequestHash, &rec.StatusCode, &body, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("getting idempotency record: %w", err)
	}

	rec.ResponseBody = []byte(body)
	rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Record{}, false, fmt.Errorf("parsing idempotency record timestamp: %w", err)
	}
	return rec, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, rec Record) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO idempotency_records
		 (key, request_hash, status_code, response_body, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.Key, rec.RequestHash, rec.StatusCode, string(rec.ResponseBody),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("storing idempotency record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storing idempotency record: %w", err)
	}
	return n == 1, nil
}
