package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore shares records across gateway instances through the
// idempotency_records table created by the migrations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new store backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Get(ctx context.Context, key string) (Record, bool, error) {
	var (
		rec  Record
		body string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT key, request_hash, status_code, response_body, created_at
		 FROM idempotency_records
		 WHERE key = $1`,
		key,
	).Scan(&rec.Key, &rec.RequestHash, &rec.StatusCode, &body, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("getting idempotency record: %w", err)
	}
	rec.ResponseBody = []byte(body)
	return rec, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, rec Record) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO idempotency_records (key, request_hash, status_code, response_body, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key) DO NOTHING`,
		rec.Key, rec.RequestHash, rec.StatusCode, string(rec.ResponseBody), rec.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("storing idempotency record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
