package spend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS spend_totals (
	policy_id  TEXT PRIMARY KEY,
	total_usd  REAL NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
)`

// SQLiteStore is a durable Store. Each TrySpend runs in a BEGIN IMMEDIATE
// transaction so the write lock is held from the read to the write.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates the spend_totals table if needed.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("creating spend_totals table: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) TrySpend(ctx context.Context, policyID string, amountUSD, capUSD float64) (res Result, err error) {
	// BEGIN/COMMIT must run on the same connection as the statements
	// between them.
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("acquiring sqlite connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return Result{}, fmt.Errorf("beginning spend transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		}
	}()

	previous, err := readTotal(ctx, conn, policyID)
	if err != nil {
		return Result{}, err
	}

	res = evaluate(previous, amountUSD, capUSD)
	if !res.Allowed {
		return res, nil
	}

	_, err = conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO spend_totals (policy_id, total_usd, updated_at)
		 VALUES (?, ?, ?)`,
		policyID, res.NewTotal, s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return Result{}, fmt.Errorf("writing spend total: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return Result{}, fmt.Errorf("committing spend transaction: %w", err)
	}
	committed = true
	return res, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readTotal(ctx context.Context, q queryRower, policyID string) (float64, error) {
	var total float64
	err := q.QueryRowContext(ctx,
		`SELECT total_usd FROM spend_totals WHERE policy_id = ?`,
		policyID,
	).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading spend total: %w", err)
	}
	return total, nil
}

func (s *SQLiteStore) TotalSpend(ctx context.Context, policyID string) (float64, error) {
	return readTotal(ctx, s.db, policyID)
}

func (s *SQLiteStore) Reset(ctx context.Context, policyID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM spend_totals WHERE policy_id = ?`, policyID); err != nil {
		return fmt.Errorf("resetting spend total: %w", err)
	}
	return nil
}
