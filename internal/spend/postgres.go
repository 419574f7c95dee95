package spend

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore shares the spend ledger across gateway instances. The
// policy's row is locked with SELECT ... FOR UPDATE for the duration of the
// check-then-increment.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new spend store backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) TrySpend(ctx context.Context, policyID string, amountUSD, capUSD float64) (Result, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("beginning spend transaction: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	_, err = tx.Exec(ctx,
		`INSERT INTO spend_totals (policy_id, total_usd, updated_at)
		 VALUES ($1, 0, now())
		 ON CONFLICT (policy_id) DO NOTHING`,
		policyID,
	)
	if err != nil {
		return Result{}, fmt.Errorf("ensuring spend row: %w", err)
	}

	var previous float64
	err = tx.QueryRow(ctx,
		`SELECT total_usd FROM spend_totals WHERE policy_id = $1 FOR UPDATE`,
		policyID,
	).Scan(&previous)
	if err != nil {
		return Result{}, fmt.Errorf("locking spend row: %w", err)
	}

	res := evaluate(previous, amountUSD, capUSD)
	if !res.Allowed {
		return res, nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE spend_totals SET total_usd = $2, updated_at = now() WHERE policy_id = $1`,
		policyID, res.NewTotal,
	)
	if err != nil {
		return Result{}, fmt.Errorf("updating spend total: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("committing spend transaction: %w", err)
	}
	return res, nil
}

func (s *PostgresStore) TotalSpend(ctx context.Context, policyID string) (float64, error) {
	var total float64
	err := s.pool.QueryRow(ctx,
		`SELECT total_usd FROM spend_totals WHERE policy_id = $1`,
		policyID,
	).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading spend total: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) Reset(ctx context.Context, policyID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM spend_totals WHERE policy_id = $1`, policyID); err != nil {
		return fmt.Errorf("resetting spend total: %w", err)
	}
	return nil
}
