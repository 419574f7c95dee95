package metering

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS paid_calls (
	receipt_id      TEXT PRIMARY KEY,
	request_id      TEXT NOT NULL,
	task_id         TEXT NOT NULL,
	idempotency_key TEXT NOT NULL DEFAULT '',
	policy_id       TEXT NOT NULL,
	proof_id        TEXT NOT NULL,
	network         TEXT NOT NULL,
	tx_ref          TEXT NOT NULL,
	receiver        TEXT NOT NULL,
	amount_usd      REAL NOT NULL,
	outcome         TEXT NOT NULL,
	duration_ms     INTEGER NOT NULL,
	paid_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_paid_calls_paid_at ON paid_calls (paid_at DESC, receipt_id DESC)`

// sqliteTime is fixed width so that stored timestamps sort as text.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore persists receipts in a sqlite paid_calls table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the paid_calls table if needed.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("creating paid_calls table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// BatchInsert writes receipts in one transaction.
func (s *SQLiteStore) BatchInsert(ctx context.Context, calls []PaidCall) error {
	if len(calls) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning receipt batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO paid_calls (`+paidCallColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing receipt insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range calls {
		_, err := stmt.ExecContext(ctx,
			c.ReceiptID, c.RequestID, c.TaskID, c.IdempotencyKey, c.PolicyID,
			c.ProofID, c.Network, c.TxRef, c.Receiver, c.AmountUSD,
			c.Outcome, c.DurationMs, c.PaidAt.UTC().Format(sqliteTime),
		)
		if err != nil {
			return fmt.Errorf("inserting receipt %s: %w", c.ReceiptID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing receipt batch: %w", err)
	}
	return nil
}

// List returns a page of receipts, newest first.
func (s *SQLiteStore) List(ctx context.Context, q ReceiptQuery) ([]*PaidCall, string, error) {
	limit := q.limit()

	var (
		conditions []string
		args       []any
	)
	if q.PolicyID != "" {
		conditions = append(conditions, "policy_id = ?")
		args = append(args, q.PolicyID)
	}
	if q.Cursor != "" {
		ts, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
		}
		conditions = append(conditions, "(paid_at, receipt_id) < (?, ?)")
		args = append(args, ts.UTC().Format(sqliteTime), id)
	}

	query := `SELECT ` + paidCallColumns + ` FROM paid_calls`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY paid_at DESC, receipt_id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing paid calls: %w", err)
	}
	defer rows.Close()

	var calls []*PaidCall
	for rows.Next() {
		var (
			c      PaidCall
			paidAt string
		)
		if err := rows.Scan(
			&c.ReceiptID, &c.RequestID, &c.TaskID, &c.IdempotencyKey, &c.PolicyID,
			&c.ProofID, &c.Network, &c.TxRef, &c.Receiver, &c.AmountUSD,
			&c.Outcome, &c.DurationMs, &paidAt,
		); err != nil {
			return nil, "", fmt.Errorf("scanning paid call row: %w", err)
		}
		if c.PaidAt, err = time.Parse(sqliteTime, paidAt); err != nil {
			return nil, "", fmt.Errorf("parsing paid_at: %w", err)
		}
		calls = append(calls, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating paid call rows: %w", err)
	}

	calls, next := page(calls, limit)
	return calls, next, nil
}
