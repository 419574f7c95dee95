package metering

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists receipts in the paid_calls table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new store backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const paidCallColumns = `receipt_id, request_id, task_id, idempotency_key, policy_id,
	proof_id, network, tx_ref, receiver, amount_usd, outcome, duration_ms, paid_at`

// BatchInsert writes receipts in a single multi-row INSERT statement. It is a
// no-op when calls is empty.
func (s *PostgresStore) BatchInsert(ctx context.Context, calls []PaidCall) error {
	if len(calls) == 0 {
		return nil
	}

	const cols = 13
	args := make([]any, 0, len(calls)*cols)
	rows := make([]string, 0, len(calls))

	for i, c := range calls {
		placeholders := make([]string, cols)
		for j := range placeholders {
			placeholders[j] = "$" + strconv.Itoa(i*cols+j+1)
		}
		rows = append(rows, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			c.ReceiptID, c.RequestID, c.TaskID, c.IdempotencyKey, c.PolicyID,
			c.ProofID, c.Network, c.TxRef, c.Receiver, c.AmountUSD,
			c.Outcome, c.DurationMs, c.PaidAt,
		)
	}

	query := `INSERT INTO paid_calls (` + paidCallColumns + `) VALUES ` +
		strings.Join(rows, ", ") + ` ON CONFLICT (receipt_id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("batch inserting paid calls: %w", err)
	}
	return nil
}

// List returns a page of receipts ordered by paid_at DESC, receipt_id DESC,
// and the cursor for the next page (empty when there are no more).
func (s *PostgresStore) List(ctx context.Context, q ReceiptQuery) ([]*PaidCall, string, error) {
	limit := q.limit()

	var (
		conditions []string
		args       []any
	)
	if q.PolicyID != "" {
		args = append(args, q.PolicyID)
		conditions = append(conditions, fmt.Sprintf("policy_id = $%d", len(args)))
	}
	if q.Cursor != "" {
		ts, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
		}
		args = append(args, ts, id)
		conditions = append(conditions, fmt.Sprintf("(paid_at, receipt_id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT ` + paidCallColumns + ` FROM paid_calls`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, limit+1)
	query += ` ORDER BY paid_at DESC, receipt_id DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing paid calls: %w", err)
	}
	defer rows.Close()

	var calls []*PaidCall
	for rows.Next() {
		var c PaidCall
		if err := rows.Scan(
			&c.ReceiptID, &c.RequestID, &c.TaskID, &c.IdempotencyKey, &c.PolicyID,
			&c.ProofID, &c.Network, &c.TxRef, &c.Receiver, &c.AmountUSD,
			&c.Outcome, &c.DurationMs, &c.PaidAt,
		); err != nil {
			return nil, "", fmt.Errorf("scanning paid call row: %w", err)
		}
		calls = append(calls, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating paid call rows: %w", err)
	}

	calls, next := page(calls, limit)
	return calls, next, nil
}
