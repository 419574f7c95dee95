package metering

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PaidCall is the receipt for one settled, spend-approved request.
type PaidCall struct {
	ReceiptID      string    `json:"receiptId"`
	RequestID      string    `json:"requestId"`
	TaskID         string    `json:"taskId"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	PolicyID       string    `json:"policyId"`
	ProofID        string    `json:"proofId"`
	Network        string    `json:"network"`
	TxRef          string    `json:"txRef"`
	Receiver       string    `json:"receiver"`
	AmountUSD      float64   `json:"amountUsd"`
	Outcome        string    `json:"outcome"`
	DurationMs     int64     `json:"durationMs"`
	PaidAt         time.Time `json:"paidAt"`
}

// Task outcomes recorded on receipts.
const (
	OutcomeCompleted = "completed"
	OutcomeTimeout   = "timeout"
	OutcomeFailed    = "failed"
)

// ErrInvalidCursor is returned by List for a cursor it did not issue.
var ErrInvalidCursor = errors.New("invalid cursor")

// ReceiptQuery pages through receipts newest first.
type ReceiptQuery struct {
	PolicyID string `json:"policy_id,omitempty"`
	Cursor   string `json:"cursor,omitempty"`
	Limit    int    `json:"limit"`
}

func (q ReceiptQuery) limit() int {
	if q.Limit <= 0 || q.Limit > 500 {
		return 50
	}
	return q.Limit
}

// encodeCursor encodes a timestamp and id into an opaque cursor string.
func encodeCursor(ts time.Time, id string) string {
	raw := ts.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor decodes an opaque cursor string into a timestamp and id.
func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}

// page trims calls fetched with limit+1 rows and returns the next cursor.
func page(calls []*PaidCall, limit int) ([]*PaidCall, string) {
	if len(calls) <= limit {
		return calls, ""
	}
	last := calls[limit-1]
	return calls[:limit], encodeCursor(last.PaidAt, last.ReceiptID)
}
