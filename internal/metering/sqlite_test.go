package metering

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alecgard/x402gate/internal/storage"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewSQLiteStore(context.Background(), db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestSQLiteStoreInsertAndList(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	var calls []PaidCall
	for i := 0; i < 5; i++ {
		c := sampleCall(fmt.Sprintf("rcpt_%d", i))
		c.PaidAt = base.Add(time.Duration(i) * time.Second)
		if i == 4 {
			c.PolicyID = "other"
		}
		calls = append(calls, c)
	}
	if err := s.BatchInsert(ctx, calls); err != nil {
		t.Fatalf("BatchInsert: %v", err)
	}
	// Duplicate receipts are ignored.
	if err := s.BatchInsert(ctx, calls[:1]); err != nil {
		t.Fatalf("duplicate BatchInsert: %v", err)
	}

	first, next, err := s.List(ctx, ReceiptQuery{Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(first) != 2 || first[0].ReceiptID != "rcpt_4" || first[1].ReceiptID != "rcpt_3" {
		t.Fatalf("first page = %v", ids(first))
	}
	if next == "" {
		t.Fatal("expected a next cursor")
	}
	if !first[0].PaidAt.Equal(base.Add(4 * time.Second)) {
		t.Errorf("paid_at = %v", first[0].PaidAt)
	}

	second, next, err := s.List(ctx, ReceiptQuery{Limit: 2, Cursor: next})
	if err != nil {
		t.Fatalf("List page 2: %v", err)
	}
	if len(second) != 2 || second[0].ReceiptID != "rcpt_2" || second[1].ReceiptID != "rcpt_1" {
		t.Fatalf("second page = %v", ids(second))
	}

	third, next, err := s.List(ctx, ReceiptQuery{Limit: 2, Cursor: next})
	if err != nil {
		t.Fatalf("List page 3: %v", err)
	}
	if len(third) != 1 || next != "" {
		t.Fatalf("third page = %v, next %q", ids(third), next)
	}

	filtered, _, err := s.List(ctx, ReceiptQuery{PolicyID: "other"})
	if err != nil {
		t.Fatalf("List filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ReceiptID != "rcpt_4" {
		t.Fatalf("filtered = %v", ids(filtered))
	}
}

func TestSQLiteStoreInvalidCursor(t *testing.T) {
	s := newTestSQLiteStore(t)
	_, _, err := s.List(context.Background(), ReceiptQuery{Cursor: "!!"})
	if !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("expected ErrInvalidCursor, got %v", err)
	}
}

func TestCollectorWithSQLiteStore(t *testing.T) {
	s := newTestSQLiteStore(t)
	c := NewCollector(s, 2, time.Hour)

	c.Record(sampleCall("a"))
	c.Record(sampleCall("b"))

	got, _, err := s.List(context.Background(), ReceiptQuery{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 stored receipts, got %d", len(got))
	}
}

func ids(calls []*PaidCall) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.ReceiptID
	}
	return out
}
