// Package spend keeps per-policy running totals and enforces session caps
// with an atomic check-then-increment.
package spend

import (
	"context"
	"math"
	"sync"
)

// Result describes one TrySpend attempt. When Allowed is false the ledger is
// unchanged and NewTotal is the total the attempt would have produced.
type Result struct {
	Allowed       bool    `json:"allowed"`
	PreviousTotal float64 `json:"previousTotal"`
	NewTotal      float64 `json:"newTotal"`
	CapUSD        float64 `json:"capUsd"`
}

// Store is a per-policy spend ledger.
//
// TrySpend must be linearizable per policy: reading the previous total,
// comparing against the cap and writing the new total happen as one unit.
// TotalSpend is an informational read with no ordering guarantee relative to
// concurrent TrySpend calls.
type Store interface {
	TrySpend(ctx context.Context, policyID string, amountUSD, capUSD float64) (Result, error)
	TotalSpend(ctx context.Context, policyID string) (float64, error)
	Reset(ctx context.Context, policyID string) error
}

// NoCap is the cap used when a policy has no session limit. Totals are still
// recorded.
const NoCap = math.MaxFloat64

// microsPerUSD is the ledger resolution. Totals are rounded to whole
// micro-dollars so repeated float additions compare cleanly against caps.
const microsPerUSD = 1_000_000

func toMicros(usd float64) int64 {
	return int64(math.Round(usd * microsPerUSD))
}

func fromMicros(m int64) float64 {
	return float64(m) / microsPerUSD
}

// addUSD returns a+b rounded to ledger resolution.
func addUSD(a, b float64) float64 {
	return math.Round((a+b)*microsPerUSD) / microsPerUSD
}

// evaluate applies the cap rule shared by every backend.
func evaluate(previous, amountUSD, capUSD float64) Result {
	next := addUSD(previous, amountUSD)
	return Result{
		Allowed:       next <= capUSD,
		PreviousTotal: previous,
		NewTotal:      next,
		CapUSD:        capUSD,
	}
}

// MemoryStore is a process-local Store guarded by a single mutex.
type MemoryStore struct {
	mu     sync.Mutex
	totals map[string]float64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{totals: make(map[string]float64)}
}

func (s *MemoryStore) TrySpend(_ context.Context, policyID string, amountUSD, capUSD float64) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := evaluate(s.totals[policyID], amountUSD, capUSD)
	if res.Allowed {
		s.totals[policyID] = res.NewTotal
	}
	return res, nil
}

func (s *MemoryStore) TotalSpend(_ context.Context, policyID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals[policyID], nil
}

func (s *MemoryStore) Reset(_ context.Context, policyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.totals, policyID)
	return nil
}
