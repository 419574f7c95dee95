// Package idempotency makes retried requests safe: identical replays return
// the original response, conflicting payloads under a reused key are rejected
// and successful responses are recorded exactly once.
package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Record is the stored outcome of the first successful request for a key.
type Record struct {
	Key          string          `json:"key"`
	RequestHash  string          `json:"requestHash"`
	StatusCode   int             `json:"statusCode"`
	ResponseBody json.RawMessage `json:"responseBody"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Store maps idempotency keys to records. Records are immutable: Set inserts
// rec only if no record exists for rec.Key and reports whether it did.
type Store interface {
	Get(ctx context.Context, key string) (Record, bool, error)
	Set(ctx context.Context, rec Record) (bool, error)
}

// MemoryStore is a process-local Store. It is safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	return rec, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, rec Record) (bool, error) {
	body := make(json.RawMessage, len(rec.ResponseBody))
	copy(body, rec.ResponseBody)
	rec.ResponseBody = body

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.Key]; exists {
		return false, nil
	}
	s.records[rec.Key] = rec
	return true, nil
}
