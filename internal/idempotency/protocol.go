package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Decision is the outcome of looking up an idempotency key. It is one of
// Proceed, Replay or Conflict.
type Decision interface {
	decision()
}

// Proceed means no record exists (or no key was supplied) and the request
// should be handled normally.
type Proceed struct{}

// Replay carries the stored response that must be returned verbatim.
type Replay struct {
	Record Record
}

// Conflict means the key was already used with a different payload.
type Conflict struct {
	Key string
}

func (Proceed) decision()  {}
func (Replay) decision()   {}
func (Conflict) decision() {}

// Protocol runs the replay check and record write around a request.
type Protocol struct {
	store  Store
	locker Locker
	now    func() time.Time
}

// NewProtocol creates a Protocol. A nil locker disables per-key serialization.
func NewProtocol(store Store, locker Locker) *Protocol {
	if locker == nil {
		locker = NopLocker{}
	}
	return &Protocol{store: store, locker: locker, now: time.Now}
}

// Session is an in-progress request under one idempotency key. Callers must
// Close it once the response has been produced.
type Session struct {
	p        *Protocol
	key      string
	hash     string
	decision Decision
	unlock   func()
	written  bool
}

// Begin looks up key and decides how the request proceeds. An empty key makes
// the protocol a no-op: the decision is always Proceed and Commit stores
// nothing. When a locker is configured the key stays locked until Close.
func (p *Protocol) Begin(ctx context.Context, key, requestHash string) (*Session, error) {
	s := &Session{p: p, key: key, hash: requestHash, decision: Proceed{}, unlock: func() {}}
	if key == "" {
		return s, nil
	}

	unlock, err := p.locker.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("locking idempotency key: %w", err)
	}
	s.unlock = unlock

	rec, ok, err := p.store.Get(ctx, key)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("looking up idempotency key: %w", err)
	}
	switch {
	case !ok:
	case rec.RequestHash == requestHash:
		s.decision = Replay{Record: rec}
	default:
		s.decision = Conflict{Key: key}
	}
	return s, nil
}

// Key returns the idempotency key, or "" when none was supplied.
func (s *Session) Key() string { return s.key }

// Decision reports how the request should proceed.
func (s *Session) Decision() Decision { return s.decision }

// Commit records a response. Only the first 2xx response of a Proceed
// session with a key is stored; every other call is a no-op. It reports
// whether a record was written, which is false when another session already
// recorded the key.
func (s *Session) Commit(ctx context.Context, status int, body json.RawMessage) (bool, error) {
	if s.key == "" || s.written || status < 200 || status > 299 {
		return false, nil
	}
	if _, ok := s.decision.(Proceed); !ok {
		return false, nil
	}

	rec := Record{
		Key:          s.key,
		RequestHash:  s.hash,
		StatusCode:   status,
		ResponseBody: body,
		CreatedAt:    s.p.now().UTC(),
	}
	created, err := s.p.store.Set(ctx, rec)
	if err != nil {
		return false, err
	}
	s.written = true
	return created, nil
}

// Close releases the per-key lock. It is safe to call more than once.
func (s *Session) Close() {
	s.unlock()
}
