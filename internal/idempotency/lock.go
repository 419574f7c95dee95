package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serializes requests that share an idempotency key so that only one
// of them reaches payment resolution and spend at a time. The returned unlock
// function is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// NopLocker performs no serialization. Concurrent first requests under the
// same key may both run to completion.
type NopLocker struct{}

func (NopLocker) Lock(context.Context, string) (func(), error) {
	return func() {}, nil
}

// LocalLocker serializes keys within a single process.
type LocalLocker struct {
	mu       sync.Mutex
	inFlight map[string]chan struct{}
}

// NewLocalLocker creates a LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{inFlight: make(map[string]chan struct{})}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	for {
		l.mu.Lock()
		waitCh, busy := l.inFlight[key]
		if !busy {
			done := make(chan struct{})
			l.inFlight[key] = done
			l.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.inFlight, key)
					l.mu.Unlock()
					close(done)
				})
			}, nil
		}
		l.mu.Unlock()

		select {
		case <-waitCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// releaseScript deletes the lock only if it still holds our token, so an
// expired lock re-acquired by another instance is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock TTL while it still holds our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

const releaseTimeout = 5 * time.Second

// RedisLocker serializes keys across gateway instances sharing a Redis. A held
// lock is refreshed every ttl/3 until released, so it outlives slow tasks; the
// TTL only matters once the holder stops refreshing.
type RedisLocker struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	refresh time.Duration
	retry   time.Duration
}

// NewRedisLocker creates a RedisLocker. ttl bounds how long a crashed holder
// can block the key.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	refresh := ttl / 3
	if refresh <= 0 {
		refresh = time.Millisecond
	}
	return &RedisLocker{
		client:  client,
		prefix:  "x402gate:idem-lock:",
		ttl:     ttl,
		refresh: refresh,
		retry:   25 * time.Millisecond,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := l.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquiring idempotency lock: %w", err)
		}
		if ok {
			return l.hold(lockKey, token), nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// hold starts refreshing an acquired lock and returns its unlock function.
func (l *RedisLocker) hold(lockKey, token string) func() {
	stop := make(chan struct{})
	stopped := make(chan struct{})
	go l.keepAlive(lockKey, token, stop, stopped)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-stopped

			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{lockKey}, token).Err(); err != nil {
				slog.Warn("releasing idempotency lock", "key", lockKey, "ttl", l.ttl, "error", err)
			}
		})
	}
}

func (l *RedisLocker) keepAlive(lockKey, token string, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(l.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.refresh)
		n, err := refreshScript.Run(ctx, l.client, []string{lockKey}, token, l.ttl.Milliseconds()).Int()
		cancel()
		switch {
		case err != nil:
			slog.Warn("refreshing idempotency lock", "key", lockKey, "error", err)
		case n == 0:
			slog.Warn("idempotency lock lost before release", "key", lockKey)
			return
		}
	}
}
