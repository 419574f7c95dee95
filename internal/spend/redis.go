package spend

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// trySpendScript performs the check-then-increment atomically in Redis.
// Totals are stored as integer micro-dollars.
// KEYS[1] = total key
// ARGV[1] = amount (micro-USD)
// ARGV[2] = cap (micro-USD, or -1 for no cap)
// ARGV[3] = current unix time in milliseconds
var trySpendScript = redis.NewScript(`
local key = KEYS[1]
local amount = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
local now = ARGV[3]

local previous = tonumber(redis.call("HGET", key, "total_micros")) or 0
local total = previous + amount

if cap >= 0 and total > cap then
    return {0, previous, total}
end

redis.call("HSET", key, "total_micros", total, "updated_at", now)
return {1, previous, total}
`)

// RedisStore shares the spend ledger across gateway instances through Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a spend store using the given client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "x402gate:spend:", now: time.Now}
}

func (s *RedisStore) key(policyID string) string {
	return s.prefix + policyID
}

func (s *RedisStore) TrySpend(ctx context.Context, policyID string, amountUSD, capUSD float64) (Result, error) {
	capMicros := int64(-1)
	if capUSD < fromMicros(math.MaxInt64/2) {
		capMicros = toMicros(capUSD)
	}

	raw, err := trySpendScript.Run(ctx, s.client,
		[]string{s.key(policyID)},
		toMicros(amountUSD), capMicros, s.now().UnixMilli(),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("running spend script: %w", err)
	}
	if len(raw) != 3 {
		return Result{}, fmt.Errorf("unexpected spend script result: %v", raw)
	}

	return Result{
		Allowed:       raw[0] == 1,
		PreviousTotal: fromMicros(raw[1]),
		NewTotal:      fromMicros(raw[2]),
		CapUSD:        capUSD,
	}, nil
}

func (s *RedisStore) TotalSpend(ctx context.Context, policyID string) (float64, error) {
	micros, err := s.client.HGet(ctx, s.key(policyID), "total_micros").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading spend total: %w", err)
	}
	return fromMicros(micros), nil
}

func (s *RedisStore) Reset(ctx context.Context, policyID string) error {
	if err := s.client.Del(ctx, s.key(policyID)).Err(); err != nil {
		return fmt.Errorf("resetting spend total: %w", err)
	}
	return nil
}
