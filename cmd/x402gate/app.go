package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/alecgard/x402gate/internal/api"
	"github.com/alecgard/x402gate/internal/config"
	"github.com/alecgard/x402gate/internal/gateway"
	"github.com/alecgard/x402gate/internal/idempotency"
	"github.com/alecgard/x402gate/internal/metering"
	"github.com/alecgard/x402gate/internal/metrics"
	"github.com/alecgard/x402gate/internal/payment"
	"github.com/alecgard/x402gate/internal/ratelimit"
	"github.com/alecgard/x402gate/internal/runtime"
	"github.com/alecgard/x402gate/internal/spend"
	"github.com/alecgard/x402gate/internal/storage"
)

// resources opens backend handles on first use and shares them between the
// stores that need them. sqlite handles are keyed by path.
type resources struct {
	cfg    *config.Config
	sqlite map[string]*sql.DB
	pool   *pgxpool.Pool
	redis  *redis.Client
}

func newResources(cfg *config.Config) *resources {
	return &resources{cfg: cfg, sqlite: make(map[string]*sql.DB)}
}

func (r *resources) sqliteDB(ctx context.Context, path string) (*sql.DB, error) {
	if db, ok := r.sqlite[path]; ok {
		return db, nil
	}
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	r.sqlite[path] = db
	slog.Info("opened sqlite database", "path", path)
	return db, nil
}

func (r *resources) postgres(ctx context.Context) (*pgxpool.Pool, error) {
	if r.pool != nil {
		return r.pool, nil
	}
	pool, err := storage.OpenPostgres(ctx, r.cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	r.pool = pool
	slog.Info("connected to database")
	return pool, nil
}

func (r *resources) redisClient(ctx context.Context) (*redis.Client, error) {
	if r.redis != nil {
		return r.redis, nil
	}
	client, err := storage.OpenRedis(ctx, storage.RedisOptions{
		Addr:     r.cfg.Redis.Addr,
		Password: r.cfg.Redis.Password,
		DB:       r.cfg.Redis.DB,
	})
	if err != nil {
		return nil, err
	}
	r.redis = client
	slog.Info("connected to redis", "addr", r.cfg.Redis.Addr)
	return client, nil
}

// registerPools exposes pool gauges for every opened database.
func (r *resources) registerPools(m *metrics.Metrics) {
	if r.pool != nil {
		pool := r.pool
		m.RegisterDBPoolCollector(storage.Postgres, func() metrics.PoolStats {
			s := pool.Stat()
			return metrics.PoolStats{
				Total:    int(s.TotalConns()),
				Idle:     int(s.IdleConns()),
				Acquired: int(s.AcquiredConns()),
			}
		})
	}
	if len(r.sqlite) > 0 {
		dbs := make([]*sql.DB, 0, len(r.sqlite))
		for _, db := range r.sqlite {
			dbs = append(dbs, db)
		}
		m.RegisterDBPoolCollector(storage.SQLite, func() metrics.PoolStats {
			var out metrics.PoolStats
			for _, db := range dbs {
				s := db.Stats()
				out.Total += s.OpenConnections
				out.Idle += s.Idle
				out.Acquired += s.InUse
			}
			return out
		})
	}
}

func (r *resources) Close() {
	for path, db := range r.sqlite {
		if err := db.Close(); err != nil {
			slog.Warn("closing sqlite database", "path", path, "error", err)
		}
	}
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			slog.Warn("closing redis client", "error", err)
		}
	}
	if r.pool != nil {
		r.pool.Close()
	}
}

func buildSpendStore(ctx context.Context, cfg *config.Config, res *resources) (spend.Store, error) {
	switch cfg.Spend.Backend {
	case config.BackendMemory:
		return spend.NewMemoryStore(), nil
	case config.BackendSQLite:
		db, err := res.sqliteDB(ctx, cfg.Spend.SQLitePath)
		if err != nil {
			return nil, err
		}
		return spend.NewSQLiteStore(ctx, db)
	case config.BackendPostgres:
		pool, err := res.postgres(ctx)
		if err != nil {
			return nil, err
		}
		return spend.NewPostgresStore(pool), nil
	case config.BackendRedis:
		client, err := res.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return spend.NewRedisStore(client), nil
	}
	return nil, fmt.Errorf("%w: spend backend %q", storage.ErrUnsupportedBackend, cfg.Spend.Backend)
}

func buildIdempotency(ctx context.Context, cfg *config.Config, res *resources) (*idempotency.Protocol, error) {
	var store idempotency.Store
	switch cfg.Idempotency.Backend {
	case config.BackendMemory:
		store = idempotency.NewMemoryStore()
	case config.BackendSQLite:
		db, err := res.sqliteDB(ctx, cfg.Idempotency.SQLitePath)
		if err != nil {
			return nil, err
		}
		s, err := idempotency.NewSQLiteStore(ctx, db)
		if err != nil {
			return nil, err
		}
		store = s
	case config.BackendPostgres:
		pool, err := res.postgres(ctx)
		if err != nil {
			return nil, err
		}
		store = idempotency.NewPostgresStore(pool)
	default:
		return nil, fmt.Errorf("%w: idempotency backend %q", storage.ErrUnsupportedBackend, cfg.Idempotency.Backend)
	}

	var locker idempotency.Locker
	switch cfg.Idempotency.Lock {
	case config.LockNone:
		locker = idempotency.NopLocker{}
	case config.LockLocal:
		locker = idempotency.NewLocalLocker()
	case config.LockRedis:
		client, err := res.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		locker = idempotency.NewRedisLocker(client, cfg.Idempotency.LockTTL)
	default:
		return nil, fmt.Errorf("%w: idempotency lock %q", storage.ErrUnsupportedBackend, cfg.Idempotency.Lock)
	}

	return idempotency.NewProtocol(store, locker), nil
}

type receiptStore interface {
	metering.BatchInserter
	api.ReceiptLister
}

// buildReceiptStore returns nil when metering is disabled.
func buildReceiptStore(ctx context.Context, cfg *config.Config, res *resources) (receiptStore, error) {
	if !cfg.Metering.Enabled {
		return nil, nil
	}
	switch cfg.Metering.Backend {
	case config.BackendSQLite:
		db, err := res.sqliteDB(ctx, cfg.Metering.SQLitePath)
		if err != nil {
			return nil, err
		}
		return metering.NewSQLiteStore(ctx, db)
	case config.BackendPostgres:
		pool, err := res.postgres(ctx)
		if err != nil {
			return nil, err
		}
		return metering.NewPostgresStore(pool), nil
	}
	return nil, fmt.Errorf("%w: metering backend %q", storage.ErrUnsupportedBackend, cfg.Metering.Backend)
}

func buildRuntime(cfg *config.Config) runtime.Runtime {
	if cfg.Task.ExecutorURL == "" {
		return runtime.StubRuntime{}
	}
	return runtime.NewHTTPRuntime(cfg.Task.ExecutorURL, &http.Client{})
}

// app is a fully wired gateway. Close releases backend handles; the caller
// starts and stops the collector.
type app struct {
	handler   http.Handler
	spend     spend.Store
	metrics   *metrics.Metrics
	collector *metering.Collector
	res       *resources
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	res := newResources(cfg)

	idem, err := buildIdempotency(ctx, cfg, res)
	if err != nil {
		res.Close()
		return nil, fmt.Errorf("building idempotency store: %w", err)
	}
	ledger, err := buildSpendStore(ctx, cfg, res)
	if err != nil {
		res.Close()
		return nil, fmt.Errorf("building spend store: %w", err)
	}
	receipts, err := buildReceiptStore(ctx, cfg, res)
	if err != nil {
		res.Close()
		return nil, fmt.Errorf("building receipt store: %w", err)
	}

	m := metrics.New()
	res.registerPools(m)

	deps := gateway.Deps{
		Payment: cfg.Gateway.Payment(),
		Policy:  cfg.Policy,
		Provider: payment.NewProvider(cfg.Gateway.Provider, payment.Options{
			SimulateInvalid:   cfg.Gateway.SimulateInvalid,
			SimulateUnsettled: cfg.Gateway.SimulateUnsettled,
		}),
		Idempotency: idem,
		Spend:       ledger,
		Executor:    runtime.WithTimeout(buildRuntime(cfg), cfg.Task.Timeout),
		Metrics:     m,
	}
	routerDeps := api.RouterDeps{
		Spend:          ledger,
		Metrics:        m,
		AdminKey:       cfg.Admin.Key,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Version:        version,
	}

	if cfg.RateLimit.Requests > 0 {
		routerDeps.Limiter = ratelimit.New(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	}

	a := &app{spend: ledger, metrics: m, res: res}
	if receipts != nil {
		a.collector = metering.NewCollector(receipts, cfg.Metering.BatchSize, cfg.Metering.FlushInterval,
			metering.WithFlushObserver(m.ObserveReceiptFlush))
		deps.Receipts = a.collector
		routerDeps.Receipts = receipts
	}

	routerDeps.Gateway = gateway.New(deps)
	a.handler = api.NewRouter(routerDeps)

	slog.Info("gateway configured",
		"provider", cfg.Gateway.Provider,
		"price_usd", cfg.Gateway.PriceUSD,
		"policy_id", cfg.Policy.PolicyID,
		"idempotency_backend", cfg.Idempotency.Backend,
		"idempotency_lock", cfg.Idempotency.Lock,
		"spend_backend", cfg.Spend.Backend,
		"metering", cfg.Metering.Enabled,
		"rate_limit", cfg.RateLimit.Requests,
	)
	return a, nil
}

func (a *app) Close() { a.res.Close() }
