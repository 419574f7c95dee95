package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alecgard/x402gate/internal/payment"
	"github.com/alecgard/x402gate/internal/policy"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Policy      policy.Config     `yaml:"policy"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Spend       SpendConfig       `yaml:"spend"`
	Task        TaskConfig        `yaml:"task"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Metering    MeteringConfig    `yaml:"metering"`
	Admin       AdminConfig       `yaml:"admin"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	CORS        CORSConfig        `yaml:"cors"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"` // default: [] (same-origin only when empty; ["*"] for dev)
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// GatewayConfig describes the paid resource and the proof provider.
type GatewayConfig struct {
	ResourceID        string  `yaml:"resource_id"`
	PriceUSD          float64 `yaml:"price_usd"`
	Receiver          string  `yaml:"receiver"`
	Provider          string  `yaml:"provider"`
	SimulateInvalid   bool    `yaml:"simulate_invalid"`
	SimulateUnsettled bool    `yaml:"simulate_unsettled"`
}

// Payment converts the section into the value the gateway consumes.
func (g GatewayConfig) Payment() payment.GatewayConfig {
	return payment.GatewayConfig{
		ResourceID:        g.ResourceID,
		PriceUSD:          g.PriceUSD,
		Receiver:          g.Receiver,
		Provider:          g.Provider,
		SimulateInvalid:   g.SimulateInvalid,
		SimulateUnsettled: g.SimulateUnsettled,
	}
}

type IdempotencyConfig struct {
	Backend    string        `yaml:"backend"` // memory | sqlite | postgres
	SQLitePath string        `yaml:"sqlite_path"`
	Lock       string        `yaml:"lock"`     // none | local | redis
	LockTTL    time.Duration `yaml:"lock_ttl"` // refreshed while held; bounds a crashed holder
}

type SpendConfig struct {
	Backend    string `yaml:"backend"` // memory | sqlite | postgres | redis
	SQLitePath string `yaml:"sqlite_path"`
}

type TaskConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	ExecutorURL string        `yaml:"executor_url"` // empty runs the built-in stub
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MeteringConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Backend       string        `yaml:"backend"` // sqlite | postgres
	SQLitePath    string        `yaml:"sqlite_path"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// RateLimitConfig throttles POST /agent/task per client IP.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"` // per window; 0 disables
	Window   time.Duration `yaml:"window"`
}

type AdminConfig struct {
	Key string `yaml:"key"` // admin routes are not mounted when empty
}

// Backend names.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"

	LockNone  = "none"
	LockLocal = "local"
	LockRedis = "redis"
)

func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		expanded := expandEnvVars(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.normalize()

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Gateway: GatewayConfig{
			ResourceID: "agent-task",
			PriceUSD:   0.01,
			Receiver:   "demo-receiver-address",
			Provider:   payment.ProviderStub,
		},
		Policy: policy.Config{
			PolicyID: "default",
		},
		Idempotency: IdempotencyConfig{
			Backend:    BackendMemory,
			SQLitePath: ":memory:",
			Lock:       LockLocal,
			LockTTL:    30 * time.Second,
		},
		Spend: SpendConfig{
			Backend:    BackendMemory,
			SQLitePath: ":memory:",
		},
		Task: TaskConfig{
			Timeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		RateLimit: RateLimitConfig{
			Window: time.Minute,
		},
		Metering: MeteringConfig{
			Backend:       BackendSQLite,
			SQLitePath:    "x402gate-receipts.db",
			BatchSize:     100,
			FlushInterval: 5 * time.Second,
		},
	}
}

func expandEnvVars(s string) string {
	return os.ExpandEnv(s)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("X402GATE_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("X402GATE_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("X402GATE_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("X402GATE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("X402GATE_ADMIN_KEY"); v != "" {
		cfg.Admin.Key = v
	}
	if v := os.Getenv("X402GATE_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.Requests = n
		}
	}

	// Gateway.
	if v, ok := os.LookupEnv("PAYMENT_PROVIDER"); ok {
		cfg.Gateway.Provider = v
	} else if v, ok := os.LookupEnv("PAYMENT_VERIFIER_MODE"); ok {
		cfg.Gateway.Provider = v
	}
	if v, ok := os.LookupEnv("X402_RESOURCE_ID"); ok {
		cfg.Gateway.ResourceID = v
	}
	if v, ok := parseFloat(os.Getenv("X402_PRICE_USD")); ok {
		cfg.Gateway.PriceUSD = v
	}
	if v, ok := os.LookupEnv("X402_RECEIVER"); ok {
		cfg.Gateway.Receiver = v
	}
	if v, ok := os.LookupEnv("PAYMENT_SIMULATE_INVALID"); ok {
		cfg.Gateway.SimulateInvalid = v == "true"
	}
	if v, ok := os.LookupEnv("PAYMENT_SIMULATE_UNSETTLED"); ok {
		cfg.Gateway.SimulateUnsettled = v == "true"
	}

	// Wallet policy.
	if v, ok := os.LookupEnv("WALLET_POLICY_ID"); ok {
		cfg.Policy.PolicyID = v
	}
	if v, ok := os.LookupEnv("WALLET_POLICY_PER_REQUEST_CAP_USD"); ok {
		cfg.Policy.PerRequestCapUSD = parseOptionalUSD(v)
	}
	if v, ok := os.LookupEnv("WALLET_POLICY_SESSION_CAP_USD"); ok {
		cfg.Policy.SessionCapUSD = parseOptionalUSD(v)
	}
	if v, ok := os.LookupEnv("WALLET_POLICY_ALLOWED_TOKENS"); ok {
		cfg.Policy.AllowedTokens = strings.Split(v, ",")
	}
	if v, ok := os.LookupEnv("WALLET_POLICY_ALLOWED_CONTRACTS"); ok {
		cfg.Policy.AllowedContracts = strings.Split(v, ",")
	}

	// Stores.
	if v := os.Getenv("IDEMPOTENCY_STORE"); v != "" {
		cfg.Idempotency.Backend = v
	}
	if v := os.Getenv("IDEMPOTENCY_SQLITE_PATH"); v != "" {
		cfg.Idempotency.SQLitePath = v
	}
	if v := os.Getenv("SPEND_STORE"); v != "" {
		cfg.Spend.Backend = v
	}
	if v := os.Getenv("SPEND_STORE_SQLITE_PATH"); v != "" {
		cfg.Spend.SQLitePath = v
	}

	// Task.
	if ms, ok := parseFloat(os.Getenv("TASK_TIMEOUT_MS")); ok && ms > 0 {
		cfg.Task.Timeout = time.Duration(ms * float64(time.Millisecond))
	}
}

// normalize canonicalizes names and lists after all sources are applied.
func (c *Config) normalize() {
	switch c.Gateway.Provider {
	case payment.ProviderStrictFormat, payment.ProviderStrict, payment.ProviderStub:
	default:
		c.Gateway.Provider = payment.ProviderStub
	}
	if c.Policy.PolicyID == "" {
		c.Policy.PolicyID = "default"
	}
	c.Policy.AllowedTokens = policy.NormalizeList(c.Policy.AllowedTokens)
	c.Policy.AllowedContracts = policy.NormalizeList(c.Policy.AllowedContracts)
	c.Idempotency.Backend = strings.ToLower(strings.TrimSpace(c.Idempotency.Backend))
	c.Idempotency.Lock = strings.ToLower(strings.TrimSpace(c.Idempotency.Lock))
	c.Spend.Backend = strings.ToLower(strings.TrimSpace(c.Spend.Backend))
	c.Metering.Backend = strings.ToLower(strings.TrimSpace(c.Metering.Backend))
}

// parseFloat accepts finite decimal numbers only.
func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// parseOptionalUSD returns nil for empty or unparsable caps.
func parseOptionalUSD(s string) *float64 {
	v, ok := parseFloat(s)
	if !ok {
		return nil
	}
	return &v
}

// Validate checks ranges and backend names. Missing connection settings for a
// selected backend are reported when the backend is opened.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, errors.New("server.read_timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, errors.New("server.write_timeout must be positive"))
	}
	if c.Gateway.PriceUSD <= 0 {
		errs = append(errs, fmt.Errorf("gateway.price_usd must be positive, got %v", c.Gateway.PriceUSD))
	}
	if c.Policy.PerRequestCapUSD != nil && *c.Policy.PerRequestCapUSD < 0 {
		errs = append(errs, errors.New("policy.per_request_cap_usd must not be negative"))
	}
	if c.Policy.SessionCapUSD != nil && *c.Policy.SessionCapUSD < 0 {
		errs = append(errs, errors.New("policy.session_cap_usd must not be negative"))
	}
	if !oneOf(c.Idempotency.Backend, BackendMemory, BackendSQLite, BackendPostgres) {
		errs = append(errs, fmt.Errorf("idempotency.backend %q is not one of memory, sqlite, postgres", c.Idempotency.Backend))
	}
	if !oneOf(c.Idempotency.Lock, LockNone, LockLocal, LockRedis) {
		errs = append(errs, fmt.Errorf("idempotency.lock %q is not one of none, local, redis", c.Idempotency.Lock))
	}
	if c.Idempotency.Lock == LockRedis && c.Idempotency.LockTTL <= 0 {
		errs = append(errs, errors.New("idempotency.lock_ttl must be positive"))
	}
	if !oneOf(c.Spend.Backend, BackendMemory, BackendSQLite, BackendPostgres, BackendRedis) {
		errs = append(errs, fmt.Errorf("spend.backend %q is not one of memory, sqlite, postgres, redis", c.Spend.Backend))
	}
	if c.Task.Timeout <= 0 {
		errs = append(errs, errors.New("task.timeout must be positive"))
	}
	if c.RateLimit.Requests < 0 {
		errs = append(errs, errors.New("rate_limit.requests must not be negative"))
	}
	if c.RateLimit.Requests > 0 && c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.window must be positive"))
	}
	if c.Metering.Enabled {
		if !oneOf(c.Metering.Backend, BackendSQLite, BackendPostgres) {
			errs = append(errs, fmt.Errorf("metering.backend %q is not one of sqlite, postgres", c.Metering.Backend))
		}
		if c.Metering.BatchSize <= 0 {
			errs = append(errs, errors.New("metering.batch_size must be positive"))
		}
		if c.Metering.FlushInterval <= 0 {
			errs = append(errs, errors.New("metering.flush_interval must be positive"))
		}
	}

	return errors.Join(errs...)
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// UsesPostgres reports whether any component is configured for postgres.
func (c *Config) UsesPostgres() bool {
	return c.Idempotency.Backend == BackendPostgres ||
		c.Spend.Backend == BackendPostgres ||
		(c.Metering.Enabled && c.Metering.Backend == BackendPostgres)
}

// UsesRedis reports whether any component is configured for redis.
func (c *Config) UsesRedis() bool {
	return c.Spend.Backend == BackendRedis || c.Idempotency.Lock == LockRedis
}

func (c *Config) DatabaseURLForMigrate() string {
	url := c.Database.URL
	if !strings.Contains(url, "sslmode=") {
		if strings.Contains(url, "?") {
			url += "&sslmode=disable"
		} else {
			url += "?sslmode=disable"
		}
	}
	return url
}
