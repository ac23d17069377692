// Copyright 2025 James Ross
package ratelimitconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fluxgate/fluxgate/internal/ratelimit"
	"github.com/spf13/viper"
)

// Redis configures the store's connection to standalone Redis or Redis
// Cluster. Addrs with more than one entry (or a single comma-separated
// redis:// URI list) select cluster mode; a single address selects
// standalone mode.
type Redis struct {
	Addrs          []string      `mapstructure:"addrs"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	MinIdleConns   int           `mapstructure:"min_idle_conns"`
	ScanBatchSize  int64         `mapstructure:"scan_batch_size"`
}

// IsCluster reports whether Addrs names more than one node, the signal the
// store uses to choose redis.NewClusterClient over redis.NewClient.
func (r Redis) IsCluster() bool {
	return len(r.Addrs) > 1
}

// RateLimiter configures fail-open/fail-closed policy and permit defaults.
type RateLimiter struct {
	FailurePolicy  string `mapstructure:"failure_policy"`
	DefaultPermits int64  `mapstructure:"default_permits"`
}

// ReloadBus configures the pub/sub channel's poll fallback cadence and the
// scan-rate limit applied to the resulting bucket purges.
type ReloadBus struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	ScanEventsPerSecond float64       `mapstructure:"scan_events_per_second"`
	ScanBurst           int           `mapstructure:"scan_burst"`
}

// StoreBreaker configures the circuit breaker wrapping token bucket store
// calls: how far back the failure rate is computed (Window), how long the
// breaker stays open before probing again (Cooldown), the failure rate that
// trips it (FailureThreshold), and the minimum sample count required before
// the rate is judged (MinSamples).
type StoreBreaker struct {
	Window           time.Duration `mapstructure:"window"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	MinSamples       int           `mapstructure:"min_samples"`
	Enabled          bool          `mapstructure:"enabled"`
}

// RuleRepository selects and configures one of the three storage backends.
type RuleRepository struct {
	Backend  string `mapstructure:"backend"` // "memory", "yaml", or "mongo"
	YAMLPath string `mapstructure:"yaml_path"`
	Mongo    Mongo  `mapstructure:"mongo"`
}

// Mongo configures the MongoDB rule repository backend.
type Mongo struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// Observability configures the metrics/health HTTP server and log verbosity,
// mirroring the teacher's observability block.
type Observability struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
}

// Config is FluxGate's complete runtime configuration.
type Config struct {
	Redis          Redis          `mapstructure:"redis"`
	RateLimiter    RateLimiter    `mapstructure:"rate_limiter"`
	ReloadBus      ReloadBus      `mapstructure:"reload_bus"`
	RuleRepository RuleRepository `mapstructure:"rule_repository"`
	Observability  Observability  `mapstructure:"observability"`
	StoreBreaker   StoreBreaker   `mapstructure:"store_breaker"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addrs:         []string{"localhost:6379"},
			DialTimeout:   5 * time.Second,
			ReadTimeout:   3 * time.Second,
			WriteTimeout:  3 * time.Second,
			MaxRetries:    3,
			MinIdleConns:  5,
			ScanBatchSize: 1000,
		},
		RateLimiter: RateLimiter{
			FailurePolicy:  "fail-open",
			DefaultPermits: 1,
		},
		ReloadBus: ReloadBus{
			PollInterval:        5 * time.Second,
			ScanEventsPerSecond: 5,
			ScanBurst:           10,
		},
		RuleRepository: RuleRepository{
			Backend: "memory",
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
		},
		StoreBreaker: StoreBreaker{
			Window:           10 * time.Second,
			Cooldown:         5 * time.Second,
			FailureThreshold: 0.5,
			MinSamples:       10,
			Enabled:          true,
		},
	}
}

// Load reads configuration from a YAML file at path (if it exists) layered
// over defaults, with environment variable overrides (e.g.
// RATE_LIMITER_FAILURE_POLICY overrides rate_limiter.failure_policy).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addrs", def.Redis.Addrs)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.scan_batch_size", def.Redis.ScanBatchSize)

	v.SetDefault("rate_limiter.failure_policy", def.RateLimiter.FailurePolicy)
	v.SetDefault("rate_limiter.default_permits", def.RateLimiter.DefaultPermits)

	v.SetDefault("reload_bus.poll_interval", def.ReloadBus.PollInterval)
	v.SetDefault("reload_bus.scan_events_per_second", def.ReloadBus.ScanEventsPerSecond)
	v.SetDefault("reload_bus.scan_burst", def.ReloadBus.ScanBurst)

	v.SetDefault("rule_repository.backend", def.RuleRepository.Backend)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)

	v.SetDefault("store_breaker.window", def.StoreBreaker.Window)
	v.SetDefault("store_breaker.cooldown", def.StoreBreaker.Cooldown)
	v.SetDefault("store_breaker.failure_threshold", def.StoreBreaker.FailureThreshold)
	v.SetDefault("store_breaker.min_samples", def.StoreBreaker.MinSamples)
	v.SetDefault("store_breaker.enabled", def.StoreBreaker.Enabled)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("ratelimitconfig: read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("ratelimitconfig: unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints Load cannot express as viper
// defaults.
func Validate(cfg *Config) error {
	if len(cfg.Redis.Addrs) == 0 {
		return &ratelimit.ConfigurationError{Reason: "redis.addrs must be non-empty"}
	}
	switch cfg.RateLimiter.FailurePolicy {
	case "fail-open", "fail-closed":
	default:
		return &ratelimit.ConfigurationError{Reason: fmt.Sprintf(
			"rate_limiter.failure_policy must be %q or %q, got %q", "fail-open", "fail-closed", cfg.RateLimiter.FailurePolicy)}
	}
	if cfg.RateLimiter.DefaultPermits < 1 {
		return &ratelimit.ConfigurationError{Reason: "rate_limiter.default_permits must be >= 1"}
	}
	if cfg.ReloadBus.PollInterval <= 0 {
		return &ratelimit.ConfigurationError{Reason: "reload_bus.poll_interval must be > 0"}
	}
	switch cfg.RuleRepository.Backend {
	case "memory":
	case "yaml":
		if cfg.RuleRepository.YAMLPath == "" {
			return &ratelimit.ConfigurationError{Reason: fmt.Sprintf(
				"rule_repository.yaml_path is required when backend is %q", "yaml")}
		}
	case "mongo":
		if cfg.RuleRepository.Mongo.URI == "" || cfg.RuleRepository.Mongo.Database == "" || cfg.RuleRepository.Mongo.Collection == "" {
			return &ratelimit.ConfigurationError{Reason: fmt.Sprintf(
				"rule_repository.mongo requires uri, database, and collection when backend is %q", "mongo")}
		}
	default:
		return &ratelimit.ConfigurationError{Reason: fmt.Sprintf(
			"rule_repository.backend must be one of %q, %q, %q, got %q", "memory", "yaml", "mongo", cfg.RuleRepository.Backend)}
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return &ratelimit.ConfigurationError{Reason: "observability.metrics_port must be 1..65535"}
	}
	if cfg.StoreBreaker.Enabled {
		if cfg.StoreBreaker.Window <= 0 {
			return &ratelimit.ConfigurationError{Reason: "store_breaker.window must be > 0"}
		}
		if cfg.StoreBreaker.Cooldown <= 0 {
			return &ratelimit.ConfigurationError{Reason: "store_breaker.cooldown must be > 0"}
		}
		if cfg.StoreBreaker.FailureThreshold <= 0 || cfg.StoreBreaker.FailureThreshold > 1 {
			return &ratelimit.ConfigurationError{Reason: "store_breaker.failure_threshold must be in (0, 1]"}
		}
		if cfg.StoreBreaker.MinSamples < 1 {
			return &ratelimit.ConfigurationError{Reason: "store_breaker.min_samples must be >= 1"}
		}
	}
	return nil
}
