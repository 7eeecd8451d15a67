package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/vineet-ekka/modular-exchange-system-sub001/internal/fault"
)

// KnownExchanges is the venue set the registry can construct, in display
// order.
var KnownExchanges = []string{
	"binance", "bybit", "okx", "kucoin", "gateio", "bitget", "mexc",
	"krakenf", "deribit", "bitmex", "hyperliquid", "dydx", "orderly",
}

// RateLimitConfig is one venue's token bucket.
type RateLimitConfig struct {
	Capacity int     `yaml:"capacity"`
	Refill   float64 `yaml:"refill"` // tokens per second
}

// ExchangeConfig toggles one adapter and sets its budget.
type ExchangeConfig struct {
	Enabled   bool            `yaml:"enabled"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	// FundingIsAbsolute keeps the Kraken Futures funding/mark division
	// switchable while the venue convention is unconfirmed.
	FundingIsAbsolute *bool `yaml:"funding_is_absolute,omitempty"`
}

// ScheduleEntry places one exchange at an offset within the tick, for
// sequential dispatch.
type ScheduleEntry struct {
	Exchange      string `yaml:"exchange"`
	OffsetSeconds int    `yaml:"offset_seconds"`
}

// CollectionConfig drives the live scheduler.
type CollectionConfig struct {
	Mode             string          `yaml:"mode"` // parallel | sequential
	TickSeconds      int             `yaml:"tick_seconds"`
	MaxCycleDuration time.Duration   `yaml:"max_cycle_duration"`
	Schedule         []ScheduleEntry `yaml:"schedule"`
	StaleAfterCycles int             `yaml:"stale_after_cycles"`
}

// HistoricalConfig drives backfill.
type HistoricalConfig struct {
	Days        int           `yaml:"days"`
	MaxRetries  int           `yaml:"max_retries"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	LockTTL     time.Duration `yaml:"lock_ttl"`
	StatusPath  string        `yaml:"status_path"`
	LockPath    string        `yaml:"lock_path"`
	Concurrency int           `yaml:"concurrency"` // per-exchange symbol workers
}

// CacheTTLConfig overrides per-endpoint-class TTLs.
type CacheTTLConfig struct {
	Grid       time.Duration `yaml:"grid"`
	Statistics time.Duration `yaml:"statistics"`
	Historical time.Duration `yaml:"historical"`
	Arbitrage  time.Duration `yaml:"arbitrage"`
}

// CacheConfig tunes the read-through cache.
type CacheConfig struct {
	TTL      CacheTTLConfig `yaml:"ttl"`
	MaxBytes int64          `yaml:"max_bytes"`
}

// DatabaseConfig: DSN here is a non-secret local-dev fallback only; the
// real DSN comes from DATABASE_URL / POSTGRES_DSN in the environment.
type DatabaseConfig struct {
	// DSN is deliberately not yaml-mapped: credentials come only from
	// DATABASE_URL or POSTGRES_DSN in the process environment.
	DSN string `yaml:"-"`
}

// APIConfig shapes the HTTP surface.
type APIConfig struct {
	Port           int           `yaml:"port"`
	CORSOrigins    []string      `yaml:"cors_origins"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// StatsConfig tunes the statistics engine zones.
type StatsConfig struct {
	WindowDays     int           `yaml:"window_days"`
	ActiveInterval time.Duration `yaml:"active_interval"`
	StableInterval time.Duration `yaml:"stable_interval"`
	ActiveZScore   float64       `yaml:"active_z_score"`
	Workers        int           `yaml:"workers"`
}

// ArbitrageConfig filters the spread scanner.
type ArbitrageConfig struct {
	MinAPRSpread float64       `yaml:"min_apr_spread"`
	MaxSpreadAge time.Duration `yaml:"max_spread_age"`
}

// Config is the single configuration record for the collector and the API.
type Config struct {
	LogLevel   string                    `yaml:"log_level"`
	Exchanges  map[string]ExchangeConfig `yaml:"exchanges"`
	Collection CollectionConfig          `yaml:"collection"`
	Historical HistoricalConfig          `yaml:"historical"`
	Cache      CacheConfig               `yaml:"cache"`
	Database   DatabaseConfig            `yaml:"database"`
	API        APIConfig                 `yaml:"api"`
	Stats      StatsConfig               `yaml:"stats"`
	Arbitrage  ArbitrageConfig           `yaml:"arbitrage"`
}

// Load reads path, applies defaults and environment overrides, and
// validates. A missing file yields the all-defaults configuration so the
// collector runs out of the box.
func Load(path string) (*Config, error) {
	// Best-effort .env so local runs pick up DATABASE_URL and REDIS_ADDR.
	_ = godotenv.Load()

	cfg := &Config{}
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fault.New(fault.KindConfig, "config.load", err)
		}
	case os.IsNotExist(err):
		// defaults only
	default:
		return nil, fault.New(fault.KindConfig, "config.load", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Exchanges == nil {
		c.Exchanges = make(map[string]ExchangeConfig)
	}
	for _, name := range KnownExchanges {
		ec, ok := c.Exchanges[name]
		if !ok {
			ec = ExchangeConfig{Enabled: true}
		}
		if ec.RateLimit.Capacity <= 0 {
			ec.RateLimit.Capacity = 20
		}
		if ec.RateLimit.Refill <= 0 {
			ec.RateLimit.Refill = 5
		}
		c.Exchanges[name] = ec
	}

	if c.Collection.Mode == "" {
		c.Collection.Mode = "parallel"
	}
	if c.Collection.TickSeconds <= 0 {
		c.Collection.TickSeconds = 30
	}
	if c.Collection.MaxCycleDuration <= 0 {
		c.Collection.MaxCycleDuration = 25 * time.Second
	}
	if c.Collection.StaleAfterCycles <= 0 {
		c.Collection.StaleAfterCycles = 10
	}

	if c.Historical.Days <= 0 {
		c.Historical.Days = 30
	}
	if c.Historical.MaxRetries <= 0 {
		c.Historical.MaxRetries = 3
	}
	if c.Historical.BaseBackoff <= 0 {
		c.Historical.BaseBackoff = time.Second
	}
	if c.Historical.LockTTL <= 0 {
		c.Historical.LockTTL = 30 * time.Minute
	}
	if c.Historical.StatusPath == "" {
		c.Historical.StatusPath = "data/backfill_status.json"
	}
	if c.Historical.LockPath == "" {
		c.Historical.LockPath = "data/backfill.lock"
	}
	if c.Historical.Concurrency <= 0 {
		c.Historical.Concurrency = 4
	}

	if c.Cache.TTL.Grid <= 0 {
		c.Cache.TTL.Grid = 5 * time.Second
	}
	if c.Cache.TTL.Statistics <= 0 {
		c.Cache.TTL.Statistics = 10 * time.Second
	}
	if c.Cache.TTL.Historical <= 0 {
		c.Cache.TTL.Historical = 30 * time.Second
	}
	if c.Cache.TTL.Arbitrage <= 0 {
		c.Cache.TTL.Arbitrage = 5 * time.Second
	}
	if c.Cache.MaxBytes <= 0 {
		c.Cache.MaxBytes = 64 << 20
	}

	if c.API.Port <= 0 {
		c.API.Port = 8000
	}
	if c.API.RequestTimeout <= 0 {
		c.API.RequestTimeout = 15 * time.Second
	}
	if len(c.API.CORSOrigins) == 0 {
		c.API.CORSOrigins = []string{"http://localhost:3000"}
	}

	if c.Stats.WindowDays <= 0 {
		c.Stats.WindowDays = 30
	}
	if c.Stats.ActiveInterval <= 0 {
		c.Stats.ActiveInterval = 30 * time.Second
	}
	if c.Stats.StableInterval <= 0 {
		c.Stats.StableInterval = 2 * time.Minute
	}
	if c.Stats.ActiveZScore <= 0 {
		c.Stats.ActiveZScore = 2.0
	}

	if c.Arbitrage.MinAPRSpread <= 0 {
		c.Arbitrage.MinAPRSpread = 5.0
	}
	if c.Arbitrage.MaxSpreadAge <= 0 {
		c.Arbitrage.MaxSpreadAge = 7 * 24 * time.Hour
	}
}

// applyEnv overlays process-environment secrets and operational overrides.
// Credentials never come from the YAML file.
func (c *Config) applyEnv() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	} else if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		c.LogLevel = lvl
	}
}

// RedisAddr comes from the environment only; empty means "use the
// in-process fallback".
func RedisAddr() string { return os.Getenv("REDIS_ADDR") }

// Validate returns a CONFIG-kind error for unusable settings.
func (c *Config) Validate() error {
	if c.Collection.Mode != "parallel" && c.Collection.Mode != "sequential" {
		return fault.Newf(fault.KindConfig, "config.validate",
			"collection.mode must be parallel or sequential, got %q", c.Collection.Mode)
	}
	for name := range c.Exchanges {
		if !knownExchange(name) {
			return fault.Newf(fault.KindConfig, "config.validate", "unknown exchange %q", name)
		}
	}
	for _, entry := range c.Collection.Schedule {
		if !knownExchange(entry.Exchange) {
			return fault.Newf(fault.KindConfig, "config.validate",
				"schedule references unknown exchange %q", entry.Exchange)
		}
		if entry.OffsetSeconds < 0 {
			return fault.Newf(fault.KindConfig, "config.validate",
				"schedule offset for %s is negative", entry.Exchange)
		}
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fault.Newf(fault.KindConfig, "config.validate", "api.port %d out of range", c.API.Port)
	}
	return nil
}

func knownExchange(name string) bool {
	for _, k := range KnownExchanges {
		if k == name {
			return true
		}
	}
	return false
}

// Enabled returns the enabled venue names in display order, optionally
// restricted to a CSV allow-list (the --exchanges flag).
func (c *Config) Enabled(filterCSV string) []string {
	var allow map[string]bool
	if strings.TrimSpace(filterCSV) != "" {
		allow = make(map[string]bool)
		for _, name := range strings.Split(filterCSV, ",") {
			allow[strings.ToLower(strings.TrimSpace(name))] = true
		}
	}
	var out []string
	for _, name := range KnownExchanges {
		ec := c.Exchanges[name]
		if !ec.Enabled {
			continue
		}
		if allow != nil && !allow[name] {
			continue
		}
		out = append(out, name)
	}
	return out
}

// Tick returns the live cycle period.
func (c *Config) Tick() time.Duration {
	return time.Duration(c.Collection.TickSeconds) * time.Second
}

// KrakenFundingIsAbsolute reports whether the krakenf adapter should divide
// raw funding by mark price (the venue convention noted in its docs review).
func (c *Config) KrakenFundingIsAbsolute() bool {
	ec, ok := c.Exchanges["krakenf"]
	if !ok || ec.FundingIsAbsolute == nil {
		return true
	}
	return *ec.FundingIsAbsolute
}

// String renders a redacted summary for startup logging.
func (c *Config) String() string {
	return fmt.Sprintf("mode=%s tick=%ds exchanges=%d api_port=%d",
		c.Collection.Mode, c.Collection.TickSeconds, len(c.Enabled("")), c.API.Port)
}
