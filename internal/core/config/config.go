package config

import (
	"time"

	"github.com/skaranth/optioncollector/internal/core/domain"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Cycle    CycleConfig    `yaml:"cycle"`
	Broker   BrokerConfig   `yaml:"broker"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Retry    RetryConfig    `yaml:"retry"`
	Cache    CacheConfig    `yaml:"cache"`
	Pressure PressureConfig `yaml:"pressure"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Indices  []IndexConfig  `yaml:"indices"`
}

// ServerConfig holds HTTP health/metrics server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// CycleConfig controls the collection scheduler.
type CycleConfig struct {
	Interval     time.Duration `yaml:"interval"`
	TaskTimeout  time.Duration `yaml:"task_timeout"`
	WriteWorkers int           `yaml:"write_workers"`
}

// BrokerConfig holds upstream API settings. Credentials left empty here are
// discovered from the environment (KITE_API_KEY / KITE_ACCESS_TOKEN).
type BrokerConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	APIKey      string        `yaml:"api_key"`
	AccessToken string        `yaml:"access_token"`
}

// BreakerConfig tunes the adaptive circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	MinTimeout       time.Duration `yaml:"min_timeout"`
	MaxTimeout       time.Duration `yaml:"max_timeout"`
	BackoffFactor    float64       `yaml:"backoff_factor"`
	Jitter           float64       `yaml:"jitter"`
	Persist          bool          `yaml:"persist"`
}

// RetryConfig tunes the classified retry policy. Jitter is a pointer so an
// absent key defaults to on while an explicit `jitter: false` survives.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	MaxElapsed  time.Duration `yaml:"max_elapsed"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	Jitter      *bool         `yaml:"jitter"`
	Whitelist   []string      `yaml:"whitelist"`
	Blacklist   []string      `yaml:"blacklist"`
}

// JitterEnabled resolves the jitter tri-state: unset means on.
func (r RetryConfig) JitterEnabled() bool {
	return r.Jitter == nil || *r.Jitter
}

// CacheConfig tunes instrument/expiry caches.
type CacheConfig struct {
	InstrumentTTL time.Duration `yaml:"instrument_ttl"`
	EmptyTTL      time.Duration `yaml:"empty_ttl"`
	ExpiryTTL     time.Duration `yaml:"expiry_ttl"`
}

// PressureConfig tunes the memory pressure controller.
type PressureConfig struct {
	TierThresholds   []float64     `yaml:"tier_thresholds"` // thresholds for tiers 1..3
	EMAAlpha         float64       `yaml:"ema_alpha"`
	Recovery         time.Duration `yaml:"recovery"`
	RollbackCooldown time.Duration `yaml:"rollback_cooldown"`
	TotalMemoryBytes uint64        `yaml:"total_memory_bytes"` // 0 = read from /proc
}

// RedisConfig holds optional Redis settings (breaker state persistence).
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// DatabaseConfig holds optional Postgres sink settings.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// IndexConfig holds per-index collection settings.
type IndexConfig struct {
	Name       string              `yaml:"name"`
	Enabled    bool                `yaml:"enabled"`
	Expiries   []domain.ExpiryRule `yaml:"expiries"`
	StrikesITM int                 `yaml:"strikes_itm"`
	StrikesOTM int                 `yaml:"strikes_otm"`

	// Optional overrides for indices the collector does not know built in.
	Exchange      string  `yaml:"exchange"`
	SpotKey       string  `yaml:"spot_key"`
	StrikeStep    float64 `yaml:"strike_step"`
	ExpiryWeekday int     `yaml:"expiry_weekday"` // 1=Monday .. 6=Saturday, 0 = unset
}

// Params resolves the effective market parameters for an index, applying
// config overrides on top of the built-in table.
func (c IndexConfig) Params() (domain.IndexParams, bool) {
	p, known := domain.LookupIndex(c.Name)
	if !known {
		p = domain.IndexParams{Name: c.Name}
	}
	if c.Exchange != "" {
		p.Exchange = c.Exchange
	}
	if c.SpotKey != "" {
		p.SpotKey = c.SpotKey
	}
	if c.StrikeStep > 0 {
		p.StrikeStep = c.StrikeStep
	}
	if c.ExpiryWeekday > 0 {
		p.ExpiryWeekday = time.Weekday(c.ExpiryWeekday)
	}
	return p, known || (p.Exchange != "" && p.SpotKey != "" && p.StrikeStep > 0)
}
