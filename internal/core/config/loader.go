package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/skaranth/optioncollector/internal/core/domain"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	for _, idx := range cfg.Indices {
		if !idx.Enabled {
			continue
		}
		if _, ok := idx.Params(); !ok {
			return nil, fmt.Errorf("index %q is not built in and lacks exchange/spot_key/strike_step overrides", idx.Name)
		}
		for _, rule := range idx.Expiries {
			if !domain.ValidExpiryRule(rule) {
				return nil, fmt.Errorf("index %q: unknown expiry rule %q", idx.Name, rule)
			}
		}
	}

	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Cycle.Interval == 0 {
		cfg.Cycle.Interval = 30 * time.Second
	}
	if cfg.Cycle.TaskTimeout == 0 {
		cfg.Cycle.TaskTimeout = 45 * time.Second
	}
	if cfg.Cycle.WriteWorkers == 0 {
		cfg.Cycle.WriteWorkers = 2
	}
	if cfg.Broker.BaseURL == "" {
		cfg.Broker.BaseURL = "https://api.kite.trade"
	}
	if cfg.Broker.Timeout == 0 {
		cfg.Broker.Timeout = 10 * time.Second
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.MinTimeout == 0 {
		cfg.Breaker.MinTimeout = 10 * time.Second
	}
	if cfg.Breaker.MaxTimeout == 0 {
		cfg.Breaker.MaxTimeout = 5 * time.Minute
	}
	if cfg.Breaker.BackoffFactor == 0 {
		cfg.Breaker.BackoffFactor = 2.0
	}
	if cfg.Breaker.Jitter == 0 {
		cfg.Breaker.Jitter = 0.2
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.MaxElapsed == 0 {
		cfg.Retry.MaxElapsed = 20 * time.Second
	}
	if cfg.Retry.BackoffBase == 0 {
		cfg.Retry.BackoffBase = 500 * time.Millisecond
	}
	if cfg.Retry.Jitter == nil {
		on := true
		cfg.Retry.Jitter = &on
	}
	if cfg.Cache.InstrumentTTL == 0 {
		cfg.Cache.InstrumentTTL = 10 * time.Minute
	}
	if cfg.Cache.EmptyTTL == 0 {
		cfg.Cache.EmptyTTL = 5 * time.Second
	}
	if cfg.Cache.ExpiryTTL == 0 {
		cfg.Cache.ExpiryTTL = 10 * time.Minute
	}
	if len(cfg.Pressure.TierThresholds) == 0 {
		cfg.Pressure.TierThresholds = []float64{0.70, 0.80, 0.90}
	}
	if cfg.Pressure.EMAAlpha == 0 {
		cfg.Pressure.EMAAlpha = 0.3
	}
	if cfg.Pressure.Recovery == 0 {
		cfg.Pressure.Recovery = 60 * time.Second
	}
	if cfg.Pressure.RollbackCooldown == 0 {
		cfg.Pressure.RollbackCooldown = 120 * time.Second
	}
}
