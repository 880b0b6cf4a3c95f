package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skaranth/optioncollector/internal/core/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
indices:
  - name: NIFTY
    enabled: true
    expiries: [this_week]
    strikes_itm: 10
    strikes_otm: 10
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want default 8080", cfg.Server.Port)
	}
	if cfg.Cycle.Interval != 30*time.Second {
		t.Errorf("interval = %v, want 30s", cfg.Cycle.Interval)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.MaxTimeout != 5*time.Minute {
		t.Errorf("breaker defaults missing: %+v", cfg.Breaker)
	}
	if cfg.Cache.EmptyTTL != 5*time.Second {
		t.Errorf("empty TTL = %v, want 5s", cfg.Cache.EmptyTTL)
	}
	if len(cfg.Pressure.TierThresholds) != 3 {
		t.Errorf("tier thresholds = %v, want 3 defaults", cfg.Pressure.TierThresholds)
	}
	if !cfg.Retry.JitterEnabled() {
		t.Error("retry jitter off by default, want on")
	}
}

func TestLoadRetryJitterTriState(t *testing.T) {
	// An explicit `jitter: false` must survive defaulting.
	path := writeConfig(t, `
retry:
  jitter: false
indices:
  - name: NIFTY
    enabled: true
    expiries: [this_week]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Retry.JitterEnabled() {
		t.Error("explicit jitter: false overridden by the default")
	}

	path = writeConfig(t, `
retry:
  jitter: true
indices:
  - name: NIFTY
    enabled: true
    expiries: [this_week]
`)
	cfg, err = Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Retry.JitterEnabled() {
		t.Error("explicit jitter: true lost in loading")
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_DB_URL", "postgres://collector@localhost/options")
	path := writeConfig(t, `
database:
  url: ${TEST_DB_URL}
indices:
  - name: NIFTY
    enabled: true
    expiries: [this_week]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.URL != "postgres://collector@localhost/options" {
		t.Errorf("database url = %q, want expanded env value", cfg.Database.URL)
	}
}

func TestLoadRejectsUnknownExpiryRule(t *testing.T) {
	path := writeConfig(t, `
indices:
  - name: NIFTY
    enabled: true
    expiries: [someday]
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown expiry rule")
	}
}

func TestLoadRejectsUnknownIndexWithoutOverrides(t *testing.T) {
	path := writeConfig(t, `
indices:
  - name: MYSTERYINDEX
    enabled: true
    expiries: [this_week]
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown index without overrides")
	}
}

func TestLoadAcceptsCustomIndexWithOverrides(t *testing.T) {
	path := writeConfig(t, `
indices:
  - name: MYSTERYINDEX
    enabled: true
    expiries: [this_week]
    exchange: NFO
    spot_key: "NSE:MYSTERYINDEX"
    strike_step: 100
    expiry_weekday: 4
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	params, ok := cfg.Indices[0].Params()
	if !ok {
		t.Fatal("overridden index should resolve")
	}
	if params.StrikeStep != 100 || params.ExpiryWeekday != time.Thursday {
		t.Errorf("params = %+v, want step 100 expiring Thursday", params)
	}
}

func TestLoadIgnoresDisabledBrokenIndex(t *testing.T) {
	path := writeConfig(t, `
indices:
  - name: MYSTERYINDEX
    enabled: false
    expiries: [someday]
`)

	if _, err := Load(path); err != nil {
		t.Fatalf("disabled indices must not be validated: %v", err)
	}
}

func TestIndexConfigOverridesBuiltins(t *testing.T) {
	idx := IndexConfig{Name: "NIFTY", StrikeStep: 25}
	params, ok := idx.Params()
	if !ok {
		t.Fatal("NIFTY should be built in")
	}
	if params.StrikeStep != 25 {
		t.Errorf("step = %v, want override 25", params.StrikeStep)
	}
	if params.SpotKey == "" || params.Exchange == "" {
		t.Errorf("builtin fields lost: %+v", params)
	}

	// Weekday zero means unset, not Sunday.
	base, _ := domain.LookupIndex("NIFTY")
	if params.ExpiryWeekday != base.ExpiryWeekday {
		t.Errorf("weekday = %v, want builtin %v", params.ExpiryWeekday, base.ExpiryWeekday)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
