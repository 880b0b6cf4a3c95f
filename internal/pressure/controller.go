package pressure

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skaranth/optioncollector/internal/metrics"
)

// Tier is an ordered memory pressure level. Higher tiers shed more work.
type Tier int

const (
	TierNormal   Tier = iota // full collection
	TierElevated             // reduced strike depth
	TierHigh                 // + skip greeks, slow cycles, purge caches
	TierCritical             // + drop per-option metrics
)

func (t Tier) String() string {
	switch t {
	case TierNormal:
		return "normal"
	case TierElevated:
		return "elevated"
	case TierHigh:
		return "high"
	case TierCritical:
		return "critical"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Flags are the degradation switches applied by the controller.
type Flags struct {
	ReduceDepth          bool
	SkipGreeks           bool
	SlowCycles           bool
	DropPerOptionMetrics bool
}

func flagsForTier(t Tier) Flags {
	var f Flags
	if t >= TierElevated {
		f.ReduceDepth = true
	}
	if t >= TierHigh {
		f.SkipGreeks = true
		f.SlowCycles = true
	}
	if t >= TierCritical {
		f.DropPerOptionMetrics = true
	}
	return f
}

var tierBaseScale = [4]float64{1.0, 0.85, 0.6, 0.4}

// Config tunes the controller.
type Config struct {
	// Thresholds for tiers 1..3 as EMA fraction of physical memory.
	TierThresholds []float64
	EMAAlpha       float64
	// Recovery is how long the raw tier must stay below the current tier
	// before a downgrade is accepted.
	Recovery time.Duration
	// RollbackCooldown delays feature re-enablement after a downgrade.
	RollbackCooldown time.Duration
}

// Controller samples process memory, assigns a pressure tier with
// hysteresis and applies degradation actions. Upgrades are immediate;
// downgrades require sustained residency below threshold. Evaluated once
// per cycle by a single evaluator, never per task.
type Controller struct {
	sampler Sampler
	cfg     Config
	log     *slog.Logger

	mu            sync.Mutex
	ema           float64
	emaPrimed     bool
	tier          Tier
	belowSince    time.Time
	lastDowngrade time.Time
	flags         Flags
	depthScale    float64
	purgeables    []func()

	now func() time.Time
}

// NewController creates a controller at tier 0.
func NewController(sampler Sampler, cfg Config, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if cfg.EMAAlpha <= 0 || cfg.EMAAlpha > 1 {
		cfg.EMAAlpha = 0.3
	}
	return &Controller{
		sampler:    sampler,
		cfg:        cfg,
		log:        log,
		depthScale: 1.0,
		now:        time.Now,
	}
}

// RegisterCache registers a purge hook invoked when pressure actions call
// for dropping caches.
func (c *Controller) RegisterCache(purge func()) {
	c.mu.Lock()
	c.purgeables = append(c.purgeables, purge)
	c.mu.Unlock()
}

// Evaluate samples memory, updates the EMA and applies tier transitions.
// Returns the effective tier.
func (c *Controller) Evaluate() (Tier, error) {
	sample, err := c.sampler.Sample()
	if err != nil {
		return c.Tier(), fmt.Errorf("memory sample: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.emaPrimed {
		c.ema = sample
		c.emaPrimed = true
	} else {
		c.ema = c.cfg.EMAAlpha*sample + (1-c.cfg.EMAAlpha)*c.ema
	}

	raw := c.rawTier()
	now := c.now()

	switch {
	case raw > c.tier:
		// Pressure reacts fast: upgrades are immediate and reset the
		// recovery window.
		c.applyTier(raw, now, true)
		c.belowSince = time.Time{}

	case raw < c.tier:
		if c.belowSince.IsZero() {
			c.belowSince = now
		}
		if now.Sub(c.belowSince) >= c.cfg.Recovery {
			c.applyTier(raw, now, false)
			c.belowSince = time.Time{}
			c.lastDowngrade = now
		}

	default:
		c.belowSince = time.Time{}
	}

	// Relief is slow twice over: features disabled by a higher tier come
	// back only after the rollback cooldown past the downgrade.
	if !c.lastDowngrade.IsZero() && now.Sub(c.lastDowngrade) >= c.cfg.RollbackCooldown {
		c.flags = flagsForTier(c.tier)
		c.lastDowngrade = time.Time{}
	}

	c.recomputeDepthScale()
	metrics.PressureTier.Set(float64(c.tier))
	metrics.MemoryFraction.Set(c.ema)
	metrics.DepthScale.Set(c.depthScale)

	return c.tier, nil
}

// rawTier returns the highest tier whose threshold is at or below the EMA.
// Caller holds the lock.
func (c *Controller) rawTier() Tier {
	raw := TierNormal
	for i, threshold := range c.cfg.TierThresholds {
		if c.ema >= threshold {
			raw = Tier(i + 1)
		}
	}
	if raw > TierCritical {
		raw = TierCritical
	}
	return raw
}

// applyTier installs the new tier's action set. On upgrade the flags take
// effect immediately; on downgrade they stay restrictive until the rollback
// cooldown elapses. Caller holds the lock.
func (c *Controller) applyTier(next Tier, now time.Time, upgrade bool) {
	prev := c.tier
	c.tier = next

	if upgrade {
		c.flags = flagsForTier(next)
		if next >= TierHigh {
			for _, purge := range c.purgeables {
				purge()
			}
		}
	}

	c.log.Info("memory pressure tier change",
		"from", prev.String(), "to", next.String(),
		"ema", fmt.Sprintf("%.3f", c.ema), "upgrade", upgrade)
}

// recomputeDepthScale maps tier and EMA to the continuous strike-depth
// scale in [0.2, 1.0]. Caller holds the lock.
func (c *Controller) recomputeDepthScale() {
	scale := tierBaseScale[c.tier]
	if c.ema > 0.95 {
		scale *= 0.8
	}
	if scale < 0.2 {
		scale = 0.2
	}
	if scale > 1.0 {
		scale = 1.0
	}
	c.depthScale = scale
}

// Tier returns the current effective tier.
func (c *Controller) Tier() Tier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tier
}

// Flags returns the current degradation flags.
func (c *Controller) Flags() Flags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags
}

// DepthScale returns the current strike-depth scale.
func (c *Controller) DepthScale() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.depthScale
}

// EMA returns the smoothed memory fraction, for status reporting.
func (c *Controller) EMA() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ema
}
