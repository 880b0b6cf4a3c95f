package provider

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/skaranth/optioncollector/internal/core/domain"
	"github.com/skaranth/optioncollector/internal/metrics"
)

// FetchFunc loads an instrument universe from upstream.
type FetchFunc func(ctx context.Context) ([]domain.Instrument, error)

type instrumentEntry struct {
	instruments []domain.Instrument
	fetchedAt   time.Time
}

// InstrumentCache is a per-exchange TTL cache of instrument universes. An
// empty universe is cached under a much shorter TTL so the next cycle
// re-queries soon, and a fetch error degrades to a cached empty result
// instead of propagating to the caller.
type InstrumentCache struct {
	ttl      time.Duration
	emptyTTL time.Duration
	log      *slog.Logger
	onError  func(err error, exchange string)

	mu      sync.Mutex
	entries map[string]instrumentEntry

	now func() time.Time
}

// NewInstrumentCache creates a cache with the given TTLs.
func NewInstrumentCache(ttl, emptyTTL time.Duration, log *slog.Logger) *InstrumentCache {
	if log == nil {
		log = slog.Default()
	}
	return &InstrumentCache{
		ttl:      ttl,
		emptyTTL: emptyTTL,
		log:      log,
		entries:  make(map[string]instrumentEntry),
		now:      time.Now,
	}
}

// OnFetchError registers a hook invoked when a fetch failure is degraded to
// a cached empty universe. The error never reaches the caller on that path,
// so this is where it gets accounted for.
func (c *InstrumentCache) OnFetchError(fn func(err error, exchange string)) {
	c.onError = fn
}

// GetOrFetch returns the cached universe for exchange when fresh, otherwise
// fetches. The second return reports a cache hit. When a fetch returns an
// empty universe and retryFetch is non-nil, one immediate retry runs before
// the empty result is accepted.
func (c *InstrumentCache) GetOrFetch(ctx context.Context, exchange string, fetch, retryFetch FetchFunc) ([]domain.Instrument, bool, error) {
	c.mu.Lock()
	entry, ok := c.entries[exchange]
	if ok && c.now().Sub(entry.fetchedAt) < c.effectiveTTL(entry) {
		instruments := entry.instruments
		c.mu.Unlock()
		metrics.CacheHitsTotal.WithLabelValues("instruments").Inc()
		return instruments, true, nil
	}
	c.mu.Unlock()

	metrics.CacheMissesTotal.WithLabelValues("instruments").Inc()
	return c.refresh(ctx, exchange, fetch, retryFetch)
}

// ForceRefresh bypasses freshness checks unconditionally.
func (c *InstrumentCache) ForceRefresh(ctx context.Context, exchange string, fetch, retryFetch FetchFunc) ([]domain.Instrument, bool, error) {
	return c.refresh(ctx, exchange, fetch, retryFetch)
}

// refresh runs outside the lock; upstream calls must not block readers.
func (c *InstrumentCache) refresh(ctx context.Context, exchange string, fetch, retryFetch FetchFunc) ([]domain.Instrument, bool, error) {
	instruments, err := fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		// A flaky upstream degrades the cache rather than crashing the
		// caller: remember an empty universe under the short TTL.
		c.log.Warn("instrument fetch failed, caching empty universe",
			"exchange", exchange, "error", err)
		if c.onError != nil {
			c.onError(err, exchange)
		}
		c.store(exchange, nil)
		return nil, false, nil
	}

	if len(instruments) == 0 && retryFetch != nil {
		retried, rerr := retryFetch(ctx)
		if rerr == nil && len(retried) > 0 {
			instruments = retried
		}
	}

	c.store(exchange, instruments)
	return instruments, false, nil
}

func (c *InstrumentCache) store(exchange string, instruments []domain.Instrument) {
	c.mu.Lock()
	c.entries[exchange] = instrumentEntry{instruments: instruments, fetchedAt: c.now()}
	c.mu.Unlock()
}

func (c *InstrumentCache) effectiveTTL(entry instrumentEntry) time.Duration {
	if len(entry.instruments) == 0 {
		return c.emptyTTL
	}
	return c.ttl
}

// Purge drops every cached universe.
func (c *InstrumentCache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]instrumentEntry)
	c.mu.Unlock()
}
