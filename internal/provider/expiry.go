package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/skaranth/optioncollector/internal/core/domain"
	"github.com/skaranth/optioncollector/internal/metrics"
)

type expiryEntry struct {
	expiries  []time.Time
	fetchedAt time.Time
}

// ExpiryResolver derives, fabricates and caches contract expiry dates per
// index from an instrument universe.
type ExpiryResolver struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]expiryEntry

	now func() time.Time
}

// NewExpiryResolver creates a resolver with the given cache TTL.
func NewExpiryResolver(ttl time.Duration) *ExpiryResolver {
	return &ExpiryResolver{
		ttl:     ttl,
		entries: make(map[string]expiryEntry),
		now:     time.Now,
	}
}

// Extract returns the sorted distinct expiry dates of option instruments
// matching the index: option segment, index name in the trading symbol,
// expiry on/after today, and strike within atmWindow of atmStrike when an
// ATM strike is supplied (atmStrike > 0). Idempotent and independent of
// instrument order.
func Extract(idx domain.IndexParams, instruments []domain.Instrument, atmStrike, atmWindow float64, today time.Time) []time.Time {
	day := truncateDay(today)
	seen := make(map[time.Time]struct{})

	for _, in := range instruments {
		if !in.IsOption() || in.Expiry.IsZero() {
			continue
		}
		if !matchesIndex(in, idx.Name) {
			continue
		}
		expiry := truncateDay(in.Expiry)
		if expiry.Before(day) {
			continue
		}
		if atmStrike > 0 {
			diff := in.Strike - atmStrike
			if diff < 0 {
				diff = -diff
			}
			if diff > atmWindow {
				continue
			}
		}
		seen[expiry] = struct{}{}
	}

	out := make([]time.Time, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// matchesIndex guards against NIFTY swallowing BANKNIFTY/FINNIFTY symbols:
// the index name must start the trading symbol or equal the contract name.
func matchesIndex(in domain.Instrument, name string) bool {
	return in.Name == name || strings.HasPrefix(in.TradingSymbol, name)
}

// Fabricate returns a deterministic expiry pair for a degraded universe:
// the next weekly-expiry weekday on/after today, and seven days later.
// Keeps the pipeline alive when extraction yields nothing.
func Fabricate(idx domain.IndexParams, today time.Time) [2]time.Time {
	day := truncateDay(today)
	offset := (int(idx.ExpiryWeekday) - int(day.Weekday()) + 7) % 7
	first := day.AddDate(0, 0, offset)
	return [2]time.Time{first, first.AddDate(0, 0, 7)}
}

// Resolve returns the cached expiry set for the index when fresh. On miss
// it fetches the universe, extracts, falls back to fabrication only when
// the universe was non-empty but extraction matched nothing, and caches
// the outcome either way.
func (r *ExpiryResolver) Resolve(
	ctx context.Context,
	idx domain.IndexParams,
	fetchInstruments FetchFunc,
	atmProvider func(context.Context) (float64, error),
	atmWindow float64,
) ([]time.Time, error) {
	now := r.now()

	r.mu.Lock()
	entry, ok := r.entries[idx.Name]
	if ok && now.Sub(entry.fetchedAt) < r.ttl {
		expiries := entry.expiries
		r.mu.Unlock()
		metrics.CacheHitsTotal.WithLabelValues("expiries").Inc()
		return expiries, nil
	}
	r.mu.Unlock()
	metrics.CacheMissesTotal.WithLabelValues("expiries").Inc()

	instruments, err := fetchInstruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve expiries for %s: %w", idx.Name, err)
	}

	var atm float64
	if atmProvider != nil {
		// ATM narrowing is an optimization; a failed spot lookup just
		// widens extraction to the full chain.
		if v, aerr := atmProvider(ctx); aerr == nil {
			atm = v
		}
	}

	expiries := Extract(idx, instruments, atm, atmWindow, now)
	if len(expiries) == 0 && len(instruments) > 0 {
		pair := Fabricate(idx, now)
		expiries = pair[:]
	}

	r.mu.Lock()
	r.entries[idx.Name] = expiryEntry{expiries: expiries, fetchedAt: now}
	r.mu.Unlock()

	return expiries, nil
}

// SelectByRule picks one expiry from a sorted set by symbolic rule.
func SelectByRule(expiries []time.Time, rule domain.ExpiryRule, today time.Time) (time.Time, error) {
	if len(expiries) == 0 {
		return time.Time{}, fmt.Errorf("no expiries available for rule %s", rule)
	}

	day := truncateDay(today)
	switch rule {
	case domain.ExpiryThisWeek:
		return expiries[0], nil
	case domain.ExpiryNextWeek:
		if len(expiries) < 2 {
			return time.Time{}, fmt.Errorf("no second expiry available for rule %s", rule)
		}
		return expiries[1], nil
	case domain.ExpiryThisMonth:
		return lastOfMonth(expiries, day.Year(), day.Month())
	case domain.ExpiryNextMonth:
		next := day.AddDate(0, 1, 0)
		return lastOfMonth(expiries, next.Year(), next.Month())
	}
	return time.Time{}, fmt.Errorf("unknown expiry rule %q", rule)
}

// lastOfMonth returns the last expiry in the given calendar month (the
// monthly contract).
func lastOfMonth(expiries []time.Time, year int, month time.Month) (time.Time, error) {
	var found time.Time
	for _, e := range expiries {
		if e.Year() == year && e.Month() == month {
			found = e
		}
	}
	if found.IsZero() {
		return time.Time{}, fmt.Errorf("no expiry in %s %d", month, year)
	}
	return found, nil
}

// Purge drops every cached expiry set.
func (r *ExpiryResolver) Purge() {
	r.mu.Lock()
	r.entries = make(map[string]expiryEntry)
	r.mu.Unlock()
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
