package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/skaranth/optioncollector/internal/broker"
	"github.com/skaranth/optioncollector/internal/core/domain"
	"github.com/skaranth/optioncollector/internal/resilience"
)

// Breaker names, one per upstream operation. Different names never contend.
const (
	breakerLTP         = "provider.ltp"
	breakerQuote       = "provider.quote"
	breakerInstruments = "provider.instruments"
)

// quoteBatchSize bounds keys per quote request, per upstream limits.
const quoteBatchSize = 200

// atmWindowSteps is how many strike steps around ATM qualify an instrument
// for expiry extraction.
const atmWindowSteps = 10

// Facade is the uniform read interface over the broker boundary. Every
// upstream call runs retry-inside-breaker: the breaker sees one failure per
// outer call regardless of inner attempts.
type Facade struct {
	api      broker.API
	breakers *resilience.Registry
	retry    *resilience.Policy
	cache    *InstrumentCache
	expiries *ExpiryResolver

	now func() time.Time
}

// NewFacade builds a provider facade from its collaborators.
func NewFacade(
	api broker.API,
	breakers *resilience.Registry,
	retry *resilience.Policy,
	cache *InstrumentCache,
	expiries *ExpiryResolver,
) *Facade {
	return &Facade{
		api:      api,
		breakers: breakers,
		retry:    retry,
		cache:    cache,
		expiries: expiries,
		now:      time.Now,
	}
}

func (f *Facade) call(ctx context.Context, name string, fn func(context.Context) error) error {
	return f.breakers.Get(name).Execute(ctx, func(ctx context.Context) error {
		return f.retry.Do(ctx, name, fn)
	})
}

// LTP fetches last traded prices for quote keys.
func (f *Facade) LTP(ctx context.Context, keys []string) (map[string]float64, error) {
	var out map[string]float64
	err := f.call(ctx, breakerLTP, func(ctx context.Context) error {
		var err error
		out, err = f.api.LTP(ctx, keys)
		return err
	})
	return out, err
}

// SpotPrice returns the index's underlying price.
func (f *Facade) SpotPrice(ctx context.Context, idx domain.IndexParams) (float64, error) {
	prices, err := f.LTP(ctx, []string{idx.SpotKey})
	if err != nil {
		return 0, err
	}
	spot, ok := prices[idx.SpotKey]
	if !ok || spot <= 0 {
		return 0, fmt.Errorf("no spot price for %s", idx.SpotKey)
	}
	return spot, nil
}

// Quote fetches full quotes, batching keys per upstream limits.
func (f *Facade) Quote(ctx context.Context, keys []string) (map[string]domain.OptionQuote, error) {
	out := make(map[string]domain.OptionQuote, len(keys))

	for start := 0; start < len(keys); start += quoteBatchSize {
		end := min(start+quoteBatchSize, len(keys))
		batch := keys[start:end]

		var part map[string]domain.OptionQuote
		err := f.call(ctx, breakerQuote, func(ctx context.Context) error {
			var err error
			part, err = f.api.Quote(ctx, batch)
			return err
		})
		if err != nil {
			return nil, err
		}
		for k, v := range part {
			out[k] = v
		}
	}
	return out, nil
}

// Enrich fetches quotes for a list of instruments, keyed exchange:symbol.
func (f *Facade) Enrich(ctx context.Context, instruments []domain.Instrument) (map[string]domain.OptionQuote, error) {
	keys := make([]string, len(instruments))
	for i, in := range instruments {
		keys[i] = in.Key()
	}
	return f.Quote(ctx, keys)
}

// Universe returns the instrument universe for the index's exchange,
// through the TTL cache. The retry-on-empty fetch is a ForceRefresh-style
// second attempt at the upstream.
func (f *Facade) Universe(ctx context.Context, idx domain.IndexParams) ([]domain.Instrument, bool, error) {
	fetch := func(ctx context.Context) ([]domain.Instrument, error) {
		var out []domain.Instrument
		err := f.call(ctx, breakerInstruments, func(ctx context.Context) error {
			var err error
			out, err = f.api.Instruments(ctx, idx.Exchange)
			return err
		})
		return out, err
	}
	return f.cache.GetOrFetch(ctx, idx.Exchange, fetch, fetch)
}

// ResolveExpiry resolves a symbolic expiry rule to a concrete date.
func (f *Facade) ResolveExpiry(ctx context.Context, idx domain.IndexParams, rule domain.ExpiryRule) (time.Time, error) {
	expiries, err := f.expiries.Resolve(ctx,
		idx,
		func(ctx context.Context) ([]domain.Instrument, error) {
			instruments, _, err := f.Universe(ctx, idx)
			return instruments, err
		},
		func(ctx context.Context) (float64, error) {
			spot, err := f.SpotPrice(ctx, idx)
			if err != nil {
				return 0, err
			}
			return idx.ATMStrike(spot), nil
		},
		float64(atmWindowSteps)*idx.StrikeStep,
	)
	if err != nil {
		return time.Time{}, err
	}
	return SelectByRule(expiries, rule, f.now())
}

// OptionInstruments returns the option contracts of the index at the given
// expiry whose strikes appear in the ladder.
func (f *Facade) OptionInstruments(ctx context.Context, idx domain.IndexParams, expiry time.Time, strikes []float64) ([]domain.Instrument, error) {
	universe, _, err := f.Universe(ctx, idx)
	if err != nil {
		return nil, err
	}

	want := make(map[float64]struct{}, len(strikes))
	for _, s := range strikes {
		want[s] = struct{}{}
	}
	day := truncateDay(expiry)

	var out []domain.Instrument
	for _, in := range universe {
		if !in.IsOption() || !matchesIndex(in, idx.Name) {
			continue
		}
		if in.Kind != domain.OptionCall && in.Kind != domain.OptionPut {
			continue
		}
		if !truncateDay(in.Expiry).Equal(day) {
			continue
		}
		if _, ok := want[in.Strike]; !ok {
			continue
		}
		out = append(out, in)
	}
	return out, nil
}

// SessionOpen reports whether the upstream market session is open.
func (f *Facade) SessionOpen() bool {
	return broker.MarketOpen(f.now())
}

// PurgeCaches drops instrument and expiry caches, for memory pressure
// degradation.
func (f *Facade) PurgeCaches() {
	f.cache.Purge()
	f.expiries.Purge()
}
