package collect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/skaranth/optioncollector/internal/core/config"
	"github.com/skaranth/optioncollector/internal/core/domain"
	"github.com/skaranth/optioncollector/internal/faults"
	"github.com/skaranth/optioncollector/internal/pressure"
)

type fakeProvider struct {
	closed    bool
	spotErr   map[string]error
	expiryErr error
	instErr   error
	instEmpty bool
	enrichErr error
	quoteless bool

	mu        sync.Mutex
	spotCalls int
}

func (f *fakeProvider) SessionOpen() bool { return !f.closed }

func (f *fakeProvider) SpotPrice(_ context.Context, idx domain.IndexParams) (float64, error) {
	f.mu.Lock()
	f.spotCalls++
	f.mu.Unlock()
	if err := f.spotErr[idx.Name]; err != nil {
		return 0, err
	}
	return 24510, nil
}

func (f *fakeProvider) ResolveExpiry(_ context.Context, _ domain.IndexParams, _ domain.ExpiryRule) (time.Time, error) {
	if f.expiryErr != nil {
		return time.Time{}, f.expiryErr
	}
	return time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC), nil
}

func (f *fakeProvider) OptionInstruments(_ context.Context, idx domain.IndexParams, expiry time.Time, strikes []float64) ([]domain.Instrument, error) {
	if f.instErr != nil {
		return nil, f.instErr
	}
	if f.instEmpty {
		return nil, nil
	}
	var out []domain.Instrument
	for _, strike := range strikes {
		for _, kind := range []domain.OptionKind{domain.OptionCall, domain.OptionPut} {
			out = append(out, domain.Instrument{
				Exchange:      idx.Exchange,
				TradingSymbol: fmt.Sprintf("%s%.0f%s", idx.Name, strike, kind),
				Name:          idx.Name,
				Segment:       "NFO-OPT",
				Kind:          kind,
				Strike:        strike,
				Expiry:        expiry,
			})
		}
	}
	return out, nil
}

func (f *fakeProvider) Enrich(_ context.Context, instruments []domain.Instrument) (map[string]domain.OptionQuote, error) {
	if f.enrichErr != nil {
		return nil, f.enrichErr
	}
	if f.quoteless {
		return map[string]domain.OptionQuote{}, nil
	}
	quotes := make(map[string]domain.OptionQuote, len(instruments))
	for _, in := range instruments {
		oi := int64(100)
		if in.Kind == domain.OptionPut {
			oi = 150
		}
		quotes[in.Key()] = domain.OptionQuote{
			LastPrice:    80,
			Volume:       1000,
			OpenInterest: oi,
			OHLC:         domain.OHLC{Open: 75, High: 95, Low: 70, Close: 80},
		}
	}
	return quotes, nil
}

type dataWrite struct {
	index string
	rule  domain.ExpiryRule
	rows  []domain.OptionRow
}

type overviewWrite struct {
	index     string
	pcrByRule map[domain.ExpiryRule]float64
	expected  []domain.ExpiryRule
}

type captureSink struct {
	mu        sync.Mutex
	writeErr  error
	data      []dataWrite
	overviews []overviewWrite
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) WriteOptionsData(_ context.Context, index string, rule domain.ExpiryRule, _ time.Time, rows []domain.OptionRow, _ time.Time) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.mu.Lock()
	s.data = append(s.data, dataWrite{index: index, rule: rule, rows: rows})
	s.mu.Unlock()
	return nil
}

func (s *captureSink) WriteOverviewSnapshot(_ context.Context, index string, pcrByRule map[domain.ExpiryRule]float64, _ time.Time, _ float64, expected []domain.ExpiryRule) error {
	s.mu.Lock()
	s.overviews = append(s.overviews, overviewWrite{index: index, pcrByRule: pcrByRule, expected: expected})
	s.mu.Unlock()
	return nil
}

func (s *captureSink) overviewFor(index string) (overviewWrite, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.overviews {
		if o.index == index {
			return o, true
		}
	}
	return overviewWrite{}, false
}

type fixedSampler struct{ v float64 }

func (s fixedSampler) Sample() (float64, error) { return s.v, nil }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testJobs(t *testing.T, names ...string) []IndexJob {
	t.Helper()
	jobs := make([]IndexJob, 0, len(names))
	for _, name := range names {
		params, ok := domain.LookupIndex(name)
		if !ok {
			t.Fatalf("unknown test index %q", name)
		}
		jobs = append(jobs, IndexJob{
			Cfg: config.IndexConfig{
				Name:       name,
				Enabled:    true,
				Expiries:   []domain.ExpiryRule{domain.ExpiryThisWeek, domain.ExpiryNextWeek},
				StrikesITM: 2,
				StrikesOTM: 2,
			},
			Params: params,
		})
	}
	return jobs
}

func newTestOrchestrator(p MarketProvider, sink OptionsSink, memFraction float64) (*Orchestrator, *faults.Router) {
	pc := pressure.NewController(fixedSampler{v: memFraction}, pressure.Config{
		TierThresholds: []float64{0.70, 0.80, 0.90},
		EMAAlpha:       1.0,
	}, quietLogger())
	router := faults.NewRouter(quietLogger())
	o := NewOrchestrator(p, pc, router, []OptionsSink{sink}, Config{
		TaskTimeout:  5 * time.Second,
		WriteWorkers: 0, // inline writes for determinism
	}, quietLogger())
	return o, router
}

func TestRunCycleCollectsAllIndices(t *testing.T) {
	provider := &fakeProvider{}
	sink := &captureSink{}
	o, _ := newTestOrchestrator(provider, sink, 0.1)

	report := o.RunCycle(context.Background(), testJobs(t, "NIFTY", "BANKNIFTY"))

	if len(report.Indices) != 2 {
		t.Fatalf("indices in report = %d, want 2", len(report.Indices))
	}
	for _, name := range []string{"NIFTY", "BANKNIFTY"} {
		rep := report.Indices[name]
		if rep == nil {
			t.Fatalf("no report for %s", name)
		}
		if rep.Skipped != "" {
			t.Errorf("%s skipped: %s", name, rep.Skipped)
		}
		if len(rep.Rules) != 2 {
			t.Errorf("%s rules = %d, want 2", name, len(rep.Rules))
		}
		for _, rule := range rep.Rules {
			if rule.Err != "" || rule.Rows == 0 {
				t.Errorf("%s %s: err=%q rows=%d", name, rule.Rule, rule.Err, rule.Rows)
			}
			if rule.PCR != 1.5 {
				t.Errorf("%s %s PCR = %v, want 1.5", name, rule.Rule, rule.PCR)
			}
		}
	}

	// 2 indices x 2 rules of data plus one overview per index.
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.data) != 4 {
		t.Errorf("data writes = %d, want 4", len(sink.data))
	}
	if len(sink.overviews) != 2 {
		t.Errorf("overview writes = %d, want 2", len(sink.overviews))
	}
}

func TestRunCycleIsolatesFailingIndex(t *testing.T) {
	provider := &fakeProvider{
		spotErr: map[string]error{"BANKNIFTY": errors.New("ltp lookup failed")},
	}
	sink := &captureSink{}
	o, router := newTestOrchestrator(provider, sink, 0.1)

	report := o.RunCycle(context.Background(), testJobs(t, "NIFTY", "BANKNIFTY"))

	if rep := report.Indices["NIFTY"]; rep.Skipped != "" || len(rep.Rules) != 2 {
		t.Errorf("NIFTY should collect despite sibling failure: %+v", rep)
	}
	if rep := report.Indices["BANKNIFTY"]; rep.Skipped != "spot_unavailable" {
		t.Errorf("BANKNIFTY skipped = %q, want spot_unavailable", rep.Skipped)
	}

	// The failed index still gets its placeholder overview.
	ov, ok := sink.overviewFor("BANKNIFTY")
	if !ok {
		t.Fatal("no placeholder overview for the failed index")
	}
	if len(ov.pcrByRule) != 0 {
		t.Error("placeholder overview should carry no collected rules")
	}

	if router.Counts().Total == 0 {
		t.Error("spot failure was not routed")
	}
}

func TestRunCycleMarketClosed(t *testing.T) {
	provider := &fakeProvider{closed: true}
	sink := &captureSink{}
	o, router := newTestOrchestrator(provider, sink, 0.1)

	report := o.RunCycle(context.Background(), testJobs(t, "NIFTY"))

	rep := report.Indices["NIFTY"]
	if rep.Skipped != "market_closed" {
		t.Fatalf("skipped = %q, want market_closed", rep.Skipped)
	}
	if provider.spotCalls != 0 {
		t.Error("spot queried while the session is closed")
	}

	// Placeholder overview regardless.
	if _, ok := sink.overviewFor("NIFTY"); !ok {
		t.Error("no placeholder overview while closed")
	}

	counts := router.Counts()
	if counts.ByCategory[faults.CategoryMarketClosed] != 1 {
		t.Errorf("market_closed records = %d, want 1", counts.ByCategory[faults.CategoryMarketClosed])
	}
}

func TestRunCycleEmptyInstruments(t *testing.T) {
	provider := &fakeProvider{instEmpty: true}
	sink := &captureSink{}
	o, router := newTestOrchestrator(provider, sink, 0.1)

	report := o.RunCycle(context.Background(), testJobs(t, "NIFTY"))

	rep := report.Indices["NIFTY"]
	for _, rule := range rep.Rules {
		if rule.Err != "no_instruments" {
			t.Errorf("rule %s err = %q, want no_instruments", rule.Rule, rule.Err)
		}
	}
	if got := router.Counts().ByCategory[faults.CategoryEmptyInstruments]; got != 2 {
		t.Errorf("empty_instruments records = %d, want one per rule", got)
	}

	ov, ok := sink.overviewFor("NIFTY")
	if !ok {
		t.Fatal("missing overview")
	}
	if len(ov.pcrByRule) != 0 || len(ov.expected) != 2 {
		t.Errorf("overview = %+v, want empty pcr with 2 expected rules", ov)
	}
}

func TestRunCycleRoutesEnrichmentFailurePerRule(t *testing.T) {
	provider := &fakeProvider{enrichErr: errors.New("quote api down")}
	sink := &captureSink{}
	o, router := newTestOrchestrator(provider, sink, 0.1)

	report := o.RunCycle(context.Background(), testJobs(t, "NIFTY"))

	for _, rule := range report.Indices["NIFTY"].Rules {
		if rule.Err != "enrichment_failed" {
			t.Errorf("rule %s err = %q, want enrichment_failed", rule.Rule, rule.Err)
		}
	}
	if got := router.Counts().ByCategory[faults.CategoryEnrichment]; got != 2 {
		t.Errorf("enrichment records = %d, want 2", got)
	}
}

func TestRunCycleStorageFailureDoesNotFailRule(t *testing.T) {
	provider := &fakeProvider{}
	sink := &captureSink{writeErr: errors.New("disk full")}
	o, router := newTestOrchestrator(provider, sink, 0.1)

	report := o.RunCycle(context.Background(), testJobs(t, "NIFTY"))

	for _, rule := range report.Indices["NIFTY"].Rules {
		if rule.Err != "" || rule.Rows == 0 {
			t.Errorf("collection must succeed even when the sink fails: %+v", rule)
		}
	}
	if got := router.Counts().ByCategory[faults.CategoryStorageWrite]; got == 0 {
		t.Error("sink failures were not routed")
	}
}

func TestRunCycleSkipsGreeksUnderPressure(t *testing.T) {
	provider := &fakeProvider{}
	sink := &captureSink{}
	// Memory fraction in tier high territory: greeks disabled.
	o, _ := newTestOrchestrator(provider, sink, 0.85)

	o.RunCycle(context.Background(), testJobs(t, "NIFTY"))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.data) == 0 {
		t.Fatal("no data written")
	}
	for _, w := range sink.data {
		for _, row := range w.rows {
			if row.Greeks != nil {
				t.Fatal("greeks computed despite SkipGreeks pressure flag")
			}
		}
	}
}

func TestRunCycleReducesDepthUnderPressure(t *testing.T) {
	provider := &fakeProvider{}
	normalSink := &captureSink{}
	o, _ := newTestOrchestrator(provider, normalSink, 0.1)
	o.RunCycle(context.Background(), testJobs(t, "NIFTY"))

	squeezedSink := &captureSink{}
	o2, _ := newTestOrchestrator(provider, squeezedSink, 0.92)
	o2.RunCycle(context.Background(), testJobs(t, "NIFTY"))

	normalRows := len(normalSink.data[0].rows)
	squeezedRows := len(squeezedSink.data[0].rows)
	if squeezedRows >= normalRows {
		t.Errorf("rows under pressure = %d, want fewer than %d", squeezedRows, normalRows)
	}
}
