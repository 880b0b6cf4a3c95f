package collect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skaranth/optioncollector/internal/core/config"
	"github.com/skaranth/optioncollector/internal/core/domain"
	"github.com/skaranth/optioncollector/internal/faults"
	"github.com/skaranth/optioncollector/internal/metrics"
	"github.com/skaranth/optioncollector/internal/pressure"
	"github.com/skaranth/optioncollector/internal/resilience"
)

// MarketProvider is the read surface the orchestrator drives each cycle.
// *provider.Facade implements it.
type MarketProvider interface {
	SessionOpen() bool
	SpotPrice(ctx context.Context, idx domain.IndexParams) (float64, error)
	ResolveExpiry(ctx context.Context, idx domain.IndexParams, rule domain.ExpiryRule) (time.Time, error)
	OptionInstruments(ctx context.Context, idx domain.IndexParams, expiry time.Time, strikes []float64) ([]domain.Instrument, error)
	Enrich(ctx context.Context, instruments []domain.Instrument) (map[string]domain.OptionQuote, error)
}

// Config tunes the orchestrator.
type Config struct {
	TaskTimeout  time.Duration
	WriteWorkers int
}

// IndexJob pairs an index's collection config with its market parameters.
type IndexJob struct {
	Cfg    config.IndexConfig
	Params domain.IndexParams
}

// RuleResult is the outcome of one expiry rule within an index task.
type RuleResult struct {
	Rule     domain.ExpiryRule `json:"rule"`
	Expiry   string            `json:"expiry,omitempty"`
	Rows     int               `json:"rows"`
	PCR      float64           `json:"pcr"`
	DayWidth float64           `json:"day_width"`
	Err      string            `json:"error,omitempty"`
}

// IndexReport is the minimal per-index output structure. One exists for
// every enabled index after a cycle, even when nothing was collected.
type IndexReport struct {
	Index   string       `json:"index"`
	Skipped string       `json:"skipped,omitempty"`
	Spot    float64      `json:"spot,omitempty"`
	ATM     float64      `json:"atm,omitempty"`
	Rules   []RuleResult `json:"rules"`

	overviewWritten bool
}

// CycleReport summarizes one collection cycle.
type CycleReport struct {
	ID       string                  `json:"id"`
	Started  time.Time               `json:"started"`
	Duration time.Duration           `json:"duration"`
	Tier     pressure.Tier           `json:"tier"`
	Indices  map[string]*IndexReport `json:"indices"`
}

// Orchestrator runs one concurrent task per enabled index per cycle,
// driving the provider facade and forwarding results to sinks. Per-stage
// failures are routed to the error router and never abort sibling work.
type Orchestrator struct {
	provider MarketProvider
	pressure *pressure.Controller
	router   *faults.Router
	sinks    []OptionsSink
	cfg      Config
	log      *slog.Logger

	diagOnce sync.Once
	now      func() time.Time
}

// NewOrchestrator builds an orchestrator.
func NewOrchestrator(
	p MarketProvider,
	pc *pressure.Controller,
	router *faults.Router,
	sinks []OptionsSink,
	cfg Config,
	log *slog.Logger,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 45 * time.Second
	}
	return &Orchestrator{
		provider: p,
		pressure: pc,
		router:   router,
		sinks:    sinks,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// RunCycle collects every enabled index once. It never returns an error:
// single-index and single-expiry failures are recorded and isolated.
func (o *Orchestrator) RunCycle(ctx context.Context, jobs []IndexJob) *CycleReport {
	started := o.now()
	report := &CycleReport{
		ID:      uuid.NewString()[:8],
		Started: started,
		Indices: make(map[string]*IndexReport),
	}

	// Pressure is evaluated once per cycle by this single evaluator, not
	// per task, to keep tier transitions from thrashing.
	tier, err := o.pressure.Evaluate()
	if err != nil {
		o.router.Handle(
			faults.Wrap(err, faults.CategoryResource, faults.SeverityMedium, "pressure"),
			"pressure", map[string]string{"cycle": report.ID})
	}
	report.Tier = tier

	pool := newWritePool(o.cfg.WriteWorkers)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, job := range jobs {
		if !job.Cfg.Enabled {
			continue
		}
		wg.Add(1)
		go func(job IndexJob) {
			defer wg.Done()

			taskCtx, cancel := context.WithTimeout(ctx, o.cfg.TaskTimeout)
			defer cancel()

			rep := o.runIndex(taskCtx, job, pool, report.ID)
			if errors.Is(taskCtx.Err(), context.DeadlineExceeded) && rep.Skipped == "" {
				o.router.Handle(
					faults.Wrap(taskCtx.Err(), faults.CategoryTimeout, faults.SeverityMedium, "orchestrator"),
					"orchestrator", map[string]string{"cycle": report.ID, "index": job.Params.Name})
			}

			mu.Lock()
			report.Indices[job.Params.Name] = rep
			mu.Unlock()
		}(job)
	}
	wg.Wait()

	// Placeholder guarantee: every enabled index ends the cycle with an
	// overview snapshot and a report entry, even if nothing was written.
	ts := o.now()
	for _, job := range jobs {
		if !job.Cfg.Enabled {
			continue
		}
		rep, ok := report.Indices[job.Params.Name]
		if !ok {
			rep = &IndexReport{Index: job.Params.Name, Skipped: "task_not_run"}
			report.Indices[job.Params.Name] = rep
		}
		if !rep.overviewWritten {
			o.writeOverview(ctx, pool, job, map[domain.ExpiryRule]float64{}, ts, 0, report.ID)
			rep.overviewWritten = true
		}
	}

	pool.drain()

	for name, rep := range report.Indices {
		status := 0.0
		if rep.Skipped == "" && collectedAny(rep.Rules) {
			status = 1.0
		}
		metrics.IndexCycleStatus.WithLabelValues(name).Set(status)
	}
	metrics.CyclesTotal.Inc()

	report.Duration = o.now().Sub(started)
	o.log.Debug("cycle complete",
		"cycle", report.ID, "tier", tier.String(),
		"indices", len(report.Indices), "duration", report.Duration)
	return report
}

func collectedAny(rules []RuleResult) bool {
	for _, r := range rules {
		if r.Err == "" && r.Rows > 0 {
			return true
		}
	}
	return false
}

func (o *Orchestrator) runIndex(ctx context.Context, job IndexJob, pool *writePool, cycleID string) *IndexReport {
	rep := &IndexReport{Index: job.Params.Name}
	tctx := map[string]string{"cycle": cycleID, "index": job.Params.Name}

	if !o.provider.SessionOpen() {
		rep.Skipped = "market_closed"
		o.router.Handle(
			faults.Wrap(errors.New("market session closed"), faults.CategoryMarketClosed, faults.SeverityLow, "orchestrator"),
			"orchestrator", tctx)
		return rep
	}

	spot, err := o.provider.SpotPrice(ctx, job.Params)
	if err != nil {
		rep.Skipped = "spot_unavailable"
		o.router.Handle(classifyStage(err, faults.CategoryProvider), "orchestrator", tctx)
		return rep
	}
	rep.Spot = spot
	rep.ATM = job.Params.ATMStrike(spot)

	flags := o.pressure.Flags()
	scale := o.pressure.DepthScale()

	pcrByRule := make(map[domain.ExpiryRule]float64)
	var widthSum float64
	var widthN int

	// Expiry rules run sequentially within the index; one bad expiry never
	// aborts the rest.
	for _, rule := range job.Cfg.Expiries {
		res := o.processExpiry(ctx, job, rule, rep.Spot, rep.ATM, scale, flags, pool, cycleID)
		rep.Rules = append(rep.Rules, res)
		if res.Err == "" && res.Rows > 0 {
			pcrByRule[rule] = res.PCR
			if res.DayWidth > 0 {
				widthSum += res.DayWidth
				widthN++
			}
		}
	}

	var dayWidth float64
	if widthN > 0 {
		dayWidth = widthSum / float64(widthN)
	}
	o.writeOverview(ctx, pool, job, pcrByRule, o.now(), dayWidth, cycleID)
	rep.overviewWritten = true

	return rep
}

func (o *Orchestrator) processExpiry(
	ctx context.Context,
	job IndexJob,
	rule domain.ExpiryRule,
	spot, atm, scale float64,
	flags pressure.Flags,
	pool *writePool,
	cycleID string,
) RuleResult {
	res := RuleResult{Rule: rule}
	tctx := map[string]string{"cycle": cycleID, "index": job.Params.Name, "rule": string(rule)}

	expiry, err := o.provider.ResolveExpiry(ctx, job.Params, rule)
	if err != nil {
		res.Err = "expiry_unresolved"
		o.router.Handle(classifyStage(err, faults.CategoryExpiryResolution), "orchestrator", tctx)
		return res
	}
	res.Expiry = expiry.Format("2006-01-02")
	tctx["expiry"] = res.Expiry

	ladder := StrikeLadder(atm, job.Params.StrikeStep, job.Cfg.StrikesITM, job.Cfg.StrikesOTM, scale)

	instruments, err := o.provider.OptionInstruments(ctx, job.Params, expiry, ladder)
	if err != nil {
		res.Err = "instruments_unavailable"
		o.router.Handle(classifyStage(err, faults.CategoryProvider), "orchestrator", tctx)
		return res
	}
	if len(instruments) == 0 {
		res.Err = "no_instruments"
		o.router.Handle(
			faults.Wrap(fmt.Errorf("no option instruments for %s %s", job.Params.Name, res.Expiry),
				faults.CategoryEmptyInstruments, faults.SeverityMedium, "orchestrator"),
			"orchestrator", tctx)
		return res
	}

	quotes, err := o.provider.Enrich(ctx, instruments)
	if err != nil {
		res.Err = "enrichment_failed"
		o.router.Handle(classifyStage(err, faults.CategoryEnrichment), "orchestrator", tctx)
		return res
	}
	if len(quotes) == 0 {
		res.Err = "no_quotes"
		o.router.Handle(
			faults.Wrap(fmt.Errorf("empty quote set for %s %s", job.Params.Name, res.Expiry),
				faults.CategoryEmptyQuotes, faults.SeverityMedium, "orchestrator"),
			"orchestrator", tctx)
		return res
	}

	now := o.now()
	rows := make([]domain.OptionRow, 0, len(instruments))
	for _, in := range instruments {
		quote, ok := quotes[in.Key()]
		if !ok {
			continue
		}
		row := domain.OptionRow{
			Instrument: in,
			Quote:      quote,
			ATMStrike:  atm,
			SpotPrice:  spot,
			Offset:     int((in.Strike - atm) / job.Params.StrikeStep),
		}
		if !flags.SkipGreeks {
			row.Greeks = ComputeGreeks(spot, in.Strike, quote.LastPrice, expiry, now, in.Kind)
		}
		rows = append(rows, row)
	}

	// One-shot diagnostic right after the first successful enrichment
	// across any index.
	o.diagOnce.Do(func() {
		dte := int(expiry.Sub(truncateDay(now)).Hours() / 24)
		o.log.Info("first enrichment: expiry matrix",
			"index", job.Params.Name, "rule", string(rule),
			"expiry", res.Expiry, "days_to_expiry", dte,
			"strikes", len(ladder), "rows", len(rows))
	})

	res.Rows = len(rows)
	res.PCR = PutCallOIRatio(rows)
	res.DayWidth = RepresentativeDayWidth(rows)

	ts := o.now()
	for _, sink := range o.sinks {
		sink := sink
		rowsCopy := rows
		pool.submit(func() {
			if err := sink.WriteOptionsData(ctx, job.Params.Name, rule, expiry, rowsCopy, ts); err != nil {
				o.router.Handle(
					faults.Wrap(err, faults.CategoryStorageWrite, faults.SeverityMedium, sink.Name()),
					sink.Name(), tctx)
				return
			}
			if !flags.DropPerOptionMetrics {
				metrics.RowsWrittenTotal.WithLabelValues(job.Params.Name, sink.Name()).Add(float64(len(rowsCopy)))
			}
		})
	}

	return res
}

func (o *Orchestrator) writeOverview(
	ctx context.Context,
	pool *writePool,
	job IndexJob,
	pcrByRule map[domain.ExpiryRule]float64,
	ts time.Time,
	dayWidth float64,
	cycleID string,
) {
	for _, sink := range o.sinks {
		sink := sink
		pool.submit(func() {
			err := sink.WriteOverviewSnapshot(ctx, job.Params.Name, pcrByRule, ts, dayWidth, job.Cfg.Expiries)
			if err != nil {
				o.router.Handle(
					faults.Wrap(err, faults.CategoryStorageWrite, faults.SeverityMedium, sink.Name()),
					sink.Name(), map[string]string{"cycle": cycleID, "index": job.Params.Name})
			}
		})
	}
}

// classifyStage preserves an existing classification, tags resilience
// signals with their own categories, and falls back otherwise.
func classifyStage(err error, fallback faults.Category) error {
	var ce *faults.ClassifiedError
	if errors.As(err, &ce) {
		return err
	}
	var open *resilience.ErrBreakerOpen
	if errors.As(err, &open) {
		return faults.Wrap(err, faults.CategoryBreakerOpen, faults.SeverityHigh, "resilience")
	}
	var exhausted *resilience.RetryExhaustedError
	if errors.As(err, &exhausted) {
		return faults.Wrap(err, faults.CategoryRetryExhausted, faults.SeverityMedium, "resilience")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Wrap(err, faults.CategoryTimeout, faults.SeverityMedium, "orchestrator")
	}
	return faults.Wrap(err, fallback, faults.SeverityMedium, "orchestrator")
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
