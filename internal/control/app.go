// Package control wires the collector's components together and manages
// their lifecycle.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/skaranth/optioncollector/internal/broker"
	"github.com/skaranth/optioncollector/internal/collect"
	"github.com/skaranth/optioncollector/internal/core/config"
	"github.com/skaranth/optioncollector/internal/faults"
	"github.com/skaranth/optioncollector/internal/health"
	"github.com/skaranth/optioncollector/internal/pressure"
	"github.com/skaranth/optioncollector/internal/provider"
	"github.com/skaranth/optioncollector/internal/resilience"
	pgsink "github.com/skaranth/optioncollector/internal/sink/postgres"
)

// App is the main application struct that manages the collector lifecycle.
type App struct {
	cfg          *config.AppConfig
	orchestrator *collect.Orchestrator
	jobs         []collect.IndexJob
	pressure     *pressure.Controller
	healthMon    *health.Monitor
	healthServer *health.Server
	breakerStore *resilience.RedisStore
	pg           *pgsink.Sink
	log          *slog.Logger
}

// NewApp creates an App with all dependencies initialized. Missing broker
// credentials are a construction error: the process must not start without
// them.
func NewApp(ctx context.Context, cfg *config.AppConfig, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}

	creds, err := broker.NewCredentialManager(
		cfg.Broker.BaseURL, cfg.Broker.Timeout, cfg.Broker.APIKey, cfg.Broker.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to init credentials: %w", err)
	}

	// Breaker persistence is best effort. Without Redis open circuits
	// simply reset on restart.
	var store *resilience.RedisStore
	if cfg.Breaker.Persist && cfg.Redis.URL != "" {
		store, err = resilience.NewRedisStore(resilience.RedisConfig{
			URL:      cfg.Redis.URL,
			Password: cfg.Redis.Password,
		})
		if err != nil {
			log.Warn("redis unavailable, breaker persistence disabled", "error", err)
			store = nil
		}
	}

	var breakerStore resilience.Store
	if store != nil {
		breakerStore = store
	}
	registry := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		MinTimeout:       cfg.Breaker.MinTimeout,
		MaxTimeout:       cfg.Breaker.MaxTimeout,
		BackoffFactor:    cfg.Breaker.BackoffFactor,
		Jitter:           cfg.Breaker.Jitter,
	}, breakerStore)

	policy := resilience.NewPolicy(resilience.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		MaxElapsed:  cfg.Retry.MaxElapsed,
		BackoffBase: cfg.Retry.BackoffBase,
		Jitter:      cfg.Retry.JitterEnabled(),
		Whitelist:   toCategories(cfg.Retry.Whitelist),
		Blacklist:   toCategories(cfg.Retry.Blacklist),
	})

	router := faults.NewRouter(log)

	instruments := provider.NewInstrumentCache(cfg.Cache.InstrumentTTL, cfg.Cache.EmptyTTL, log)
	instruments.OnFetchError(func(err error, exchange string) {
		router.Handle(err, "provider.instruments", map[string]string{"exchange": exchange})
	})
	expiries := provider.NewExpiryResolver(cfg.Cache.ExpiryTTL)
	facade := provider.NewFacade(creds.Client(), registry, policy, instruments, expiries)

	sampler, err := pressure.NewProcSampler(cfg.Pressure.TotalMemoryBytes)
	var pc *pressure.Controller
	if err != nil {
		log.Warn("procfs unavailable, memory pressure control disabled", "error", err)
		pc = pressure.NewController(zeroSampler{}, pressureConfig(cfg), log)
	} else {
		pc = pressure.NewController(sampler, pressureConfig(cfg), log)
	}
	pc.RegisterCache(facade.PurgeCaches)

	sinks := []collect.OptionsSink{collect.NewLogSink(log)}
	var pg *pgsink.Sink
	if cfg.Database.URL != "" {
		pg, err = pgsink.NewSink(ctx, pgsink.Config{
			URL:      cfg.Database.URL,
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		}, "migrations")
		if err != nil {
			return nil, fmt.Errorf("failed to init postgres sink: %w", err)
		}
		sinks = append(sinks, pg)
		log.Info("using postgres sink")
	}

	jobs := make([]collect.IndexJob, 0, len(cfg.Indices))
	for _, idx := range cfg.Indices {
		if !idx.Enabled {
			continue
		}
		params, ok := idx.Params()
		if !ok {
			return nil, fmt.Errorf("unknown index %q and no complete overrides", idx.Name)
		}
		jobs = append(jobs, collect.IndexJob{Cfg: idx, Params: params})
		log.Info("index enabled", "index", params.Name,
			"expiries", len(idx.Expiries), "step", params.StrikeStep)
	}

	orchestrator := collect.NewOrchestrator(facade, pc, router, sinks, collect.Config{
		TaskTimeout:  cfg.Cycle.TaskTimeout,
		WriteWorkers: cfg.Cycle.WriteWorkers,
	}, log)

	healthMon := health.NewMonitor(registry, pc, router)

	return &App{
		cfg:          cfg,
		orchestrator: orchestrator,
		jobs:         jobs,
		pressure:     pc,
		healthMon:    healthMon,
		healthServer: health.NewServer(healthMon, cfg.Server.Port),
		breakerStore: store,
		pg:           pg,
		log:          log,
	}, nil
}

// Start launches the health server and the collection loop. It returns
// immediately; the loop runs until ctx is cancelled.
func (a *App) Start(ctx context.Context) error {
	go func() {
		if err := a.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("health server failed", "error", err)
		}
	}()

	go a.runLoop(ctx)
	return nil
}

// runLoop runs one collection cycle per tick. Under high memory pressure
// the effective interval doubles.
func (a *App) runLoop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		report := a.orchestrator.RunCycle(ctx, a.jobs)
		a.healthMon.ObserveCycle(report)

		interval := a.cfg.Cycle.Interval
		if a.pressure.Flags().SlowCycles {
			interval *= 2
		}
		timer.Reset(interval)
	}
}

// Stop shuts the app down.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping collector")

	if a.pg != nil {
		if err := a.pg.Close(); err != nil {
			a.log.Warn("failed to close postgres", "error", err)
		}
	}
	if a.breakerStore != nil {
		if err := a.breakerStore.Close(); err != nil {
			a.log.Warn("failed to close redis", "error", err)
		}
	}

	return a.healthServer.Stop(ctx)
}

func pressureConfig(cfg *config.AppConfig) pressure.Config {
	return pressure.Config{
		TierThresholds:   cfg.Pressure.TierThresholds,
		EMAAlpha:         cfg.Pressure.EMAAlpha,
		Recovery:         cfg.Pressure.Recovery,
		RollbackCooldown: cfg.Pressure.RollbackCooldown,
	}
}

func toCategories(names []string) []faults.Category {
	cats := make([]faults.Category, 0, len(names))
	for _, n := range names {
		cats = append(cats, faults.Category(n))
	}
	return cats
}

// zeroSampler reports no memory pressure on platforms without procfs.
type zeroSampler struct{}

func (zeroSampler) Sample() (float64, error) { return 0, nil }
