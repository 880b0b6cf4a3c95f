package collect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/skaranth/optioncollector/internal/core/domain"
)

// OptionsSink receives normalized collection output. Storage format is the
// sink's business; the core only guarantees what it hands over.
type OptionsSink interface {
	Name() string
	WriteOptionsData(ctx context.Context, index string, rule domain.ExpiryRule, expiry time.Time, rows []domain.OptionRow, ts time.Time) error
	WriteOverviewSnapshot(ctx context.Context, index string, pcrByRule map[domain.ExpiryRule]float64, ts time.Time, dayWidth float64, expectedRules []domain.ExpiryRule) error
}

// LogSink writes collection output to the log. Useful standalone and as the
// always-available default when no database is configured.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) WriteOptionsData(_ context.Context, index string, rule domain.ExpiryRule, expiry time.Time, rows []domain.OptionRow, ts time.Time) error {
	s.log.Info("options data",
		"index", index,
		"rule", string(rule),
		"expiry", expiry.Format("2006-01-02"),
		"rows", len(rows),
		"ts", ts.Format(time.RFC3339))
	return nil
}

func (s *LogSink) WriteOverviewSnapshot(_ context.Context, index string, pcrByRule map[domain.ExpiryRule]float64, ts time.Time, dayWidth float64, expectedRules []domain.ExpiryRule) error {
	s.log.Info("overview snapshot",
		"index", index,
		"rules_collected", len(pcrByRule),
		"rules_expected", len(expectedRules),
		"day_width", dayWidth,
		"ts", ts.Format(time.RFC3339))
	return nil
}

// writePool offloads blocking sink writes so they don't stall sibling index
// tasks. Bounded; when the queue is full, or without a pool, writes run
// inline.
type writePool struct {
	jobs chan func()
	wg   sync.WaitGroup
}

// newWritePool starts workers goroutines. workers <= 0 returns nil, which
// submit treats as inline mode.
func newWritePool(workers int) *writePool {
	if workers <= 0 {
		return nil
	}
	p := &writePool{jobs: make(chan func(), workers*4)}
	for i := 0; i < workers; i++ {
		go func() {
			for job := range p.jobs {
				job()
				p.wg.Done()
			}
		}()
	}
	return p
}

// submit runs fn on a worker, or inline when there is no pool or no queue
// room.
func (p *writePool) submit(fn func()) {
	if p == nil {
		fn()
		return
	}
	p.wg.Add(1)
	select {
	case p.jobs <- fn:
	default:
		fn()
		p.wg.Done()
	}
}

// drain waits for outstanding jobs and stops the workers.
func (p *writePool) drain() {
	if p == nil {
		return
	}
	p.wg.Wait()
	close(p.jobs)
}
