package faults

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skaranth/optioncollector/internal/metrics"
)

const defaultHistoryCap = 1000

// Record is one handled error. Destinations are derived once at creation and
// never change; the record itself is immutable after Handle returns it.
type Record struct {
	ID           string            `json:"id"`
	Time         time.Time         `json:"time"`
	Kind         string            `json:"kind"`
	Message      string            `json:"message"`
	Category     Category          `json:"category"`
	Severity     Severity          `json:"severity"`
	Component    string            `json:"component"`
	Context      map[string]string `json:"context,omitempty"`
	Destinations []Destination     `json:"destinations"`
}

func (r Record) routedTo(dest Destination) bool {
	for _, d := range r.Destinations {
		if d == dest {
			return true
		}
	}
	return false
}

// Stats is a point-in-time snapshot of running counts.
type Stats struct {
	Total      int              `json:"total"`
	ByKind     map[string]int   `json:"by_kind"`
	ByCategory map[Category]int `json:"by_category"`
	BySeverity map[Severity]int `json:"by_severity"`
}

// Router classifies handled errors and routes them to destinations, keeping
// a bounded history and running counts. Safe for concurrent use.
type Router struct {
	mu      sync.Mutex
	cap     int
	history []Record
	stats   Stats
	log     *slog.Logger
	now     func() time.Time
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithHistoryCap overrides the history size (default 1000).
func WithHistoryCap(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.cap = n
		}
	}
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

// NewRouter creates an error router.
func NewRouter(log *slog.Logger, opts ...RouterOption) *Router {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		cap: defaultHistoryCap,
		log: log,
		now: time.Now,
		stats: Stats{
			ByKind:     make(map[string]int),
			ByCategory: make(map[Category]int),
			BySeverity: make(map[Severity]int),
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle classifies err, derives destinations, records it and logs it.
// Every handled error goes through here; nothing is logged unclassified.
func (r *Router) Handle(err error, component string, ctx map[string]string) Record {
	category, severity := Classify(err)

	rec := Record{
		ID:           uuid.NewString(),
		Time:         r.now().UTC(),
		Kind:         fmt.Sprintf("%T", err),
		Message:      err.Error(),
		Category:     category,
		Severity:     severity,
		Component:    component,
		Context:      ctx,
		Destinations: destinationsFor(category, severity),
	}

	r.mu.Lock()
	r.history = append(r.history, rec)
	if len(r.history) > r.cap {
		r.history = r.history[len(r.history)-r.cap:]
	}
	r.stats.Total++
	r.stats.ByKind[rec.Kind]++
	r.stats.ByCategory[category]++
	r.stats.BySeverity[severity]++
	r.mu.Unlock()

	metrics.ErrorsTotal.WithLabelValues(string(category), string(severity)).Inc()

	attrs := []any{
		"category", string(category),
		"severity", string(severity),
		"component", component,
		"error", err,
	}
	for k, v := range ctx {
		attrs = append(attrs, k, v)
	}
	switch severity {
	case SeverityCritical:
		r.log.Error("handled error", attrs...)
	case SeverityHigh:
		r.log.Warn("handled error", attrs...)
	default:
		r.log.Debug("handled error", attrs...)
	}

	return rec
}

// destinationsFor implements the routing rule: critical severity reaches both
// destinations regardless of category; collection-tied categories go to the
// live collection destination; everything else goes to alerts only.
func destinationsFor(category Category, severity Severity) []Destination {
	if severity == SeverityCritical {
		return []Destination{DestCollection, DestAlerts}
	}
	if category.CollectionTied() {
		return []Destination{DestCollection}
	}
	return []Destination{DestAlerts}
}

// ByDestination returns the recorded history filtered by destination,
// oldest first.
func (r *Router) ByDestination(dest Destination) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Record
	for _, rec := range r.history {
		if rec.routedTo(dest) {
			out = append(out, rec)
		}
	}
	return out
}

// Recent returns up to n most recent records, newest last.
func (r *Router) Recent(n int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > len(r.history) {
		n = len(r.history)
	}
	out := make([]Record, n)
	copy(out, r.history[len(r.history)-n:])
	return out
}

// Counts returns a snapshot of the running statistics.
func (r *Router) Counts() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Stats{
		Total:      r.stats.Total,
		ByKind:     make(map[string]int, len(r.stats.ByKind)),
		ByCategory: make(map[Category]int, len(r.stats.ByCategory)),
		BySeverity: make(map[Severity]int, len(r.stats.BySeverity)),
	}
	for k, v := range r.stats.ByKind {
		snap.ByKind[k] = v
	}
	for k, v := range r.stats.ByCategory {
		snap.ByCategory[k] = v
	}
	for k, v := range r.stats.BySeverity {
		snap.BySeverity[k] = v
	}
	return snap
}

// Export serializes the history and counts as JSON.
func (r *Router) Export() ([]byte, error) {
	r.mu.Lock()
	history := make([]Record, len(r.history))
	copy(history, r.history)
	r.mu.Unlock()
	stats := r.Counts()

	return json.Marshal(struct {
		Stats   Stats    `json:"stats"`
		History []Record `json:"history"`
	}{Stats: stats, History: history})
}
