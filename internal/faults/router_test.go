package faults

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantCategory Category
		wantSeverity Severity
	}{
		{
			name:         "classified error wins over message patterns",
			err:          Wrap(errors.New("connection refused"), CategoryStorageWrite, SeverityHigh, "postgres"),
			wantCategory: CategoryStorageWrite,
			wantSeverity: SeverityHigh,
		},
		{
			name:         "wrapped classified error found through the chain",
			err:          fmt.Errorf("write failed: %w", Wrap(errors.New("boom"), CategoryCache, SeverityLow, "cache")),
			wantCategory: CategoryCache,
			wantSeverity: SeverityLow,
		},
		{
			name:         "context deadline",
			err:          context.DeadlineExceeded,
			wantCategory: CategoryTimeout,
			wantSeverity: SeverityMedium,
		},
		{
			name:         "rate limit by message",
			err:          errors.New("http 429: too many requests"),
			wantCategory: CategoryRateLimit,
			wantSeverity: SeverityMedium,
		},
		{
			name:         "auth by message",
			err:          errors.New("http 403: invalid token"),
			wantCategory: CategoryAuth,
			wantSeverity: SeverityHigh,
		},
		{
			name:         "network by message",
			err:          errors.New("read tcp: connection reset by peer"),
			wantCategory: CategoryNetwork,
			wantSeverity: SeverityMedium,
		},
		{
			name:         "malformed data by message",
			err:          errors.New("invalid character '<' looking for beginning of value"),
			wantCategory: CategoryMalformedData,
			wantSeverity: SeverityMedium,
		},
		{
			name:         "resource exhaustion is critical",
			err:          errors.New("fork: cannot allocate memory"),
			wantCategory: CategoryResource,
			wantSeverity: SeverityCritical,
		},
		{
			name:         "unrecognized",
			err:          errors.New("something odd"),
			wantCategory: CategoryUnknown,
			wantSeverity: SeverityMedium,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			category, severity := Classify(tt.err)
			if category != tt.wantCategory || severity != tt.wantSeverity {
				t.Errorf("Classify() = (%s, %s), want (%s, %s)",
					category, severity, tt.wantCategory, tt.wantSeverity)
			}
		})
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, CategoryCache, SeverityLow, "cache") != nil {
		t.Error("Wrap(nil) must return nil")
	}
}

func TestDestinationsDerivedOnce(t *testing.T) {
	r := NewRouter(discardLogger())

	tests := []struct {
		name string
		err  error
		want []Destination
	}{
		{
			name: "collection-tied goes to collection only",
			err:  Wrap(errors.New("empty"), CategoryEmptyQuotes, SeverityMedium, "orchestrator"),
			want: []Destination{DestCollection},
		},
		{
			name: "critical collection-tied reaches both",
			err:  Wrap(errors.New("all gone"), CategoryProvider, SeverityCritical, "facade"),
			want: []Destination{DestCollection, DestAlerts},
		},
		{
			name: "system-layer goes to alerts",
			err:  Wrap(errors.New("bad yaml"), CategoryConfiguration, SeverityHigh, "config"),
			want: []Destination{DestAlerts},
		},
		{
			name: "critical system-layer reaches both",
			err:  Wrap(errors.New("cannot allocate memory"), CategoryResource, SeverityCritical, "sampler"),
			want: []Destination{DestCollection, DestAlerts},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := r.Handle(tt.err, "test", nil)
			if len(rec.Destinations) != len(tt.want) {
				t.Fatalf("destinations = %v, want %v", rec.Destinations, tt.want)
			}
			for i, d := range tt.want {
				if rec.Destinations[i] != d {
					t.Errorf("destinations = %v, want %v", rec.Destinations, tt.want)
				}
			}
		})
	}
}

func TestByDestinationFilters(t *testing.T) {
	r := NewRouter(discardLogger())

	r.Handle(Wrap(errors.New("a"), CategoryEmptyQuotes, SeverityMedium, "x"), "x", nil)
	r.Handle(Wrap(errors.New("b"), CategoryConfiguration, SeverityHigh, "x"), "x", nil)
	r.Handle(Wrap(errors.New("c"), CategoryNetwork, SeverityMedium, "x"), "x", nil)

	if got := len(r.ByDestination(DestCollection)); got != 2 {
		t.Errorf("collection records = %d, want 2", got)
	}
	if got := len(r.ByDestination(DestAlerts)); got != 1 {
		t.Errorf("alert records = %d, want 1", got)
	}
}

func TestHistoryCapEvictsOldest(t *testing.T) {
	r := NewRouter(discardLogger(), WithHistoryCap(5))

	for i := 0; i < 8; i++ {
		err := Wrap(fmt.Errorf("err-%d", i), CategoryNetwork, SeverityMedium, "x")
		r.Handle(err, "x", nil)
	}

	recent := r.Recent(0)
	if len(recent) != 5 {
		t.Fatalf("history = %d records, want capped at 5", len(recent))
	}
	if want := "x: [network/medium] err-3"; recent[0].Message != want {
		t.Errorf("oldest surviving message = %q, want %q", recent[0].Message, want)
	}

	// Counts keep running totals beyond the history cap.
	if got := r.Counts().Total; got != 8 {
		t.Errorf("Total = %d, want 8", got)
	}
}

func TestRecentNewestLast(t *testing.T) {
	r := NewRouter(discardLogger())

	r.Handle(Wrap(errors.New("first"), CategoryNetwork, SeverityMedium, ""), "x", nil)
	r.Handle(Wrap(errors.New("second"), CategoryNetwork, SeverityMedium, ""), "x", nil)

	got := r.Recent(1)
	if len(got) != 1 || got[0].Message != "[network/medium] second" {
		t.Errorf("Recent(1) = %v, want the newest record", got)
	}
}

func TestCountsSnapshotIsDeepCopy(t *testing.T) {
	r := NewRouter(discardLogger())
	r.Handle(Wrap(errors.New("a"), CategoryNetwork, SeverityMedium, "x"), "x", nil)

	snap := r.Counts()
	snap.ByCategory[CategoryNetwork] = 100

	if got := r.Counts().ByCategory[CategoryNetwork]; got != 1 {
		t.Errorf("mutation of a snapshot leaked into the router: count = %d", got)
	}
}

func TestHandlePreservesContext(t *testing.T) {
	r := NewRouter(discardLogger())

	rec := r.Handle(
		Wrap(errors.New("boom"), CategoryProvider, SeverityMedium, "facade"),
		"facade", map[string]string{"index": "NIFTY", "cycle": "abc123"})

	if rec.Context["index"] != "NIFTY" || rec.Context["cycle"] != "abc123" {
		t.Errorf("context = %v, want index/cycle preserved", rec.Context)
	}
	if rec.ID == "" {
		t.Error("record ID missing")
	}
}
