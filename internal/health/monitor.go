package health

import (
	"sync"

	"github.com/skaranth/optioncollector/internal/collect"
	"github.com/skaranth/optioncollector/internal/faults"
	"github.com/skaranth/optioncollector/internal/pressure"
	"github.com/skaranth/optioncollector/internal/resilience"
)

// Monitor aggregates health status from the breakers, the pressure
// controller, and the error router.
type Monitor struct {
	breakers *resilience.Registry
	pressure *pressure.Controller
	router   *faults.Router

	mu        sync.RWMutex
	lastCycle *CycleHealth
}

// NewMonitor creates a new health monitor.
func NewMonitor(breakers *resilience.Registry, pc *pressure.Controller, router *faults.Router) *Monitor {
	return &Monitor{breakers: breakers, pressure: pc, router: router}
}

// ObserveCycle records the outcome of a completed collection cycle.
func (m *Monitor) ObserveCycle(report *collect.CycleReport) {
	cycle := &CycleHealth{
		ID:       report.ID,
		Started:  report.Started,
		Duration: report.Duration.String(),
	}
	for _, idx := range report.Indices {
		switch {
		case idx.Skipped != "":
			cycle.Skipped++
		case indexCollected(idx):
			cycle.Collected++
		default:
			cycle.Failed++
		}
	}

	m.mu.Lock()
	m.lastCycle = cycle
	m.mu.Unlock()
}

func indexCollected(idx *collect.IndexReport) bool {
	for _, rule := range idx.Rules {
		if rule.Err == "" && rule.Rows > 0 {
			return true
		}
	}
	return false
}

// CheckHealth builds the full system health report.
func (m *Monitor) CheckHealth() Report {
	report := Report{
		SystemStatus: StatusHealthy,
		Breakers:     make(map[string]resilience.Snapshot),
		Pressure: PressureHealth{
			Tier:       m.pressure.Tier().String(),
			EMA:        m.pressure.EMA(),
			DepthScale: m.pressure.DepthScale(),
		},
		Errors: m.router.Counts(),
	}

	openBreakers := 0
	for _, snap := range m.breakers.Snapshots() {
		report.Breakers[snap.Name] = snap
		if snap.State == resilience.StateOpen {
			openBreakers++
		}
	}

	m.mu.RLock()
	report.LastCycle = m.lastCycle
	m.mu.RUnlock()

	// Worst case wins: closed breakers under normal pressure are healthy,
	// any open breaker or reduced tier degrades, critical tier or an
	// entirely failed cycle is critical.
	tier := m.pressure.Tier()
	switch {
	case tier == pressure.TierCritical || allFailed(report.LastCycle):
		report.SystemStatus = StatusCritical
	case openBreakers > 0 || tier > pressure.TierNormal:
		report.SystemStatus = StatusDegraded
	}

	return report
}

func allFailed(cycle *CycleHealth) bool {
	if cycle == nil {
		return false
	}
	return cycle.Failed > 0 && cycle.Collected == 0 && cycle.Skipped == 0
}
