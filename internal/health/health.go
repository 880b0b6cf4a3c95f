// Package health provides system health monitoring and status reporting.
package health

import (
	"time"

	"github.com/skaranth/optioncollector/internal/faults"
	"github.com/skaranth/optioncollector/internal/resilience"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// PressureHealth reports the memory pressure controller's current view.
type PressureHealth struct {
	Tier       string  `json:"tier"`
	EMA        float64 `json:"ema"`
	DepthScale float64 `json:"depth_scale"`
}

// CycleHealth summarizes the most recent collection cycle.
type CycleHealth struct {
	ID        string    `json:"id"`
	Started   time.Time `json:"started"`
	Duration  string    `json:"duration"`
	Collected int       `json:"collected"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
}

// Report contains the full system health report.
type Report struct {
	SystemStatus SystemStatus                   `json:"system_status"`
	Breakers     map[string]resilience.Snapshot `json:"breakers"`
	Pressure     PressureHealth                 `json:"pressure"`
	Errors       faults.Stats                   `json:"errors"`
	LastCycle    *CycleHealth                   `json:"last_cycle,omitempty"`
}
