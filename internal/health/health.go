// Package health aggregates component checks and host resource readings
// into a single status report.
package health

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Status is the coarse verdict for the service or one component.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Check reports one component's state.
type Check func() ComponentStatus

// ComponentStatus is the result of a single check.
type ComponentStatus struct {
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Report is the full aggregated snapshot.
type Report struct {
	Status     Status                     `json:"status"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentStatus `json:"components"`
	Host       HostStats                  `json:"host"`
	CheckedAt  time.Time                  `json:"checkedAt"`
}

// HostStats carries resource readings for the process host.
type HostStats struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
	MemoryUsed    uint64  `json:"memoryUsed"`
	MemoryTotal   uint64  `json:"memoryTotal"`
	Goroutines    int     `json:"goroutines"`
}

// Monitor aggregates registered checks on demand.
type Monitor struct {
	started time.Time

	mu     sync.RWMutex
	checks map[string]Check
}

// NewMonitor creates an empty monitor. Register checks before serving.
func NewMonitor() *Monitor {
	return &Monitor{
		started: time.Now(),
		checks:  make(map[string]Check),
	}
}

// Register installs or replaces a named component check.
func (m *Monitor) Register(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Report runs every check and gathers host stats. The overall status is
// the worst component status: any down component marks the service down,
// any degraded one marks it degraded.
func (m *Monitor) Report(ctx context.Context) Report {
	m.mu.RLock()
	checks := make(map[string]Check, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	m.mu.RUnlock()

	report := Report{
		Status:     StatusHealthy,
		Uptime:     time.Since(m.started).Round(time.Second).String(),
		Components: make(map[string]ComponentStatus, len(checks)),
		Host:       hostStats(ctx),
		CheckedAt:  time.Now(),
	}

	for name, check := range checks {
		status := check()
		report.Components[name] = status
		switch status.Status {
		case StatusDown:
			report.Status = StatusDown
		case StatusDegraded:
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}

func hostStats(ctx context.Context) HostStats {
	stats := HostStats{Goroutines: runtime.NumGoroutine()}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemoryPercent = vm.UsedPercent
		stats.MemoryUsed = vm.Used
		stats.MemoryTotal = vm.Total
	}
	return stats
}
