package health

import (
	"context"
	"sync"
	"time"
)

// CheckFunc checks one dependency.
type CheckFunc func(ctx context.Context) error

// LimiterStats exposes generation limiter usage.
type LimiterStats interface {
	InFlight() int
	Capacity() int
}

type check struct {
	name     string
	fn       CheckFunc
	required bool
}

// Monitor aggregates health status from registered dependency checks.
// A failed required check is critical, a failed optional check is degraded.
type Monitor struct {
	checks     []check
	limiter    LimiterStats
	interval   time.Duration
	timeout    time.Duration
	lastCheck  time.Time
	lastReport *HealthReport
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor.
func NewMonitor(limiter LimiterStats) *Monitor {
	return &Monitor{
		limiter:  limiter,
		interval: 5 * time.Second,
		timeout:  2 * time.Second,
	}
}

// Register adds a dependency check.
func (m *Monitor) Register(name string, required bool, fn CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, check{name: name, fn: fn, required: required})
	m.lastReport = nil
}

// CheckHealth runs every check, at most once per interval.
func (m *Monitor) CheckHealth(ctx context.Context) *HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport != nil && time.Since(m.lastCheck) < m.interval {
		return m.lastReport
	}

	report := &HealthReport{
		SystemStatus: StatusHealthy,
		Components:   make(map[string]ComponentHealth, len(m.checks)),
		CheckedAt:    time.Now().UTC(),
	}

	for _, c := range m.checks {
		checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
		start := time.Now()
		err := c.fn(checkCtx)
		cancel()

		h := ComponentHealth{
			Name:     c.name,
			Status:   StatusHealthy,
			Latency:  time.Since(start).Round(time.Microsecond).String(),
			Required: c.required,
		}
		if err != nil {
			h.Error = err.Error()
			h.Status = StatusDegraded
			if c.required {
				h.Status = StatusCritical
			}
		}
		report.Components[c.name] = h
		report.SystemStatus = worst(report.SystemStatus, h.Status)
	}

	if m.limiter != nil {
		lh := &LimiterHealth{
			InFlight: m.limiter.InFlight(),
			Capacity: m.limiter.Capacity(),
		}
		if lh.Capacity > 0 {
			lh.Saturation = float64(lh.InFlight) / float64(lh.Capacity)
		}
		// Saturation is backpressure, not failure
		if lh.Saturation >= 1 {
			report.SystemStatus = worst(report.SystemStatus, StatusDegraded)
		}
		report.Limiter = lh
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}

func worst(a, b SystemStatus) SystemStatus {
	rank := map[SystemStatus]int{StatusHealthy: 0, StatusDegraded: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
