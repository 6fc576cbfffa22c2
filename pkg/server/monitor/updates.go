// Package monitor tracks chart update health, update metrics and store usage.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/charts"
)

// MaxConsecutiveErrors is how many failed updates in a row a chart tolerates
// before it is reported unhealthy.
const MaxConsecutiveErrors = 3

// UpdateMonitor tracks update health per chart. It is a charts.Observer.
type UpdateMonitor struct {
	mu         sync.RWMutex
	staleAfter time.Duration
	now        func() time.Time
	charts     map[string]*chartHealth
}

type chartHealth struct {
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
	retryable         bool
	points            int
}

// NewUpdateMonitor creates a monitor that reports a chart unhealthy once its
// last success is older than staleAfter.
func NewUpdateMonitor(staleAfter time.Duration) *UpdateMonitor {
	return &UpdateMonitor{
		staleAfter: staleAfter,
		now:        time.Now,
		charts:     make(map[string]*chartHealth),
	}
}

// Track registers a chart so it shows up (as pending) before its first update.
func (m *UpdateMonitor) Track(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(name)
}

func (m *UpdateMonitor) get(name string) *chartHealth {
	h, ok := m.charts[name]
	if !ok {
		h = &chartHealth{}
		m.charts[name] = h
	}
	return h
}

// ChartUpdated implements charts.Observer.
func (m *UpdateMonitor) ChartUpdated(_ context.Context, res charts.Result) {
	if res.Err != nil {
		m.RecordFailure(res.Chart.Name, res.Err)
		return
	}
	m.RecordSuccess(res.Chart.Name, res.Points)
}

// RecordSuccess records a successful update.
func (m *UpdateMonitor) RecordSuccess(name string, points int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.get(name)
	now := m.now()
	h.lastSuccess = now
	h.lastAttempt = now
	h.consecutiveErrors = 0
	h.lastError = ""
	h.retryable = false
	h.points = points
}

// RecordFailure records a failed or skipped update.
func (m *UpdateMonitor) RecordFailure(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.get(name)
	h.lastAttempt = m.now()
	h.consecutiveErrors++
	if err != nil {
		h.lastError = err.Error()
		h.retryable = chart.IsRetryable(err)
	}
}

// Unhealthy conditions:
//   - Never succeeded
//   - Haven't succeeded in staleAfter
//   - More than MaxConsecutiveErrors consecutive failures
func (m *UpdateMonitor) healthy(h *chartHealth) bool {
	if h.lastSuccess.IsZero() {
		return false
	}
	if m.staleAfter > 0 && m.now().Sub(h.lastSuccess) > m.staleAfter {
		return false
	}
	return h.consecutiveErrors <= MaxConsecutiveErrors
}

// IsHealthy returns true if every tracked chart is updating properly.
func (m *UpdateMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, h := range m.charts {
		if !m.healthy(h) {
			return false
		}
	}
	return true
}

// ChartStatus is the health of one chart's updates.
type ChartStatus struct {
	Chart             string `json:"chart"`
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	Points            int    `json:"points_written,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
	Retryable         bool   `json:"retryable,omitempty"`
}

// Status returns the update health of every tracked chart, sorted by name.
func (m *UpdateMonitor) Status() []ChartStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ChartStatus, 0, len(m.charts))
	for name, h := range m.charts {
		out = append(out, m.status(name, h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Chart < out[j].Chart })
	return out
}

// ChartStatus returns the update health of one chart.
func (m *UpdateMonitor) ChartStatus(name string) (ChartStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.charts[name]
	if !ok {
		return ChartStatus{Chart: name}, false
	}
	return m.status(name, h), true
}

func (m *UpdateMonitor) status(name string, h *chartHealth) ChartStatus {
	status := ChartStatus{
		Chart:   name,
		Healthy: m.healthy(h),
	}

	if !h.lastSuccess.IsZero() {
		status.LastSuccess = h.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = m.now().Sub(h.lastSuccess).Round(time.Second).String()
		status.Points = h.points
	}

	if !h.lastAttempt.IsZero() {
		status.LastAttempt = h.lastAttempt.Format(time.RFC3339)
	}

	if h.consecutiveErrors > 0 {
		status.ConsecutiveErrors = h.consecutiveErrors
		status.LastError = h.lastError
		status.Retryable = h.retryable
	}

	return status
}
