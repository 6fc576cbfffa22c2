package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/charts"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestMonitor(staleAfter time.Duration) (*UpdateMonitor, *fakeClock) {
	clock := &fakeClock{t: time.Date(2023, 3, 15, 12, 0, 0, 0, time.UTC)}
	m := NewUpdateMonitor(staleAfter)
	m.now = clock.now
	return m, clock
}

func TestUpdateMonitor_RecordSuccess(t *testing.T) {
	m, _ := newTestMonitor(time.Hour)
	m.RecordFailure("newBlocks", errors.New("boom"))
	m.RecordSuccess("newBlocks", 30)

	status, ok := m.ChartStatus("newBlocks")
	require.True(t, ok)
	assert.True(t, status.Healthy)
	assert.Equal(t, 30, status.Points)
	assert.Zero(t, status.ConsecutiveErrors)
	assert.Empty(t, status.LastError)
}

func TestUpdateMonitor_RecordFailure(t *testing.T) {
	m, _ := newTestMonitor(time.Hour)
	m.RecordFailure("averageBlockRewards", &chart.SourceUnavailableError{Source: "sql(averageBlockRewards)", Err: errors.New("connection refused")})

	status, _ := m.ChartStatus("averageBlockRewards")
	assert.Equal(t, 1, status.ConsecutiveErrors)
	assert.Contains(t, status.LastError, "connection refused")
	assert.True(t, status.Retryable)
}

func TestUpdateMonitor_IsHealthy(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*UpdateMonitor, *fakeClock)
		expected bool
	}{
		{
			name:     "nothing tracked",
			setup:    func(*UpdateMonitor, *fakeClock) {},
			expected: true,
		},
		{
			name: "never succeeded",
			setup: func(m *UpdateMonitor, _ *fakeClock) {
				m.Track("newBlocks")
			},
			expected: false,
		},
		{
			name: "recent success",
			setup: func(m *UpdateMonitor, _ *fakeClock) {
				m.RecordSuccess("newBlocks", 1)
			},
			expected: true,
		},
		{
			name: "stale success",
			setup: func(m *UpdateMonitor, c *fakeClock) {
				m.RecordSuccess("newBlocks", 1)
				c.t = c.t.Add(2 * time.Hour)
			},
			expected: false,
		},
		{
			name: "too many consecutive errors",
			setup: func(m *UpdateMonitor, _ *fakeClock) {
				m.RecordSuccess("newBlocks", 1)
				for i := 0; i <= MaxConsecutiveErrors; i++ {
					m.RecordFailure("newBlocks", errors.New("error"))
				}
			},
			expected: false,
		},
		{
			name: "one unhealthy chart",
			setup: func(m *UpdateMonitor, _ *fakeClock) {
				m.RecordSuccess("newBlocks", 1)
				m.Track("averageBlockRewards")
			},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, clock := newTestMonitor(time.Hour)
			tt.setup(m, clock)
			assert.Equal(t, tt.expected, m.IsHealthy())
		})
	}
}

func TestUpdateMonitor_ObservesResults(t *testing.T) {
	m, _ := newTestMonitor(time.Hour)
	var obs charts.Observer = m

	ctx := context.Background()
	obs.ChartUpdated(ctx, charts.Result{Chart: chart.Metadata{Name: "b"}, Points: 4})
	obs.ChartUpdated(ctx, charts.Result{
		Chart:   chart.Metadata{Name: "a"},
		Skipped: true,
		Err:     &chart.UpdateError{Chart: "a", Err: chart.DependencyFailed("b")},
	})

	status := m.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "a", status[0].Chart)
	assert.False(t, status[0].Healthy)
	assert.True(t, status[0].Retryable)
	assert.Equal(t, "b", status[1].Chart)
	assert.True(t, status[1].Healthy)
	assert.Equal(t, "0s", status[1].TimeSinceSuccess)

	_, ok := m.ChartStatus("ghost")
	assert.False(t, ok)
}
