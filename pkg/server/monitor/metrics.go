package monitor

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nicktill/tinystats/pkg/charts"
)

// Update outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// Metrics exports chart update metrics to Prometheus. It is a charts.Observer.
type Metrics struct {
	updates     *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	points      *prometheus.CounterVec
	lastSuccess *prometheus.GaugeVec
}

// NewMetrics registers the update collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		updates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tinystats_chart_updates_total",
				Help: "Chart update attempts by outcome",
			},
			[]string{"chart", "outcome"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tinystats_chart_update_duration_seconds",
				Help:    "Chart update duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
			},
			[]string{"chart"},
		),
		points: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tinystats_chart_points_written_total",
				Help: "Points written by successful chart updates",
			},
			[]string{"chart"},
		),
		lastSuccess: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tinystats_chart_last_success_timestamp_seconds",
				Help: "Unix time of the last successful chart update",
			},
			[]string{"chart"},
		),
	}
}

// ChartUpdated implements charts.Observer.
func (m *Metrics) ChartUpdated(_ context.Context, res charts.Result) {
	name := res.Chart.Name
	switch {
	case res.Skipped:
		m.updates.WithLabelValues(name, OutcomeSkipped).Inc()
		return
	case res.Err != nil:
		m.updates.WithLabelValues(name, OutcomeFailure).Inc()
	default:
		m.updates.WithLabelValues(name, OutcomeSuccess).Inc()
		m.points.WithLabelValues(name).Add(float64(res.Points))
		m.lastSuccess.WithLabelValues(name).SetToCurrentTime()
	}
	m.duration.WithLabelValues(name).Observe(res.Took.Seconds())
}
