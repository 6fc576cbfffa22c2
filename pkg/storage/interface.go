package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nicktill/tinystats/pkg/chart"
)

// Store persists chart series.
// Implementations: memory (testing), badger (default), sqlstore (SQL databases)
type Store interface {
	// Get returns the committed points of a chart inside r, ascending
	Get(ctx context.Context, chart string, r chart.Range) (chart.Series, error)

	// Last returns the newest bucket of a chart, or nil if it has no data
	Last(ctx context.Context, chart string) (*time.Time, error)

	// Upsert atomically writes points, replacing existing buckets
	Upsert(ctx context.Context, chart string, points []chart.Point) error

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the store
	Close() error
}

// GarbageCollector is implemented by stores that reclaim disk space in the background.
type GarbageCollector interface {
	RunGC(discardRatio float64) error
}

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// Stats provides storage health and usage info
type Stats struct {
	// Total points stored
	TotalPoints uint64 `json:"total_points"`

	// Charts with at least one point
	TotalCharts uint64 `json:"total_charts"`

	// Storage size in bytes (estimate for memory)
	SizeBytes uint64 `json:"size_bytes"`

	// Oldest and newest bucket across all charts
	OldestBucket time.Time `json:"oldest_bucket"`
	NewestBucket time.Time `json:"newest_bucket"`
}

// Observe folds one stored bucket into the stats.
func (s *Stats) Observe(bucket time.Time) {
	s.TotalPoints++
	if s.OldestBucket.IsZero() || bucket.Before(s.OldestBucket) {
		s.OldestBucket = bucket
	}
	if s.NewestBucket.IsZero() || bucket.After(s.NewestBucket) {
		s.NewestBucket = bucket
	}
}

// Normalize validates points before they are written: every bucket must be
// UTC midnight and every value non-empty. It returns the points sorted with
// duplicate buckets collapsed (last wins).
func Normalize(points []chart.Point) (chart.Series, error) {
	out := make([]chart.Point, len(points))
	for i, p := range points {
		if p.Value == "" {
			return nil, fmt.Errorf("point %s has an empty value", p.Bucket.Format(time.DateOnly))
		}
		b := p.Bucket.UTC()
		if b.Hour() != 0 || b.Minute() != 0 || b.Second() != 0 || b.Nanosecond() != 0 {
			return nil, fmt.Errorf("point bucket %s is not a day start", b.Format(time.RFC3339))
		}
		out[i] = chart.Point{Bucket: b, Value: p.Value}
	}
	return chart.SortPoints(out), nil
}
