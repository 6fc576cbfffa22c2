package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/storage"
)

// Storage keeps chart series in memory. Data is lost on restart.
// Useful for testing and development.
//
// Series are copy-on-write: Upsert builds a new slice and swaps it in, so a
// reader holding the old slice keeps a consistent snapshot.
type Storage struct {
	mu     sync.RWMutex
	series map[string]chart.Series
	closed bool
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		series: make(map[string]chart.Series),
	}
}

func (s *Storage) snapshot(name string) (chart.Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	return s.series[name], nil
}

// Get returns the points of a chart inside r
func (s *Storage) Get(ctx context.Context, name string, r chart.Range) (chart.Series, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	series, err := s.snapshot(name)
	if err != nil {
		return nil, err
	}

	lo := 0
	if !r.From.IsZero() {
		lo = sort.Search(len(series), func(i int) bool { return !series[i].Bucket.Before(r.From) })
	}
	hi := len(series)
	if !r.To.IsZero() {
		hi = sort.Search(len(series), func(i int) bool { return !series[i].Bucket.Before(r.To) })
	}
	if lo >= hi {
		return chart.Series{}, nil
	}

	out := make(chart.Series, hi-lo)
	copy(out, series[lo:hi])
	return out, nil
}

// Last returns the newest bucket of a chart
func (s *Storage) Last(ctx context.Context, name string) (*time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	series, err := s.snapshot(name)
	if err != nil || len(series) == 0 {
		return nil, err
	}
	last := series[len(series)-1].Bucket
	return &last, nil
}

// Upsert merges points into the chart's series
func (s *Storage) Upsert(ctx context.Context, name string, points []chart.Point) error {
	incoming, err := storage.Normalize(points)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	current := s.series[name]
	merged := make(chart.Series, 0, len(current)+len(incoming))
	i, j := 0, 0
	for i < len(current) || j < len(incoming) {
		switch {
		case j == len(incoming):
			merged = append(merged, current[i])
			i++
		case i == len(current):
			merged = append(merged, incoming[j])
			j++
		case current[i].Bucket.Before(incoming[j].Bucket):
			merged = append(merged, current[i])
			i++
		case incoming[j].Bucket.Before(current[i].Bucket):
			merged = append(merged, incoming[j])
			j++
		default: // same bucket, incoming wins
			merged = append(merged, incoming[j])
			i++
			j++
		}
	}

	// Last chance to abandon the cycle before it becomes visible
	if err := ctx.Err(); err != nil {
		return err
	}
	s.series[name] = merged
	return nil
}

// Close releases the series
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.series = nil
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	stats := &storage.Stats{}
	for _, series := range s.series {
		if len(series) == 0 {
			continue
		}
		stats.TotalCharts++
		for _, p := range series {
			stats.Observe(p.Bucket)
			// Rough size estimate: bucket + value text
			stats.SizeBytes += uint64(8 + len(p.Value))
		}
	}
	return stats, nil
}
