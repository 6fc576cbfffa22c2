// Package chart holds the data model shared by every part of the chart engine.
package chart

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nicktill/tinystats/pkg/timespan"
)

// Type classifies how a chart is rendered by consumers.
type Type string

const (
	Line    Type = "LINE"    // Averages and other point-in-time values
	Counter Type = "COUNTER" // Per-bucket counts
)

// Metadata identifies a chart. It is fixed when the chart is registered.
type Metadata struct {
	Name       string              `json:"name"`
	Resolution timespan.Resolution `json:"resolution"`
	Type       Type                `json:"type"`
}

// Point is one persisted bucket of a chart. Value is the exact decimal text.
type Point struct {
	Bucket time.Time `json:"date"`
	Value  string    `json:"value"`
}

// Sample is one bucket in computable form.
type Sample struct {
	Bucket time.Time
	Value  decimal.Decimal
}

// Series is an ascending, gap-tolerant list of points for one chart.
type Series []Point

// Range is a half-open interval [From, To) of time.
// A zero From or To leaves that side unbounded.
type Range struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range.
func (r Range) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// IsZero reports whether the range is unbounded on both sides.
func (r Range) IsZero() bool {
	return r.From.IsZero() && r.To.IsZero()
}

// All is the unbounded range.
var All = Range{}

// SortSamples orders samples by bucket and keeps the last sample seen for a
// duplicated bucket.
func SortSamples(samples []Sample) []Sample {
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Bucket.Before(samples[j].Bucket)
	})
	out := samples[:0]
	for _, s := range samples {
		if n := len(out); n > 0 && out[n-1].Bucket.Equal(s.Bucket) {
			out[n-1] = s
			continue
		}
		out = append(out, s)
	}
	return out
}

// SortPoints orders points by bucket and keeps the last point seen for a
// duplicated bucket.
func SortPoints(points []Point) Series {
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Bucket.Before(points[j].Bucket)
	})
	out := points[:0]
	for _, p := range points {
		if n := len(out); n > 0 && out[n-1].Bucket.Equal(p.Bucket) {
			out[n-1] = p
			continue
		}
		out = append(out, p)
	}
	return Series(out)
}
