// Package timespan defines the calendar resolutions charts are bucketed by.
package timespan

import (
	"fmt"
	"strings"
	"time"
)

// Resolution is the granularity of a chart's buckets.
// Every bucket is identified by its start date in UTC.
type Resolution string

const (
	Day   Resolution = "day"   // Midnight UTC
	Week  Resolution = "week"  // Monday
	Month Resolution = "month" // 1st of the month
	Year  Resolution = "year"  // January 1st
)

// BucketLayout is the text form of a bucket identifier.
const BucketLayout = "2006-01-02"

// All lists the resolutions from finest to coarsest.
var All = []Resolution{Day, Week, Month, Year}

// Parse converts a resolution name (singular, plural or adjective form) into a Resolution.
func Parse(s string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "day", "days", "daily":
		return Day, nil
	case "week", "weeks", "weekly":
		return Week, nil
	case "month", "months", "monthly":
		return Month, nil
	case "year", "years", "yearly":
		return Year, nil
	}
	return "", fmt.Errorf("unknown resolution %q: must be day, week, month or year", s)
}

// Valid reports whether r is one of the known resolutions.
func (r Resolution) Valid() bool {
	switch r {
	case Day, Week, Month, Year:
		return true
	}
	return false
}

// Start returns the start of the bucket containing t.
func (r Resolution) Start(t time.Time) time.Time {
	t = t.UTC()
	switch r {
	case Week:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7 // days since Monday
		return day.AddDate(0, 0, -offset)
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case Year:
		return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// Add moves n buckets away from the bucket containing t. n may be negative.
func (r Resolution) Add(t time.Time, n int) time.Time {
	start := r.Start(t)
	switch r {
	case Week:
		return start.AddDate(0, 0, 7*n)
	case Month:
		return start.AddDate(0, n, 0)
	case Year:
		return start.AddDate(n, 0, 0)
	default:
		return start.AddDate(0, 0, n)
	}
}

// Next returns the start of the bucket after the one containing t.
func (r Resolution) Next(t time.Time) time.Time {
	return r.Add(t, 1)
}

// Covers reports whether every bucket of finer lies entirely inside one bucket of r.
// Weeks straddle month and year boundaries, so only days and months roll up into
// coarser tiers; a resolution always covers itself.
func (r Resolution) Covers(finer Resolution) bool {
	if !r.Valid() || !finer.Valid() {
		return false
	}
	if r == finer || finer == Day {
		return true
	}
	return r == Year && finer == Month
}

// FormatBucket renders a bucket start as YYYY-MM-DD.
func FormatBucket(t time.Time) string {
	return t.UTC().Format(BucketLayout)
}

// ParseBucket parses a YYYY-MM-DD bucket identifier.
func ParseBucket(s string) (time.Time, error) {
	t, err := time.ParseInLocation(BucketLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid bucket %q: %w", s, err)
	}
	return t, nil
}

// String implements fmt.Stringer.
func (r Resolution) String() string {
	return string(r)
}
