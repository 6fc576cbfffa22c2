// Package batch decides which buckets an update cycle recomputes.
package batch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/timespan"
)

// Window is how far back an update reaches, e.g. 30 weeks.
type Window struct {
	Count int
	Unit  timespan.Resolution
}

// Default windows, one per resolution.
var (
	Days30   = Window{Count: 30, Unit: timespan.Day}
	Weeks30  = Window{Count: 30, Unit: timespan.Week}
	Months36 = Window{Count: 36, Unit: timespan.Month}
	Years30  = Window{Count: 30, Unit: timespan.Year}
)

// Default returns the standard window for charts of the given resolution.
func Default(r timespan.Resolution) Window {
	switch r {
	case timespan.Week:
		return Weeks30
	case timespan.Month:
		return Months36
	case timespan.Year:
		return Years30
	default:
		return Days30
	}
}

// ParseWindow reads "30 weeks", "36 months", "1 day" or "30days".
func ParseWindow(s string) (Window, error) {
	s = strings.TrimSpace(s)
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return Window{}, fmt.Errorf("invalid batch window %q: expected a count like \"30 weeks\"", s)
	}
	count, err := strconv.Atoi(s[:i])
	if err != nil {
		return Window{}, fmt.Errorf("invalid batch window %q: %w", s, err)
	}
	unit, err := timespan.Parse(s[i:])
	if err != nil {
		return Window{}, fmt.Errorf("invalid batch window %q: %w", s, err)
	}
	w := Window{Count: count, Unit: unit}
	return w, w.Validate()
}

// Validate checks the window can produce a range.
func (w Window) Validate() error {
	if w.Count <= 0 {
		return fmt.Errorf("batch window count must be positive, got %d", w.Count)
	}
	if !w.Unit.Valid() {
		return fmt.Errorf("batch window unit %q is not a resolution", w.Unit)
	}
	return nil
}

// Range returns the buckets of a chart with resolution res that an update at
// now must recompute, given the newest persisted bucket last.
//
// A chart with no data (last == nil) is rebuilt from full history and Range
// returns nil. Otherwise the range starts at the earlier of last's bucket and
// the bucket Count units before now, and ends after now's bucket. Buckets
// before the range are never touched.
func (w Window) Range(res timespan.Resolution, now time.Time, last *time.Time) *chart.Range {
	if last == nil {
		return nil
	}
	from := res.Start(w.Unit.Add(now, -w.Count))
	if l := res.Start(*last); l.Before(from) {
		from = l
	}
	return &chart.Range{From: from, To: res.Next(now)}
}

func (w Window) String() string {
	unit := w.Unit.String()
	if w.Count != 1 {
		unit += "s"
	}
	return strconv.Itoa(w.Count) + " " + unit
}

// MarshalText implements encoding.TextMarshaler.
func (w Window) MarshalText() ([]byte, error) {
	return []byte(w.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (w *Window) UnmarshalText(text []byte) error {
	parsed, err := ParseWindow(string(text))
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}
