package httpx

import (
	"fmt"
	"net/http"

	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/timespan"
)

// ParseRange reads the optional from and to query parameters (YYYY-MM-DD) as a
// half-open bucket range. A missing side stays unbounded.
func ParseRange(r *http.Request) (chart.Range, error) {
	q := r.URL.Query()
	var rng chart.Range
	if s := q.Get("from"); s != "" {
		t, err := timespan.ParseBucket(s)
		if err != nil {
			return chart.Range{}, fmt.Errorf("invalid from %q: want YYYY-MM-DD", s)
		}
		rng.From = t
	}
	if s := q.Get("to"); s != "" {
		t, err := timespan.ParseBucket(s)
		if err != nil {
			return chart.Range{}, fmt.Errorf("invalid to %q: want YYYY-MM-DD", s)
		}
		rng.To = t
	}
	if !rng.From.IsZero() && !rng.To.IsZero() && !rng.From.Before(rng.To) {
		return chart.Range{}, fmt.Errorf("from must be before to")
	}
	return rng, nil
}
