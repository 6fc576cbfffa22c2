package charts

import (
	"context"

	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/compaction"
	"github.com/nicktill/tinystats/pkg/storage"
)

// Reader gives read-only access to another chart's committed series.
type Reader struct {
	name  string
	store storage.Store
}

var _ compaction.SeriesReader = Reader{}

// Name returns the chart being read.
func (r Reader) Name() string { return r.name }

// Get returns the chart's committed points inside rng.
func (r Reader) Get(ctx context.Context, rng chart.Range) (chart.Series, error) {
	return r.store.Get(ctx, r.name, rng)
}
