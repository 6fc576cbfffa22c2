package compaction

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/codec"
	"github.com/nicktill/tinystats/pkg/pipeline"
	"github.com/nicktill/tinystats/pkg/timespan"
)

// SeriesReader reads the committed points of another chart.
type SeriesReader interface {
	Name() string
	Get(ctx context.Context, r chart.Range) (chart.Series, error)
}

// Reducer rolls samples of one resolution up into a coarser one.
type Reducer struct {
	method Method
	fine   timespan.Resolution
	coarse timespan.Resolution
}

// New creates a reducer. The fine resolution must partition exactly into the
// coarse one (weeks do not fit into months or years).
func New(method Method, fine, coarse timespan.Resolution) (*Reducer, error) {
	if !fine.Valid() || !coarse.Valid() {
		return nil, fmt.Errorf("invalid rollup %s -> %s", fine, coarse)
	}
	if !coarse.Covers(fine) {
		return nil, fmt.Errorf("%s buckets do not partition into %s buckets", fine, coarse)
	}
	return &Reducer{method: method, fine: fine, coarse: coarse}, nil
}

// Method returns how the reducer combines samples.
func (r *Reducer) Method() Method { return r.method }

// Reduce groups fine samples into coarse buckets. weights is ignored for Sum.
// For WeightedAverage every fine sample needs a weight sample for the same
// bucket; weightsName names the weight chart in the returned ReductionError.
func (r *Reducer) Reduce(fine, weights []chart.Sample, weightsName string) ([]chart.Sample, error) {
	var byBucket map[int64]decimal.Decimal
	if r.method == WeightedAverage {
		byBucket = make(map[int64]decimal.Decimal, len(weights))
		for _, w := range weights {
			byBucket[w.Bucket.Unix()] = w.Value
		}
	}

	groups := make(map[int64]*Aggregate)
	for _, s := range fine {
		weight := decimal.NewFromInt(1)
		if r.method == WeightedAverage {
			w, ok := byBucket[s.Bucket.Unix()]
			if !ok {
				return nil, &chart.ReductionError{
					Dependency: weightsName,
					Bucket:     s.Bucket,
					Err:        fmt.Errorf("no weight for %s bucket", r.fine),
				}
			}
			weight = w
		}

		start := r.coarse.Start(s.Bucket)
		agg, ok := groups[start.Unix()]
		if !ok {
			agg = &Aggregate{Bucket: start, Resolution: r.coarse}
			groups[start.Unix()] = agg
		}
		agg.Add(s.Value, weight)
	}

	out := make([]chart.Sample, 0, len(groups))
	for _, agg := range groups {
		out = append(out, chart.Sample{Bucket: agg.Bucket, Value: agg.Value(r.method)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket.Before(out[j].Bucket) })
	return out, nil
}

// Stage builds the pipeline stage of a derived chart: it reads values (and
// weights, for WeightedAverage) over the window, reduces them and returns
// samples for the coarse buckets the window covers. A nil window reads the
// whole history of the inputs.
func (r *Reducer) Stage(values, weights SeriesReader) pipeline.Stage[*chart.Range, []chart.Sample] {
	name := r.method.String() + "(" + values.Name()
	if r.method == WeightedAverage {
		name += ", " + weights.Name()
	}
	name += ")"

	return pipeline.Func(name, func(ctx context.Context, window *chart.Range) ([]chart.Sample, error) {
		rng := chart.All
		if window != nil {
			rng = *window
		}

		fine, err := read(ctx, values, rng)
		if err != nil {
			return nil, err
		}
		if len(fine) == 0 {
			return nil, nil
		}

		var w []chart.Sample
		weightsName := ""
		if r.method == WeightedAverage {
			weightsName = weights.Name()
			if w, err = read(ctx, weights, rng); err != nil {
				return nil, err
			}
		}
		return r.Reduce(fine, w, weightsName)
	})
}

func read(ctx context.Context, from SeriesReader, rng chart.Range) ([]chart.Sample, error) {
	points, err := from.Get(ctx, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", from.Name(), err)
	}
	samples, err := codec.ParseSeries(points)
	if err != nil {
		return nil, fmt.Errorf("stored series %s is corrupt: %w", from.Name(), err)
	}
	return samples, nil
}
