package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/log"
	"github.com/nicktill/tinystats/pkg/pipeline"
	"github.com/nicktill/tinystats/pkg/sqldb"
)

// NullPolicy decides what happens to a day whose aggregate is NULL.
// The choice changes downstream weighted averages, so every chart states it.
type NullPolicy int

const (
	// NullAsZero keeps the day with value 0.
	NullAsZero NullPolicy = iota
	// NullSkip drops the day.
	NullSkip
)

func (p NullPolicy) String() string {
	if p == NullSkip {
		return "skip"
	}
	return "zero"
}

// Querier is the part of *sqlx.DB the remote source needs.
type Querier interface {
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
}

// Remote pulls one chart's daily samples from the source of record.
type Remote struct {
	name    string
	query   RangeQuery
	db      Querier
	dialect sqldb.Dialect
	nulls   NullPolicy
	timeout time.Duration
}

// Option configures a Remote.
type Option func(*Remote)

// WithNullPolicy sets how NULL values are handled (default NullAsZero).
func WithNullPolicy(p NullPolicy) Option {
	return func(r *Remote) { r.nulls = p }
}

// WithTimeout bounds every pull. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(r *Remote) { r.timeout = d }
}

// NewRemote creates a remote source named after the chart it feeds.
func NewRemote(name string, db Querier, dialect sqldb.Dialect, query RangeQuery, opts ...Option) *Remote {
	r := &Remote{
		name:    name,
		query:   query,
		db:      db,
		dialect: dialect,
		nulls:   NullAsZero,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name implements pipeline.Stage.
func (r *Remote) Name() string {
	return "sql(" + r.name + ")"
}

// Run implements pipeline.Stage.
func (r *Remote) Run(ctx context.Context, window *chart.Range) ([]chart.Sample, error) {
	return r.Pull(ctx, window)
}

var _ pipeline.Stage[*chart.Range, []chart.Sample] = (*Remote)(nil) // Compile-time check

// Pull runs the chart query for the window (nil = full history) and returns
// the samples sorted and deduplicated by day.
func (r *Remote) Pull(ctx context.Context, window *chart.Range) ([]chart.Sample, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	stmt := r.query.Statement(r.dialect, window)
	start := time.Now()

	rows, err := r.db.QueryxContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, r.classify(err)
	}
	defer rows.Close()

	var samples []chart.Sample
	var skipped int
	for i := 0; rows.Next(); i++ {
		var (
			date  bucketDate
			value nullDecimal
		)
		if err := rows.Scan(&date, &value); err != nil {
			if sqldb.IsConnectivityError(err) {
				return nil, r.classify(err)
			}
			return nil, &chart.SourceDataError{Source: r.name, Row: i, Err: err}
		}
		if !value.Valid && r.nulls == NullSkip {
			skipped++
			continue
		}
		samples = append(samples, chart.Sample{Bucket: date.Time, Value: value.Decimal})
	}
	if err := rows.Err(); err != nil {
		return nil, r.classify(err)
	}

	log.Get(ctx).Debug().
		Str("source", r.name).
		Int("rows", len(samples)).
		Int("null_skipped", skipped).
		Dur("took", time.Since(start)).
		Msg("pulled remote samples")

	return chart.SortSamples(samples), nil
}

func (r *Remote) classify(err error) error {
	if sqldb.IsConnectivityError(err) {
		return &chart.SourceUnavailableError{Source: r.name, Err: err}
	}
	var data *chart.SourceDataError
	if errors.As(err, &data) {
		return err
	}
	return fmt.Errorf("query for %s failed: %w", r.name, err)
}
