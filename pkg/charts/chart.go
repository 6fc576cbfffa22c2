// Package charts binds chart definitions to a store and keeps them up to date.
//
// A Chart owns one persisted series. Update pulls or derives the buckets inside
// the chart's batch window and writes them in one atomic upsert; Get serves
// whatever was last committed. Charts that derive from other charts read them
// through a Reader, and the Registry updates charts in dependency order.
package charts

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nicktill/tinystats/pkg/batch"
	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/codec"
	"github.com/nicktill/tinystats/pkg/log"
	"github.com/nicktill/tinystats/pkg/pipeline"
	"github.com/nicktill/tinystats/pkg/storage"
)

// Definition describes a chart before it is registered.
type Definition struct {
	Metadata chart.Metadata

	// Window bounds incremental updates. Zero uses batch.Default for the resolution.
	Window batch.Window

	// DependsOn names the charts Stage reads. They are updated first.
	DependsOn []string

	// Stage computes the chart's samples for a window (nil = full history).
	Stage pipeline.Stage[*chart.Range, []chart.Sample]
}

// Validate checks the definition is complete.
func (d Definition) Validate() error {
	if d.Metadata.Name == "" {
		return fmt.Errorf("chart name is required")
	}
	if !d.Metadata.Resolution.Valid() {
		return fmt.Errorf("chart %s: invalid resolution %q", d.Metadata.Name, d.Metadata.Resolution)
	}
	if d.Metadata.Type != chart.Line && d.Metadata.Type != chart.Counter {
		return fmt.Errorf("chart %s: invalid type %q", d.Metadata.Name, d.Metadata.Type)
	}
	if d.Stage == nil {
		return fmt.Errorf("chart %s: no pipeline", d.Metadata.Name)
	}
	if err := d.Window.Validate(); err != nil {
		return fmt.Errorf("chart %s: %w", d.Metadata.Name, err)
	}
	for _, dep := range d.DependsOn {
		if dep == d.Metadata.Name {
			return fmt.Errorf("chart %s depends on itself", d.Metadata.Name)
		}
	}
	return nil
}

// Result describes one finished update attempt.
type Result struct {
	Chart   chart.Metadata
	Window  *chart.Range
	Points  int
	Took    time.Duration
	Err     error
	Skipped bool // a dependency failed earlier in the same run
}

// Observer is told about every finished update attempt.
type Observer interface {
	ChartUpdated(ctx context.Context, res Result)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, res Result)

// ChartUpdated implements Observer.
func (f ObserverFunc) ChartUpdated(ctx context.Context, res Result) { f(ctx, res) }

// Chart is a registered chart bound to its store.
type Chart struct {
	meta      chart.Metadata
	window    batch.Window
	deps      []string
	pipeline  pipeline.Stage[*chart.Range, []chart.Point]
	store     storage.Store
	observers []Observer

	flight singleflight.Group
}

func newChart(def Definition, store storage.Store, observers []Observer) *Chart {
	return &Chart{
		meta:      def.Metadata,
		window:    def.Window,
		deps:      append([]string(nil), def.DependsOn...),
		pipeline:  pipeline.Then(def.Stage, codec.FormatStage()),
		store:     store,
		observers: observers,
	}
}

// Name returns the chart name.
func (c *Chart) Name() string { return c.meta.Name }

// Metadata returns the chart's fixed metadata.
func (c *Chart) Metadata() chart.Metadata { return c.meta }

// Window returns the batch window used by incremental updates.
func (c *Chart) Window() batch.Window { return c.window }

// DependsOn returns the charts this chart reads.
func (c *Chart) DependsOn() []string { return append([]string(nil), c.deps...) }

// Pipeline describes the chart's computation, e.g. "sql(newBlocks) | format".
func (c *Chart) Pipeline() string { return c.pipeline.Name() }

// Get returns the committed points inside r. It never waits for an update.
func (c *Chart) Get(ctx context.Context, r chart.Range) (chart.Series, error) {
	return c.store.Get(ctx, c.meta.Name, r)
}

// Last returns the newest committed bucket, or nil for an empty chart.
func (c *Chart) Last(ctx context.Context) (*time.Time, error) {
	return c.store.Last(ctx, c.meta.Name)
}

// Update recomputes the buckets inside the chart's batch window as of now and
// commits them atomically. Concurrent calls share a single run. On failure the
// stored series is left untouched and the error is a *chart.UpdateError.
//
// The shared run keeps the first caller's deadline but not its cancellation,
// so a caller that goes away does not fail the others waiting on it.
func (c *Chart) Update(ctx context.Context, now time.Time) error {
	return c.run(ctx, now).Err
}

func (c *Chart) run(ctx context.Context, now time.Time) Result {
	v, _, _ := c.flight.Do(c.meta.Name, func() (any, error) {
		ctx, cancel := detach(ctx)
		defer cancel()
		res := c.update(ctx, now)
		c.notify(ctx, res)
		return res, nil
	})
	return v.(Result)
}

func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	out := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(out, deadline)
	}
	return context.WithCancel(out)
}

func (c *Chart) update(ctx context.Context, now time.Time) Result {
	start := time.Now()
	res := Result{Chart: c.meta}
	logger := log.Get(ctx).With().Str("chart", c.meta.Name).Logger()

	fail := func(err error) Result {
		res.Took = time.Since(start)
		res.Err = &chart.UpdateError{Chart: c.meta.Name, Window: res.Window, Err: err}
		logger.Error().Err(err).Bool("retryable", chart.IsRetryable(err)).Dur("took", res.Took).Msg("chart update failed")
		return res
	}

	last, err := c.store.Last(ctx, c.meta.Name)
	if err != nil {
		return fail(fmt.Errorf("failed to read last bucket: %w", err))
	}
	res.Window = c.window.Range(c.meta.Resolution, now, last)

	points, err := c.pipeline.Run(ctx, res.Window)
	if err != nil {
		return fail(err)
	}

	// Buckets outside the window belong to earlier cycles
	if res.Window != nil {
		kept := points[:0]
		for _, p := range points {
			if res.Window.Contains(p.Bucket) {
				kept = append(kept, p)
			}
		}
		points = kept
	}

	if len(points) > 0 {
		if err := c.store.Upsert(ctx, c.meta.Name, points); err != nil {
			return fail(fmt.Errorf("failed to store points: %w", err))
		}
	}

	res.Points = len(points)
	res.Took = time.Since(start)
	logger.Info().
		Str("window", describe(res.Window)).
		Int("points", res.Points).
		Dur("took", res.Took).
		Msg("chart updated")
	return res
}

func (c *Chart) notify(ctx context.Context, res Result) {
	for _, o := range c.observers {
		o.ChartUpdated(ctx, res)
	}
}

func describe(w *chart.Range) string {
	if w == nil {
		return "full history"
	}
	return w.From.Format("2006-01-02") + ".." + w.To.Format("2006-01-02")
}
