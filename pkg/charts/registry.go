package charts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tinystats/pkg/batch"
	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/compaction"
	"github.com/nicktill/tinystats/pkg/log"
	"github.com/nicktill/tinystats/pkg/storage"
)

// DefaultWorkers is how many charts of one dependency level update at once.
const DefaultWorkers = 4

// Registry holds the chart DAG.
type Registry struct {
	store     storage.Store
	workers   int
	windows   map[string]batch.Window
	observers []Observer

	mu     sync.RWMutex
	charts map[string]*Chart
	names  []string // registration order
}

// Option configures a Registry.
type Option func(*Registry)

// WithWorkers limits concurrent updates within a dependency level.
func WithWorkers(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithWindows overrides batch windows by chart name. Names match case-insensitively,
// since configuration keys are lowercased.
func WithWindows(windows map[string]batch.Window) Option {
	return func(r *Registry) {
		for name, w := range windows {
			r.windows[strings.ToLower(name)] = w
		}
	}
}

// WithObserver adds an observer notified after every update attempt.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observers = append(r.observers, o) }
}

// NewRegistry creates an empty registry whose charts persist into store.
func NewRegistry(store storage.Store, opts ...Option) *Registry {
	r := &Registry{
		store:   store,
		workers: DefaultWorkers,
		windows: make(map[string]batch.Window),
		charts:  make(map[string]*Chart),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a chart. Names are unique; dependencies may be registered later
// but must exist before the registry is updated.
func (r *Registry) Register(def Definition) (*Chart, error) {
	if w, ok := r.windows[strings.ToLower(def.Metadata.Name)]; ok {
		def.Window = w
	}
	if def.Window == (batch.Window{}) {
		def.Window = batch.Default(def.Metadata.Resolution)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.charts[def.Metadata.Name]; exists {
		return nil, fmt.Errorf("chart %s is already registered", def.Metadata.Name)
	}
	c := newChart(def, r.store, r.observers)
	r.charts[def.Metadata.Name] = c
	r.names = append(r.names, def.Metadata.Name)
	return c, nil
}

// Reader returns read-only access to the named chart's series.
func (r *Registry) Reader(name string) Reader {
	return Reader{name: name, store: r.store}
}

// Rollup defines a chart derived from the registered chart values by the given
// method. WeightedAverage also reads the registered chart weights, which must
// share the resolution of values.
func (r *Registry) Rollup(meta chart.Metadata, method compaction.Method, values, weights string) (Definition, error) {
	v, err := r.Chart(values)
	if err != nil {
		return Definition{}, fmt.Errorf("rollup %s: %w", meta.Name, err)
	}
	fine := v.Metadata().Resolution

	deps := []string{values}
	if method == compaction.WeightedAverage {
		w, err := r.Chart(weights)
		if err != nil {
			return Definition{}, fmt.Errorf("rollup %s: %w", meta.Name, err)
		}
		if w.Metadata().Resolution != fine {
			return Definition{}, fmt.Errorf("rollup %s: weights %s are %s, values %s are %s",
				meta.Name, weights, w.Metadata().Resolution, values, fine)
		}
		deps = append(deps, weights)
	}

	reducer, err := compaction.New(method, fine, meta.Resolution)
	if err != nil {
		return Definition{}, fmt.Errorf("rollup %s: %w", meta.Name, err)
	}
	return Definition{
		Metadata:  meta,
		DependsOn: deps,
		Stage:     reducer.Stage(r.Reader(values), r.Reader(weights)),
	}, nil
}

// Chart looks up a registered chart.
func (r *Registry) Chart(name string) (*Chart, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.charts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", chart.ErrNotFound, name)
	}
	return c, nil
}

// Charts returns every chart in registration order.
func (r *Registry) Charts() []*Chart {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Chart, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.charts[name])
	}
	return out
}

// Levels sorts the named charts and their transitive dependencies into
// dependency levels (Kahn's algorithm): every chart comes after all the charts
// it reads. No names means every registered chart.
func (r *Registry) Levels(names ...string) ([][]*Chart, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(names) == 0 {
		names = r.names
	}

	// Collect the closure of the requested charts
	selected := make(map[string]*Chart)
	var visit func(name, from string) error
	visit = func(name, from string) error {
		if _, done := selected[name]; done {
			return nil
		}
		c, ok := r.charts[name]
		if !ok {
			if from == "" {
				return fmt.Errorf("%w: %s", chart.ErrNotFound, name)
			}
			return fmt.Errorf("chart %s depends on unregistered chart %s", from, name)
		}
		selected[name] = c
		for _, dep := range c.deps {
			if err := visit(dep, name); err != nil {
				return err
			}
		}
		return nil
	}
	for _, name := range names {
		if err := visit(name, ""); err != nil {
			return nil, err
		}
	}

	indegree := make(map[string]int, len(selected))
	dependents := make(map[string][]string)
	for name, c := range selected {
		indegree[name] += 0
		for _, dep := range c.deps {
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var levels [][]*Chart
	var ready []string
	for name, n := range indegree {
		if n == 0 {
			ready = append(ready, name)
		}
	}
	placed := 0
	for len(ready) > 0 {
		sort.Strings(ready)
		level := make([]*Chart, 0, len(ready))
		var next []string
		for _, name := range ready {
			level = append(level, selected[name])
			for _, d := range dependents[name] {
				indegree[d]--
				if indegree[d] == 0 {
					next = append(next, d)
				}
			}
		}
		placed += len(level)
		levels = append(levels, level)
		ready = next
	}

	if placed != len(selected) {
		var cycle []string
		for name, n := range indegree {
			if n > 0 {
				cycle = append(cycle, name)
			}
		}
		sort.Strings(cycle)
		return nil, fmt.Errorf("chart dependency cycle among %v", cycle)
	}
	return levels, nil
}

// Report collects the results of one Update run.
type Report struct {
	Results []Result
}

// Failed returns the results that did not succeed, skipped ones included.
func (r *Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Err joins every failure, or nil when all charts updated.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Failed() {
		errs = append(errs, res.Err)
	}
	return errors.Join(errs...)
}

// Update brings the named charts (all when none are named) and everything they
// depend on up to date as of now. Charts of one level run concurrently. A
// chart whose dependency failed in this run is skipped with a ReductionError;
// unrelated charts still update. The returned error is only for a bad request
// (unknown chart, cycle); per-chart failures are in the report.
func (r *Registry) Update(ctx context.Context, now time.Time, names ...string) (*Report, error) {
	levels, err := r.Levels(names...)
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		failed = make(map[string]bool)
		report = &Report{}
	)
	record := func(res Result) {
		mu.Lock()
		defer mu.Unlock()
		if res.Err != nil {
			failed[res.Chart.Name] = true
		}
		report.Results = append(report.Results, res)
	}

	for _, level := range levels {
		g := new(errgroup.Group)
		g.SetLimit(r.workers)
		for _, c := range level {
			g.Go(func() error {
				if dep := firstFailed(c.deps, failed, &mu); dep != "" {
					res := Result{Chart: c.meta, Skipped: true, Err: &chart.UpdateError{Chart: c.meta.Name, Err: chart.DependencyFailed(dep)}}
					log.Get(ctx).Warn().Str("chart", c.meta.Name).Str("dependency", dep).Msg("chart update skipped")
					c.notify(ctx, res)
					record(res)
					return nil
				}

				record(c.run(ctx, now))
				return nil
			})
		}
		_ = g.Wait()
	}

	sort.SliceStable(report.Results, func(i, j int) bool {
		return report.Results[i].Chart.Name < report.Results[j].Chart.Name
	})
	return report, nil
}

func firstFailed(deps []string, failed map[string]bool, mu *sync.Mutex) string {
	mu.Lock()
	defer mu.Unlock()
	for _, dep := range deps {
		if failed[dep] {
			return dep
		}
	}
	return ""
}
