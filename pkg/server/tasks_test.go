package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/charts"
	"github.com/nicktill/tinystats/pkg/pipeline"
	"github.com/nicktill/tinystats/pkg/storage/memory"
	"github.com/nicktill/tinystats/pkg/timespan"
)

// flaky fails its first failures calls with err, then serves one sample.
type flaky struct {
	calls    atomic.Int32
	failures int32
	err      error
}

func (f *flaky) stage(name string) pipeline.Stage[*chart.Range, []chart.Sample] {
	return pipeline.Func("flaky("+name+")", func(ctx context.Context, _ *chart.Range) ([]chart.Sample, error) {
		if n := f.calls.Add(1); n <= f.failures {
			return nil, f.err
		}
		return []chart.Sample{{Bucket: time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC), Value: decimal.NewFromInt(1)}}, nil
	})
}

func register(t *testing.T, reg *charts.Registry, name string, f *flaky, deps ...string) {
	t.Helper()
	_, err := reg.Register(charts.Definition{
		Metadata:  chart.Metadata{Name: name, Resolution: timespan.Day, Type: chart.Line},
		DependsOn: deps,
		Stage:     f.stage(name),
	})
	require.NoError(t, err)
}

func TestUpdater_RetriesTransientFailures(t *testing.T) {
	reg := charts.NewRegistry(memory.New())
	unavailable := &chart.SourceUnavailableError{Source: "sql(daily)", Err: errors.New("connection refused")}
	malformed := &chart.SourceDataError{Source: "sql(broken)", Err: errors.New("bad date")}

	daily := &flaky{failures: 2, err: unavailable}
	derived := &flaky{}
	broken := &flaky{failures: 100, err: malformed}
	behindBroken := &flaky{}
	register(t, reg, "daily", daily)
	register(t, reg, "derived", derived, "daily")
	register(t, reg, "broken", broken)
	register(t, reg, "behindBroken", behindBroken, "broken")

	u := NewUpdater(reg, time.Minute, 10*time.Second)
	u.initialInterval = time.Millisecond
	u.now = func() time.Time { return testNow }
	cycles := 0
	u.AfterCycle(func() { cycles++ })

	report, err := u.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 4)

	byName := make(map[string]charts.Result)
	for _, res := range report.Results {
		byName[res.Chart.Name] = res
	}
	assert.NoError(t, byName["daily"].Err)
	assert.NoError(t, byName["derived"].Err)
	assert.ErrorAs(t, byName["broken"].Err, &malformed)
	assert.True(t, byName["behindBroken"].Skipped)

	assert.Equal(t, int32(3), daily.calls.Load())
	assert.Equal(t, int32(1), derived.calls.Load())
	assert.Equal(t, int32(1), broken.calls.Load(), "permanent failures are not retried")
	assert.Zero(t, behindBroken.calls.Load())
	assert.Equal(t, 1, cycles)
}

func TestUpdater_NoRetriesWhenDisabled(t *testing.T) {
	reg := charts.NewRegistry(memory.New())
	daily := &flaky{failures: 1, err: &chart.SourceUnavailableError{Source: "sql(daily)", Err: errors.New("timeout")}}
	register(t, reg, "daily", daily)

	u := NewUpdater(reg, time.Minute, 0)
	report, err := u.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Failed(), 1)
	assert.True(t, chart.IsRetryable(report.Err()))
	assert.Equal(t, int32(1), daily.calls.Load())
}

func TestUpdater_BadRequest(t *testing.T) {
	u := NewUpdater(charts.NewRegistry(memory.New()), time.Minute, time.Second)
	_, err := u.Run(context.Background(), "ghost")
	assert.ErrorIs(t, err, chart.ErrNotFound)
}

func TestRetryable(t *testing.T) {
	unavailable := &chart.SourceUnavailableError{Source: "s", Err: errors.New("down")}
	skipped := func(name, dep string) charts.Result {
		return charts.Result{
			Chart:   chart.Metadata{Name: name},
			Skipped: true,
			Err:     &chart.UpdateError{Chart: name, Err: chart.DependencyFailed(dep)},
		}
	}
	results := []charts.Result{
		{Chart: chart.Metadata{Name: "a"}, Err: &chart.UpdateError{Chart: "a", Err: unavailable}},
		skipped("b", "a"),
		skipped("c", "b"),
		{Chart: chart.Metadata{Name: "d"}, Err: &chart.UpdateError{Chart: "d", Err: errors.New("syntax error")}},
		skipped("e", "d"),
		{Chart: chart.Metadata{Name: "f"}},
	}
	assert.Equal(t, []string{"a", "b", "c"}, retryable(results))
	assert.Empty(t, retryable(nil))
}

// every fires at a fixed interval.
type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

func TestRunSchedule(t *testing.T) {
	reg := charts.NewRegistry(memory.New())
	daily := &flaky{}
	register(t, reg, "daily", daily)
	u := NewUpdater(reg, time.Minute, 0)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go RunSchedule(ctx, u, every(20*time.Millisecond), &wg)

	require.Eventually(t, func() bool { return daily.calls.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	wg.Wait()
}

type countingGC struct {
	calls atomic.Int32
}

func (g *countingGC) RunGC(float64) error {
	if g.calls.Add(1)%2 == 0 {
		return errors.New("nothing to rewrite")
	}
	return nil
}

func TestRunBadgerGC(t *testing.T) {
	gc := &countingGC{}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go RunBadgerGC(ctx, gc, 5*time.Millisecond, &wg)

	require.Eventually(t, func() bool { return gc.calls.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	wg.Wait()
}
