package charts

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinystats/pkg/batch"
	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/compaction"
	"github.com/nicktill/tinystats/pkg/storage/memory"
	"github.com/nicktill/tinystats/pkg/timespan"
)

func names(level []*Chart) []string {
	out := make([]string, 0, len(level))
	for _, c := range level {
		out = append(out, c.Name())
	}
	return out
}

func dependent(name string, src *fakeSource, deps ...string) Definition {
	def := daily(name, src)
	def.DependsOn = deps
	return def
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	reg := NewRegistry(memory.New())
	_, err := reg.Register(daily("a", &fakeSource{}))
	require.NoError(t, err)
	_, err = reg.Register(daily("a", &fakeSource{}))
	assert.Error(t, err)
}

func TestRegistry_ChartNotFound(t *testing.T) {
	reg := NewRegistry(memory.New())
	_, err := reg.Chart("nope")
	assert.ErrorIs(t, err, chart.ErrNotFound)
}

func TestRegistry_DefaultAndOverriddenWindows(t *testing.T) {
	reg := NewRegistry(memory.New(), WithWindows(map[string]batch.Window{"b": batch.Months36}))

	def := daily("a", &fakeSource{})
	def.Window = batch.Window{}
	a, err := reg.Register(def)
	require.NoError(t, err)
	assert.Equal(t, batch.Days30, a.Window())

	b, err := reg.Register(daily("b", &fakeSource{}))
	require.NoError(t, err)
	assert.Equal(t, batch.Months36, b.Window())
}

func TestRegistry_Levels(t *testing.T) {
	reg := NewRegistry(memory.New())
	src := &fakeSource{}
	for _, def := range []Definition{
		dependent("yearly", src, "monthly", "weights"),
		dependent("monthly", src, "daily", "counts"),
		dependent("weights", src, "counts"),
		daily("daily", src),
		daily("counts", src),
		daily("unrelated", src),
	} {
		_, err := reg.Register(def)
		require.NoError(t, err)
	}

	levels, err := reg.Levels()
	require.NoError(t, err)
	require.Len(t, levels, 3)
	assert.Equal(t, []string{"counts", "daily", "unrelated"}, names(levels[0]))
	assert.Equal(t, []string{"monthly", "weights"}, names(levels[1]))
	assert.Equal(t, []string{"yearly"}, names(levels[2]))

	// A subset pulls in its dependencies only
	levels, err = reg.Levels("weights")
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Equal(t, []string{"counts"}, names(levels[0]))
	assert.Equal(t, []string{"weights"}, names(levels[1]))

	_, err = reg.Levels("nope")
	assert.ErrorIs(t, err, chart.ErrNotFound)
}

func TestRegistry_Cycle(t *testing.T) {
	reg := NewRegistry(memory.New())
	src := &fakeSource{}
	for _, def := range []Definition{
		dependent("a", src, "c"),
		dependent("b", src, "a"),
		dependent("c", src, "b"),
		daily("d", src),
	} {
		_, err := reg.Register(def)
		require.NoError(t, err)
	}

	_, err := reg.Levels()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle among [a b c]")

	_, err = reg.Update(context.Background(), day("2023-01-10"))
	assert.Error(t, err)
}

func TestRegistry_MissingDependency(t *testing.T) {
	reg := NewRegistry(memory.New())
	_, err := reg.Register(dependent("a", &fakeSource{}, "ghost"))
	require.NoError(t, err)

	_, err = reg.Levels()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unregistered chart ghost")
}

func TestRegistry_UpdateSkipsDependentsOfFailures(t *testing.T) {
	store := memory.New()
	defer store.Close()
	reg := NewRegistry(store, WithWorkers(2))

	broken := &fakeSource{err: &chart.SourceUnavailableError{Source: "raw", Err: errors.New("timeout")}}
	healthy := &fakeSource{}
	healthy.set("2023-01-09", "1")

	for _, def := range []Definition{
		daily("raw", broken),
		dependent("derived", healthy, "raw"),
		dependent("derived2", healthy, "derived"),
		daily("independent", healthy),
	} {
		_, err := reg.Register(def)
		require.NoError(t, err)
	}

	report, err := reg.Update(context.Background(), day("2023-01-10"))
	require.NoError(t, err)
	require.Len(t, report.Results, 4)

	byName := map[string]Result{}
	for _, res := range report.Results {
		byName[res.Chart.Name] = res
	}

	assert.NoError(t, byName["independent"].Err)
	assert.Equal(t, 1, byName["independent"].Points)

	assert.False(t, byName["raw"].Skipped)
	var unavailable *chart.SourceUnavailableError
	assert.ErrorAs(t, byName["raw"].Err, &unavailable)

	for _, name := range []string{"derived", "derived2"} {
		res := byName[name]
		assert.True(t, res.Skipped, name)
		var reduction *chart.ReductionError
		require.ErrorAs(t, res.Err, &reduction, name)
		assert.True(t, chart.IsRetryable(res.Err))
	}

	assert.Len(t, report.Failed(), 3)
	assert.Error(t, report.Err())

	series, err := store.Get(context.Background(), "derived", chart.All)
	require.NoError(t, err)
	assert.Empty(t, series)
}

func TestRegistry_Rollup(t *testing.T) {
	store := memory.New()
	defer store.Close()
	reg := NewRegistry(store)

	values := &fakeSource{}
	values.set("2022-11-09", "0", "2022-11-10", "2", "2022-11-11", "1.75", "2022-11-12", "3")
	weights := &fakeSource{}
	weights.set("2022-11-09", "1", "2022-11-10", "3", "2022-11-11", "4", "2022-11-12", "1")

	_, err := reg.Register(daily("avg", values))
	require.NoError(t, err)
	_, err = reg.Register(daily("count", weights))
	require.NoError(t, err)

	def, err := reg.Rollup(chart.Metadata{Name: "avgWeekly", Resolution: timespan.Week, Type: chart.Line},
		compaction.WeightedAverage, "avg", "count")
	require.NoError(t, err)
	assert.Equal(t, []string{"avg", "count"}, def.DependsOn)
	weekly, err := reg.Register(def)
	require.NoError(t, err)
	assert.Equal(t, batch.Weeks30, weekly.Window())

	report, err := reg.Update(context.Background(), day("2022-11-13"))
	require.NoError(t, err)
	require.NoError(t, report.Err())

	series, err := weekly.Get(context.Background(), chart.All)
	require.NoError(t, err)
	assert.Equal(t, chart.Series{{Bucket: day("2022-11-07"), Value: "1.77777777777777777777777777777778"}}, series)

	// Weeks cannot roll into months
	_, err = reg.Rollup(chart.Metadata{Name: "bad", Resolution: timespan.Month, Type: chart.Line},
		compaction.WeightedAverage, "avgWeekly", "count")
	assert.Error(t, err)

	_, err = reg.Rollup(chart.Metadata{Name: "bad", Resolution: timespan.Month, Type: chart.Line},
		compaction.WeightedAverage, "avg", "ghost")
	assert.ErrorIs(t, err, chart.ErrNotFound)
}
