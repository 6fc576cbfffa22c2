// Package storagetest checks that a storage.Store behaves the way the chart
// engine expects. Every backend runs the same suite.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/storage"
)

// Day parses a YYYY-MM-DD bucket for fixtures.
func Day(s string) time.Time {
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

// Points builds a series from alternating date and value strings.
func Points(kv ...string) []chart.Point {
	out := make([]chart.Point, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		out = append(out, chart.Point{Bucket: Day(kv[i]), Value: kv[i+1]})
	}
	return out
}

// Run exercises a store created fresh by newStore for every subtest.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("EmptyChart", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		last, err := store.Last(ctx, "nothing")
		require.NoError(t, err)
		assert.Nil(t, last)

		series, err := store.Get(ctx, "nothing", chart.All)
		require.NoError(t, err)
		assert.Empty(t, series)
	})

	t.Run("UpsertAndGet", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.Upsert(ctx, "avg", Points(
			"2022-11-10", "2",
			"2022-11-09", "0",
			"2022-11-11", "1.75",
		)))

		series, err := store.Get(ctx, "avg", chart.All)
		require.NoError(t, err)
		assert.Equal(t, chart.Series(Points("2022-11-09", "0", "2022-11-10", "2", "2022-11-11", "1.75")), series)

		last, err := store.Last(ctx, "avg")
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.True(t, last.Equal(Day("2022-11-11")))
	})

	t.Run("HalfOpenRange", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Upsert(ctx, "avg", Points(
			"2022-11-09", "0",
			"2022-11-10", "2",
			"2022-11-11", "1.75",
			"2022-11-12", "3",
		)))

		series, err := store.Get(ctx, "avg", chart.Range{From: Day("2022-11-10"), To: Day("2022-11-12")})
		require.NoError(t, err)
		assert.Equal(t, chart.Series(Points("2022-11-10", "2", "2022-11-11", "1.75")), series)

		series, err = store.Get(ctx, "avg", chart.Range{From: Day("2022-11-12")})
		require.NoError(t, err)
		assert.Equal(t, chart.Series(Points("2022-11-12", "3")), series)

		series, err = store.Get(ctx, "avg", chart.Range{To: Day("2022-11-10")})
		require.NoError(t, err)
		assert.Equal(t, chart.Series(Points("2022-11-09", "0")), series)
	})

	t.Run("UpsertOverwritesByBucket", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Upsert(ctx, "avg", Points("2022-11-09", "0", "2022-11-10", "2")))
		require.NoError(t, store.Upsert(ctx, "avg", Points("2022-11-10", "2.5", "2022-11-11", "1")))

		series, err := store.Get(ctx, "avg", chart.All)
		require.NoError(t, err)
		assert.Equal(t, chart.Series(Points("2022-11-09", "0", "2022-11-10", "2.5", "2022-11-11", "1")), series)
	})

	t.Run("UpsertIsIdempotent", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		points := Points("2022-11-09", "0", "2022-11-10", "1.77777777777777777777777777777778")
		require.NoError(t, store.Upsert(ctx, "avg", points))
		first, err := store.Get(ctx, "avg", chart.All)
		require.NoError(t, err)

		require.NoError(t, store.Upsert(ctx, "avg", points))
		second, err := store.Get(ctx, "avg", chart.All)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("ChartsAreIsolated", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Upsert(ctx, "a", Points("2022-11-09", "1")))
		require.NoError(t, store.Upsert(ctx, "b", Points("2022-11-09", "2", "2022-11-10", "3")))

		a, err := store.Get(ctx, "a", chart.All)
		require.NoError(t, err)
		assert.Equal(t, chart.Series(Points("2022-11-09", "1")), a)

		last, err := store.Last(ctx, "a")
		require.NoError(t, err)
		assert.True(t, last.Equal(Day("2022-11-09")))
	})

	t.Run("BucketsBeforeEpoch", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Upsert(ctx, "years", Points("1969-01-01", "1", "1970-01-01", "2", "2023-01-01", "3")))

		series, err := store.Get(ctx, "years", chart.All)
		require.NoError(t, err)
		assert.Equal(t, chart.Series(Points("1969-01-01", "1", "1970-01-01", "2", "2023-01-01", "3")), series)
	})

	t.Run("RejectsInvalidPoints", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		bad := []chart.Point{{Bucket: Day("2022-11-09").Add(time.Hour), Value: "1"}}
		assert.Error(t, store.Upsert(ctx, "avg", bad))
		assert.Error(t, store.Upsert(ctx, "avg", []chart.Point{{Bucket: Day("2022-11-09")}}))

		series, err := store.Get(ctx, "avg", chart.All)
		require.NoError(t, err)
		assert.Empty(t, series)
	})

	t.Run("CancelledUpsertWritesNothing", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Upsert(context.Background(), "avg", Points("2022-11-09", "0")))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.Error(t, store.Upsert(ctx, "avg", Points("2022-11-09", "5", "2022-11-10", "6")))

		series, err := store.Get(context.Background(), "avg", chart.All)
		require.NoError(t, err)
		assert.Equal(t, chart.Series(Points("2022-11-09", "0")), series)
	})

	t.Run("Stats", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.Upsert(ctx, "a", Points("2022-11-09", "1", "2022-11-10", "2")))
		require.NoError(t, store.Upsert(ctx, "b", Points("2021-01-01", "3")))

		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), stats.TotalPoints)
		assert.Equal(t, uint64(2), stats.TotalCharts)
		assert.True(t, stats.OldestBucket.Equal(Day("2021-01-01")))
		assert.True(t, stats.NewestBucket.Equal(Day("2022-11-10")))
	})

	t.Run("ConcurrentReadsSeeWholeCycles", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				v := fmt.Sprint(i)
				_ = store.Upsert(ctx, "avg", Points("2022-11-09", v, "2022-11-10", v))
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				series, err := store.Get(ctx, "avg", chart.All)
				if err != nil || len(series) == 0 {
					continue
				}
				// Both buckets are written in the same cycle
				assert.Len(t, series, 2)
				assert.Equal(t, series[0].Value, series[1].Value)
			}
		}()
		wg.Wait()
	})
}
