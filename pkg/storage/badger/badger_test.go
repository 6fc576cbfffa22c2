package badger

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/storage"
	"github.com/nicktill/tinystats/pkg/storage/storagetest"
)

func TestBadgerStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		// Use in-memory mode for tests
		store, err := New(Config{InMemory: true})
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestBadgerStorage_Persistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := New(Config{Path: dir})
	require.NoError(t, err)
	require.NoError(t, store.Upsert(ctx, "newBlocks", storagetest.Points("2022-11-09", "1", "2022-11-10", "3")))
	require.NoError(t, store.Close())

	// Reopen and verify data survived
	store, err = New(Config{Path: dir})
	require.NoError(t, err)
	defer store.Close()

	series, err := store.Get(ctx, "newBlocks", chart.All)
	require.NoError(t, err)
	assert.Equal(t, chart.Series(storagetest.Points("2022-11-09", "1", "2022-11-10", "3")), series)
}

func TestBadgerStorage_LargeUpsert(t *testing.T) {
	store, err := New(Config{InMemory: true})
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	day := storagetest.Day("2015-07-30")
	points := make([]chart.Point, 0, 3000)
	for i := 0; i < 3000; i++ {
		points = append(points, chart.Point{Bucket: day.AddDate(0, 0, i), Value: "1"})
	}
	require.NoError(t, store.Upsert(ctx, "newBlocks", points))

	series, err := store.Get(ctx, "newBlocks", chart.All)
	require.NoError(t, err)
	assert.Len(t, series, 3000)

	last, err := store.Last(ctx, "newBlocks")
	require.NoError(t, err)
	assert.True(t, last.Equal(day.AddDate(0, 0, 2999)))
}

func TestBadgerStorage_RunGC(t *testing.T) {
	store, err := New(Config{Path: t.TempDir()})
	require.NoError(t, err)
	defer store.Close()

	err = store.RunGC(0.5)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		t.Fatalf("RunGC failed: %v", err)
	}
}

func TestKeyOrdering(t *testing.T) {
	prefix := chartPrefix("averageBlockRewardsYearly")
	before := makeKey(prefix, storagetest.Day("1969-12-31"))
	epoch := makeKey(prefix, storagetest.Day("1970-01-01"))
	after := makeKey(prefix, storagetest.Day("2023-01-01"))

	assert.Negative(t, bytes.Compare(before, epoch))
	assert.Negative(t, bytes.Compare(epoch, after))
	assert.Equal(t, storagetest.Day("1969-12-31"), parseKey(before))
}

