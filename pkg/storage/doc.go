/*
Package storage persists chart series.

Each chart owns one series: an ordered list of (bucket, value) points where the
value is the exact decimal text produced by the codec. Backends implement the
Store interface:

	type Store interface {
	    Get(ctx context.Context, chart string, r chart.Range) (chart.Series, error)
	    Last(ctx context.Context, chart string) (*time.Time, error)
	    Upsert(ctx context.Context, chart string, points []chart.Point) error
	    Stats(ctx context.Context) (*Stats, error)
	    Close() error
	}

Three backends ship with tinystats:

  - memory: copy-on-write maps, for tests and ephemeral runs
  - badger: BadgerDB, the default persistent store
  - sqlstore: a chart_data table in SQLite, MySQL or PostgreSQL

# Upsert semantics

Upsert writes every point in one transaction. A point replaces whatever was
stored for the same bucket; buckets not named in the call are left alone.
There is no delete: a bucket that disappears from the source keeps its last
value. A cancelled context before commit leaves the store untouched.

# Reads

Get and Last only see committed data and never wait for an update in flight.
Get returns points in ascending bucket order, restricted to the half-open range
[From, To). A zero bound leaves that side open.

# Usage Example

	store, err := badger.New(badger.Config{Path: "./data"})
	if err != nil {
	    return err
	}
	defer store.Close()

	err = store.Upsert(ctx, "averageBlockRewards", []chart.Point{
	    {Bucket: day, Value: "1.75"},
	})

	series, err := store.Get(ctx, "averageBlockRewards", chart.Range{From: monthAgo})
*/
package storage
