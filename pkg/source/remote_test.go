package source

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/sqldb"
)

var dailyAverage = RangeQueryFunc(func(d sqldb.Dialect, r *chart.Range) Statement {
	return WithRangeFilter(d, `
		SELECT DATE(ts) AS date, AVG(v) AS value
		FROM events
		WHERE kind = ? {filter}
		GROUP BY date
		ORDER BY date DESC
	`, []any{"reward"}, "ts", r)
})

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func newEventsDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqldb.Open(context.Background(), sqldb.SQLite, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	db.MustExec(`CREATE TABLE events (ts TEXT NOT NULL, kind TEXT NOT NULL, v REAL)`)
	insert := func(ts time.Time, v any) {
		db.MustExec(`INSERT INTO events (ts, kind, v) VALUES (?, 'reward', ?)`, sqldb.FormatTime(ts), v)
	}
	insert(day("2022-11-09").Add(3*time.Hour), 0.0)
	insert(day("2022-11-10").Add(1*time.Hour), 1.0)
	insert(day("2022-11-10").Add(2*time.Hour), 3.0)
	insert(day("2022-11-11"), 1.75) // exactly midnight
	insert(day("2022-11-12").Add(23*time.Hour), nil)
	db.MustExec(`INSERT INTO events (ts, kind, v) VALUES (?, 'other', 100)`, sqldb.FormatTime(day("2022-11-10")))
	return db
}

func values(samples []chart.Sample) map[string]string {
	out := make(map[string]string, len(samples))
	for _, s := range samples {
		out[s.Bucket.Format("2006-01-02")] = s.Value.String()
	}
	return out
}

func TestRemote_PullFullHistory_NullAsZero(t *testing.T) {
	db := newEventsDB(t)
	remote := NewRemote("events", db, sqldb.SQLite, dailyAverage)

	samples, err := remote.Pull(context.Background(), nil)
	require.NoError(t, err)

	require.Len(t, samples, 4)
	for i := 1; i < len(samples); i++ {
		assert.True(t, samples[i-1].Bucket.Before(samples[i].Bucket), "samples must be ascending")
	}
	assert.Equal(t, map[string]string{
		"2022-11-09": "0",
		"2022-11-10": "2",
		"2022-11-11": "1.75",
		"2022-11-12": "0",
	}, values(samples))
}

func TestRemote_PullFullHistory_NullSkip(t *testing.T) {
	db := newEventsDB(t)
	remote := NewRemote("events", db, sqldb.SQLite, dailyAverage, WithNullPolicy(NullSkip))

	samples, err := remote.Pull(context.Background(), nil)
	require.NoError(t, err)
	assert.NotContains(t, values(samples), "2022-11-12")
	assert.Len(t, samples, 3)
}

func TestRemote_PullHalfOpenRange(t *testing.T) {
	db := newEventsDB(t)
	remote := NewRemote("events", db, sqldb.SQLite, dailyAverage)

	samples, err := remote.Pull(context.Background(), &chart.Range{From: day("2022-11-10"), To: day("2022-11-12")})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"2022-11-10": "2", "2022-11-11": "1.75"}, values(samples))

	samples, err = remote.Pull(context.Background(), &chart.Range{From: day("2022-11-11")})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"2022-11-11": "1.75", "2022-11-12": "0"}, values(samples))
}

func TestRemote_MalformedRow(t *testing.T) {
	db := newEventsDB(t)
	bad := RangeQueryFunc(func(d sqldb.Dialect, r *chart.Range) Statement {
		return Statement{SQL: `SELECT 'yesterday' AS date, 1 AS value`}
	})

	_, err := NewRemote("bad", db, sqldb.SQLite, bad).Pull(context.Background(), nil)
	var dataErr *chart.SourceDataError
	require.ErrorAs(t, err, &dataErr)
	assert.Equal(t, "bad", dataErr.Source)
	assert.False(t, chart.IsRetryable(err))
}

type failingQuerier struct{ err error }

func (f failingQuerier) QueryxContext(context.Context, string, ...any) (*sqlx.Rows, error) {
	return nil, f.err
}

func TestRemote_Unavailable(t *testing.T) {
	remote := NewRemote("events", failingQuerier{err: driver.ErrBadConn}, sqldb.Postgres, dailyAverage)

	_, err := remote.Pull(context.Background(), nil)
	var unavailable *chart.SourceUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.True(t, chart.IsRetryable(err))
}

func TestRemote_QueryRejected(t *testing.T) {
	remote := NewRemote("events", failingQuerier{err: errors.New(`relation "events" does not exist`)}, sqldb.Postgres, dailyAverage)

	_, err := remote.Pull(context.Background(), nil)
	require.Error(t, err)
	assert.False(t, chart.IsRetryable(err))
}

func TestWithRangeFilter(t *testing.T) {
	r := &chart.Range{From: day("2022-11-01"), To: day("2022-12-01")}
	stmt := WithRangeFilter(sqldb.Postgres, "SELECT x FROM t WHERE a = ? {filter} GROUP BY 1", []any{1}, "t.ts", r)

	assert.Equal(t, "SELECT x FROM t WHERE a = $1 AND t.ts >= $2 AND t.ts < $3 GROUP BY 1", stmt.SQL)
	assert.Equal(t, []any{1, day("2022-11-01"), day("2022-12-01")}, stmt.Args)

	stmt = WithRangeFilter(sqldb.MySQL, "SELECT x FROM t WHERE a = ? {filter} GROUP BY 1", []any{1}, "t.ts", &chart.Range{To: day("2022-12-01")})
	assert.Equal(t, "SELECT x FROM t WHERE a = ? AND t.ts < ? GROUP BY 1", stmt.SQL)
	assert.Len(t, stmt.Args, 2)

	stmt = WithRangeFilter(sqldb.SQLite, "SELECT x FROM t WHERE a = ? {filter}", []any{1}, "t.ts", nil)
	assert.Equal(t, "SELECT x FROM t WHERE a = ? ", stmt.SQL)
	assert.Equal(t, []any{1}, stmt.Args)
}
