package lines

import (
	"context"
	"database/sql/driver"
	"fmt"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/charts"
	"github.com/nicktill/tinystats/pkg/codec"
	"github.com/nicktill/tinystats/pkg/source"
	"github.com/nicktill/tinystats/pkg/sqldb"
	"github.com/nicktill/tinystats/pkg/storage"
	"github.com/nicktill/tinystats/pkg/storage/memory"
	"github.com/nicktill/tinystats/pkg/timespan"
)

const eth = int64(1_000_000_000_000_000_000)

// ledger is a small block ledger in in-memory SQLite.
type ledger struct {
	db *sqlx.DB
	n  int
}

func newLedger(t *testing.T) *ledger {
	t.Helper()
	db, err := sqldb.Open(context.Background(), sqldb.SQLite, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	db.MustExec(`CREATE TABLE blocks (hash TEXT PRIMARY KEY, timestamp TEXT NOT NULL, consensus BOOLEAN NOT NULL)`)
	db.MustExec(`CREATE TABLE block_rewards (block_hash TEXT NOT NULL, reward INTEGER)`)
	return &ledger{db: db}
}

// block adds a block on day with the given rewards in ether.
func (l *ledger) block(day string, consensus bool, rewards ...int64) {
	ts, err := timespan.ParseBucket(day)
	if err != nil {
		panic(err)
	}
	l.blockAt(ts.Add(time.Duration(l.n)*time.Minute), consensus, rewards...)
}

func (l *ledger) blockAt(ts time.Time, consensus bool, rewards ...int64) {
	l.n++
	hash := fmt.Sprintf("0x%04x", l.n)
	l.db.MustExec(`INSERT INTO blocks (hash, timestamp, consensus) VALUES (?, ?, ?)`, hash, sqldb.FormatTime(ts), consensus)
	for _, r := range rewards {
		l.db.MustExec(`INSERT INTO block_rewards (block_hash, reward) VALUES (?, ?)`, hash, r*eth)
	}
}

// seed loads the reference data set: per-day average rewards
// 0, 2, 1.75, 3 over 1, 3, 4, 1 blocks in November 2022, then one block a
// month with rewards 4, 0, 1, 2.
func (l *ledger) seed() {
	l.block("2022-11-09", true, 0)
	l.block("2022-11-10", true, 1)
	l.block("2022-11-10", true, 2)
	l.block("2022-11-10", true, 3)
	l.block("2022-11-11", true, 1)
	l.block("2022-11-11", true, 2)
	l.block("2022-11-11", true, 2)
	l.block("2022-11-11", true, 2)
	l.block("2022-11-12", true, 3)
	l.block("2022-12-01", true, 4)
	l.block("2023-01-01", true, 0)
	l.block("2023-02-01", true, 1)
	l.block("2023-03-01", true, 2)

	// Ignored: genesis with a zero timestamp and an uncle
	l.blockAt(time.Unix(0, 0), true, 100)
	l.block("2022-11-10", false, 100)
}

func values(t *testing.T, store storage.Store, name string) map[string]string {
	t.Helper()
	series, err := store.Get(context.Background(), name, chart.All)
	require.NoError(t, err)
	out := make(map[string]string, len(series))
	for _, p := range series {
		out[timespan.FormatBucket(p.Bucket)] = p.Value
	}
	return out
}

func setup(t *testing.T, q source.Querier) (*charts.Registry, storage.Store) {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	reg := charts.NewRegistry(store)
	require.NoError(t, Register(reg, q, sqldb.SQLite))
	return reg, store
}

var now = time.Date(2023, 3, 15, 12, 0, 0, 0, time.UTC)

func TestRegister_Graph(t *testing.T) {
	reg, _ := setup(t, newLedger(t).db)

	levels, err := reg.Levels()
	require.NoError(t, err)
	require.Len(t, levels, 3)

	names := func(level []*charts.Chart) []string {
		var out []string
		for _, c := range level {
			out = append(out, c.Name())
		}
		return out
	}
	assert.Equal(t, []string{AverageBlockRewards, NewBlocks}, names(levels[0]))
	assert.Equal(t, []string{AverageBlockRewardsMonthly, AverageBlockRewardsWeekly, NewBlocksMonthly}, names(levels[1]))
	assert.Equal(t, []string{AverageBlockRewardsYearly}, names(levels[2]))

	c, err := reg.Chart(AverageBlockRewardsWeekly)
	require.NoError(t, err)
	assert.Equal(t, "weighted-average(averageBlockRewards, newBlocks) | format", c.Pipeline())
	assert.Equal(t, "30 weeks", c.Window().String())

	c, err = reg.Chart(AverageBlockRewards)
	require.NoError(t, err)
	assert.Equal(t, "sql(averageBlockRewards) | format", c.Pipeline())
}

func TestUpdate_FullHistory(t *testing.T) {
	l := newLedger(t)
	l.seed()
	reg, store := setup(t, l.db)

	report, err := reg.Update(context.Background(), now)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	assert.Len(t, report.Results, 6)

	assert.Equal(t, map[string]string{
		"2022-11-09": "0",
		"2022-11-10": "2",
		"2022-11-11": "1.75",
		"2022-11-12": "3",
		"2022-12-01": "4",
		"2023-01-01": "0",
		"2023-02-01": "1",
		"2023-03-01": "2",
	}, values(t, store, AverageBlockRewards))

	assert.Equal(t, map[string]string{
		"2022-11-09": "1",
		"2022-11-10": "3",
		"2022-11-11": "4",
		"2022-11-12": "1",
		"2022-12-01": "1",
		"2023-01-01": "1",
		"2023-02-01": "1",
		"2023-03-01": "1",
	}, values(t, store, NewBlocks))

	weekly := values(t, store, AverageBlockRewardsWeekly)
	assert.Equal(t, map[string]string{
		"2022-11-07": "1.77777777777777777777777777777778",
		"2022-11-28": "4",
		"2022-12-26": "0",
		"2023-01-30": "1",
		"2023-02-27": "2",
	}, weekly)
	first, err := codec.Parse(weekly["2022-11-07"])
	require.NoError(t, err)
	assert.Equal(t, 1.7777777777777777, codec.Float64(first))

	assert.Equal(t, map[string]string{
		"2022-11-01": "1.77777777777777777777777777777778",
		"2022-12-01": "4",
		"2023-01-01": "0",
		"2023-02-01": "1",
		"2023-03-01": "2",
	}, values(t, store, AverageBlockRewardsMonthly))

	assert.Equal(t, map[string]string{
		"2022-11-01": "9",
		"2022-12-01": "1",
		"2023-01-01": "1",
		"2023-02-01": "1",
		"2023-03-01": "1",
	}, values(t, store, NewBlocksMonthly))

	assert.Equal(t, map[string]string{
		"2022-01-01": "2",
		"2023-01-01": "1",
	}, values(t, store, AverageBlockRewardsYearly))
}

func TestUpdate_IsIdempotent(t *testing.T) {
	l := newLedger(t)
	l.seed()
	reg, store := setup(t, l.db)

	_, err := reg.Update(context.Background(), now)
	require.NoError(t, err)
	before := map[string]map[string]string{}
	for _, c := range reg.Charts() {
		before[c.Name()] = values(t, store, c.Name())
	}

	report, err := reg.Update(context.Background(), now)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	for _, c := range reg.Charts() {
		assert.Equal(t, before[c.Name()], values(t, store, c.Name()), c.Name())
	}
}

func TestUpdate_WindowedReMerge(t *testing.T) {
	l := newLedger(t)
	l.seed()
	reg, store := setup(t, l.db)

	_, err := reg.Update(context.Background(), now)
	require.NoError(t, err)

	// A late block inside the daily window and a rewrite of history far behind it
	l.block("2023-03-02", true, 4)
	l.db.MustExec(`UPDATE block_rewards SET reward = ? WHERE block_hash = '0x0001'`, 9*eth)

	report, err := reg.Update(context.Background(), now)
	require.NoError(t, err)
	require.NoError(t, report.Err())

	daily := values(t, store, AverageBlockRewards)
	assert.Equal(t, "0", daily["2022-11-09"], "buckets before the window are never touched")
	assert.Equal(t, "4", daily["2023-03-02"])

	assert.Equal(t, "3", values(t, store, AverageBlockRewardsMonthly)["2023-03-01"])
	assert.Equal(t, "2", values(t, store, NewBlocksMonthly)["2023-03-01"])
	assert.Equal(t, "3", values(t, store, AverageBlockRewardsWeekly)["2023-02-27"])
	// 2023: (0·1 + 1·1 + 3·2) / 4
	assert.Equal(t, "1.75", values(t, store, AverageBlockRewardsYearly)["2023-01-01"])
	assert.Equal(t, "2", values(t, store, AverageBlockRewardsYearly)["2022-01-01"])
}

type unavailable struct{}

func (unavailable) QueryxContext(context.Context, string, ...any) (*sqlx.Rows, error) {
	return nil, driver.ErrBadConn
}

func TestUpdate_SourceUnavailableLeavesStoreUntouched(t *testing.T) {
	l := newLedger(t)
	l.seed()

	store := memory.New()
	defer store.Close()

	// First populate through a working source
	reg := charts.NewRegistry(store)
	require.NoError(t, Register(reg, l.db, sqldb.SQLite))
	_, err := reg.Update(context.Background(), now)
	require.NoError(t, err)

	snapshot := map[string]map[string]string{}
	for _, c := range reg.Charts() {
		snapshot[c.Name()] = values(t, store, c.Name())
	}

	// Then fail every pull
	broken := charts.NewRegistry(store)
	require.NoError(t, Register(broken, unavailable{}, sqldb.SQLite))
	report, err := broken.Update(context.Background(), now.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, report.Failed(), 6)

	for _, res := range report.Results {
		var updateErr *chart.UpdateError
		require.ErrorAs(t, res.Err, &updateErr)
		assert.True(t, chart.IsRetryable(res.Err), res.Chart.Name)
		switch res.Chart.Name {
		case NewBlocks, AverageBlockRewards:
			var src *chart.SourceUnavailableError
			assert.ErrorAs(t, res.Err, &src)
			assert.False(t, res.Skipped)
		default:
			assert.True(t, res.Skipped, res.Chart.Name)
		}
	}

	for _, c := range broken.Charts() {
		assert.Equal(t, snapshot[c.Name()], values(t, store, c.Name()), c.Name())
	}
}

func TestUpdate_MissingWeightIsRetryable(t *testing.T) {
	l := newLedger(t)
	l.seed()
	reg, store := setup(t, l.db)

	// Daily values without the weight chart
	c, err := reg.Chart(AverageBlockRewards)
	require.NoError(t, err)
	require.NoError(t, c.Update(context.Background(), now))

	weekly, err := reg.Chart(AverageBlockRewardsWeekly)
	require.NoError(t, err)
	err = weekly.Update(context.Background(), now)

	var reduction *chart.ReductionError
	require.ErrorAs(t, err, &reduction)
	assert.Equal(t, NewBlocks, reduction.Dependency)
	assert.True(t, chart.IsRetryable(err))
	assert.Empty(t, values(t, store, AverageBlockRewardsWeekly))

	// Catching up the weights fixes it
	report, err := reg.Update(context.Background(), now, AverageBlockRewardsWeekly)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	assert.Len(t, report.Results, 3)
	assert.NotEmpty(t, values(t, store, AverageBlockRewardsWeekly))
}
