package lines

import (
	"time"

	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/sqldb"
	"github.com/nicktill/tinystats/pkg/source"
)

// weiPerEther converts rewards stored in wei.
const weiPerEther int64 = 1_000_000_000_000_000_000

// Genesis blocks carry a zero timestamp and are left out of daily charts.
var epoch = time.Unix(0, 0).UTC()

// AverageBlockRewardsQuery averages the rewards of consensus blocks per day, in ether.
var AverageBlockRewardsQuery = source.RangeQueryFunc(func(d sqldb.Dialect, r *chart.Range) source.Statement {
	return source.WithRangeFilter(d, `
		SELECT
			DATE(blocks.timestamp) AS date,
			(AVG(block_rewards.reward) / ?) AS value
		FROM block_rewards
		JOIN blocks ON block_rewards.block_hash = blocks.hash
		WHERE
			blocks.timestamp != ? AND
			blocks.consensus = ? {filter}
		GROUP BY date
		ORDER BY date
	`, []any{weiPerEther, d.TimeArg(epoch), true}, "blocks.timestamp", r)
})
