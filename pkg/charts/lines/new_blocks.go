package lines

import (
	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/sqldb"
	"github.com/nicktill/tinystats/pkg/source"
)

// NewBlocksQuery counts consensus blocks per day.
var NewBlocksQuery = source.RangeQueryFunc(func(d sqldb.Dialect, r *chart.Range) source.Statement {
	return source.WithRangeFilter(d, `
		SELECT
			DATE(blocks.timestamp) AS date,
			COUNT(*) AS value
		FROM blocks
		WHERE
			blocks.timestamp != ? AND
			blocks.consensus = ? {filter}
		GROUP BY date
		ORDER BY date
	`, []any{d.TimeArg(epoch), true}, "blocks.timestamp", r)
})
