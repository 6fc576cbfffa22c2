// Package lines defines the block charts served by tinystats.
//
//	newBlocks ──────────────┬──> newBlocksMonthly ─────────────┐
//	                        │                                  │ (weights)
//	averageBlockRewards ────┼──> averageBlockRewardsWeekly     │
//	                        ├──> averageBlockRewardsMonthly ───┴──> averageBlockRewardsYearly
//	                        (weights)
package lines

import (
	"github.com/nicktill/tinystats/pkg/batch"
	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/charts"
	"github.com/nicktill/tinystats/pkg/compaction"
	"github.com/nicktill/tinystats/pkg/sqldb"
	"github.com/nicktill/tinystats/pkg/source"
	"github.com/nicktill/tinystats/pkg/timespan"
)

// Chart names.
const (
	NewBlocks                  = "newBlocks"
	NewBlocksMonthly           = "newBlocksMonthly"
	AverageBlockRewards        = "averageBlockRewards"
	AverageBlockRewardsWeekly  = "averageBlockRewardsWeekly"
	AverageBlockRewardsMonthly = "averageBlockRewardsMonthly"
	AverageBlockRewardsYearly  = "averageBlockRewardsYearly"
)

// Register adds every block chart to reg, reading raw data from db.
// opts apply to both remote sources (timeouts).
func Register(reg *charts.Registry, db source.Querier, d sqldb.Dialect, opts ...source.Option) error {
	// Source-backed daily charts
	if _, err := reg.Register(charts.Definition{
		Metadata: chart.Metadata{Name: NewBlocks, Resolution: timespan.Day, Type: chart.Counter},
		Window:   batch.Days30,
		Stage:    source.NewRemote(NewBlocks, db, d, NewBlocksQuery, opts...),
	}); err != nil {
		return err
	}

	// A day with blocks but no rewards has no average row at all, so a NULL
	// average can only come from a broken reward; count it as zero.
	rewardOpts := append([]source.Option{source.WithNullPolicy(source.NullAsZero)}, opts...)
	if _, err := reg.Register(charts.Definition{
		Metadata: chart.Metadata{Name: AverageBlockRewards, Resolution: timespan.Day, Type: chart.Line},
		Window:   batch.Days30,
		Stage:    source.NewRemote(AverageBlockRewards, db, d, AverageBlockRewardsQuery, rewardOpts...),
	}); err != nil {
		return err
	}

	rollups := []struct {
		meta    chart.Metadata
		window  batch.Window
		method  compaction.Method
		values  string
		weights string
	}{
		{
			meta:   chart.Metadata{Name: NewBlocksMonthly, Resolution: timespan.Month, Type: chart.Counter},
			window: batch.Months36,
			method: compaction.Sum,
			values: NewBlocks,
		},
		{
			meta:    chart.Metadata{Name: AverageBlockRewardsWeekly, Resolution: timespan.Week, Type: chart.Line},
			window:  batch.Weeks30,
			method:  compaction.WeightedAverage,
			values:  AverageBlockRewards,
			weights: NewBlocks,
		},
		{
			meta:    chart.Metadata{Name: AverageBlockRewardsMonthly, Resolution: timespan.Month, Type: chart.Line},
			window:  batch.Months36,
			method:  compaction.WeightedAverage,
			values:  AverageBlockRewards,
			weights: NewBlocks,
		},
		{
			meta:    chart.Metadata{Name: AverageBlockRewardsYearly, Resolution: timespan.Year, Type: chart.Line},
			window:  batch.Years30,
			method:  compaction.WeightedAverage,
			values:  AverageBlockRewardsMonthly,
			weights: NewBlocksMonthly,
		},
	}
	for _, r := range rollups {
		def, err := reg.Rollup(r.meta, r.method, r.values, r.weights)
		if err != nil {
			return err
		}
		def.Window = r.window
		if _, err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}
