/*
Package compaction rolls a fine-resolution chart up into a coarser one.

# Why weighted?

A daily chart of average block rewards stores one average per day. Averaging
those averages into a week would give a quiet day with one block the same say
as a busy day with a thousand. The rollup therefore weights every fine bucket
by the number of raw events behind it:

	week value = Σ(day value × day blocks) / Σ(day blocks)

The weights come from a second chart (newBlocks for days, newBlocksMonthly for
months), read over the same window as the values.

# Example

	2022-11-09  avg=0     blocks=1
	2022-11-10  avg=2     blocks=3
	2022-11-11  avg=1.75  blocks=4
	2022-11-12  avg=3     blocks=1

	week of 2022-11-07 = (0·1 + 2·3 + 1.75·4 + 3·1) / 9 = 16/9

# Rules

  - Buckets are grouped by the start of the coarse bucket they fall into.
  - A group whose weights sum to zero gets the value 0.
  - A coarse bucket with no fine samples gets no point at all.
  - Only samples inside the window take part. Nothing is extrapolated.
  - A fine sample without a weight sample is an error, because the weight
    chart has not caught up yet. The next cycle can retry it.

Sum rollups (counts per month from counts per day) follow the same grouping
and sparseness rules and ignore weights.

Every division keeps codec.DivisionPrecision fractional digits, and the sums
are exact, so rolling days into months and months into years does not drift.
*/
package compaction
