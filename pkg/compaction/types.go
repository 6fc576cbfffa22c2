package compaction

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nicktill/tinystats/pkg/codec"
	"github.com/nicktill/tinystats/pkg/timespan"
)

// Method is how fine samples combine into one coarse bucket.
type Method int

const (
	WeightedAverage Method = iota // Σ(v·w) / Σw
	Sum                           // Σv
)

func (m Method) String() string {
	switch m {
	case WeightedAverage:
		return "weighted-average"
	case Sum:
		return "sum"
	}
	return fmt.Sprintf("method(%d)", int(m))
}

// Aggregate accumulates the fine samples of one coarse bucket.
type Aggregate struct {
	Bucket     time.Time
	Resolution timespan.Resolution

	Sum    decimal.Decimal // Σv for Sum, Σ(v·w) for WeightedAverage
	Weight decimal.Decimal // Σw
	Count  int             // fine samples seen
}

// Add folds one fine sample into the aggregate.
func (a *Aggregate) Add(value, weight decimal.Decimal) {
	a.Sum = a.Sum.Add(value.Mul(weight))
	a.Weight = a.Weight.Add(weight)
	a.Count++
}

// Average is Σ(v·w)/Σw, or 0 when the weights sum to zero.
func (a *Aggregate) Average() decimal.Decimal {
	if a.Weight.IsZero() {
		return decimal.Zero
	}
	return codec.Div(a.Sum, a.Weight)
}

// Value returns the bucket value for the method.
func (a *Aggregate) Value(m Method) decimal.Decimal {
	if m == Sum {
		return a.Sum
	}
	return a.Average()
}
