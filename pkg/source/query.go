// Package source pulls chart samples from the source of record.
package source

import (
	"strings"

	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/sqldb"
)

// filterMarker is replaced by the range condition in query templates.
const filterMarker = "{filter}"

// Statement is a query ready to execute.
type Statement struct {
	SQL  string
	Args []any
}

// RangeQuery builds the aggregate query for a chart. The query must return
// two columns, date and value, with one row per calendar day.
type RangeQuery interface {
	Statement(d sqldb.Dialect, r *chart.Range) Statement
}

// RangeQueryFunc adapts a function to RangeQuery.
type RangeQueryFunc func(d sqldb.Dialect, r *chart.Range) Statement

// Statement implements RangeQuery.
func (f RangeQueryFunc) Statement(d sqldb.Dialect, r *chart.Range) Statement {
	return f(d, r)
}

// WithRangeFilter fills the {filter} marker of a '?'-placeholder template with
// "AND column >= from AND column < to" for the bounded sides of r, appends the
// bound values to args and rebinds the whole query for the dialect.
// A nil or unbounded range removes the marker.
func WithRangeFilter(d sqldb.Dialect, template string, args []any, column string, r *chart.Range) Statement {
	var conds []string
	out := append([]any(nil), args...)

	if r != nil {
		if !r.From.IsZero() {
			conds = append(conds, column+" >= ?")
			out = append(out, d.TimeArg(r.From))
		}
		if !r.To.IsZero() {
			conds = append(conds, column+" < ?")
			out = append(out, d.TimeArg(r.To))
		}
	}

	var filter string
	if len(conds) > 0 {
		filter = "AND " + strings.Join(conds, " AND ")
	}
	query := strings.Replace(template, filterMarker, filter, 1)
	return Statement{SQL: d.Rebind(query), Args: out}
}
