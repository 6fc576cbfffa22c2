// Package codec converts chart values between their persisted text form and
// the decimal form used for computation.
package codec

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/pipeline"
)

// DivisionPrecision is the number of fractional digits kept by every division
// the engine performs. It is well past float64 precision so chained rollups
// (day -> month -> year) do not accumulate visible error.
const DivisionPrecision = 32

// Parse reads a persisted value.
func Parse(text string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q: %w", text, err)
	}
	return d, nil
}

// Stringify renders a value for storage: plain notation, no trailing zeros.
func Stringify(d decimal.Decimal) string {
	return d.String()
}

// Float64 converts a value for display. Never feed the result back into a rollup.
func Float64(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// Div divides with the engine's fixed precision.
func Div(num, den decimal.Decimal) decimal.Decimal {
	return num.DivRound(den, DivisionPrecision)
}

// ParseSeries converts persisted points into samples.
func ParseSeries(points []chart.Point) ([]chart.Sample, error) {
	samples := make([]chart.Sample, 0, len(points))
	for _, p := range points {
		v, err := Parse(p.Value)
		if err != nil {
			return nil, fmt.Errorf("bucket %s: %w", p.Bucket.Format("2006-01-02"), err)
		}
		samples = append(samples, chart.Sample{Bucket: p.Bucket, Value: v})
	}
	return samples, nil
}

// FormatSeries converts samples into persistable points.
func FormatSeries(samples []chart.Sample) []chart.Point {
	points := make([]chart.Point, 0, len(samples))
	for _, s := range samples {
		points = append(points, chart.Point{Bucket: s.Bucket, Value: Stringify(s.Value)})
	}
	return points
}

// ParseStage is the pipeline stage form of ParseSeries.
func ParseStage() pipeline.Stage[[]chart.Point, []chart.Sample] {
	return pipeline.Func("parse", func(_ context.Context, in []chart.Point) ([]chart.Sample, error) {
		return ParseSeries(in)
	})
}

// FormatStage is the pipeline stage form of FormatSeries.
func FormatStage() pipeline.Stage[[]chart.Sample, []chart.Point] {
	return pipeline.Func("format", func(_ context.Context, in []chart.Sample) ([]chart.Point, error) {
		return FormatSeries(in), nil
	})
}
