package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/timespan"
)

// Formats
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// Source is a chart that can be read. *charts.Chart satisfies it.
type Source interface {
	Metadata() chart.Metadata
	Get(ctx context.Context, r chart.Range) (chart.Series, error)
}

// Options configures an export.
type Options struct {
	Range  chart.Range
	Format string
}

// Result contains stats about the export.
type Result struct {
	Chart          string    `json:"chart"`
	PointsExported int       `json:"points_exported"`
	TimeRange      string    `json:"time_range"`
	Format         string    `json:"format"`
	ExportedAt     time.Time `json:"exported_at"`
}

// Document is the JSON export layout.
type Document struct {
	Metadata DocumentMetadata `json:"metadata"`
	Points   chart.Series     `json:"points"`
}

// DocumentMetadata describes what a JSON export holds.
type DocumentMetadata struct {
	Chart      chart.Metadata `json:"chart"`
	ExportedAt time.Time      `json:"exported_at"`
	From       string         `json:"from"`
	To         string         `json:"to"`
	PointCount int            `json:"point_count"`
	Version    string         `json:"version"`
}

// Export writes src in the requested format.
func Export(ctx context.Context, w io.Writer, src Source, opts Options) (*Result, error) {
	switch opts.Format {
	case FormatJSON, "":
		return ExportToJSON(ctx, w, src, opts)
	case FormatCSV:
		return ExportToCSV(ctx, w, src, opts)
	}
	return nil, fmt.Errorf("unknown export format %q: must be json or csv", opts.Format)
}

// ExportToJSON exports a chart as JSON to the given writer.
func ExportToJSON(ctx context.Context, w io.Writer, src Source, opts Options) (*Result, error) {
	series, err := src.Get(ctx, opts.Range)
	if err != nil {
		return nil, fmt.Errorf("failed to read chart %s: %w", src.Metadata().Name, err)
	}
	if series == nil {
		series = chart.Series{}
	}

	from, to := bounds(opts.Range)
	doc := Document{
		Metadata: DocumentMetadata{
			Chart:      src.Metadata(),
			ExportedAt: time.Now().UTC(),
			From:       from,
			To:         to,
			PointCount: len(series),
			Version:    "1.0",
		},
		Points: series,
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}

	return &Result{
		Chart:          src.Metadata().Name,
		PointsExported: len(series),
		TimeRange:      describe(from, to),
		Format:         FormatJSON,
		ExportedAt:     doc.Metadata.ExportedAt,
	}, nil
}

// ExportToCSV exports a chart as a date,value table to the given writer.
func ExportToCSV(ctx context.Context, w io.Writer, src Source, opts Options) (*Result, error) {
	series, err := src.Get(ctx, opts.Range)
	if err != nil {
		return nil, fmt.Errorf("failed to read chart %s: %w", src.Metadata().Name, err)
	}

	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"date", "value"}); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, p := range series {
		if err := writer.Write([]string{timespan.FormatBucket(p.Bucket), p.Value}); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}

	from, to := bounds(opts.Range)
	return &Result{
		Chart:          src.Metadata().Name,
		PointsExported: len(series),
		TimeRange:      describe(from, to),
		Format:         FormatCSV,
		ExportedAt:     time.Now().UTC(),
	}, nil
}

func bounds(r chart.Range) (from, to string) {
	if !r.From.IsZero() {
		from = timespan.FormatBucket(r.From)
	}
	if !r.To.IsZero() {
		to = timespan.FormatBucket(r.To)
	}
	return from, to
}

func describe(from, to string) string {
	if from == "" {
		from = "-inf"
	}
	if to == "" {
		to = "+inf"
	}
	return from + " to " + to
}
