// Package export writes chart series out as JSON or CSV.
//
// # Formats
//
// JSON keeps the chart metadata next to the points, so an export documents
// itself:
//
//	{
//	  "metadata": {"chart": {...}, "exported_at": "...", "from": "", "to": "", "point_count": 2},
//	  "points": [{"date": "2022-11-07", "value": "1.77777777777777777777777777777778"}]
//	}
//
// CSV is a flat "date,value" table for spreadsheets and pandas.
//
// Values are written exactly as stored. Nothing is converted to floating point.
//
// # HTTP API
//
// Export endpoint: GET /v1/charts/{name}/export
// Query parameters:
//   - format: "json" or "csv" (default: json)
//   - from: first bucket, YYYY-MM-DD (default: unbounded)
//   - to: bucket after the last one, YYYY-MM-DD (default: unbounded)
//
// Example:
//
//	curl "http://localhost:8080/v1/charts/averageBlockRewardsWeekly/export?format=csv" \
//	  -o weekly.csv
package export
