package source

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nicktill/tinystats/pkg/timespan"
)

// bucketDate scans the date column. Drivers disagree on its type: pgx and
// MySQL with parseTime return time.Time, SQLite and plain MySQL return text.
type bucketDate struct {
	time.Time
}

func (b *bucketDate) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		b.Time = time.Date(v.Year(), v.Month(), v.Day(), 0, 0, 0, 0, time.UTC)
		return nil
	case string:
		return b.parse(v)
	case []byte:
		return b.parse(string(v))
	case nil:
		return fmt.Errorf("date is null")
	}
	return fmt.Errorf("unsupported date type %T", src)
}

func (b *bucketDate) parse(s string) error {
	if len(s) > len(timespan.BucketLayout) {
		s = s[:len(timespan.BucketLayout)]
	}
	t, err := timespan.ParseBucket(s)
	if err != nil {
		return err
	}
	b.Time = t
	return nil
}

// nullDecimal scans the value column, keeping SQL NULL distinguishable.
type nullDecimal struct {
	Decimal decimal.Decimal
	Valid   bool
}

func (n *nullDecimal) Scan(src any) error {
	n.Valid = true
	switch v := src.(type) {
	case nil:
		n.Valid = false
		n.Decimal = decimal.Zero
		return nil
	case int64:
		n.Decimal = decimal.NewFromInt(v)
		return nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("value %v is not a finite number", v)
		}
		n.Decimal = decimal.NewFromFloat(v)
		return nil
	case float32:
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("value %v is not a finite number", v)
		}
		n.Decimal = decimal.NewFromFloat32(v)
		return nil
	case string:
		return n.parse(v)
	case []byte:
		return n.parse(string(v))
	}
	return fmt.Errorf("unsupported value type %T", src)
}

func (n *nullDecimal) parse(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("value %q is not a decimal: %w", s, err)
	}
	n.Decimal = d
	return nil
}
