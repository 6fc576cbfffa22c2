// Package sqlstore keeps chart series in a chart_data table of a SQL database.
//
// Buckets are stored as YYYY-MM-DD text so that ordering and range filters
// behave the same in SQLite, MySQL and PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/sqldb"
	"github.com/nicktill/tinystats/pkg/storage"
	"github.com/nicktill/tinystats/pkg/timespan"
)

// Store implements storage.Store on top of database/sql.
type Store struct {
	db      *sqlx.DB
	dialect sqldb.Dialect
}

var _ storage.Store = (*Store)(nil)

type row struct {
	Bucket string `db:"bucket"`
	Value  string `db:"value"`
}

// Open connects to the database, applies pending migrations and returns the store.
func Open(ctx context.Context, d sqldb.Dialect, dsn string) (*Store, error) {
	if d != sqldb.SQLite {
		// Migration drivers pin a connection of their own; run them on a
		// short-lived pool so the store's pool stays whole.
		if err := Migrate(ctx, d, dsn, Latest); err != nil {
			return nil, err
		}
	}

	db, err := sqldb.Open(ctx, d, dsn)
	if err != nil {
		return nil, err
	}
	if d == sqldb.SQLite {
		// In-memory databases only exist on this connection
		if err := migrateDB(ctx, db.DB, d, Latest); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return New(db, d), nil
}

// New wraps an already migrated database.
func New(db *sqlx.DB, d sqldb.Dialect) *Store {
	return &Store{db: db, dialect: d}
}

// Get returns the points of a chart inside r
func (s *Store) Get(ctx context.Context, name string, r chart.Range) (chart.Series, error) {
	query := `SELECT bucket, value FROM chart_data WHERE chart_name = ?`
	args := []any{name}
	if !r.From.IsZero() {
		query += ` AND bucket >= ?`
		args = append(args, timespan.FormatBucket(r.From))
	}
	if !r.To.IsZero() {
		query += ` AND bucket < ?`
		args = append(args, timespan.FormatBucket(r.To))
	}
	query += ` ORDER BY bucket`

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, s.dialect.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to read chart %s: %w", name, err)
	}

	series := make(chart.Series, 0, len(rows))
	for _, r := range rows {
		bucket, err := timespan.ParseBucket(r.Bucket)
		if err != nil {
			return nil, fmt.Errorf("chart %s: %w", name, err)
		}
		series = append(series, chart.Point{Bucket: bucket, Value: r.Value})
	}
	return series, nil
}

// Last returns the newest bucket of a chart
func (s *Store) Last(ctx context.Context, name string) (*time.Time, error) {
	var bucket string
	err := s.db.GetContext(ctx, &bucket,
		s.dialect.Rebind(`SELECT bucket FROM chart_data WHERE chart_name = ? ORDER BY bucket DESC LIMIT 1`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read last bucket of %s: %w", name, err)
	}
	t, err := timespan.ParseBucket(bucket)
	if err != nil {
		return nil, fmt.Errorf("chart %s: %w", name, err)
	}
	return &t, nil
}

// Upsert writes every point in one transaction.
func (s *Store) Upsert(ctx context.Context, name string, points []chart.Point) error {
	incoming, err := storage.Normalize(points)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, s.dialect.Rebind(upsertQuery(s.dialect)))
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, p := range incoming {
		if _, err := stmt.ExecContext(ctx, name, timespan.FormatBucket(p.Bucket), p.Value); err != nil {
			return fmt.Errorf("failed to write point %s of %s: %w", timespan.FormatBucket(p.Bucket), name, err)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s: %w", name, err)
	}
	return nil
}

// upsertQuery returns the dialect's insert-or-overwrite statement.
func upsertQuery(d sqldb.Dialect) string {
	switch d {
	case sqldb.MySQL:
		return `INSERT INTO chart_data (chart_name, bucket, value) VALUES (?, ?, ?) AS new
			ON DUPLICATE KEY UPDATE value = new.value`
	case sqldb.Postgres:
		return `INSERT INTO chart_data (chart_name, bucket, value) VALUES (?, ?, ?)
			ON CONFLICT (chart_name, bucket) DO UPDATE SET value = EXCLUDED.value`
	default:
		return `INSERT OR REPLACE INTO chart_data (chart_name, bucket, value) VALUES (?, ?, ?)`
	}
}

// Stats returns storage statistics
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	var agg struct {
		Points int64          `db:"points"`
		Charts int64          `db:"charts"`
		Oldest sql.NullString `db:"oldest"`
		Newest sql.NullString `db:"newest"`
	}
	err := s.db.GetContext(ctx, &agg, `SELECT COUNT(*) AS points, COUNT(DISTINCT chart_name) AS charts,
		MIN(bucket) AS oldest, MAX(bucket) AS newest FROM chart_data`)
	if err != nil {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}

	stats := &storage.Stats{TotalPoints: uint64(agg.Points), TotalCharts: uint64(agg.Charts)}
	if agg.Oldest.Valid {
		if stats.OldestBucket, err = timespan.ParseBucket(agg.Oldest.String); err != nil {
			return nil, err
		}
	}
	if agg.Newest.Valid {
		if stats.NewestBucket, err = timespan.ParseBucket(agg.Newest.String); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
