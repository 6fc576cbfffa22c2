// Package sqldb opens SQL connections for the supported backends and hides
// the few dialect differences the engine cares about.
package sqldb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql" // MySQL driver
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // SQLite driver
)

// Dialect names a SQL backend.
type Dialect string

const (
	Postgres Dialect = "postgresql"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
)

// sqliteTimeLayout is how timestamps are stored and compared in SQLite, where
// they are plain text.
const sqliteTimeLayout = "2006-01-02 15:04:05+00:00"

// ParseDialect accepts the backend names used in configuration.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "mysql":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return "", fmt.Errorf("unsupported SQL backend: %s. Must be sqlite, mysql or postgresql", s)
}

// DriverName returns the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	switch d {
	case Postgres:
		return "pgx"
	case MySQL:
		return "mysql"
	default:
		return "sqlite"
	}
}

// Rebind converts '?' placeholders into the dialect's bind style.
func (d Dialect) Rebind(query string) string {
	return sqlx.Rebind(sqlx.BindType(d.DriverName()), query)
}

// TimeArg converts t into a query argument comparable with the dialect's
// timestamp columns.
func (d Dialect) TimeArg(t time.Time) any {
	if d == SQLite {
		return t.UTC().Format(sqliteTimeLayout)
	}
	return t.UTC()
}

// FormatTime renders t the way SQLite stores timestamps. Used by fixtures.
func FormatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

// Open connects to a database and verifies the connection.
func Open(ctx context.Context, d Dialect, dsn string) (*sqlx.DB, error) {
	if d == SQLite && dsn == "" {
		dsn = ":memory:"
	}

	db, err := sqlx.Open(d.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", d, err)
	}

	if d == SQLite {
		// Limit SQLite to a single open connection to avoid "database is locked"
		// errors and to keep ":memory:" databases on one connection.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", d, err)
	}
	return db, nil
}

// IsConnectivityError reports whether err means the database could not be
// reached, as opposed to the database rejecting the request.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
