// Package database opens the SQL backend that tools query and inspects its
// schema. MySQL, PostgreSQL and SQLite are supported.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/butler/internal/observability"
)

// Dialect identifies a SQL backend.
type Dialect string

const (
	MySQL    Dialect = "mysql"
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// ParseDialect normalizes a configured driver name.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mysql", "mariadb":
		return MySQL, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", s)
}

// driverName is the database/sql driver registered for d.
func (d Dialect) driverName() string {
	return string(d)
}

// Config configures the connection pool.
type Config struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration

	// MaxRows caps the rows returned by a query. Zero means DefaultMaxRows.
	MaxRows int
}

// DefaultMaxRows is the row cap applied when Config.MaxRows is zero.
const DefaultMaxRows = 1000

// DefaultConfig returns default connection pool settings.
func DefaultConfig() Config {
	return Config{
		Driver:          string(MySQL),
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
		MaxRows:         DefaultMaxRows,
	}
}

// DB is a pooled connection to one backend.
type DB struct {
	*sql.DB
	dialect Dialect
	maxRows int
	tracer  *observability.Tracer
}

// Open connects to the configured backend and verifies the connection.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	dialect, err := ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	defaults := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}

	sqlDB, err := sql.Open(dialect.driverName(), cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(sqlDB, dialect, cfg.MaxRows), nil
}

// New wraps an open *sql.DB.
func New(db *sql.DB, dialect Dialect, maxRows int) *DB {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &DB{DB: db, dialect: dialect, maxRows: maxRows}
}

// Dialect returns the backend kind.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// WithTracer sets the tracer used for query spans.
func (db *DB) WithTracer(t *observability.Tracer) *DB {
	db.tracer = t
	return db
}
