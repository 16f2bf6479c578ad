package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
)

// Column describes one column of a live table.
type Column struct {
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Nullable bool    `json:"nullable"`
	Key      string  `json:"key,omitempty"`
	Default  *string `json:"default,omitempty"`
}

// Inspector reads the schema of the connected database.
type Inspector interface {
	Tables(ctx context.Context) ([]string, error)
	Columns(ctx context.Context, table string) ([]Column, error)
}

// ErrInvalidTableName is returned for table names that are not plain
// identifiers.
var ErrInvalidTableName = errors.New("invalid table name")

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

// Inspector returns the schema inspector for the backend.
func (db *DB) Inspector() Inspector {
	switch db.dialect {
	case Postgres:
		return postgresInspector{db: db.DB}
	case SQLite:
		return sqliteInspector{db: db.DB}
	default:
		return mysqlInspector{db: db.DB}
	}
}

type mysqlInspector struct {
	db *sql.DB
}

func (i mysqlInspector) Tables(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, i.db, "SHOW TABLES")
}

func (i mysqlInspector) Columns(ctx context.Context, table string) ([]Column, error) {
	if !identifierPattern.MatchString(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTableName, table)
	}
	rows, err := i.db.QueryContext(ctx, fmt.Sprintf("SHOW COLUMNS FROM `%s`", table))
	if err != nil {
		return nil, fmt.Errorf("show columns: %w", err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var (
			c                column
			null, key, extra sql.NullString
		)
		if err := rows.Scan(&c.name, &c.typ, &null, &key, &c.def, &extra); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		cols = append(cols, c.build(null.String == "YES", key.String))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	return cols, nil
}

type postgresInspector struct {
	db *sql.DB
}

func (i postgresInspector) Tables(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, i.db, `SELECT table_name FROM information_schema.tables
WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
ORDER BY table_name`)
}

const postgresColumnsQuery = `SELECT c.column_name, c.data_type, c.is_nullable,
	CASE WHEN EXISTS (
		SELECT 1 FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage k
			ON tc.constraint_name = k.constraint_name AND tc.table_schema = k.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY'
			AND k.table_schema = c.table_schema
			AND k.table_name = c.table_name
			AND k.column_name = c.column_name
	) THEN 'PRI' ELSE '' END,
	c.column_default
FROM information_schema.columns c
WHERE c.table_schema = current_schema() AND c.table_name = $1
ORDER BY c.ordinal_position`

func (i postgresInspector) Columns(ctx context.Context, table string) ([]Column, error) {
	rows, err := i.db.QueryContext(ctx, postgresColumnsQuery, table)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var (
			c         column
			null, key string
		)
		if err := rows.Scan(&c.name, &c.typ, &null, &key, &c.def); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		cols = append(cols, c.build(null == "YES", key))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	return cols, nil
}

type sqliteInspector struct {
	db *sql.DB
}

func (i sqliteInspector) Tables(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, i.db,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
}

func (i sqliteInspector) Columns(ctx context.Context, table string) ([]Column, error) {
	rows, err := i.db.QueryContext(ctx,
		`SELECT name, type, "notnull", pk, dflt_value FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, fmt.Errorf("table info: %w", err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var (
			c           column
			notNull, pk int
		)
		if err := rows.Scan(&c.name, &c.typ, &notNull, &pk, &c.def); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		key := ""
		if pk > 0 {
			key = "PRI"
		}
		cols = append(cols, c.build(notNull == 0, key))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	return cols, nil
}

// column holds the fields every backend scans.
type column struct {
	name, typ string
	def       sql.NullString
}

func (c column) build(nullable bool, key string) Column {
	out := Column{Name: c.name, Type: c.typ, Nullable: nullable, Key: key}
	if c.def.Valid {
		def := c.def.String
		out.Default = &def
	}
	return out
}

func queryStrings(ctx context.Context, db *sql.DB, query string) ([]string, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read tables: %w", err)
	}
	return out, nil
}
