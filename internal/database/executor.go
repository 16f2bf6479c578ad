package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode"
)

// ExecResult is returned for statements that produce no rows.
type ExecResult struct {
	AffectedRows int64 `json:"affectedRows"`
	InsertID     int64 `json:"insertId,omitempty"`
}

// QueryResult is returned for statements that produce rows.
type QueryResult struct {
	Rows      []map[string]any `json:"rows"`
	Truncated bool             `json:"truncated,omitempty"`
}

var rowStatements = map[string]bool{
	"SELECT":   true,
	"WITH":     true,
	"SHOW":     true,
	"DESCRIBE": true,
	"DESC":     true,
	"EXPLAIN":  true,
	"VALUES":   true,
	"TABLE":    true,
	"PRAGMA":   true,
}

// returnsRows reports whether query produces a result set.
func returnsRows(query string) bool {
	q := strings.TrimLeftFunc(query, func(r rune) bool {
		return unicode.IsSpace(r) || r == '('
	})
	end := strings.IndexFunc(q, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	if end >= 0 {
		q = q[:end]
	}
	if rowStatements[strings.ToUpper(q)] {
		return true
	}
	return strings.Contains(strings.ToUpper(query), " RETURNING ")
}

// Execute runs query unchanged. Row-producing statements return a
// *QueryResult, others an *ExecResult.
func (db *DB) Execute(ctx context.Context, query string) (any, error) {
	ctx, span := db.tracer.TraceDatabaseQuery(ctx, string(db.dialect))
	defer span.End()

	var (
		result any
		err    error
	)
	if returnsRows(query) {
		result, err = db.query(ctx, query)
	} else {
		result, err = db.exec(ctx, query)
	}
	if err != nil {
		db.tracer.RecordError(span, err)
		return nil, err
	}
	return result, nil
}

func (db *DB) exec(ctx context.Context, query string) (*ExecResult, error) {
	res, err := db.ExecContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}
	out := &ExecResult{}
	if n, err := res.RowsAffected(); err == nil {
		out.AffectedRows = n
	}
	// PostgreSQL does not report insert ids.
	if id, err := res.LastInsertId(); err == nil {
		out.InsertID = id
	}
	return out, nil
}

func (db *DB) query(ctx context.Context, query string) (*QueryResult, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	out := &QueryResult{Rows: []map[string]any{}}
	for rows.Next() {
		if len(out.Rows) >= db.maxRows {
			out.Truncated = true
			break
		}
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalize(values[i])
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

// normalize converts driver values into JSON friendly ones.
func normalize(v any) any {
	switch v := v.(type) {
	case []byte:
		return string(v)
	case sql.RawBytes:
		return string(v)
	}
	return v
}
