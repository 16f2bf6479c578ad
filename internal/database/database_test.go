package database

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestParseDialect(t *testing.T) {
	tests := []struct {
		in      string
		want    Dialect
		wantErr bool
	}{
		{"", MySQL, false},
		{"MySQL", MySQL, false},
		{"postgresql", Postgres, false},
		{"sqlite3", SQLite, false},
		{"oracle", "", true},
	}
	for _, tt := range tests {
		got, err := ParseDialect(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseDialect(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestOpenValidation(t *testing.T) {
	ctx := context.Background()
	if _, err := Open(ctx, Config{Driver: "sqlite"}); err == nil {
		t.Error("expected error for missing url")
	}
	if _, err := Open(ctx, Config{Driver: "oracle", URL: "x"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestReturnsRows(t *testing.T) {
	tests := []struct {
		query string
		want  bool
	}{
		{"SELECT 1", true},
		{"  select id from users", true},
		{"(SELECT 1) UNION (SELECT 2)", true},
		{"WITH x AS (SELECT 1) SELECT * FROM x", true},
		{"SHOW TABLES", true},
		{"INSERT INTO users (name) VALUES ('a')", false},
		{"INSERT INTO users (name) VALUES ('a') RETURNING id", true},
		{"UPDATE users SET name = 'b'", false},
		{"DELETE FROM users", false},
	}
	for _, tt := range tests {
		if got := returnsRows(tt.query); got != tt.want {
			t.Errorf("returnsRows(%q) = %v, want %v", tt.query, got, tt.want)
		}
	}
}

func TestExecuteQuery(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer sqlDB.Close()
	db := New(sqlDB, MySQL, 2)

	mock.ExpectQuery("SELECT id, name FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(1), "ada").
			AddRow(int64(2), []byte("grace")).
			AddRow(int64(3), "linus"))

	got, err := db.Execute(context.Background(), "SELECT id, name FROM users")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	res, ok := got.(*QueryResult)
	if !ok {
		t.Fatalf("result = %T", got)
	}
	if len(res.Rows) != 2 || !res.Truncated {
		t.Fatalf("rows = %v truncated = %v", res.Rows, res.Truncated)
	}
	if res.Rows[1]["id"] != int64(2) || res.Rows[1]["name"] != "grace" {
		t.Errorf("second row = %v", res.Rows[1])
	}
}

func TestExecuteStatement(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer sqlDB.Close()
	db := New(sqlDB, Postgres, 0)

	mock.ExpectExec("UPDATE users SET name").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM users").WillReturnError(errors.New("boom"))

	got, err := db.Execute(context.Background(), "UPDATE users SET name = 'x'")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res, ok := got.(*ExecResult); !ok || res.AffectedRows != 3 {
		t.Errorf("result = %#v", got)
	}

	if _, err := db.Execute(context.Background(), "DELETE FROM users"); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{Driver: "sqlite", URL: ":memory:", MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	if _, err := db.Execute(ctx, "CREATE TABLE people (id INTEGER PRIMARY KEY, name TEXT NOT NULL, nickname TEXT DEFAULT 'none')"); err != nil {
		t.Fatal(err)
	}
	got, err := db.Execute(ctx, "INSERT INTO people (name) VALUES ('ada')")
	if err != nil {
		t.Fatal(err)
	}
	if res := got.(*ExecResult); res.AffectedRows != 1 || res.InsertID != 1 {
		t.Errorf("insert result = %+v", res)
	}

	got, err = db.Execute(ctx, "SELECT id, name FROM people")
	if err != nil {
		t.Fatal(err)
	}
	rows := got.(*QueryResult).Rows
	if len(rows) != 1 || rows[0]["name"] != "ada" {
		t.Errorf("rows = %v", rows)
	}

	inspector := db.Inspector()
	tables, err := inspector.Tables(ctx)
	if err != nil || len(tables) != 1 || tables[0] != "people" {
		t.Fatalf("Tables() = %v, %v", tables, err)
	}
	cols, err := inspector.Columns(ctx, "people")
	if err != nil {
		t.Fatal(err)
	}
	if len(cols) != 3 {
		t.Fatalf("Columns() = %+v", cols)
	}
	if cols[0].Name != "id" || cols[0].Key != "PRI" {
		t.Errorf("id column = %+v", cols[0])
	}
	if cols[1].Nullable || cols[1].Type != "TEXT" {
		t.Errorf("name column = %+v", cols[1])
	}
	if cols[2].Default == nil || *cols[2].Default != "'none'" {
		t.Errorf("nickname column = %+v", cols[2])
	}
}
