package sqlguard

import (
	"context"
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		query   string
		want    string
	}{
		{"mysql unchanged", DialectMySQL, `SELECT "x" FROM t # c`, `SELECT "x" FROM t # c`},
		{"empty is mysql", "", `SELECT "x"`, `SELECT "x"`},
		{
			"postgres quoting and comments", DialectPostgres,
			`SELECT "a""b", 'it''s \ ok' FROM T -- c`,
			"select `a\"b`, 'it''s \\\\ ok' from t  ",
		},
		{"postgres nested comment", DialectPostgres, `SELECT 1 /* a /* b */ c */ FROM t`, "select 1   from t"},
		{"sqlite keeps case", DialectSQLite, "SELECT \"Name\", `a``b` FROM T", "SELECT `Name`, `a``b` FROM T"},
		{"sqlite flat comment", DialectSQLite, `SELECT 1 /* a /* b */ FROM t`, "SELECT 1   FROM t"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalize(tt.query, tt.dialect)
			if err != nil {
				t.Fatalf("normalize() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("normalize() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeRejects(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		query   string
	}{
		{"hash operator", DialectPostgres, `SELECT id # "password" FROM "user"`},
		{"double slash", DialectSQLite, `SELECT id // x FROM t`},
		{"dollar quoting", DialectPostgres, `SELECT $$x$$ FROM t`},
		{"escape string", DialectPostgres, `SELECT id FROM t WHERE name = E'\'' OR "password" = ''`},
		{"unicode escape", DialectPostgres, `SELECT U&"d\0061ta" FROM t`},
		{"bracket identifier", DialectSQLite, `SELECT [password] FROM t`},
		{"backtick in postgres", DialectPostgres, "SELECT `id` FROM t"},
		{"empty identifier", DialectPostgres, `SELECT "" FROM t`},
		{"unterminated string", DialectSQLite, `SELECT 'x FROM t`},
		{"unterminated identifier", DialectPostgres, `SELECT "x FROM t`},
		{"unterminated comment", DialectPostgres, `SELECT 1 /* /* */ FROM t`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := normalize(tt.query, tt.dialect); !errors.Is(err, ErrUnparseable) {
				t.Errorf("normalize() error = %v, want ErrUnparseable", err)
			}
		})
	}
}

func TestAuthorizeDialect(t *testing.T) {
	const denied = "Not permitted to select column password in table user"
	tests := []struct {
		name    string
		dialect Dialect
		query   string
		want    string // empty when allowed
	}{
		{"postgres quoted column", DialectPostgres, `SELECT "password" FROM "user"`, denied},
		{"postgres quoted column in where", DialectPostgres, `SELECT id FROM "user" WHERE "password" = 'x'`, denied},
		{"postgres backslash does not escape", DialectPostgres, `SELECT id FROM "user" WHERE name = 'a\' OR "password" = ''`, denied},
		{"postgres permitted", DialectPostgres, `SELECT "id", name FROM "user"`, ""},
		{"postgres folds unquoted", DialectPostgres, `SELECT ID, Name FROM "user"`, ""},
		{"postgres commented column", DialectPostgres, "SELECT id -- \"password\"\nFROM \"user\"", ""},
		{"sqlite quoted column", DialectSQLite, `SELECT "password" FROM "user"`, denied},
		{"sqlite backtick column", DialectSQLite, "SELECT `password` FROM `user`", denied},
		{"mysql double quotes are strings", DialectMySQL, "SELECT id FROM `user` WHERE name = \"password\"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := AuthorizeDialect(tt.query, testPolicy(), tt.dialect)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("AuthorizeDialect() error = %v, want nil", err)
				}
				return
			}
			if !IsDenial(err) || err.Error() != tt.want {
				t.Errorf("AuthorizeDialect() = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestAuthorizeDialectUnknown(t *testing.T) {
	if err := AuthorizeDialect("SELECT 1", testPolicy(), "oracle"); !errors.Is(err, ErrUnparseable) {
		t.Errorf("error = %v, want ErrUnparseable", err)
	}
}

func TestCheckerUsesDialect(t *testing.T) {
	exec := &recordingExecutor{}
	c, err := NewChecker(CheckerConfig{
		Source:   NewStaticSource(map[string]Policy{"reader": testPolicy()}, "reader"),
		Executor: exec,
		Dialect:  DialectPostgres,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if _, err := c.ExecuteSQL(ctx, `SELECT "password" FROM "user"`); !IsDenial(err) {
		t.Fatalf("ExecuteSQL() error = %v, want denial", err)
	}
	if _, err := c.ExecuteSQL(ctx, `SELECT "name" FROM "user"`); err != nil {
		t.Fatalf("ExecuteSQL() error = %v", err)
	}
	// The backend receives the statement as written.
	if len(exec.queries) != 1 || exec.queries[0] != `SELECT "name" FROM "user"` {
		t.Errorf("executed = %q", exec.queries)
	}

	access, err := c.Extract(`SELECT "email" FROM "user"`)
	if err != nil {
		t.Fatal(err)
	}
	if len(access.Columns) != 1 || access.Columns[0].Column != "email" {
		t.Errorf("access = %+v", access)
	}

	if _, err := NewChecker(CheckerConfig{Source: c.source, Dialect: "oracle"}); err == nil {
		t.Error("expected error for unknown dialect")
	}
}
