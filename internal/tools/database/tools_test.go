package database

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/haasonsaas/butler/internal/agent"
	sqldb "github.com/haasonsaas/butler/internal/database"
	"github.com/haasonsaas/butler/internal/sqlguard"
	"github.com/haasonsaas/butler/pkg/models"
)

type fakeExecutor struct {
	queries []string
	err     error
}

func (f *fakeExecutor) Execute(_ context.Context, query string) (any, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return &sqldb.QueryResult{Rows: []map[string]any{{"id": int64(1), "name": "ada"}}}, nil
}

type fakeInspector struct {
	columns map[string][]sqldb.Column
}

func (f fakeInspector) Tables(context.Context) ([]string, error) {
	var out []string
	for name := range f.columns {
		out = append(out, name)
	}
	return out, nil
}

func (f fakeInspector) Columns(_ context.Context, table string) ([]sqldb.Column, error) {
	cols, ok := f.columns[table]
	if !ok {
		return nil, errors.New("no such table")
	}
	return cols, nil
}

func testPolicy() sqlguard.Policy {
	return sqlguard.Policy{
		"users": {
			Actions:     sqlguard.Actions{sqlguard.ActionSelect, sqlguard.ActionDelete},
			Description: "Registered users",
			Columns: map[string]sqlguard.ColumnPolicy{
				"id":       {Actions: sqlguard.Actions{sqlguard.ActionSelect}, Type: "int"},
				"name":     {Actions: sqlguard.Actions{sqlguard.ActionSelect}, Type: "varchar"},
				"password": {Type: "varchar"},
			},
		},
		"events": {Actions: sqlguard.Actions{sqlguard.ActionSelect, sqlguard.ActionInsert, sqlguard.ActionUpdate}},
		"hidden": {},
	}
}

func newRegistry(t *testing.T, exec sqlguard.Executor) *agent.ToolRegistry {
	t.Helper()
	checker, err := sqlguard.NewChecker(sqlguard.CheckerConfig{
		Source:   sqlguard.NewStaticSource(map[string]sqlguard.Policy{"analyst": testPolicy()}, "analyst"),
		Executor: exec,
	})
	if err != nil {
		t.Fatal(err)
	}
	registry := agent.NewToolRegistry()
	inspector := fakeInspector{columns: map[string][]sqldb.Column{
		"events": {{Name: "id", Type: "bigint"}, {Name: "kind", Type: "text", Nullable: true}},
	}}
	if err := Register(registry, Config{Checker: checker, Inspector: inspector}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return registry
}

func call(name, args string) models.ToolCall {
	return models.ToolCall{ID: "call_1", Kind: models.ToolCallFunction, Name: name, Arguments: args}
}

func TestRegister(t *testing.T) {
	registry := newRegistry(t, &fakeExecutor{})
	var names []string
	for _, def := range registry.Tools() {
		names = append(names, def.Name)
	}
	want := []string{QueryToolName, TableNamesToolName, TableColumnsToolName}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("tools = %v, want %v", names, want)
	}
	if err := Register(agent.NewToolRegistry(), Config{}); err == nil {
		t.Error("expected error without a checker")
	}
}

func TestQueryTool(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		want     any
		executed bool
	}{
		{
			name:     "permitted",
			query:    "SELECT id, name FROM users",
			want:     &sqldb.QueryResult{Rows: []map[string]any{{"id": int64(1), "name": "ada"}}},
			executed: true,
		},
		{name: "forbidden column", query: "SELECT password FROM users", want: "Not permitted to select column password in table users"},
		{name: "forbidden table action", query: "INSERT INTO users (name) VALUES ('x')", want: "Not permitted to insert table users"},
		{name: "unparseable", query: "SELEC nothing", want: "Unable to parse SQL: SELEC nothing"},
		{name: "unsupported", query: "DROP TABLE users", want: "Only SELECT, INSERT, UPDATE and DELETE statements are supported"},
		{name: "blank", query: "   ", want: "Query is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExecutor{}
			registry := newRegistry(t, exec)
			args, _ := json.Marshal(map[string]string{"query": tt.query})

			got := registry.Execute(context.Background(), call(QueryToolName, string(args)))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("result = %#v, want %#v", got, tt.want)
			}
			if (len(exec.queries) == 1) != tt.executed {
				t.Errorf("executed = %v", exec.queries)
			}
		})
	}
}

func TestQueryToolBackendError(t *testing.T) {
	registry := newRegistry(t, &fakeExecutor{err: errors.New("connection refused")})
	got := registry.Execute(context.Background(), call(QueryToolName, `{"query":"SELECT id FROM users"}`))
	if got != "Error executing tool query_db: connection refused" {
		t.Errorf("result = %#v", got)
	}
}

func TestTableNamesTool(t *testing.T) {
	registry := newRegistry(t, &fakeExecutor{})
	got := registry.Execute(context.Background(), call(TableNamesToolName, ""))
	tables, ok := got.([]sqlguard.TableInfo)
	if !ok {
		t.Fatalf("result = %#v", got)
	}
	if len(tables) != 2 || tables[0].Name != "events" || tables[1].Name != "users" {
		t.Errorf("tables = %+v", tables)
	}
	if tables[1].Description != "Registered users" {
		t.Errorf("description = %q", tables[1].Description)
	}
}

func TestTableColumnsTool(t *testing.T) {
	registry := newRegistry(t, &fakeExecutor{})
	ctx := context.Background()

	got := registry.Execute(ctx, call(TableColumnsToolName, `{"table_name":"users"}`))
	cols, ok := got.([]sqlguard.ColumnInfo)
	if !ok || len(cols) != 3 || cols[0].Name != "id" || cols[2].Name != "password" {
		t.Errorf("users columns = %#v", got)
	}

	got = registry.Execute(ctx, call(TableColumnsToolName, `{"table_name":"events"}`))
	want := []sqlguard.ColumnInfo{
		{Name: "id", Type: "bigint"},
		{Name: "kind", Type: "text"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("events columns = %#v, want %#v", got, want)
	}

	for _, table := range []string{"hidden", "missing"} {
		got = registry.Execute(ctx, call(TableColumnsToolName, `{"table_name":"`+table+`"}`))
		if got != "Table "+table+" not found" {
			t.Errorf("%s result = %#v", table, got)
		}
	}
}

func TestTableColumnsToolWithoutInspector(t *testing.T) {
	checker, err := sqlguard.NewChecker(sqlguard.CheckerConfig{
		Source: sqlguard.NewStaticSource(map[string]sqlguard.Policy{"analyst": testPolicy()}, "analyst"),
	})
	if err != nil {
		t.Fatal(err)
	}
	tool := NewTableColumnsTool(checker, nil)
	got, err := tool.Execute(context.Background(), json.RawMessage(`{"table_name":"events"}`))
	if err != nil {
		t.Fatal(err)
	}
	if cols, ok := got.([]sqlguard.ColumnInfo); !ok || len(cols) != 0 {
		t.Errorf("result = %#v", got)
	}
}
