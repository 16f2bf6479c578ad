// Package database exposes the SQL backend to the model as tools. Every
// statement is authorized against the caller's policy before it runs.
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/butler/internal/agent"
	sqldb "github.com/haasonsaas/butler/internal/database"
	"github.com/haasonsaas/butler/internal/sqlguard"
)

// Tool names.
const (
	QueryToolName        = "query_db"
	TableNamesToolName   = "get_db_table_names"
	TableColumnsToolName = "get_db_table_columns"
)

// Config wires the database tools. Inspector is optional; without it,
// columns come from the policy alone.
type Config struct {
	Checker   *sqlguard.Checker
	Inspector sqldb.Inspector
}

// Register adds query_db, get_db_table_names and get_db_table_columns to
// registry.
func Register(registry *agent.ToolRegistry, cfg Config) error {
	if cfg.Checker == nil {
		return errors.New("database tools: checker is required")
	}
	defs := []agent.ToolDefinition{
		NewQueryTool(cfg.Checker).Definition(),
		NewTableNamesTool(cfg.Checker).Definition(),
		NewTableColumnsTool(cfg.Checker, cfg.Inspector).Definition(),
	}
	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// QueryTool runs authorized SQL.
type QueryTool struct {
	checker *sqlguard.Checker
}

func NewQueryTool(checker *sqlguard.Checker) *QueryTool {
	return &QueryTool{checker: checker}
}

func (t *QueryTool) Name() string { return QueryToolName }

func (t *QueryTool) Description() string {
	return "Query the database. Only actions supported by the table can be performed. " +
		"Inserts and deletes need no column permissions; selects and updates may only use columns that support the action."
}

func (t *QueryTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": { "type": "string", "description": "The SQL query to execute" }
  },
  "required": ["query"]
}`)
}

// Execute returns denials and parse failures as plain text so the model
// can correct the statement.
func (t *QueryTool) Execute(ctx context.Context, params json.RawMessage) (any, error) {
	var input struct {
		Query string `json:"query"`
	}
	if err := agent.DecodeArguments(params, &input); err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.Query) == "" {
		return "Query is required", nil
	}

	result, err := t.checker.ExecuteSQL(ctx, input.Query)
	switch {
	case err == nil:
		return result, nil
	case sqlguard.IsDenial(err):
		return err.Error(), nil
	case errors.Is(err, sqlguard.ErrUnparseable):
		return fmt.Sprintf("Unable to parse SQL: %s", input.Query), nil
	case errors.Is(err, sqlguard.ErrUnsupportedStatement):
		return "Only SELECT, INSERT, UPDATE and DELETE statements are supported", nil
	}
	return nil, err
}

func (t *QueryTool) Definition() agent.ToolDefinition {
	return agent.ToolDefinition{Name: t.Name(), Description: t.Description(), Parameters: t.Schema(), Execute: t.Execute}
}

// TableNamesTool lists the tables the caller may act on.
type TableNamesTool struct {
	checker *sqlguard.Checker
}

func NewTableNamesTool(checker *sqlguard.Checker) *TableNamesTool {
	return &TableNamesTool{checker: checker}
}

func (t *TableNamesTool) Name() string { return TableNamesToolName }

func (t *TableNamesTool) Description() string {
	return "Get the database tables description."
}

func (t *TableNamesTool) Execute(ctx context.Context, _ json.RawMessage) (any, error) {
	policy, err := t.checker.Policy(ctx)
	if err != nil {
		return nil, err
	}
	return policy.Tables(), nil
}

func (t *TableNamesTool) Definition() agent.ToolDefinition {
	return agent.ToolDefinition{Name: t.Name(), Description: t.Description(), Execute: t.Execute}
}

// TableColumnsTool describes the columns of one table.
type TableColumnsTool struct {
	checker   *sqlguard.Checker
	inspector sqldb.Inspector
}

func NewTableColumnsTool(checker *sqlguard.Checker, inspector sqldb.Inspector) *TableColumnsTool {
	return &TableColumnsTool{checker: checker, inspector: inspector}
}

func (t *TableColumnsTool) Name() string { return TableColumnsToolName }

func (t *TableColumnsTool) Description() string {
	return "Get the database table columns"
}

func (t *TableColumnsTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "table_name": { "type": "string", "description": "The table name" }
  },
  "required": ["table_name"]
}`)
}

// Execute prefers the columns declared in the policy. Tables without
// column grants are described from the live schema with no supported
// actions, matching what the checker enforces.
func (t *TableColumnsTool) Execute(ctx context.Context, params json.RawMessage) (any, error) {
	var input struct {
		TableName string `json:"table_name"`
	}
	if err := agent.DecodeArguments(params, &input); err != nil {
		return nil, err
	}
	if input.TableName == "" {
		return "Table name is required", nil
	}

	policy, err := t.checker.Policy(ctx)
	if err != nil {
		return nil, err
	}
	tp, ok := policy[input.TableName]
	if !ok || len(tp.Actions) == 0 {
		return fmt.Sprintf("Table %s not found", input.TableName), nil
	}
	if cols, ok := policy.Columns(input.TableName); ok {
		return cols, nil
	}
	if t.inspector == nil {
		return []sqlguard.ColumnInfo{}, nil
	}

	live, err := t.inspector.Columns(ctx, input.TableName)
	if err != nil {
		return nil, err
	}
	// Live columns are listed for orientation only. Without column grants
	// none of them may be read or updated.
	cols := make([]sqlguard.ColumnInfo, 0, len(live))
	for _, c := range live {
		cols = append(cols, sqlguard.ColumnInfo{Name: c.Name, Type: c.Type})
	}
	return cols, nil
}

func (t *TableColumnsTool) Definition() agent.ToolDefinition {
	return agent.ToolDefinition{Name: t.Name(), Description: t.Description(), Parameters: t.Schema(), Execute: t.Execute}
}
