package sqlguard

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/butler/internal/auth"
)

// callerRoles returns the caller's roles, or defaultRole for anonymous
// callers.
func callerRoles(ctx context.Context, defaultRole string) []string {
	roles := auth.RolesFromContext(ctx)
	if len(roles) == 0 && defaultRole != "" {
		return []string{defaultRole}
	}
	return roles
}

// StaticSource serves role policies held in memory, typically from the
// config file. A caller's policy is the union of its roles' policies.
type StaticSource struct {
	mu          sync.RWMutex
	roles       map[string]Policy
	defaultRole string
}

// NewStaticSource returns a source over roles.
func NewStaticSource(roles map[string]Policy, defaultRole string) *StaticSource {
	s := &StaticSource{}
	s.Update(roles, defaultRole)
	return s
}

// Update replaces the role policies.
func (s *StaticSource) Update(roles map[string]Policy, defaultRole string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles = roles
	s.defaultRole = defaultRole
}

// Policy implements PolicySource.
func (s *StaticSource) Policy(ctx context.Context) (Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Policy{}
	for _, role := range callerRoles(ctx, s.defaultRole) {
		if p, ok := s.roles[role]; ok {
			out = out.Merge(p)
		}
	}
	return out, nil
}

// DefaultGrantsTable is the table SQLSource reads grants from.
const DefaultGrantsTable = "butler_grants"

// SQLSource reads role grants from a database table with the columns
// role, table_name, column_name, actions and description. Rows with a NULL
// column_name grant table actions; the others grant column actions.
type SQLSource struct {
	db          *sql.DB
	table       string
	dialect     string
	defaultRole string
}

// NewSQLSource returns a source over db. dialect selects the placeholder
// style ("postgres" uses $n).
func NewSQLSource(db *sql.DB, dialect, table, defaultRole string) *SQLSource {
	if table == "" {
		table = DefaultGrantsTable
	}
	return &SQLSource{db: db, table: table, dialect: dialect, defaultRole: defaultRole}
}

// EnsureSchema creates the grants table when it does not exist.
func (s *SQLSource) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	role VARCHAR(128) NOT NULL,
	table_name VARCHAR(128) NOT NULL,
	column_name VARCHAR(128),
	actions VARCHAR(64) NOT NULL,
	description TEXT
)`, s.table))
	if err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

func (s *SQLSource) placeholder(i int) string {
	if s.dialect == "postgres" {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// Policy implements PolicySource.
func (s *SQLSource) Policy(ctx context.Context) (Policy, error) {
	roles := callerRoles(ctx, s.defaultRole)
	if len(roles) == 0 {
		return Policy{}, nil
	}
	roles = append([]string(nil), roles...)
	sort.Strings(roles)

	marks := make([]string, len(roles))
	args := make([]any, len(roles))
	for i, role := range roles {
		marks[i] = s.placeholder(i + 1)
		args[i] = role
	}
	query := fmt.Sprintf(
		"SELECT table_name, column_name, actions, description FROM %s WHERE role IN (%s)",
		s.table, strings.Join(marks, ", "),
	)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query grants: %w", err)
	}
	defer rows.Close()

	policy := Policy{}
	for rows.Next() {
		var (
			table, actions      string
			column, description sql.NullString
		)
		if err := rows.Scan(&table, &column, &actions, &description); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		parsed, err := ParseActions(actions)
		if err != nil {
			return nil, fmt.Errorf("grant on %s: %w", table, err)
		}

		tp := policy[table]
		if column.Valid && column.String != "" {
			if tp.Columns == nil {
				tp.Columns = make(map[string]ColumnPolicy)
			}
			cp := tp.Columns[column.String]
			cp.Actions = cp.Actions.union(parsed)
			if cp.Description == "" {
				cp.Description = description.String
			}
			tp.Columns[column.String] = cp
		} else {
			tp.Actions = tp.Actions.union(parsed)
			if tp.Description == "" {
				tp.Description = description.String
			}
		}
		policy[table] = tp
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read grants: %w", err)
	}
	return policy, nil
}
