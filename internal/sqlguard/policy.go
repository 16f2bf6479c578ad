// Package sqlguard authorizes SQL statements against per-table and
// per-column capability policies before they reach the database.
package sqlguard

import (
	"fmt"
	"sort"
	"strings"
)

// Action is an operation a statement performs on a table or column.
type Action string

const (
	ActionSelect Action = "select"
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionSelect, ActionInsert, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// ColumnScoped reports whether column permissions apply to a. Inserts and
// deletes are authorized on the table alone.
func (a Action) ColumnScoped() bool {
	return a == ActionSelect || a == ActionUpdate
}

// Actions is a set of permitted actions.
type Actions []Action

// Allows reports whether a is in the set.
func (as Actions) Allows(a Action) bool {
	for _, x := range as {
		if x == a {
			return true
		}
	}
	return false
}

func (as Actions) union(other Actions) Actions {
	out := append(Actions(nil), as...)
	for _, a := range other {
		if !out.Allows(a) {
			out = append(out, a)
		}
	}
	return out
}

// ParseActions parses a comma separated action list such as
// "select,update". Blank entries are ignored.
func ParseActions(s string) (Actions, error) {
	var out Actions
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		a := Action(part)
		if !a.Valid() {
			return nil, fmt.Errorf("unknown action %q", part)
		}
		if !out.Allows(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

// ColumnPolicy lists what a caller may do with one column.
type ColumnPolicy struct {
	Actions     Actions `yaml:"actions" json:"supportedActions"`
	Type        string  `yaml:"type,omitempty" json:"type,omitempty"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
}

// TablePolicy lists what a caller may do with one table and its columns.
type TablePolicy struct {
	Actions     Actions                 `yaml:"actions" json:"supportedActions"`
	Description string                  `yaml:"description,omitempty" json:"description,omitempty"`
	Columns     map[string]ColumnPolicy `yaml:"columns,omitempty" json:"-"`
}

// Policy maps table names to their capabilities. Tables absent from the
// policy are inaccessible.
type Policy map[string]TablePolicy

// Validate checks that every action is known and that column policies only
// grant column-scoped actions.
func (p Policy) Validate() error {
	for table, tp := range p {
		for _, a := range tp.Actions {
			if !a.Valid() {
				return fmt.Errorf("table %s: unknown action %q", table, a)
			}
		}
		for column, cp := range tp.Columns {
			for _, a := range cp.Actions {
				if !a.ColumnScoped() {
					return fmt.Errorf("table %s column %s: action %q is not allowed on columns", table, column, a)
				}
			}
		}
	}
	return nil
}

// Merge returns the union of p and other. Actions accumulate; column type
// and description come from whichever side defines them first.
func (p Policy) Merge(other Policy) Policy {
	out := make(Policy, len(p)+len(other))
	for name, tp := range p {
		out[name] = tp.clone()
	}
	for name, tp := range other {
		cur, ok := out[name]
		if !ok {
			out[name] = tp.clone()
			continue
		}
		cur.Actions = cur.Actions.union(tp.Actions)
		if cur.Description == "" {
			cur.Description = tp.Description
		}
		for col, cp := range tp.Columns {
			if cur.Columns == nil {
				cur.Columns = make(map[string]ColumnPolicy)
			}
			existing, ok := cur.Columns[col]
			if !ok {
				cur.Columns[col] = cp
				continue
			}
			existing.Actions = existing.Actions.union(cp.Actions)
			if existing.Type == "" {
				existing.Type = cp.Type
			}
			if existing.Description == "" {
				existing.Description = cp.Description
			}
			cur.Columns[col] = existing
		}
		out[name] = cur
	}
	return out
}

func (tp TablePolicy) clone() TablePolicy {
	out := tp
	out.Actions = append(Actions(nil), tp.Actions...)
	if tp.Columns != nil {
		out.Columns = make(map[string]ColumnPolicy, len(tp.Columns))
		for k, v := range tp.Columns {
			v.Actions = append(Actions(nil), v.Actions...)
			out.Columns[k] = v
		}
	}
	return out
}

// TableInfo describes a table the caller may use.
type TableInfo struct {
	Name        string  `json:"name"`
	Actions     Actions `json:"supportedActions"`
	Description string  `json:"description,omitempty"`
}

// ColumnInfo describes a column of a table.
type ColumnInfo struct {
	Name        string  `json:"name"`
	Actions     Actions `json:"supportedActions"`
	Type        string  `json:"type,omitempty"`
	Description string  `json:"description,omitempty"`
}

// Tables lists the tables with at least one permitted action, sorted by
// name.
func (p Policy) Tables() []TableInfo {
	out := make([]TableInfo, 0, len(p))
	for name, tp := range p {
		if len(tp.Actions) == 0 {
			continue
		}
		out = append(out, TableInfo{Name: name, Actions: tp.Actions, Description: tp.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Columns lists the column policies of table, sorted by name. ok is false
// when the policy declares no columns for the table.
func (p Policy) Columns(table string) (cols []ColumnInfo, ok bool) {
	tp, found := p[table]
	if !found || len(tp.Columns) == 0 {
		return nil, false
	}
	for name, cp := range tp.Columns {
		cols = append(cols, ColumnInfo{Name: name, Actions: cp.Actions, Type: cp.Type, Description: cp.Description})
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })
	return cols, true
}
