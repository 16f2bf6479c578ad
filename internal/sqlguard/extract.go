package sqlguard

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xwb1989/sqlparser"
)

var (
	// ErrUnparseable is returned when a statement cannot be parsed.
	ErrUnparseable = errors.New("unparseable sql")

	// ErrUnsupportedStatement is returned for statements other than
	// SELECT, INSERT, UPDATE and DELETE.
	ErrUnsupportedStatement = errors.New("unsupported sql statement")
)

// Wildcard is the column name recorded for `*` and `t.*` select items.
const Wildcard = "*"

// TableAccess is one action a statement performs on a table.
type TableAccess struct {
	Action Action
	Table  string
}

// ColumnAccess is one action a statement performs on a column. Table is
// empty when the column could not be tied to a single table.
type ColumnAccess struct {
	Action Action
	Table  string
	Column string
}

// Access is everything a statement touches, in the order first referenced.
type Access struct {
	Tables  []TableAccess
	Columns []ColumnAccess
}

// Extract parses query and lists the tables and columns it accesses.
//
// Columns read while computing a statement (select lists, WHERE, ON, GROUP
// BY, HAVING, ORDER BY and the right-hand side of SET) are recorded as
// select accesses; SET targets as update accesses; INSERT column lists as
// insert accesses. Columns referenced by a DELETE's own clauses take the
// delete action. Subqueries always contribute select accesses.
//
// query is read with MySQL's lexical rules; see ExtractDialect.
func Extract(query string) (*Access, error) {
	return ExtractDialect(query, DialectMySQL)
}

// ExtractDialect is Extract for a statement written for dialect d.
func ExtractDialect(query string, d Dialect) (*Access, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("%w: unknown dialect %q", ErrUnparseable, d)
	}
	query, err := normalize(query, d)
	if err != nil {
		return nil, err
	}
	stmt, err := sqlparser.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	e := &extractor{
		seenTables:  make(map[TableAccess]struct{}),
		seenColumns: make(map[ColumnAccess]struct{}),
	}
	switch stmt := stmt.(type) {
	case sqlparser.SelectStatement:
		e.selectStatement(stmt, nil)
	case *sqlparser.Insert:
		e.insert(stmt)
	case *sqlparser.Update:
		e.update(stmt)
	case *sqlparser.Delete:
		e.delete(stmt)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedStatement, stmt)
	}
	return &e.access, nil
}

type extractor struct {
	access      Access
	seenTables  map[TableAccess]struct{}
	seenColumns map[ColumnAccess]struct{}
}

// scope holds the names visible to one query block.
type scope struct {
	parent *scope

	// entries are the FROM items in order. Derived tables have an empty
	// table name.
	entries []scopeEntry

	// outputs are select-list aliases, visible to GROUP BY, HAVING and
	// ORDER BY.
	outputs map[string]struct{}
}

type scopeEntry struct {
	name  string // alias, or the table name when unaliased
	table string
}

func (s *scope) add(name, table string) {
	s.entries = append(s.entries, scopeEntry{name: name, table: table})
}

// resolve maps a qualifier to a table, searching enclosing blocks.
func (s *scope) resolve(qualifier string) (table string, ok bool) {
	for cur := s; cur != nil; cur = cur.parent {
		for _, e := range cur.entries {
			if e.name == qualifier {
				return e.table, true
			}
		}
	}
	return "", false
}

// realTables lists the base tables of this block.
func (s *scope) realTables() []string {
	var out []string
	for _, e := range s.entries {
		if e.table != "" {
			out = append(out, e.table)
		}
	}
	return out
}

func (e *extractor) addTable(action Action, table string) {
	ta := TableAccess{Action: action, Table: table}
	if _, ok := e.seenTables[ta]; ok {
		return
	}
	e.seenTables[ta] = struct{}{}
	e.access.Tables = append(e.access.Tables, ta)
}

func (e *extractor) addColumn(action Action, table, column string) {
	ca := ColumnAccess{Action: action, Table: table, Column: column}
	if _, ok := e.seenColumns[ca]; ok {
		return
	}
	e.seenColumns[ca] = struct{}{}
	e.access.Columns = append(e.access.Columns, ca)
}

func (e *extractor) selectStatement(stmt sqlparser.SelectStatement, parent *scope) {
	switch stmt := stmt.(type) {
	case *sqlparser.Select:
		e.selectBlock(stmt, parent)
	case *sqlparser.Union:
		e.selectStatement(stmt.Left, parent)
		e.selectStatement(stmt.Right, parent)
		// ORDER BY of a union names output columns only.
	case *sqlparser.ParenSelect:
		e.selectStatement(stmt.Select, parent)
	}
}

func (e *extractor) selectBlock(sel *sqlparser.Select, parent *scope) {
	sc := &scope{parent: parent, outputs: make(map[string]struct{})}
	conds := e.from(sel.From, sc)
	for _, t := range sc.realTables() {
		e.addTable(ActionSelect, t)
	}

	for _, item := range sel.SelectExprs {
		switch item := item.(type) {
		case *sqlparser.StarExpr:
			table := ""
			if q := item.TableName.Name.String(); q != "" {
				table, _ = sc.resolve(q)
				if table == "" {
					table = q
				}
			} else if tables := sc.realTables(); len(tables) == 1 {
				table = tables[0]
			}
			e.addColumn(ActionSelect, table, Wildcard)
		case *sqlparser.AliasedExpr:
			e.walk(sc, ActionSelect, false, item.Expr)
			if !item.As.IsEmpty() {
				sc.outputs[item.As.String()] = struct{}{}
			}
		}
	}

	e.walk(sc, ActionSelect, false, conds...)
	if sel.Where != nil {
		e.walk(sc, ActionSelect, false, sel.Where.Expr)
	}
	e.walk(sc, ActionSelect, true, sel.GroupBy)
	if sel.Having != nil {
		e.walk(sc, ActionSelect, true, sel.Having.Expr)
	}
	e.walk(sc, ActionSelect, true, sel.OrderBy)
}

// from registers the FROM items of a block in sc and returns the join
// conditions, which may reference any of them.
func (e *extractor) from(exprs sqlparser.TableExprs, sc *scope) []sqlparser.SQLNode {
	var conds []sqlparser.SQLNode
	var visit func(sqlparser.TableExpr)
	visit = func(te sqlparser.TableExpr) {
		switch te := te.(type) {
		case *sqlparser.AliasedTableExpr:
			switch expr := te.Expr.(type) {
			case sqlparser.TableName:
				table := expr.Name.String()
				if expr.Qualifier.IsEmpty() && strings.EqualFold(table, "dual") {
					return
				}
				name := table
				if !te.As.IsEmpty() {
					name = te.As.String()
				}
				sc.add(name, table)
			case *sqlparser.Subquery:
				// Derived tables cannot see sibling FROM items.
				e.selectStatement(expr.Select, sc.parent)
				sc.add(te.As.String(), "")
			}
		case *sqlparser.ParenTableExpr:
			for _, inner := range te.Exprs {
				visit(inner)
			}
		case *sqlparser.JoinTableExpr:
			visit(te.LeftExpr)
			visit(te.RightExpr)
			if te.Condition.On != nil {
				conds = append(conds, te.Condition.On)
			}
			for _, col := range te.Condition.Using {
				conds = append(conds, &sqlparser.ColName{Name: col})
			}
		}
	}
	for _, te := range exprs {
		visit(te)
	}
	return conds
}

// walk records the columns referenced under nodes. Subqueries open a new
// block that can see sc. With outputs set, bare names matching a select
// alias are skipped.
func (e *extractor) walk(sc *scope, action Action, outputs bool, nodes ...sqlparser.SQLNode) {
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		switch node := node.(type) {
		case *sqlparser.ColName:
			if outputs && node.Qualifier.IsEmpty() {
				if _, ok := sc.outputs[node.Name.String()]; ok {
					return false, nil
				}
			}
			e.column(sc, action, node)
			return false, nil
		case *sqlparser.Subquery:
			e.selectStatement(node.Select, sc)
			return false, nil
		}
		return true, nil
	}, nodes...)
}

func (e *extractor) column(sc *scope, action Action, col *sqlparser.ColName) {
	name := col.Name.String()
	if q := col.Qualifier.Name.String(); q != "" {
		table, ok := sc.resolve(q)
		if !ok {
			table = q
		}
		if table == "" {
			// Output column of a derived table, checked inside it.
			return
		}
		e.addColumn(action, table, name)
		return
	}

	tables := sc.realTables()
	switch {
	case len(tables) == 1:
		e.addColumn(action, tables[0], name)
	case len(tables) == 0 && len(sc.entries) > 0:
		// Only derived tables in scope.
	default:
		e.addColumn(action, "", name)
	}
}

func (e *extractor) insert(ins *sqlparser.Insert) {
	table := ins.Table.Name.String()
	e.addTable(ActionInsert, table)
	for _, col := range ins.Columns {
		e.addColumn(ActionInsert, table, col.String())
	}

	sc := &scope{outputs: map[string]struct{}{}}
	sc.add(table, table)
	switch rows := ins.Rows.(type) {
	case sqlparser.Values:
		for _, tuple := range rows {
			e.walk(sc, ActionSelect, false, tuple)
		}
	case sqlparser.SelectStatement:
		e.selectStatement(rows, nil)
	}

	if len(ins.OnDup) > 0 {
		e.addTable(ActionUpdate, table)
		for _, ue := range ins.OnDup {
			e.addColumn(ActionUpdate, table, ue.Name.Name.String())
			e.walk(sc, ActionSelect, false, ue.Expr)
		}
	}
}

func (e *extractor) update(up *sqlparser.Update) {
	sc := &scope{outputs: map[string]struct{}{}}
	conds := e.from(up.TableExprs, sc)
	for _, t := range sc.realTables() {
		e.addTable(ActionUpdate, t)
	}
	for _, ue := range up.Exprs {
		e.column(sc, ActionUpdate, ue.Name)
		e.walk(sc, ActionSelect, false, ue.Expr)
	}
	e.walk(sc, ActionSelect, false, conds...)
	if up.Where != nil {
		e.walk(sc, ActionSelect, false, up.Where.Expr)
	}
	e.walk(sc, ActionSelect, false, up.OrderBy)
}

func (e *extractor) delete(del *sqlparser.Delete) {
	sc := &scope{outputs: map[string]struct{}{}}
	conds := e.from(del.TableExprs, sc)

	targets := make(map[string]struct{}, len(del.Targets))
	for _, t := range del.Targets {
		targets[t.Name.String()] = struct{}{}
	}
	for _, entry := range sc.entries {
		if entry.table == "" {
			continue
		}
		_, byName := targets[entry.name]
		_, byTable := targets[entry.table]
		if len(targets) == 0 || byName || byTable {
			e.addTable(ActionDelete, entry.table)
		} else {
			e.addTable(ActionSelect, entry.table)
		}
	}

	e.walk(sc, ActionDelete, false, conds...)
	if del.Where != nil {
		e.walk(sc, ActionDelete, false, del.Where.Expr)
	}
	e.walk(sc, ActionDelete, false, del.OrderBy)
}
