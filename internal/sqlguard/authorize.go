package sqlguard

import (
	"errors"
	"fmt"
)

// Denial explains why a statement was rejected. Its message is suitable for
// returning to the model as a tool result.
type Denial struct {
	Action Action
	Table  string
	Column string
	Reason string
}

func (d *Denial) Error() string {
	return d.Reason
}

// IsDenial reports whether err is an authorization denial.
func IsDenial(err error) bool {
	var d *Denial
	return errors.As(err, &d)
}

// Authorize parses query and checks it against policy. It returns nil when
// the statement may run, a *Denial when the policy forbids it, and an error
// wrapping ErrUnparseable or ErrUnsupportedStatement otherwise.
func Authorize(query string, policy Policy) error {
	return AuthorizeDialect(query, policy, DialectMySQL)
}

// AuthorizeDialect is Authorize for a statement written for dialect d.
func AuthorizeDialect(query string, policy Policy, d Dialect) error {
	access, err := ExtractDialect(query, d)
	if err != nil {
		return err
	}
	return AuthorizeAccess(access, policy)
}

// AuthorizeAccess checks an extracted access list against policy. Table
// checks run first, then column checks, each in reference order; the first
// failure is returned.
func AuthorizeAccess(access *Access, policy Policy) error {
	for _, ta := range access.Tables {
		tp, ok := policy[ta.Table]
		if !ok || !tp.Actions.Allows(ta.Action) {
			return &Denial{
				Action: ta.Action,
				Table:  ta.Table,
				Reason: fmt.Sprintf("Not permitted to %s table %s", ta.Action, ta.Table),
			}
		}
	}

	for _, ca := range access.Columns {
		if !ca.Action.ColumnScoped() {
			continue
		}
		if ca.Column == Wildcard {
			return &Denial{
				Action: ca.Action,
				Table:  ca.Table,
				Column: ca.Column,
				Reason: "Not permitted to use * in columns",
			}
		}
		if err := authorizeColumn(access, policy, ca); err != nil {
			return err
		}
	}
	return nil
}

// candidates lists the tables an access may refer to. A column without a
// table is matched against the tables the statement references with the
// same action, or against every referenced table when there are none.
func candidates(access *Access, ca ColumnAccess) []string {
	if ca.Table != "" {
		return []string{ca.Table}
	}
	var same, all []string
	seen := make(map[string]struct{})
	for _, ta := range access.Tables {
		if ta.Action == ca.Action {
			same = append(same, ta.Table)
		}
		if _, ok := seen[ta.Table]; !ok {
			seen[ta.Table] = struct{}{}
			all = append(all, ta.Table)
		}
	}
	if len(same) > 0 {
		return same
	}
	return all
}

func authorizeColumn(access *Access, policy Policy, ca ColumnAccess) error {
	tables := candidates(access, ca)
	if len(tables) == 0 {
		return &Denial{
			Action: ca.Action,
			Column: ca.Column,
			Reason: fmt.Sprintf("Column %s not found", ca.Column),
		}
	}

	// Only declared columns are reachable. A table without column grants
	// allows no column-scoped access at all.
	var forbidden string
	for _, table := range tables {
		cp, ok := policy[table].Columns[ca.Column]
		if !ok {
			continue
		}
		if cp.Actions.Allows(ca.Action) {
			return nil
		}
		if forbidden == "" {
			forbidden = table
		}
	}

	if forbidden != "" {
		return &Denial{
			Action: ca.Action,
			Table:  forbidden,
			Column: ca.Column,
			Reason: fmt.Sprintf("Not permitted to %s column %s in table %s", ca.Action, ca.Column, forbidden),
		}
	}
	return &Denial{
		Action: ca.Action,
		Table:  tables[0],
		Column: ca.Column,
		Reason: fmt.Sprintf("Column %s not found in table %s", ca.Column, tables[0]),
	}
}
