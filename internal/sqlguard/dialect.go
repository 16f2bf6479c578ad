package sqlguard

import (
	"fmt"
	"strings"
)

// Dialect selects the lexical rules a statement is read with. The grammar
// is MySQL's; other dialects are rewritten into it first.
type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Valid reports whether d is a known dialect. The empty dialect is MySQL.
func (d Dialect) Valid() bool {
	switch d {
	case "", DialectMySQL, DialectPostgres, DialectSQLite:
		return true
	}
	return false
}

func (d Dialect) orDefault() Dialect {
	if d == "" {
		return DialectMySQL
	}
	return d
}

// normalize rewrites a PostgreSQL or SQLite statement into text that the
// MySQL lexer splits into the same tokens the backend sees:
//   - double-quoted identifiers become backtick identifiers
//   - string literals have backslashes escaped, since neither backend treats
//     them as escapes
//   - comments are dropped
//   - unquoted PostgreSQL identifiers are folded to lower case
//
// Anything without a faithful rewrite is rejected. That covers dollar
// quoting, escape strings, bracket identifiers and the tokens MySQL reads as
// comments ('#', "//"). A statement read differently by the backend could
// reach columns that extraction never saw.
func normalize(query string, d Dialect) (string, error) {
	d = d.orDefault()
	if d == DialectMySQL {
		return query, nil
	}
	unsupported := func(what string) error {
		return fmt.Errorf("%w: %s is not supported for %s", ErrUnparseable, what, d)
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	for i := 0; i < len(query); {
		c := query[i]
		switch {
		case c == '\'':
			if d == DialectPostgres && escapeStringPrefix(query, i) {
				return "", unsupported("escape string syntax")
			}
			if i > 0 && query[i-1] == '&' {
				return "", unsupported("unicode escape syntax")
			}
			lit, next, ok := scanQuoted(query, i, '\'')
			if !ok {
				return "", unsupported("an unterminated string")
			}
			b.WriteByte('\'')
			b.WriteString(strings.NewReplacer(`\`, `\\`, `'`, `''`).Replace(lit))
			b.WriteByte('\'')
			i = next

		case c == '"' || (c == '`' && d == DialectSQLite):
			if i > 0 && query[i-1] == '&' {
				return "", unsupported("unicode escape syntax")
			}
			ident, next, ok := scanQuoted(query, i, c)
			if !ok {
				return "", unsupported("an unterminated identifier")
			}
			if ident == "" {
				return "", unsupported("an empty identifier")
			}
			b.WriteByte('`')
			b.WriteString(strings.ReplaceAll(ident, "`", "``"))
			b.WriteByte('`')
			i = next

		case c == '-' && strings.HasPrefix(query[i:], "--"):
			end := strings.IndexByte(query[i:], '\n')
			if end < 0 {
				end = len(query) - i
			}
			b.WriteByte(' ')
			i += end

		case c == '/' && strings.HasPrefix(query[i:], "/*"):
			next, ok := skipBlockComment(query, i, d == DialectPostgres)
			if !ok {
				return "", unsupported("an unterminated comment")
			}
			b.WriteByte(' ')
			i = next

		case c == '/' && strings.HasPrefix(query[i:], "//"):
			return "", unsupported(`"//"`)

		case c == '`' || c == '#' || c == '$' || c == '[' || c == '\\':
			return "", unsupported(fmt.Sprintf("%q", c))

		default:
			if d == DialectPostgres && 'A' <= c && c <= 'Z' {
				c += 'a' - 'A'
			}
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), nil
}

// scanQuoted reads the quoted token starting at query[start]. A doubled
// quote stands for one quote character. It returns the unescaped content
// and the index after the closing quote.
func scanQuoted(query string, start int, quote byte) (string, int, bool) {
	var b strings.Builder
	for j := start + 1; j < len(query); j++ {
		if query[j] != quote {
			b.WriteByte(query[j])
			continue
		}
		if j+1 < len(query) && query[j+1] == quote {
			b.WriteByte(quote)
			j++
			continue
		}
		return b.String(), j + 1, true
	}
	return "", len(query), false
}

// skipBlockComment returns the index after the comment opening at start.
// PostgreSQL block comments nest; SQLite ones end at the first "*/".
func skipBlockComment(query string, start int, nested bool) (int, bool) {
	depth := 0
	for j := start; j+1 < len(query); {
		switch query[j : j+2] {
		case "/*":
			if depth == 0 || nested {
				depth++
			}
			j += 2
		case "*/":
			depth--
			j += 2
			if depth == 0 {
				return j, true
			}
		default:
			j++
		}
	}
	return 0, false
}

// escapeStringPrefix reports whether the quote at i opens a PostgreSQL
// E'...' constant, whose backslash escapes the rewrite cannot preserve.
func escapeStringPrefix(query string, i int) bool {
	if i == 0 || (query[i-1] != 'E' && query[i-1] != 'e') {
		return false
	}
	return i == 1 || !isIdentByte(query[i-2])
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= 0x80 ||
		('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}
