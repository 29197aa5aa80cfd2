package store

import (
	"strconv"
	"strings"
)

// Dialect selects placeholder syntax and backend limits. Statements in this
// package are written with PostgreSQL placeholders ($1, $2, ...) and rebound
// for SQLite, which accepts the numbered form ?1, ?2, ...
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// DialectFromURL picks the dialect for a DATABASE_URL value.
func DialectFromURL(databaseURL string) Dialect {
	lower := strings.ToLower(strings.TrimSpace(databaseURL))
	switch {
	case strings.HasPrefix(lower, "sqlite://"),
		strings.HasPrefix(lower, "sqlite3://"),
		strings.HasPrefix(lower, "file:"),
		lower == ":memory:":
		return SQLite
	default:
		return Postgres
	}
}

func (d Dialect) driverName() string {
	if d == SQLite {
		return "sqlite3"
	}
	return "pgx"
}

// Placeholder renders the n-th (1-based) bind parameter.
func (d Dialect) Placeholder(n int) string {
	if d == SQLite {
		return "?" + strconv.Itoa(n)
	}
	return "$" + strconv.Itoa(n)
}

// Rebind converts a $n query into the dialect's placeholder syntax.
func (d Dialect) Rebind(query string) string {
	if d != SQLite {
		return query
	}
	return strings.ReplaceAll(query, "$", "?")
}

// MaxParams is the backend's hard limit on bind parameters per statement.
func (d Dialect) MaxParams() int {
	if d == SQLite {
		return 32766
	}
	return 65535
}
