package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	kerrors "github.com/harunnryd/karakuri/internal/errors"
)

type dialect struct {
	name string
	open func(Options) (*sql.DB, error)
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
}

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite, "sqlite3":
		return dialect{name: DriverSQLite, open: openSQLite}, nil
	case DriverMySQL:
		return dialect{name: DriverMySQL, open: openMySQL}, nil
	case DriverPostgres, "postgresql", "pg":
		return dialect{name: DriverPostgres, open: openPostgres, numbered: true}, nil
	default:
		return dialect{}, kerrors.InvalidInput(fmt.Sprintf("unsupported store driver %q", driver))
	}
}

// rebind rewrites ? placeholders for drivers that number them. Queries in
// this package never carry a literal question mark.
func (d dialect) rebind(query string) string {
	if !d.numbered || !strings.Contains(query, "?") {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
