// Package sqldb opens the relational stores used on either side of the sync
// and smooths over the small dialect differences between them.
package sqldb

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	// DriverSQLite3 is the cgo driver from mattn/go-sqlite3.
	DriverSQLite3 = "sqlite3"
	// DriverSQLite is the pure Go driver from modernc.org/sqlite.
	DriverSQLite = "sqlite"
	// DriverPostgres is the pgx stdlib driver.
	DriverPostgres = "pgx"
)

// DB is a *sql.DB that remembers which dialect it speaks.
type DB struct {
	*sql.DB
	Driver string
}

// Open opens and pings a database with one of the supported drivers.
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite3, DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if isSQLite(driver) && isMemoryDSN(dsn) {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}
	return &DB{DB: db, Driver: driver}, nil
}

// Placeholder returns the bind parameter for the n-th (1-based) argument.
func (d *DB) Placeholder(n int) string {
	if d.Driver == DriverPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// Placeholders returns a comma separated list of count parameters starting
// at position start.
func (d *DB) Placeholders(start, count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = d.Placeholder(start + i)
	}
	return strings.Join(parts, ", ")
}

// QuoteIdent quotes a table name. Both SQLite and PostgreSQL accept double
// quoted identifiers; schema qualified names are quoted per component.
func QuoteIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = QuoteColumn(p)
	}
	return strings.Join(parts, ".")
}

// QuoteColumn quotes a single column name as one identifier, dots included.
func QuoteColumn(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func isSQLite(driver string) bool {
	return driver == DriverSQLite3 || driver == DriverSQLite
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}
