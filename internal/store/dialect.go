package store

import (
	"fmt"
	"strings"
)

// Dialect covers the SQL differences between SQLite and PostgreSQL that the
// record store runs into.
type Dialect interface {
	// Name returns the dialect name, "sqlite" or "postgres".
	Name() string

	// Placeholder returns a parameter placeholder for the given 1-based index.
	// SQLite uses ?, PostgreSQL uses $1, $2, etc.
	Placeholder(index int) string

	// AutoIncrement returns the column definition for a surrogate primary key.
	AutoIncrement() string
}

// SQLiteDialect implements Dialect for SQLite.
type SQLiteDialect struct{}

var _ Dialect = SQLiteDialect{}

func (SQLiteDialect) Name() string                 { return "sqlite" }
func (SQLiteDialect) Placeholder(index int) string { return "?" }
func (SQLiteDialect) AutoIncrement() string        { return "INTEGER PRIMARY KEY AUTOINCREMENT" }

// PostgresDialect implements Dialect for PostgreSQL.
type PostgresDialect struct{}

var _ Dialect = PostgresDialect{}

func (PostgresDialect) Name() string                 { return "postgres" }
func (PostgresDialect) Placeholder(index int) string { return fmt.Sprintf("$%d", index) }
func (PostgresDialect) AutoIncrement() string        { return "BIGSERIAL PRIMARY KEY" }

// placeholders returns n comma separated placeholders numbered from 1.
func placeholders(d Dialect, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = d.Placeholder(i + 1)
	}
	return strings.Join(ph, ", ")
}

// dialectFor picks the dialect and database/sql driver name for a DSN.
// postgres:// and postgresql:// URLs select PostgreSQL; anything else is a
// SQLite file path.
func dialectFor(dsn string) (Dialect, string) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return PostgresDialect{}, "pgx"
	}
	return SQLiteDialect{}, "sqlite"
}
