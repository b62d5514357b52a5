// Package dialect abstracts the SQL differences between the supported
// databases so the stores can share one set of queries.
package dialect

import (
	"fmt"
	"strings"
)

// Dialect represents a SQL database dialect.
type Dialect interface {
	// Name returns the dialect name (e.g., "sqlite", "postgres")
	Name() string

	// DriverName returns the database/sql driver name to use
	DriverName() string

	// Rebind converts ? placeholders to the dialect's format.
	Rebind(query string) string

	// TimestampType returns the SQL type for timestamps
	TimestampType() string

	// UpsertClause returns the ON CONFLICT clause for upserts keyed on the
	// given conflict columns
	UpsertClause(conflictColumns []string, updateColumns []string) string

	// PragmaStatements returns dialect-specific initialization statements
	PragmaStatements() []string

	// CurrentTimestamp returns the SQL expression for current timestamp
	CurrentTimestamp() string
}

// FromDriverName returns the dialect for a given driver name.
func FromDriverName(driverName string) (Dialect, error) {
	switch strings.ToLower(driverName) {
	case "sqlite", "sqlite3":
		return &sqliteDialect{}, nil
	case "postgres", "pgx":
		return &postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driverName)
	}
}

// sqliteDialect implements Dialect for SQLite.
type sqliteDialect struct{}

func (d *sqliteDialect) Name() string       { return "sqlite" }
func (d *sqliteDialect) DriverName() string { return "sqlite" }

func (d *sqliteDialect) Rebind(query string) string {
	return query // SQLite uses ?
}

func (d *sqliteDialect) TimestampType() string { return "TIMESTAMP" }

func (d *sqliteDialect) CurrentTimestamp() string { return "CURRENT_TIMESTAMP" }

func (d *sqliteDialect) UpsertClause(conflictColumns []string, updateColumns []string) string {
	return upsertClause(conflictColumns, updateColumns, "excluded")
}

func (d *sqliteDialect) PragmaStatements() []string {
	return []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
}

// postgresDialect implements Dialect for PostgreSQL.
type postgresDialect struct{}

func (d *postgresDialect) Name() string       { return "postgres" }
func (d *postgresDialect) DriverName() string { return "pgx" }

func (d *postgresDialect) Rebind(query string) string {
	var result strings.Builder
	idx := 1
	for _, ch := range query {
		if ch == '?' {
			fmt.Fprintf(&result, "$%d", idx)
			idx++
		} else {
			result.WriteRune(ch)
		}
	}
	return result.String()
}

func (d *postgresDialect) TimestampType() string { return "TIMESTAMP WITH TIME ZONE" }

func (d *postgresDialect) CurrentTimestamp() string { return "NOW()" }

func (d *postgresDialect) UpsertClause(conflictColumns []string, updateColumns []string) string {
	return upsertClause(conflictColumns, updateColumns, "EXCLUDED")
}

func (d *postgresDialect) PragmaStatements() []string {
	return nil // PostgreSQL doesn't use pragmas
}

func upsertClause(conflictColumns, updateColumns []string, excludedName string) string {
	conflict := strings.Join(conflictColumns, ", ")
	if len(updateColumns) == 0 {
		return fmt.Sprintf("ON CONFLICT(%s) DO NOTHING", conflict)
	}
	updates := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updates[i] = fmt.Sprintf("%s = %s.%s", col, excludedName, col)
	}
	return fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET %s", conflict, strings.Join(updates, ", "))
}
