// Package dialect abstracts the SQL differences between the supported
// databases: SQLite for development and tests, PostgreSQL for production.
package dialect

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// Dialect represents a SQL database dialect.
type Dialect interface {
	// Name returns the dialect name ("sqlite", "postgres")
	Name() string

	// DriverName returns the database/sql driver name to use
	DriverName() string

	// Rebind converts ? placeholders to the dialect's format.
	Rebind(query string) string

	// BooleanType returns the SQL type for boolean values
	BooleanType() string

	// BooleanLiteral renders a boolean constant, usable in partial indexes
	BooleanLiteral(v bool) string

	// TimestampType returns the SQL type for timestamps
	TimestampType() string

	// TextType returns the SQL type for large text fields
	TextType() string

	// UpsertClause returns the ON CONFLICT clause for upserts
	UpsertClause(conflictColumns string, updateColumns []string) string

	// PragmaStatements returns dialect-specific initialization statements
	PragmaStatements() []string

	// CurrentTimestamp returns the SQL expression for current timestamp
	CurrentTimestamp() string

	// UniqueViolationColumn inspects a driver error and, if it is a unique
	// constraint violation, returns the offending column name.
	UniqueViolationColumn(err error) (string, bool)
}

// DialectType represents supported database types
type DialectType string

const (
	SQLite   DialectType = "sqlite"
	Postgres DialectType = "postgres"
)

// New creates a new Dialect based on the dialect type
func New(dialectType DialectType) (Dialect, error) {
	switch dialectType {
	case SQLite:
		return &sqliteDialect{}, nil
	case Postgres:
		return &postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialectType)
	}
}

// FromDriverName returns the dialect for a given driver name
func FromDriverName(driverName string) (Dialect, error) {
	switch strings.ToLower(driverName) {
	case "sqlite", "sqlite3":
		return &sqliteDialect{}, nil
	case "postgres", "pq":
		return &postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driverName)
	}
}

// FromDSN infers the dialect from a connection string. postgres:// URLs and
// key=value DSNs select PostgreSQL; anything else is treated as a SQLite path.
func FromDSN(dsn string) Dialect {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=") {
		return &postgresDialect{}
	}
	return &sqliteDialect{}
}

// sqliteDialect implements Dialect for SQLite
type sqliteDialect struct{}

func (d *sqliteDialect) Name() string {
	return "sqlite"
}

func (d *sqliteDialect) DriverName() string {
	return "sqlite"
}

func (d *sqliteDialect) Rebind(query string) string {
	return query // SQLite uses ?
}

func (d *sqliteDialect) BooleanType() string {
	return "INTEGER"
}

func (d *sqliteDialect) BooleanLiteral(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func (d *sqliteDialect) TimestampType() string {
	return "TIMESTAMP"
}

func (d *sqliteDialect) TextType() string {
	return "TEXT"
}

func (d *sqliteDialect) CurrentTimestamp() string {
	return "CURRENT_TIMESTAMP"
}

func (d *sqliteDialect) UpsertClause(conflictColumns string, updateColumns []string) string {
	if len(updateColumns) == 0 {
		return fmt.Sprintf("ON CONFLICT(%s) DO NOTHING", conflictColumns)
	}
	updates := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updates[i] = fmt.Sprintf("%s=excluded.%s", col, col)
	}
	return fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET %s", conflictColumns, strings.Join(updates, ", "))
}

func (d *sqliteDialect) PragmaStatements() []string {
	return []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
}

// UniqueViolationColumn parses modernc sqlite's error text, which names the
// constraint as "UNIQUE constraint failed: table.column".
func (d *sqliteDialect) UniqueViolationColumn(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	msg := err.Error()
	marker := "UNIQUE constraint failed: "
	idx := strings.Index(msg, marker)
	if idx < 0 {
		return "", false
	}
	rest := msg[idx+len(marker):]
	// take the first "table.column" reference
	if end := strings.IndexAny(rest, ", ("); end >= 0 {
		rest = rest[:end]
	}
	if dot := strings.LastIndex(rest, "."); dot >= 0 {
		rest = rest[dot+1:]
	}
	return strings.TrimSpace(rest), rest != ""
}

// postgresDialect implements Dialect for PostgreSQL
type postgresDialect struct{}

func (d *postgresDialect) Name() string {
	return "postgres"
}

func (d *postgresDialect) DriverName() string {
	return "postgres"
}

func (d *postgresDialect) Rebind(query string) string {
	// Convert ? placeholders to $1, $2, etc.
	var result strings.Builder
	idx := 1
	for _, ch := range query {
		if ch == '?' {
			result.WriteString(fmt.Sprintf("$%d", idx))
			idx++
		} else {
			result.WriteRune(ch)
		}
	}
	return result.String()
}

func (d *postgresDialect) BooleanType() string {
	return "BOOLEAN"
}

func (d *postgresDialect) BooleanLiteral(v bool) string {
	if v {
		return "TRUE"
	}
	return "FALSE"
}

func (d *postgresDialect) TimestampType() string {
	return "TIMESTAMP WITH TIME ZONE"
}

func (d *postgresDialect) TextType() string {
	return "TEXT"
}

func (d *postgresDialect) CurrentTimestamp() string {
	return "NOW()"
}

func (d *postgresDialect) UpsertClause(conflictColumns string, updateColumns []string) string {
	if len(updateColumns) == 0 {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", conflictColumns)
	}
	updates := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updates[i] = fmt.Sprintf("%s = EXCLUDED.%s", col, col)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", conflictColumns, strings.Join(updates, ", "))
}

func (d *postgresDialect) PragmaStatements() []string {
	return nil // PostgreSQL doesn't use pragmas
}

// UniqueViolationColumn maps pq unique_violation errors (class 23505) back to
// a column via the index name, which initSchema keeps as <table>_<column>_idx.
func (d *postgresDialect) UniqueViolationColumn(err error) (string, bool) {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return "", false
	}
	if pqErr.Code != "23505" {
		return "", false
	}
	name := pqErr.Constraint
	for _, suffix := range []string{"_idx", "_key", "_pkey"} {
		name = strings.TrimSuffix(name, suffix)
	}
	for _, table := range []string{"tenants_", "conversations_", "messages_"} {
		if strings.HasPrefix(name, table) {
			return strings.TrimPrefix(name, table), true
		}
	}
	if name != "" {
		return name, true
	}
	return "", false
}
