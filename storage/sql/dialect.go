// Package sql provides a shared database/sql-backed implementation of
// omemo.Storage: a single key/value table, with per-database differences
// (placeholder syntax, upsert clause, blob column type) abstracted behind
// a Dialect so the driver packages (sqlite, mysql, postgres) only need to
// supply the dialect and the sql.DB.
package sql

// Dialect abstracts database-specific SQL differences for the omemo_kv
// table.
type Dialect interface {
	// Name returns the dialect name (e.g. "sqlite", "postgres", "mysql").
	Name() string

	// Placeholder returns the parameter placeholder for the nth
	// parameter (1-indexed). SQLite/MySQL return "?", PostgreSQL
	// returns "$1", "$2", etc.
	Placeholder(n int) string

	// BlobType returns the column type used to store the raw value bytes.
	BlobType() string

	// UpsertClause returns the dialect-specific "insert or replace by
	// key" clause for the omemo_kv table.
	UpsertClause() string

	// Migrations returns the SQL migration statements for this dialect.
	Migrations() []string
}
