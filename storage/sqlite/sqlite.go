// Package sqlite provides a SQLite-backed omemo.Storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	xmppsql "github.com/corvid-chat/omemo-core/storage/sql"

	_ "github.com/mattn/go-sqlite3"
)

// Dialect implements the SQL dialect for SQLite.
type Dialect struct{}

func (d Dialect) Name() string              { return "sqlite" }
func (d Dialect) Placeholder(_ int) string  { return "?" }
func (d Dialect) BlobType() string          { return "BLOB" }
func (d Dialect) UpsertClause() string {
	return "ON CONFLICT (k, kind) DO UPDATE SET v = excluded.v"
}
func (d Dialect) Migrations() []string { return migrations }

// New opens a SQLite database at dsn and returns an omemo.Storage backed
// by it.
func New(ctx context.Context, dsn string) (*xmppsql.Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: set WAL: %w", err)
	}
	store, err := xmppsql.New(ctx, db, Dialect{})
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS omemo_kv (
		k TEXT NOT NULL,
		kind TEXT NOT NULL,
		v BLOB,
		PRIMARY KEY (k, kind)
	)`,
}
