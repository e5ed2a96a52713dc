// Package postgres provides a PostgreSQL-backed omemo.Storage implementation.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	xmppsql "github.com/corvid-chat/omemo-core/storage/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Dialect implements the SQL dialect for PostgreSQL.
type Dialect struct{}

func (d Dialect) Name() string { return "postgres" }

func (d Dialect) Placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func (d Dialect) BlobType() string { return "BYTEA" }

func (d Dialect) UpsertClause() string {
	return "ON CONFLICT (k, kind) DO UPDATE SET v = EXCLUDED.v"
}

func (d Dialect) Migrations() []string { return migrations }

// New opens a PostgreSQL connection at dsn and returns an omemo.Storage
// backed by it.
func New(ctx context.Context, dsn string) (*xmppsql.Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
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
		v BYTEA,
		PRIMARY KEY (k, kind)
	)`,
}
