// Package mysql provides a MySQL-backed omemo.Storage implementation.
package mysql

import (
	"context"
	"database/sql"
	"fmt"

	xmppsql "github.com/corvid-chat/omemo-core/storage/sql"

	_ "github.com/go-sql-driver/mysql"
)

// Dialect implements the SQL dialect for MySQL.
type Dialect struct{}

func (d Dialect) Name() string             { return "mysql" }
func (d Dialect) Placeholder(_ int) string { return "?" }
func (d Dialect) BlobType() string         { return "LONGBLOB" }

func (d Dialect) UpsertClause() string {
	return "ON DUPLICATE KEY UPDATE v = VALUES(v)"
}

func (d Dialect) Migrations() []string { return migrations }

// New opens a MySQL connection at dsn and returns an omemo.Storage backed
// by it.
func New(ctx context.Context, dsn string) (*xmppsql.Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
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
		k VARCHAR(512) NOT NULL,
		kind VARCHAR(16) NOT NULL,
		v LONGBLOB,
		PRIMARY KEY (k, kind)
	)`,
}
