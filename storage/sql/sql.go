package sql

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"

	"github.com/corvid-chat/omemo-core/crypto/omemo"
)

// Store implements omemo.Storage over a single key/value table, using
// database/sql with a pluggable Dialect so the same query logic serves
// SQLite, MySQL, and PostgreSQL.
//
// Every omemo.Storage key is namespaced by the Go type it was stored as
// (bytes/int/bool/string), mirroring omemo.MemoryStorage's four separate
// maps: a (key, kind) pair is the table's primary key, so LoadInt("x")
// never sees what StoreString("x", ...) wrote.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New creates a new SQL-backed omemo.Storage and runs its migrations.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	if err := Migrate(ctx, db, dialect); err != nil {
		return nil, err
	}
	return &Store{db: db, dialect: dialect}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const (
	kindBytes  = "bytes"
	kindInt    = "int"
	kindBool   = "bool"
	kindString = "string"
)

func (s *Store) loadRaw(ctx context.Context, key, kind string) (omemo.Optional[[]byte], error) {
	query := fmt.Sprintf("SELECT v FROM omemo_kv WHERE k = %s AND kind = %s",
		s.dialect.Placeholder(1), s.dialect.Placeholder(2))
	var v []byte
	err := s.db.QueryRowContext(ctx, query, key, kind).Scan(&v)
	if err == sql.ErrNoRows {
		return omemo.Nothing[[]byte](), nil
	}
	if err != nil {
		return omemo.Optional[[]byte]{}, fmt.Errorf("sql: load %s/%s: %w", kind, key, err)
	}
	return omemo.Just(v), nil
}

func (s *Store) storeRaw(ctx context.Context, key, kind string, value []byte) error {
	query := fmt.Sprintf("INSERT INTO omemo_kv (k, kind, v) VALUES (%s, %s, %s) %s",
		s.dialect.Placeholder(1), s.dialect.Placeholder(2), s.dialect.Placeholder(3), s.dialect.UpsertClause())
	if _, err := s.db.ExecContext(ctx, query, key, kind, value); err != nil {
		return fmt.Errorf("sql: store %s/%s: %w", kind, key, err)
	}
	return nil
}

func (s *Store) LoadBytes(ctx context.Context, key string) (omemo.Optional[[]byte], error) {
	return s.loadRaw(ctx, key, kindBytes)
}

func (s *Store) LoadInt(ctx context.Context, key string) (omemo.Optional[int64], error) {
	raw, err := s.loadRaw(ctx, key, kindInt)
	if err != nil {
		return omemo.Optional[int64]{}, err
	}
	v, ok := raw.Get()
	if !ok {
		return omemo.Nothing[int64](), nil
	}
	return omemo.Just(int64(binary.BigEndian.Uint64(v))), nil
}

func (s *Store) LoadBool(ctx context.Context, key string) (omemo.Optional[bool], error) {
	raw, err := s.loadRaw(ctx, key, kindBool)
	if err != nil {
		return omemo.Optional[bool]{}, err
	}
	v, ok := raw.Get()
	if !ok {
		return omemo.Nothing[bool](), nil
	}
	return omemo.Just(len(v) > 0 && v[0] != 0), nil
}

func (s *Store) LoadString(ctx context.Context, key string) (omemo.Optional[string], error) {
	raw, err := s.loadRaw(ctx, key, kindString)
	if err != nil {
		return omemo.Optional[string]{}, err
	}
	v, ok := raw.Get()
	if !ok {
		return omemo.Nothing[string](), nil
	}
	return omemo.Just(string(v)), nil
}

func (s *Store) StoreBytes(ctx context.Context, key string, value []byte) error {
	return s.storeRaw(ctx, key, kindBytes, value)
}

func (s *Store) StoreInt(ctx context.Context, key string, value int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(value))
	return s.storeRaw(ctx, key, kindInt, buf)
}

func (s *Store) StoreBool(ctx context.Context, key string, value bool) error {
	v := byte(0)
	if value {
		v = 1
	}
	return s.storeRaw(ctx, key, kindBool, []byte{v})
}

func (s *Store) StoreString(ctx context.Context, key string, value string) error {
	return s.storeRaw(ctx, key, kindString, []byte(value))
}

func (s *Store) Delete(ctx context.Context, key string) error {
	query := "DELETE FROM omemo_kv WHERE k = " + s.dialect.Placeholder(1)
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("sql: delete %s: %w", key, err)
	}
	return nil
}

var _ omemo.Storage = (*Store)(nil)
