// Package redis provides a Redis-backed omemo.Storage implementation.
package redis

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/corvid-chat/omemo-core/crypto/omemo"

	"github.com/redis/go-redis/v9"
)

// Store implements omemo.Storage using Redis, keying every value by its
// (key, kind) pair the same way omemo.MemoryStorage partitions its four
// in-memory maps, so a LoadInt and a StoreString never collide on the
// same key.
type Store struct {
	rdb *redis.Client
}

// New creates a new Redis-backed omemo.Storage.
func New(opts *redis.Options) *Store {
	return &Store{rdb: redis.NewClient(opts)}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

const (
	kindBytes  = "bytes"
	kindInt    = "int"
	kindBool   = "bool"
	kindString = "string"
)

func key(k, kind string) string {
	return "omemo:" + kind + ":" + k
}

func (s *Store) LoadBytes(ctx context.Context, k string) (omemo.Optional[[]byte], error) {
	v, err := s.rdb.Get(ctx, key(k, kindBytes)).Bytes()
	if err == redis.Nil {
		return omemo.Nothing[[]byte](), nil
	}
	if err != nil {
		return omemo.Optional[[]byte]{}, fmt.Errorf("redis: load bytes/%s: %w", k, err)
	}
	return omemo.Just(v), nil
}

func (s *Store) LoadInt(ctx context.Context, k string) (omemo.Optional[int64], error) {
	v, err := s.rdb.Get(ctx, key(k, kindInt)).Bytes()
	if err == redis.Nil {
		return omemo.Nothing[int64](), nil
	}
	if err != nil {
		return omemo.Optional[int64]{}, fmt.Errorf("redis: load int/%s: %w", k, err)
	}
	return omemo.Just(int64(binary.BigEndian.Uint64(v))), nil
}

func (s *Store) LoadBool(ctx context.Context, k string) (omemo.Optional[bool], error) {
	v, err := s.rdb.Get(ctx, key(k, kindBool)).Result()
	if err == redis.Nil {
		return omemo.Nothing[bool](), nil
	}
	if err != nil {
		return omemo.Optional[bool]{}, fmt.Errorf("redis: load bool/%s: %w", k, err)
	}
	return omemo.Just(v == "1"), nil
}

func (s *Store) LoadString(ctx context.Context, k string) (omemo.Optional[string], error) {
	v, err := s.rdb.Get(ctx, key(k, kindString)).Result()
	if err == redis.Nil {
		return omemo.Nothing[string](), nil
	}
	if err != nil {
		return omemo.Optional[string]{}, fmt.Errorf("redis: load string/%s: %w", k, err)
	}
	return omemo.Just(v), nil
}

func (s *Store) StoreBytes(ctx context.Context, k string, value []byte) error {
	return s.rdb.Set(ctx, key(k, kindBytes), value, 0).Err()
}

func (s *Store) StoreInt(ctx context.Context, k string, value int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(value))
	return s.rdb.Set(ctx, key(k, kindInt), buf, 0).Err()
}

func (s *Store) StoreBool(ctx context.Context, k string, value bool) error {
	v := "0"
	if value {
		v = "1"
	}
	return s.rdb.Set(ctx, key(k, kindBool), v, 0).Err()
}

func (s *Store) StoreString(ctx context.Context, k string, value string) error {
	return s.rdb.Set(ctx, key(k, kindString), value, 0).Err()
}

func (s *Store) Delete(ctx context.Context, k string) error {
	return s.rdb.Del(ctx, key(k, kindBytes), key(k, kindInt), key(k, kindBool), key(k, kindString)).Err()
}

var _ omemo.Storage = (*Store)(nil)
