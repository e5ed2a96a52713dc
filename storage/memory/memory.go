// Package memory provides an in-memory omemo.Storage implementation
// suitable for tests and short-lived processes that need no persistence
// across restarts.
package memory

import (
	"context"
	"sync"

	"github.com/corvid-chat/omemo-core/crypto/omemo"
)

// Store is an in-memory implementation of omemo.Storage, partitioning
// values into four maps by the Go type they were stored as.
type Store struct {
	mu    sync.RWMutex
	bytes map[string][]byte
	ints  map[string]int64
	bools map[string]bool
	strs  map[string]string
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		bytes: make(map[string][]byte),
		ints:  make(map[string]int64),
		bools: make(map[string]bool),
		strs:  make(map[string]string),
	}
}

func (s *Store) LoadBytes(_ context.Context, key string) (omemo.Optional[[]byte], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.bytes[key]
	if !ok {
		return omemo.Nothing[[]byte](), nil
	}
	return omemo.Just(append([]byte(nil), v...)), nil
}

func (s *Store) LoadInt(_ context.Context, key string) (omemo.Optional[int64], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.ints[key]
	if !ok {
		return omemo.Nothing[int64](), nil
	}
	return omemo.Just(v), nil
}

func (s *Store) LoadBool(_ context.Context, key string) (omemo.Optional[bool], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.bools[key]
	if !ok {
		return omemo.Nothing[bool](), nil
	}
	return omemo.Just(v), nil
}

func (s *Store) LoadString(_ context.Context, key string) (omemo.Optional[string], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.strs[key]
	if !ok {
		return omemo.Nothing[string](), nil
	}
	return omemo.Just(v), nil
}

func (s *Store) StoreBytes(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytes[key] = append([]byte(nil), value...)
	return nil
}

func (s *Store) StoreInt(_ context.Context, key string, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ints[key] = value
	return nil
}

func (s *Store) StoreBool(_ context.Context, key string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bools[key] = value
	return nil
}

func (s *Store) StoreString(_ context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strs[key] = value
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bytes, key)
	delete(s.ints, key)
	delete(s.bools, key)
	delete(s.strs, key)
	return nil
}

var _ omemo.Storage = (*Store)(nil)
