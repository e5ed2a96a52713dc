package omemo

import (
	"context"
	"sync"
)

// MemoryStorage is a plain in-memory Storage implementation, used by this
// package's own tests and suitable as a reference for hosts that need no
// persistence across process restarts.
type MemoryStorage struct {
	mu     sync.Mutex
	bytes  map[string][]byte
	ints   map[string]int64
	bools  map[string]bool
	strs   map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		bytes: make(map[string][]byte),
		ints:  make(map[string]int64),
		bools: make(map[string]bool),
		strs:  make(map[string]string),
	}
}

func (s *MemoryStorage) LoadBytes(_ context.Context, key string) (Optional[[]byte], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.bytes[key]
	if !ok {
		return Nothing[[]byte](), nil
	}
	return Just(append([]byte(nil), v...)), nil
}

func (s *MemoryStorage) LoadInt(_ context.Context, key string) (Optional[int64], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.ints[key]
	if !ok {
		return Nothing[int64](), nil
	}
	return Just(v), nil
}

func (s *MemoryStorage) LoadBool(_ context.Context, key string) (Optional[bool], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.bools[key]
	if !ok {
		return Nothing[bool](), nil
	}
	return Just(v), nil
}

func (s *MemoryStorage) LoadString(_ context.Context, key string) (Optional[string], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.strs[key]
	if !ok {
		return Nothing[string](), nil
	}
	return Just(v), nil
}

func (s *MemoryStorage) StoreBytes(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytes[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStorage) StoreInt(_ context.Context, key string, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ints[key] = value
	return nil
}

func (s *MemoryStorage) StoreBool(_ context.Context, key string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bools[key] = value
	return nil
}

func (s *MemoryStorage) StoreString(_ context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strs[key] = value
	return nil
}

func (s *MemoryStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bytes, key)
	delete(s.ints, key)
	delete(s.bools, key)
	delete(s.strs, key)
	return nil
}

var _ Storage = (*MemoryStorage)(nil)
