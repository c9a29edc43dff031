package blob

import (
	"context"
	"sync"

	"github.com/jvs-project/trail/pkg/errclass"
	"github.com/jvs-project/trail/pkg/model"
)

// MemoryStore is an in-process Store for tests and the memory driver.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[model.HashValue][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[model.HashValue][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, hash model.HashValue, data []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[hash]; ok {
		return false, nil
	}
	s.blobs[hash] = append([]byte(nil), data...)
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, hash model.HashValue) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[hash]
	if !ok {
		return nil, errclass.ErrNotFound.WithMessagef("blob %s", hash)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Delete(_ context.Context, hash model.HashValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, hash)
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, hash model.HashValue) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[hash]
	return ok, nil
}

// Corrupt overwrites stored bytes in place. Tests use it to simulate bit rot.
func (s *MemoryStore) Corrupt(hash model.HashValue, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[hash] = append([]byte(nil), data...)
}

// Len returns the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
