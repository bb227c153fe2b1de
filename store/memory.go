package store

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore is an in-memory SnapshotStore.
type MemoryStore struct {
	mu    sync.RWMutex
	docs  map[string]json.RawMessage
	saves int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]json.RawMessage)}
}

func (s *MemoryStore) Load(_ context.Context) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneDocs(s.docs), nil
}

func (s *MemoryStore) Save(_ context.Context, docs map[string]json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = cloneDocs(docs)
	s.saves++
	return nil
}

// Saves returns how many times Save has been called.
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
