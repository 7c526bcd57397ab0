package kvstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store used by tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	strings map[string][]string
	times   map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string][]string),
		times:   make(map[string]time.Time),
	}
}

func (m *MemoryStore) GetStrings(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.strings[key]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), v...), nil
}

func (m *MemoryStore) SetStrings(_ context.Context, key string, values []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = append([]string{}, values...)
	return nil
}

func (m *MemoryStore) GetTime(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.times[key]
	return t, ok, nil
}

func (m *MemoryStore) SetTime(_ context.Context, key string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.times[key] = t
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
