// Package watermark persists, per table, the highest row identifier the
// receiver has confirmed. Set must be durable before it returns.
package watermark

import (
	"context"
	"sync"
)

type Store interface {
	// Get returns the last confirmed identifier for table, or 0 if none.
	Get(ctx context.Context, table string) (int64, error)
	// Set durably records value for table.
	Set(ctx context.Context, table string, value int64) error
}

// MemoryStore keeps watermarks in process memory only.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]int64)}
}

func (m *MemoryStore) Get(_ context.Context, table string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[table], nil
}

func (m *MemoryStore) Set(_ context.Context, table string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[table] = value
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLStore)(nil)
	_ Store = (*FileStore)(nil)
)
