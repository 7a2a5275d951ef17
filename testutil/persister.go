package testutil

import (
	"context"
	"sync"

	"github.com/onnwee/streambot/settings"
)

// MemPersister is an in-memory settings.Persister for tests.
type MemPersister struct {
	mu      sync.Mutex
	values  map[string]settings.Value
	SaveErr error // when set, Save fails with this error
}

// NewMemPersister returns an empty in-memory persister.
func NewMemPersister() *MemPersister {
	return &MemPersister{values: make(map[string]settings.Value)}
}

// Seed stores a value directly, bypassing error injection.
func (m *MemPersister) Seed(key string, v settings.Value) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = v
}

// LoadAll implements settings.Persister.
func (m *MemPersister) LoadAll(ctx context.Context) (map[string]settings.Value, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]settings.Value, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out, nil
}

// Save implements settings.Persister.
func (m *MemPersister) Save(ctx context.Context, key string, v settings.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.values[key] = v
	return nil
}

// Delete implements settings.Persister.
func (m *MemPersister) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
