// Package artifact provides the pluggable artifact manager implementations:
// in-memory, filesystem (run-scoped default paths), filesystem with explicit
// custom paths, and Redis.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mechatroNick/dagster/internal/domain"
)

// MemoryManager keeps artifacts in process-lifetime storage. It offers no
// cross-process durability and is valid only for single-process runs.
type MemoryManager struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{values: make(map[string]json.RawMessage)}
}

func (m *MemoryManager) Set(ctx context.Context, key domain.Key, value json.RawMessage) ([]domain.Materialization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make(json.RawMessage, len(value))
	copy(stored, value)
	m.values[key.String()] = stored
	return nil, nil
}

func (m *MemoryManager) Get(ctx context.Context, key domain.Key) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.values[key.String()]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", key.String(), domain.ErrArtifactNotFound)
	}
	out := make(json.RawMessage, len(value))
	copy(out, value)
	return out, nil
}

func (m *MemoryManager) Has(ctx context.Context, key domain.Key) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.values[key.String()]
	return ok, nil
}
