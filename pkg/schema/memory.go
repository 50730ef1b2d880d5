package schema

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps schemas in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string][]Version
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[string][]Version)}
}

func (m *MemoryStore) Latest(_ context.Context, eventType string) (Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vs := m.versions[eventType]
	if len(vs) == 0 {
		return Version{}, ErrNotFound
	}
	return vs[len(vs)-1], nil
}

func (m *MemoryStore) Get(_ context.Context, eventType string, version int) (Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vs := m.versions[eventType]
	if version < 1 || version > len(vs) {
		return Version{}, ErrNotFound
	}
	return vs[version-1], nil
}

func (m *MemoryStore) List(_ context.Context, eventType string) ([]Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Version(nil), m.versions[eventType]...), nil
}

func (m *MemoryStore) EventTypes(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.versions))
	for t := range m.versions {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Append(_ context.Context, v Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs := m.versions[v.EventType]
	switch {
	case v.Version <= len(vs):
		return ErrVersionExists
	case v.Version != len(vs)+1:
		return fmt.Errorf("schema: version %d of %s would leave a gap after %d", v.Version, v.EventType, len(vs))
	}
	m.versions[v.EventType] = append(vs, v)
	return nil
}
