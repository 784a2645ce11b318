package threatfeed

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryDenylist is an in-memory denylist store for demo/development mode.
type MemoryDenylist struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryDenylist creates an empty in-memory denylist store.
func NewMemoryDenylist() *MemoryDenylist {
	return &MemoryDenylist{entries: make(map[string]*Entry)}
}

func (m *MemoryDenylist) Add(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.entries[denylistKey(e.Network, e.Address)] = &cp
	return nil
}

func (m *MemoryDenylist) Remove(ctx context.Context, network, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := denylistKey(network, address)
	if _, ok := m.entries[key]; !ok {
		return ErrNotDenylisted
	}
	delete(m.entries, key)
	return nil
}

func (m *MemoryDenylist) Get(ctx context.Context, network, address string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[denylistKey(network, address)]
	if !ok {
		return nil, ErrNotDenylisted
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryDenylist) List(ctx context.Context, network string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	network = strings.ToLower(network)
	var result []*Entry
	for _, e := range m.entries {
		if strings.ToLower(e.Network) != network {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	// Newest first, stable for equal timestamps.
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].Address < result[j].Address
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func denylistKey(network, address string) string {
	return strings.ToLower(network) + ":" + strings.ToLower(address)
}
