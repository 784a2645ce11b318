package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/movesentry/movesentry/internal/pagination"
)

// maxMemoryRecords bounds the in-memory store; the oldest records are
// evicted past it.
const maxMemoryRecords = 1000

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store used when no database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Save(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	m.records[rec.ShareID] = &cp

	if len(m.records) > maxMemoryRecords {
		m.evictOldest()
	}
	return nil
}

// evictOldest removes the oldest record. Caller holds the lock.
func (m *MemoryStore) evictOldest() {
	var (
		oldestID string
		oldestAt time.Time
	)
	for id, rec := range m.records {
		if oldestID == "" || rec.CreatedAt.Before(oldestAt) {
			oldestID, oldestAt = id, rec.CreatedAt
		}
	}
	delete(m.records, oldestID)
}

func (m *MemoryStore) Get(_ context.Context, shareID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[shareID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) Recent(_ context.Context, limit int, opts ...ListOption) ([]*Record, error) {
	o := applyListOpts(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		if o.cursor != nil && !afterCursor(rec, o.cursor) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ShareID < out[j].ShareID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// afterCursor reports whether rec sorts after the cursor position in
// newest-first, share-id-ascending order.
func afterCursor(rec *Record, c *pagination.Cursor) bool {
	if !rec.CreatedAt.Equal(c.CreatedAt) {
		return rec.CreatedAt.Before(c.CreatedAt)
	}
	return rec.ShareID > c.ID
}

func (m *MemoryStore) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, rec := range m.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(m.records, id)
			removed++
		}
	}
	return removed, nil
}
