package history

import (
	"context"
	"slices"
	"sync"
	"time"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-process [Store]. It is safe for concurrent use.
type MemStore struct {
	mu      sync.RWMutex
	records []Record
	nextID  int64
	now     func() time.Time
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{now: time.Now}
}

// Append implements [Store].
func (m *MemStore) Append(ctx context.Context, r Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	r.ID = m.nextID
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now()
	}
	m.records = append(m.records, r)
	return r, nil
}

// List implements [Store]. Records with equal timestamps keep reverse
// insertion order.
func (m *MemStore) List(ctx context.Context, f Filter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]Record, 0, len(m.records))
	for i := len(m.records) - 1; i >= 0; i-- {
		if f.Match(m.records[i]) {
			out = append(out, m.records[i])
		}
	}
	m.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b Record) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Ping implements [Store]; the in-memory store is always reachable.
func (m *MemStore) Ping(context.Context) error { return nil }
