package feedback

import (
	"context"
	"sync"
)

// MemoryStore keeps feedback in an in-process list. Nothing survives a
// restart. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryStore creates an empty in-memory feedback store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Record appends one entry.
func (s *MemoryStore) Record(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

// ByRun returns the entries recorded for a run in arrival order.
func (s *MemoryStore) ByRun(ctx context.Context, runID string) ([]*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entry
	for _, e := range s.entries {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}
