package checkpoint

import (
	"context"
	"sync"
)

// MemoryStore keeps checkpoints in append-ordered, per-thread lists.
// Nothing survives a restart; it suits development and single-process
// deployments where history is disposable. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string][]*Record
	// byUser tracks thread ids per user in first-seen order so
	// Threads returns a stable listing.
	byUser map[string][]string
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: make(map[string][]*Record),
		byUser:  make(map[string][]string),
	}
}

// Append adds a record to its thread's list. The record is stored as
// given and must not be mutated by the caller afterwards.
func (s *MemoryStore) Append(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.threads[rec.ThreadID] = append(s.threads[rec.ThreadID], rec)

	if uid := rec.Metadata.UserID; uid != "" {
		known := false
		for _, id := range s.byUser[uid] {
			if id == rec.ThreadID {
				known = true
				break
			}
		}
		if !known {
			s.byUser[uid] = append(s.byUser[uid], rec.ThreadID)
		}
	}
	return nil
}

// Latest returns the record with the greatest sequence key, or nil when
// the thread has no checkpoints. Appends normally arrive in sequence
// order, but out-of-order ingest is tolerated by scanning.
func (s *MemoryStore) Latest(ctx context.Context, threadID string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Record
	for _, rec := range s.threads[threadID] {
		if latest == nil || rec.SequenceKey >= latest.SequenceKey {
			latest = rec
		}
	}
	return latest, nil
}

// All returns the thread's records in the order they were appended,
// oldest first. Unknown threads yield an empty slice.
func (s *MemoryStore) All(ctx context.Context, threadID string) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.threads[threadID]
	out := make([]*Record, len(recs))
	copy(out, recs)
	return out, nil
}

// Threads returns the thread ids recorded for a user, in first-seen
// order. Unknown users yield an empty slice.
func (s *MemoryStore) Threads(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byUser[userID]
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}
