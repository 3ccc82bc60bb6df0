package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/reeve/internal/checkpoint"
	"github.com/nugget/reeve/internal/events"
)

// ErrInvalidRecord reports an ingested checkpoint that cannot be
// stored, such as one without a thread id.
var ErrInvalidRecord = errors.New("invalid checkpoint record")

// Service is the outward-facing transcript boundary. It wraps the
// Reconstructor with the degrade-to-empty policy the HTTP contract
// requires: history is supplementary context, so store failures yield
// an empty transcript rather than an error. Cancellation is the one
// exception and always propagates.
type Service struct {
	store checkpoint.Store
	rec   *Reconstructor
	bus   *events.Bus
	log   *slog.Logger
}

// NewService creates a transcript service over the given store. The bus
// may be nil; events are then dropped.
func NewService(store checkpoint.Store, bus *events.Bus, log *slog.Logger) *Service {
	return &Service{
		store: store,
		rec:   NewReconstructor(store, log),
		bus:   bus,
		log:   log,
	}
}

// History returns the transcript for a thread. The result is never nil:
// threads without checkpoints and reconstruction failures both yield an
// empty transcript. Only cancellation surfaces as an error, so callers
// never mistake an aborted request for an empty conversation.
func (s *Service) History(ctx context.Context, threadID string) ([]ChatMessage, error) {
	start := time.Now()

	msgs, path, err := s.rec.Reconstruct(ctx, threadID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, checkpoint.ErrUnavailable) {
			s.log.Error("checkpoint store unavailable, serving empty history",
				"thread_id", threadID, "error", err)
		} else {
			s.log.Error("transcript reconstruction failed, serving empty history",
				"thread_id", threadID, "error", err)
		}
		return []ChatMessage{}, nil
	}
	if msgs == nil {
		msgs = []ChatMessage{}
	}

	s.log.Debug("transcript reconstructed",
		"thread_id", threadID,
		"messages", len(msgs),
		"path", string(path),
		"elapsed", time.Since(start))

	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceTranscript,
		Kind:      events.KindTranscriptServed,
		Data: map[string]any{
			"thread_id":     threadID,
			"message_count": len(msgs),
			"path":          string(path),
			"elapsed_ms":    time.Since(start).Milliseconds(),
		},
	})
	return msgs, nil
}

// Threads lists the thread ids recorded for a user. Unlike History,
// store failures propagate: a thread listing is a navigation surface,
// and an empty list would read as "no conversations" while the store is
// down.
func (s *Service) Threads(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.store.Threads(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list threads for user: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// Ingest stores one checkpoint record. A missing thread id fails with
// ErrInvalidRecord; a missing sequence key is assigned from a
// time-ordered UUID so appends keep their arrival order; a missing
// timestamp is set to now.
func (s *Service) Ingest(ctx context.Context, rec *checkpoint.Record) error {
	if rec == nil || rec.ThreadID == "" {
		return fmt.Errorf("%w: thread id is required", ErrInvalidRecord)
	}
	if rec.SequenceKey == "" {
		key, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate sequence key: %w", err)
		}
		rec.SequenceKey = key.String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	if err := s.store.Append(ctx, rec); err != nil {
		return fmt.Errorf("append checkpoint: %w", err)
	}

	s.log.Info("checkpoint stored",
		"thread_id", rec.ThreadID,
		"sequence_key", rec.SequenceKey,
		"run_id", rec.Metadata.RunID)

	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceStore,
		Kind:      events.KindCheckpointStored,
		Data: map[string]any{
			"thread_id":    rec.ThreadID,
			"sequence_key": rec.SequenceKey,
			"run_id":       rec.Metadata.RunID,
		},
	})
	return nil
}
