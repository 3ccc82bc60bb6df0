// Package feedback records user feedback on agent runs. Feedback is
// append-only: clients score a run (stars, thumbs, custom keys) and the
// entries are kept for later analysis, keyed by run id.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/reeve/internal/events"
)

// ErrInvalid reports a feedback entry missing its required fields.
var ErrInvalid = errors.New("invalid feedback")

// Entry is one recorded feedback item.
type Entry struct {
	ID        uuid.UUID      `json:"id"`
	RunID     string         `json:"run_id"`
	Key       string         `json:"key"`
	Score     float64        `json:"score"`
	Kwargs    map[string]any `json:"kwargs,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store persists feedback entries.
type Store interface {
	// Record appends one entry.
	Record(ctx context.Context, e *Entry) error
	// ByRun returns the entries recorded for a run, oldest first.
	ByRun(ctx context.Context, runID string) ([]*Entry, error)
}

// Recorder validates and persists feedback, announcing each recorded
// entry on the event bus.
type Recorder struct {
	store Store
	bus   *events.Bus
	log   *slog.Logger
}

// NewRecorder creates a feedback recorder. The bus may be nil.
func NewRecorder(store Store, bus *events.Bus, log *slog.Logger) *Recorder {
	return &Recorder{store: store, bus: bus, log: log}
}

// Record stores one entry. RunID and Key are required; ID and CreatedAt
// are assigned when absent.
func (r *Recorder) Record(ctx context.Context, e *Entry) error {
	if e == nil || e.RunID == "" || e.Key == "" {
		return fmt.Errorf("%w: run_id and key are required", ErrInvalid)
	}
	if e.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate id: %w", err)
		}
		e.ID = id
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	if err := r.store.Record(ctx, e); err != nil {
		return fmt.Errorf("record feedback: %w", err)
	}

	r.log.Info("feedback recorded",
		"run_id", e.RunID, "key", e.Key, "score", e.Score)

	r.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceFeedback,
		Kind:      events.KindFeedbackRecorded,
		Data: map[string]any{
			"run_id": e.RunID,
			"key":    e.Key,
			"score":  e.Score,
		},
	})
	return nil
}

// ByRun returns the entries recorded for a run, oldest first.
func (r *Recorder) ByRun(ctx context.Context, runID string) ([]*Entry, error) {
	entries, err := r.store.ByRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("feedback for run: %w", err)
	}
	if entries == nil {
		entries = []*Entry{}
	}
	return entries, nil
}
