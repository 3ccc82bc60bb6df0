package transcript

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/reeve/internal/checkpoint"
)

// LevelTrace is below Debug, used for raw checkpoint payload logging.
const LevelTrace = slog.Level(-8)

// Path identifies which strategy produced a transcript.
type Path string

const (
	// PathEmpty means the thread has no checkpoints yet.
	PathEmpty Path = "empty"
	// PathSnapshot means the latest snapshot was message-complete.
	PathSnapshot Path = "snapshot"
	// PathFallback means the transcript was merged from per-stage
	// delta writes across the thread's full checkpoint history.
	PathFallback Path = "fallback"
)

// fallbackStages is the fixed merge order for delta writes: thread
// initialization, then agent turns, then tool results. The stages are
// enumerated rather than discovered from map keys so merge order stays
// deterministic.
var fallbackStages = [...]string{
	checkpoint.StageStart,
	checkpoint.StageAgent,
	checkpoint.StageTools,
}

// Reconstructor turns a thread's checkpoint history into an ordered,
// deduplicated transcript. It holds no per-request state; one instance
// serves concurrent requests.
type Reconstructor struct {
	store checkpoint.Store
	log   *slog.Logger
}

// NewReconstructor creates a reconstructor reading from the given store.
func NewReconstructor(store checkpoint.Store, log *slog.Logger) *Reconstructor {
	return &Reconstructor{store: store, log: log}
}

// Reconstruct returns the transcript for a thread along with the path
// that produced it.
//
// The latest checkpoint decides the strategy. When its snapshot already
// carries messages they are normalized in order and returned as-is: a
// full snapshot is ordered and complete by construction, so no
// deduplication applies and identical adjacent turns survive. When the
// snapshot yields nothing, every checkpoint's delta writes are merged
// oldest-first, stage by stage, appending only turns whose
// (type, content) pair is not already present.
//
// Messages that fail normalization are skipped, never fatal. Store
// failures and cancellation return an error; the caller decides whether
// to degrade.
func (r *Reconstructor) Reconstruct(ctx context.Context, threadID string) ([]ChatMessage, Path, error) {
	latest, err := r.store.Latest(ctx, threadID)
	if err != nil {
		return nil, "", fmt.Errorf("latest checkpoint: %w", err)
	}
	if latest == nil {
		// No checkpoints means no conversation yet, a normal outcome.
		return nil, PathEmpty, nil
	}

	if msgs := r.fromSnapshot(ctx, latest); len(msgs) > 0 {
		return msgs, PathSnapshot, nil
	}

	msgs, err := r.mergeWrites(ctx, threadID)
	if err != nil {
		return nil, "", err
	}
	return msgs, PathFallback, nil
}

// fromSnapshot normalizes the messages in a record's snapshot,
// enriching each from the record's own metadata. Returns nil when the
// snapshot carries no usable messages.
func (r *Reconstructor) fromSnapshot(ctx context.Context, rec *checkpoint.Record) []ChatMessage {
	raws := rec.SnapshotMessages()
	if len(raws) == 0 {
		return nil
	}

	origin := originOf(rec)
	msgs := make([]ChatMessage, 0, len(raws))
	for _, raw := range raws {
		r.log.Log(ctx, LevelTrace, "normalizing snapshot message",
			"thread_id", rec.ThreadID, "payload", fmt.Sprint(raw))
		msg, err := Normalize(raw, origin)
		if err != nil {
			r.log.Warn("skipping snapshot message",
				"thread_id", rec.ThreadID, "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// mergeWrites walks every checkpoint oldest-first and merges the
// messages each writer stage recorded, deduplicating on (type, content)
// as it goes. Each message is enriched from its own checkpoint's
// metadata, since deltas originate from different checkpoints.
func (r *Reconstructor) mergeWrites(ctx context.Context, threadID string) ([]ChatMessage, error) {
	recs, err := r.store.All(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	var transcript []ChatMessage
	for _, rec := range recs {
		origin := originOf(rec)
		for _, stage := range fallbackStages {
			for _, raw := range rec.Metadata.StageMessages(stage) {
				r.log.Log(ctx, LevelTrace, "normalizing delta message",
					"thread_id", threadID, "stage", stage, "payload", fmt.Sprint(raw))
				msg, err := Normalize(raw, origin)
				if err != nil {
					r.log.Warn("skipping delta message",
						"thread_id", threadID, "stage", stage, "error", err)
					continue
				}
				if containsTurn(transcript, msg) {
					continue
				}
				transcript = append(transcript, msg)
			}
		}
	}
	return transcript, nil
}

// containsTurn reports whether the transcript already holds a message
// with the same type and content. Linear scan; transcripts are short
// enough that the quadratic merge cost does not matter.
func containsTurn(msgs []ChatMessage, m ChatMessage) bool {
	for i := range msgs {
		if msgs[i].Type == m.Type && msgs[i].Content == m.Content {
			return true
		}
	}
	return false
}

func originOf(rec *checkpoint.Record) Origin {
	return Origin{
		ThreadID:  rec.ThreadID,
		RunID:     rec.Metadata.RunID,
		SessionID: rec.Metadata.SessionID,
	}
}
