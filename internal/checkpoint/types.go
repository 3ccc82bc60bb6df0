// Package checkpoint provides read and append access to conversation
// checkpoints. A checkpoint is one immutable snapshot of a thread's
// channel state written by the producing agent process, together with
// the incremental writes each pipeline stage recorded since the
// previous checkpoint. This package only stores and retrieves what the
// producer wrote; turning checkpoints into transcripts is the
// transcript package's job.
package checkpoint

import "time"

// Writer stage names under which pipeline deltas are recorded. The
// producer runs stages in this order within a turn.
const (
	StageStart = "__start__"
	StageAgent = "agent"
	StageTools = "tools"
)

// Metadata carries the tracking fields and per-stage writes attached to
// one checkpoint.
type Metadata struct {
	// Writes maps a writer-stage name to the values that stage
	// appended. Stage values are opaque channel mappings; a stage
	// that recorded conversation turns carries them under a
	// "messages" key.
	Writes map[string]any `json:"writes,omitempty"`

	RunID     string `json:"run_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// StageMessages returns the raw messages recorded under the named
// writer stage. Stages that wrote nothing, or whose value is not a
// channel mapping, yield nil.
func (m Metadata) StageMessages(stage string) []any {
	values, ok := m.Writes[stage].(map[string]any)
	if !ok {
		return nil
	}
	msgs, ok := values["messages"].([]any)
	if !ok {
		return nil
	}
	return msgs
}

// Record is one persisted checkpoint. Records are immutable once
// appended; readers must not modify them.
type Record struct {
	// ThreadID partitions checkpoints by conversation.
	ThreadID string `json:"thread_id"`

	// SequenceKey orders checkpoints within a thread. Keys compare
	// lexically; producers use time-ordered UUIDs so later
	// checkpoints always sort after earlier ones.
	SequenceKey string `json:"sequence_key"`

	// Snapshot holds the last known complete channel state,
	// optionally including a "messages" list.
	Snapshot map[string]any `json:"snapshot,omitempty"`

	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
}

// SnapshotMessages returns the raw messages in the record's snapshot,
// or nil when the snapshot carries none.
func (r *Record) SnapshotMessages() []any {
	msgs, ok := r.Snapshot["messages"].([]any)
	if !ok {
		return nil
	}
	return msgs
}
