// Package transcript reconstructs ordered, deduplicated conversation
// transcripts from checkpoint history. Checkpoints were never designed
// as a message log: full snapshots and per-stage delta writes both may
// carry messages, redundantly and in heterogeneous shapes. This package
// owns the normalization of those shapes into one canonical message
// type and the merge algorithm that turns a thread's checkpoints into a
// transcript.
package transcript

// Message types recognized by the normalizer. Any other discriminator
// is treated as an unsupported shape and skipped.
const (
	TypeHuman = "human"
	TypeAI    = "ai"
	TypeTool  = "tool"
)

// ToolCall is one tool invocation recorded on an ai message. ID is a
// pointer so missing ids serialize as null rather than "".
type ToolCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
	ID   *string        `json:"id"`
}

// ChatMessage is the canonical form of one conversational turn.
// ToolCalls appears only on ai messages that carry invocations;
// ToolCallID and Name identify which invocation a tool message answers.
// RunID, ThreadID, and SessionID are tracking enrichments copied from
// the checkpoint the message was read from.
type ChatMessage struct {
	Type             string         `json:"type"`
	Content          string         `json:"content"`
	ToolCalls        []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID       string         `json:"tool_call_id,omitempty"`
	Name             string         `json:"name,omitempty"`
	ResponseMetadata map[string]any `json:"response_metadata,omitempty"`
	RunID            string         `json:"run_id,omitempty"`
	ThreadID         string         `json:"thread_id,omitempty"`
	SessionID        string         `json:"session_id,omitempty"`
}

// RawMessage is the typed in-process form of one stored turn before
// normalization. Map-shaped records (plain or kwargs-wrapped) are read
// into this struct first, so every input shape normalizes through the
// same conversion.
type RawMessage struct {
	Type             string
	Content          any // string, or a list mixing strings and {"type":"text"} parts
	ToolCalls        []map[string]any
	AdditionalKwargs map[string]any
	ResponseMetadata map[string]any
	ToolCallID       string
	Name             string
}

// Origin carries the tracking fields of the checkpoint a raw message
// was read from. The fields enrich the normalized message and are never
// required for it to be valid.
type Origin struct {
	ThreadID  string
	RunID     string
	SessionID string
}
