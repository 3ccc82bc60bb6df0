// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (checkpoint store, transcript
// service, feedback recorder) to subscribers (WebSocket handler, MQTT
// announcer, webhook notifier). The bus is nil-safe: calling Publish on a
// nil *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceStore identifies events from the checkpoint store.
	SourceStore = "store"
	// SourceTranscript identifies events from the transcript service.
	SourceTranscript = "transcript"
	// SourceFeedback identifies events from the feedback recorder.
	SourceFeedback = "feedback"
	// SourceAPI identifies events from the HTTP API layer.
	SourceAPI = "api"
)

// Kind constants describe the type of event within a source.
const (
	// KindCheckpointStored signals a checkpoint was appended to the store.
	// Data: thread_id, sequence_key, run_id.
	KindCheckpointStored = "checkpoint_stored"
	// KindTranscriptServed signals a transcript was reconstructed and
	// returned to a caller.
	// Data: thread_id, message_count, path, elapsed_ms.
	KindTranscriptServed = "transcript_served"
	// KindTranscriptExported signals a transcript was rendered to an
	// export format.
	// Data: thread_id, format, message_count.
	KindTranscriptExported = "transcript_exported"
	// KindFeedbackRecorded signals a feedback entry was stored.
	// Data: run_id, key, score.
	KindFeedbackRecorded = "feedback_recorded"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu sync.RWMutex
	// Keyed by the receive-only view handed out by Subscribe, so
	// Unsubscribe can look a subscription up from the caller's channel.
	// The value is the send side of the same channel.
	subs map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
