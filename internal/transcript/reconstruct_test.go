package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/nugget/reeve/internal/checkpoint"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// failingStore simulates an unreachable backend for every operation.
type failingStore struct{}

func (failingStore) Append(ctx context.Context, rec *checkpoint.Record) error {
	return fmt.Errorf("append: %w", checkpoint.ErrUnavailable)
}

func (failingStore) Latest(ctx context.Context, threadID string) (*checkpoint.Record, error) {
	return nil, fmt.Errorf("latest: %w", checkpoint.ErrUnavailable)
}

func (failingStore) All(ctx context.Context, threadID string) ([]*checkpoint.Record, error) {
	return nil, fmt.Errorf("all: %w", checkpoint.ErrUnavailable)
}

func (failingStore) Threads(ctx context.Context, userID string) ([]string, error) {
	return nil, fmt.Errorf("threads: %w", checkpoint.ErrUnavailable)
}

func mustAppend(t *testing.T, store checkpoint.Store, rec *checkpoint.Record) {
	t.Helper()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := store.Append(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func rawMsg(typ, content string) map[string]any {
	return map[string]any{"type": typ, "content": content}
}

func TestReconstruct_EmptyThread(t *testing.T) {
	r := NewReconstructor(checkpoint.NewMemoryStore(), testLogger())

	msgs, path, err := r.Reconstruct(context.Background(), "unknown")
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if path != PathEmpty {
		t.Errorf("path = %q, want %q", path, PathEmpty)
	}
	if len(msgs) != 0 {
		t.Errorf("expected no messages, got %d", len(msgs))
	}
}

func TestReconstruct_SnapshotPath(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	mustAppend(t, store, &checkpoint.Record{
		ThreadID:    "t1",
		SequenceKey: "seq-1",
		Snapshot: map[string]any{
			"messages": []any{
				rawMsg("human", "hi"),
				rawMsg("ai", "hello"),
			},
		},
		Metadata: checkpoint.Metadata{RunID: "run-1", SessionID: "sess-1"},
	})

	r := NewReconstructor(store, testLogger())
	msgs, path, err := r.Reconstruct(context.Background(), "t1")
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if path != PathSnapshot {
		t.Errorf("path = %q, want %q", path, PathSnapshot)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Type != TypeHuman || msgs[0].Content != "hi" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[1].Type != TypeAI || msgs[1].Content != "hello" {
		t.Errorf("second message = %+v", msgs[1])
	}
	for i, m := range msgs {
		if m.RunID != "run-1" || m.ThreadID != "t1" || m.SessionID != "sess-1" {
			t.Errorf("message %d missing enrichment: %+v", i, m)
		}
	}
}

func TestReconstruct_SnapshotKeepsDuplicates(t *testing.T) {
	// A full snapshot is trusted as-is: identical turns must both
	// survive because no deduplication applies on this path.
	store := checkpoint.NewMemoryStore()
	mustAppend(t, store, &checkpoint.Record{
		ThreadID:    "t1",
		SequenceKey: "seq-1",
		Snapshot: map[string]any{
			"messages": []any{
				rawMsg("human", "ok"),
				rawMsg("human", "ok"),
			},
		},
	})

	r := NewReconstructor(store, testLogger())
	msgs, path, err := r.Reconstruct(context.Background(), "t1")
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if path != PathSnapshot {
		t.Errorf("path = %q, want %q", path, PathSnapshot)
	}
	if len(msgs) != 2 {
		t.Errorf("expected both duplicate turns, got %d messages", len(msgs))
	}
}

func TestReconstruct_UsesLatestSnapshotOnly(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	mustAppend(t, store, &checkpoint.Record{
		ThreadID:    "t1",
		SequenceKey: "seq-1",
		Snapshot:    map[string]any{"messages": []any{rawMsg("human", "old")}},
	})
	mustAppend(t, store, &checkpoint.Record{
		ThreadID:    "t1",
		SequenceKey: "seq-2",
		Snapshot: map[string]any{
			"messages": []any{
				rawMsg("human", "old"),
				rawMsg("ai", "new"),
			},
		},
	})

	r := NewReconstructor(store, testLogger())
	msgs, _, err := r.Reconstruct(context.Background(), "t1")
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected the 2 messages of the newest snapshot, got %d", len(msgs))
	}
	if msgs[1].Content != "new" {
		t.Errorf("second message = %+v, want ai/new", msgs[1])
	}
}

func TestReconstruct_FallbackStageOrder(t *testing.T) {
	// Writes land in a map; merge order must follow the fixed stage
	// sequence, not map iteration order.
	store := checkpoint.NewMemoryStore()
	mustAppend(t, store, &checkpoint.Record{
		ThreadID:    "t1",
		SequenceKey: "seq-1",
		Metadata: checkpoint.Metadata{
			Writes: map[string]any{
				checkpoint.StageTools: map[string]any{
					"messages": []any{map[string]any{
						"type": "tool", "content": "result", "tool_call_id": "c1", "name": "search",
					}},
				},
				checkpoint.StageAgent: map[string]any{
					"messages": []any{rawMsg("ai", "calling search")},
				},
				checkpoint.StageStart: map[string]any{
					"messages": []any{rawMsg("human", "find it")},
				},
			},
		},
	})

	r := NewReconstructor(store, testLogger())
	msgs, path, err := r.Reconstruct(context.Background(), "t1")
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if path != PathFallback {
		t.Errorf("path = %q, want %q", path, PathFallback)
	}
	want := []string{"find it", "calling search", "result"}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i, content := range want {
		if msgs[i].Content != content {
			t.Errorf("message %d content = %q, want %q", i, msgs[i].Content, content)
		}
	}
	if msgs[2].ToolCallID != "c1" || msgs[2].Name != "search" {
		t.Errorf("tool message identity lost: %+v", msgs[2])
	}
}

func TestReconstruct_FallbackDeduplicates(t *testing.T) {
	// Two checkpoints each recorded the same human turn; the merged
	// transcript keeps one.
	store := checkpoint.NewMemoryStore()
	for i := 1; i <= 2; i++ {
		mustAppend(t, store, &checkpoint.Record{
			ThreadID:    "t2",
			SequenceKey: fmt.Sprintf("seq-%d", i),
			Metadata: checkpoint.Metadata{
				Writes: map[string]any{
					checkpoint.StageStart: map[string]any{
						"messages": []any{rawMsg("human", "ok")},
					},
				},
			},
		})
	}

	r := NewReconstructor(store, testLogger())
	msgs, _, err := r.Reconstruct(context.Background(), "t2")
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected duplicate suppressed, got %d messages", len(msgs))
	}
	if msgs[0].Type != TypeHuman || msgs[0].Content != "ok" {
		t.Errorf("message = %+v", msgs[0])
	}
}

func TestReconstruct_FallbackSameContentDifferentType(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	mustAppend(t, store, &checkpoint.Record{
		ThreadID:    "t1",
		SequenceKey: "seq-1",
		Metadata: checkpoint.Metadata{
			Writes: map[string]any{
				checkpoint.StageStart: map[string]any{
					"messages": []any{rawMsg("human", "ok")},
				},
				checkpoint.StageAgent: map[string]any{
					"messages": []any{rawMsg("ai", "ok")},
				},
			},
		},
	})

	r := NewReconstructor(store, testLogger())
	msgs, _, err := r.Reconstruct(context.Background(), "t1")
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	// Same content but different type is not a duplicate.
	if len(msgs) != 2 {
		t.Errorf("expected 2 messages, got %d", len(msgs))
	}
}

func TestReconstruct_FallbackEnrichmentPerCheckpoint(t *testing.T) {
	// Delta messages take tracking fields from their own checkpoint,
	// not from the newest one.
	store := checkpoint.NewMemoryStore()
	mustAppend(t, store, &checkpoint.Record{
		ThreadID:    "t1",
		SequenceKey: "seq-1",
		Metadata: checkpoint.Metadata{
			RunID: "run-1",
			Writes: map[string]any{
				checkpoint.StageStart: map[string]any{
					"messages": []any{rawMsg("human", "first")},
				},
			},
		},
	})
	mustAppend(t, store, &checkpoint.Record{
		ThreadID:    "t1",
		SequenceKey: "seq-2",
		Metadata: checkpoint.Metadata{
			RunID: "run-2",
			Writes: map[string]any{
				checkpoint.StageAgent: map[string]any{
					"messages": []any{rawMsg("ai", "second")},
				},
			},
		},
	})

	r := NewReconstructor(store, testLogger())
	msgs, _, err := r.Reconstruct(context.Background(), "t1")
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].RunID != "run-1" {
		t.Errorf("first message run id = %q, want run-1", msgs[0].RunID)
	}
	if msgs[1].RunID != "run-2" {
		t.Errorf("second message run id = %q, want run-2", msgs[1].RunID)
	}
}

func TestReconstruct_SkipsUnsupportedMessages(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	mustAppend(t, store, &checkpoint.Record{
		ThreadID:    "t1",
		SequenceKey: "seq-1",
		Snapshot: map[string]any{
			"messages": []any{
				rawMsg("human", "hi"),
				map[string]any{"type": "system", "content": "skip me"},
				"not even a map",
				rawMsg("ai", "hello"),
			},
		},
	})

	r := NewReconstructor(store, testLogger())
	msgs, path, err := r.Reconstruct(context.Background(), "t1")
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if path != PathSnapshot {
		t.Errorf("path = %q, want %q", path, PathSnapshot)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 supported messages, got %d", len(msgs))
	}
}

func TestReconstruct_FallsBackWhenSnapshotUnusable(t *testing.T) {
	// The snapshot has entries but none survive normalization, so the
	// merge path must take over.
	store := checkpoint.NewMemoryStore()
	mustAppend(t, store, &checkpoint.Record{
		ThreadID:    "t1",
		SequenceKey: "seq-1",
		Snapshot: map[string]any{
			"messages": []any{
				map[string]any{"type": "system", "content": "unsupported"},
			},
		},
		Metadata: checkpoint.Metadata{
			Writes: map[string]any{
				checkpoint.StageStart: map[string]any{
					"messages": []any{rawMsg("human", "from writes")},
				},
			},
		},
	})

	r := NewReconstructor(store, testLogger())
	msgs, path, err := r.Reconstruct(context.Background(), "t1")
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if path != PathFallback {
		t.Errorf("path = %q, want %q", path, PathFallback)
	}
	if len(msgs) != 1 || msgs[0].Content != "from writes" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestReconstruct_IgnoresMalformedWrites(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	mustAppend(t, store, &checkpoint.Record{
		ThreadID:    "t1",
		SequenceKey: "seq-1",
		Metadata: checkpoint.Metadata{
			Writes: map[string]any{
				checkpoint.StageStart: "not a channel mapping",
				checkpoint.StageAgent: map[string]any{
					"messages": "not a list",
				},
				checkpoint.StageTools: map[string]any{
					"messages": []any{rawMsg("tool", "fine")},
				},
				"unknown_stage": map[string]any{
					"messages": []any{rawMsg("human", "never read")},
				},
			},
		},
	})

	r := NewReconstructor(store, testLogger())
	msgs, _, err := r.Reconstruct(context.Background(), "t1")
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "fine" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestReconstruct_StoreErrorSurfaces(t *testing.T) {
	r := NewReconstructor(failingStore{}, testLogger())

	_, _, err := r.Reconstruct(context.Background(), "t1")
	if !errors.Is(err, checkpoint.ErrUnavailable) {
		t.Errorf("got %v, want ErrUnavailable", err)
	}
}

func TestReconstruct_CancelledContext(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	mustAppend(t, store, &checkpoint.Record{ThreadID: "t1", SequenceKey: "seq-1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewReconstructor(store, testLogger())
	_, _, err := r.Reconstruct(ctx, "t1")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}
