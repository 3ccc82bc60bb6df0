package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/nugget/reeve/internal/config"
	"github.com/nugget/reeve/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// waitForSubscriber blocks until the notifier's Run goroutine has
// subscribed to the bus, so published events are not lost to the
// startup race.
func waitForSubscriber(t *testing.T, bus *events.Bus) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("notifier never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_NilWhenUnconfigured(t *testing.T) {
	if n := New(nil, events.New(), testLogger()); n != nil {
		t.Errorf("expected nil notifier for empty config, got %+v", n)
	}
}

func TestNotifier_DeliversEvents(t *testing.T) {
	received := make(chan events.Event, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		var evt events.Event
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			t.Errorf("decode body: %v", err)
		}
		received <- evt
	}))
	defer srv.Close()

	bus := events.New()
	n := New([]config.WebhookConfig{{URL: srv.URL}}, bus, testLogger())
	if n == nil {
		t.Fatal("expected a notifier")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Run(ctx)
	}()
	waitForSubscriber(t, bus)

	bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceStore,
		Kind:      events.KindCheckpointStored,
		Data:      map[string]any{"thread_id": "thread-1"},
	})

	select {
	case evt := <-received:
		if evt.Kind != events.KindCheckpointStored {
			t.Errorf("kind = %s, want %s", evt.Kind, events.KindCheckpointStored)
		}
		if evt.Data["thread_id"] != "thread-1" {
			t.Errorf("data = %v", evt.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for webhook delivery")
	}

	cancel()
	<-done
}

func TestNotifier_FiltersKinds(t *testing.T) {
	received := make(chan events.Event, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt events.Event
		json.NewDecoder(r.Body).Decode(&evt)
		received <- evt
	}))
	defer srv.Close()

	bus := events.New()
	cfg := []config.WebhookConfig{{
		URL:   srv.URL,
		Kinds: []string{events.KindFeedbackRecorded},
	}}
	n := New(cfg, bus, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Run(ctx)
	}()
	waitForSubscriber(t, bus)

	// Deliveries are sequential, so a wrongly-delivered first event
	// would arrive before the matching second one.
	bus.Publish(events.Event{Kind: events.KindCheckpointStored})
	bus.Publish(events.Event{Kind: events.KindFeedbackRecorded})

	select {
	case evt := <-received:
		if evt.Kind != events.KindFeedbackRecorded {
			t.Errorf("kind = %s, want %s (filter failed)", evt.Kind, events.KindFeedbackRecorded)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for webhook delivery")
	}

	cancel()
	<-done

	if len(received) != 0 {
		t.Errorf("expected no further deliveries, %d queued", len(received))
	}
}

func TestNotifier_MultipleTargets(t *testing.T) {
	hits := make(chan string, 4)
	newTarget := func(name string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits <- name
		}))
	}
	srvA := newTarget("a")
	defer srvA.Close()
	srvB := newTarget("b")
	defer srvB.Close()

	bus := events.New()
	cfg := []config.WebhookConfig{{URL: srvA.URL}, {URL: srvB.URL}}
	n := New(cfg, bus, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Run(ctx)
	}()
	waitForSubscriber(t, bus)

	bus.Publish(events.Event{Kind: events.KindTranscriptServed})

	got := map[string]bool{}
	for range 2 {
		select {
		case name := <-hits:
			got[name] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out; delivered so far: %v", got)
		}
	}
	if !got["a"] || !got["b"] {
		t.Errorf("expected both targets hit, got %v", got)
	}

	cancel()
	<-done
}

func TestNotifier_ServerErrorDoesNotStopLoop(t *testing.T) {
	received := make(chan int, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- 1
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	bus := events.New()
	n := New([]config.WebhookConfig{{URL: srv.URL}}, bus, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Run(ctx)
	}()
	waitForSubscriber(t, bus)

	bus.Publish(events.Event{Kind: events.KindCheckpointStored})
	bus.Publish(events.Event{Kind: events.KindCheckpointStored})

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatalf("delivery %d never arrived after server error", i+1)
		}
	}

	cancel()
	<-done
}
