package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/reeve/internal/checkpoint"
	"github.com/nugget/reeve/internal/events"
	"github.com/nugget/reeve/internal/transcript"
)

func TestEventStream(t *testing.T) {
	srv, bus := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for the handler goroutine to subscribe before publishing.
	deadline := time.Now().Add(time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed to the bus")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceStore,
		Kind:      events.KindCheckpointStored,
		Data:      map[string]any{"thread_id": "t-ws"},
	})

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	var evt events.Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read: %v", err)
	}
	if evt.Kind != events.KindCheckpointStored {
		t.Errorf("kind = %q, want %q", evt.Kind, events.KindCheckpointStored)
	}
	if evt.Data["thread_id"] != "t-ws" {
		t.Errorf("thread_id = %v, want t-ws", evt.Data["thread_id"])
	}
}

func TestEventStreamUnsubscribesOnDisconnect(t *testing.T) {
	srv, bus := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed to the bus")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn.Close()

	deadline = time.Now().Add(time.Second)
	for bus.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never unsubscribed after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventStreamRequiresBus(t *testing.T) {
	log := testLogger()
	svc := transcript.NewService(checkpoint.NewMemoryStore(), nil, log)
	srv := NewServer("127.0.0.1", 0, svc, log)

	w := doRequest(t, srv.Handler(), http.MethodGet, "/v1/events", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}
