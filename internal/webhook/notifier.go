// Package webhook delivers operational events to configured HTTP
// endpoints. Each target receives matching bus events as JSON POSTs;
// transient connection failures are retried by the shared httpkit
// client, and a failed delivery never blocks other targets or the
// publishing component.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/reeve/internal/config"
	"github.com/nugget/reeve/internal/events"
	"github.com/nugget/reeve/internal/httpkit"
)

// Notifier subscribes to the event bus and POSTs matching events to
// each configured target.
type Notifier struct {
	targets []target
	bus     *events.Bus
	client  *http.Client
	logger  *slog.Logger
}

// target is one delivery endpoint with its kind filter.
type target struct {
	url string
	// kinds filters delivered event kinds. nil means all kinds.
	kinds map[string]bool
}

// New builds a Notifier for the configured webhooks. Returns nil when
// no webhooks are configured so callers can skip starting it.
func New(cfgs []config.WebhookConfig, bus *events.Bus, logger *slog.Logger) *Notifier {
	if len(cfgs) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	targets := make([]target, 0, len(cfgs))
	for _, c := range cfgs {
		t := target{url: c.URL}
		if len(c.Kinds) > 0 {
			t.kinds = make(map[string]bool, len(c.Kinds))
			for _, k := range c.Kinds {
				t.kinds[k] = true
			}
		}
		targets = append(targets, t)
	}

	return &Notifier{
		targets: targets,
		bus:     bus,
		client: httpkit.NewClient(
			httpkit.WithTimeout(10*time.Second),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// Run subscribes to the bus and delivers events until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	ch := n.bus.Subscribe(64)
	defer n.bus.Unsubscribe(ch)

	n.logger.Info("webhook notifier started", "targets", len(n.targets))

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-ch:
			n.deliver(ctx, evt)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, evt events.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		n.logger.Error("webhook marshal event", "kind", evt.Kind, "error", err)
		return
	}

	for _, t := range n.targets {
		if t.kinds != nil && !t.kinds[evt.Kind] {
			continue
		}
		n.post(ctx, t.url, evt.Kind, payload)
	}
}

func (n *Notifier) post(ctx context.Context, url, kind string, payload []byte) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		n.logger.Error("webhook build request", "url", url, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("webhook delivery failed",
			"url", url, "kind", kind, "error", err)
		return
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode >= http.StatusMultipleChoices {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		n.logger.Warn("webhook delivery rejected",
			"url", url, "kind", kind, "status", resp.StatusCode, "body", body)
		return
	}

	n.logger.Debug("webhook delivered",
		"url", url, "kind", kind, "status", resp.StatusCode)
}
