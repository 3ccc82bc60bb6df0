package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/reeve/internal/config"
	"github.com/nugget/reeve/internal/events"
)

// StatsSource provides runtime data for the periodic state publish.
// The concrete implementation is wired in main.go to avoid coupling
// the MQTT package to the API server or the stores.
type StatsSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
	// CheckpointsStored returns how many checkpoints this process has ingested.
	CheckpointsStored() int64
	// TranscriptsServed returns how many transcripts this process has served.
	TranscriptsServed() int64
}

// Announcer manages the MQTT connection, keeps the availability topic
// current, runs a periodic loop that pushes service stats to the
// broker, and mirrors operational events from the bus onto per-kind
// topics.
type Announcer struct {
	cfg        config.MQTTConfig
	instanceID string
	stats      StatsSource
	bus        *events.Bus
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates an Announcer but does not connect. Call [Announcer.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, stats StatsSource, bus *events.Bus, logger *slog.Logger) *Announcer {
	return &Announcer{
		cfg:        cfg,
		instanceID: instanceID,
		stats:      stats,
		bus:        bus,
		logger:     logger,
	}
}

// Start connects to the MQTT broker and begins the publish loop. It
// blocks until ctx is cancelled. On every (re-)connect it publishes a
// birth message to the availability topic.
func (a *Announcer) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(a.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := a.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: a.cfg.Username,
		ConnectPassword: []byte(a.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			a.logger.Info("mqtt connected to broker", "broker", a.cfg.Broker)
			a.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			a.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			// The persisted instance ID keeps the client identity stable
			// across restarts and device_name changes.
			ClientID: "reeve-" + a.instanceID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	a.cm = cm

	// Wait for the initial connection before starting the publish loop.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail — autopaho will keep retrying in the background.
		a.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	a.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection. The provided context
// controls how long to wait for the publish and disconnect to complete.
func (a *Announcer) Stop(ctx context.Context) error {
	if a.cm == nil {
		return nil
	}
	a.publishAvailability(ctx, a.cm, "offline")
	return a.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires.
func (a *Announcer) AwaitConnection(ctx context.Context) error {
	if a.cm == nil {
		return fmt.Errorf("mqtt announcer not started")
	}
	return a.cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (a *Announcer) baseTopic() string {
	return "reeve/" + a.cfg.DeviceName
}

func (a *Announcer) availabilityTopic() string {
	return a.baseTopic() + "/availability"
}

func (a *Announcer) stateTopic(entity string) string {
	return a.baseTopic() + "/" + entity + "/state"
}

func (a *Announcer) eventTopic(kind string) string {
	return a.baseTopic() + "/events/" + kind
}

func (a *Announcer) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   a.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		a.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		a.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Publish loop ---

func (a *Announcer) runLoop(ctx context.Context) {
	interval := time.Duration(a.cfg.PublishIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Receiving from a nil channel blocks forever, so with no bus the
	// select below simply never fires that case.
	var ch <-chan events.Event
	if a.bus != nil {
		ch = a.bus.Subscribe(64)
		defer a.bus.Unsubscribe(ch)
	}

	// Publish immediately on start.
	a.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.publishStates(ctx)
		case evt := <-ch:
			a.publishEvent(ctx, evt)
		}
	}
}

func (a *Announcer) publishStates(ctx context.Context) {
	if a.cm == nil || a.stats == nil {
		return
	}

	states := map[string]string{
		"uptime":             a.stats.Uptime().Truncate(time.Second).String(),
		"version":            a.stats.Version(),
		"checkpoints_stored": strconv.FormatInt(a.stats.CheckpointsStored(), 10),
		"transcripts_served": strconv.FormatInt(a.stats.TranscriptsServed(), 10),
	}

	for entity, value := range states {
		if _, err := a.cm.Publish(ctx, &paho.Publish{
			Topic:   a.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			a.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}

	a.logger.Debug("mqtt service states published",
		"entities", len(states))
}

func (a *Announcer) publishEvent(ctx context.Context, evt events.Event) {
	if a.cm == nil {
		return
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		a.logger.Error("mqtt marshal event payload",
			"kind", evt.Kind, "error", err)
		return
	}

	if _, err := a.cm.Publish(ctx, &paho.Publish{
		Topic:   a.eventTopic(evt.Kind),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		a.logger.Debug("mqtt event publish failed",
			"kind", evt.Kind, "error", err)
	}
}
