package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/vanguard/internal/buildinfo"
	"github.com/nugget/vanguard/internal/config"
	"github.com/nugget/vanguard/internal/events"
)

// StatusSource supplies the live figures of the status snapshot. The
// concrete adapter is wired in main so this package stays independent
// of the session manager and the provider watcher.
type StatusSource interface {
	// ActiveCalls returns the number of open call sessions.
	ActiveCalls() int
	// ProviderReady reports whether the model provider is reachable.
	ProviderReady() bool
}

// Status is the retained JSON payload of the status topic.
type Status struct {
	InstanceID    string    `json:"instance_id"`
	Version       string    `json:"version"`
	Uptime        string    `json:"uptime"`
	Model         string    `json:"model"`
	ActiveCalls   int       `json:"active_calls"`
	ProviderReady bool      `json:"provider_ready"`
	TokensIn      int64     `json:"tokens_in_today"`
	TokensOut     int64     `json:"tokens_out_today"`
	RoundsToday   int64     `json:"rounds_today"`
	Timestamp     time.Time `json:"ts"`
}

// client is the subset of the autopaho connection the publisher uses.
type client interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher owns the broker connection and the publish loop.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	model      string
	tokens     *DailyTokens
	source     StatusSource
	bus        *events.Bus
	logger     *slog.Logger

	mu     sync.Mutex
	cm     *autopaho.ConnectionManager
	client client
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to connect and run the publish loop.
func New(cfg config.MQTTConfig, instanceID, model string, source StatusSource, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		model:      model,
		tokens:     NewDailyTokens(nil),
		source:     source,
		bus:        bus,
		logger:     logger.With("component", "mqtt"),
	}
}

// Start connects to the broker and publishes until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			// May fire before NewConnection returns.
			p.attach(cm)
			p.logger.Info("mqtt connected", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, "online")
			p.publishStatus(ctx)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.DeviceName + "-" + p.instanceID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	// Subscribe before connecting so no early call events are missed.
	var feed <-chan events.Event
	if p.bus != nil {
		feed = p.bus.Subscribe(256)
		defer p.bus.Unsubscribe(feed)
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.attach(cm)

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}

	p.run(ctx, feed)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, "offline")
	return cm.Disconnect(ctx)
}

func (p *Publisher) attach(cm *autopaho.ConnectionManager) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cm = cm
	p.client = cm
}

func (p *Publisher) conn() client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

func (p *Publisher) run(ctx context.Context, feed <-chan events.Event) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStatus(ctx)
		case e, ok := <-feed:
			if !ok {
				feed = nil
				continue
			}
			p.handleEvent(ctx, e)
		}
	}
}

// handleEvent counts tokens from model responses and forwards the
// event to its topic. Call boundaries also refresh the status so the
// active call count tracks the relay closely.
func (p *Publisher) handleEvent(ctx context.Context, e events.Event) {
	if e.Kind == events.KindLLMResponse {
		p.tokens.Add(intField(e.Data, "tokens_in"), intField(e.Data, "tokens_out"))
	}

	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Debug("mqtt marshal event failed", "kind", e.Kind, "error", err)
		return
	}
	p.publish(ctx, p.eventTopic(e), payload, 0, false)

	switch e.Kind {
	case events.KindCallStarted, events.KindCallEnded:
		p.publishStatus(ctx)
	}
}

func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// status builds the current snapshot.
func (p *Publisher) status() Status {
	in, out, rounds := p.tokens.Snapshot()
	s := Status{
		InstanceID:  p.instanceID,
		Version:     buildinfo.Version,
		Uptime:      buildinfo.Uptime().String(),
		Model:       p.model,
		TokensIn:    in,
		TokensOut:   out,
		RoundsToday: rounds,
		Timestamp:   time.Now().UTC(),
	}
	if p.source != nil {
		s.ActiveCalls = p.source.ActiveCalls()
		s.ProviderReady = p.source.ProviderReady()
	}
	return s
}

func (p *Publisher) publishStatus(ctx context.Context) {
	payload, err := json.Marshal(p.status())
	if err != nil {
		p.logger.Error("mqtt marshal status failed", "error", err)
		return
	}
	p.publish(ctx, p.statusTopic(), payload, 0, true)
}

func (p *Publisher) publishAvailability(ctx context.Context, state string) {
	if p.publish(ctx, p.availabilityTopic(), []byte(state), 1, true) {
		p.logger.Info("mqtt availability published", "state", state)
	}
}

// publish sends one message and reports whether it was accepted.
func (p *Publisher) publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) bool {
	c := p.conn()
	if c == nil {
		return false
	}
	if _, err := c.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		p.logger.Debug("mqtt publish failed", "topic", topic, "error", err)
		return false
	}
	return true
}

// --- Topics ---

func (p *Publisher) baseTopic() string {
	return p.cfg.TopicPrefix + "/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) statusTopic() string {
	return p.baseTopic() + "/status"
}

func (p *Publisher) eventTopic(e events.Event) string {
	return p.baseTopic() + "/events/" + e.Source + "/" + e.Kind
}
