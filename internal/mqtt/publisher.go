package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/wright-agent/internal/audit"
	"github.com/nugget/wright-agent/internal/buildinfo"
	"github.com/nugget/wright-agent/internal/config"
	"github.com/nugget/wright-agent/internal/events"
)

// refreshInterval is how often uptime and counters are republished.
const refreshInterval = time.Minute

// ErrNotConnected is returned by Write before Start has connected.
var ErrNotConnected = errors.New("mqtt publisher not started")

// conn is the part of autopaho.ConnectionManager the publisher uses.
type conn interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher mirrors ad-hoc runs and provider health to a broker. It
// implements audit.Sink.
type Publisher struct {
	cfg    config.MQTTConfig
	id     Identity
	topics topics
	today  *tally
	bus    *events.Bus
	logger *slog.Logger

	mu        sync.RWMutex
	cm        conn
	ac        *autopaho.ConnectionManager
	providers map[string]bool // last reported reachability
}

var _ audit.Sink = (*Publisher)(nil)

// New creates a Publisher. Provider health comes from bus; a nil bus
// publishes no provider entities. Nothing connects until Start.
func New(cfg config.MQTTConfig, id Identity, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:       cfg,
		id:        id,
		topics:    topics{prefix: cfg.DiscoveryPrefix, node: id.Name},
		today:     newTally(nil),
		bus:       bus,
		logger:    logger.With("component", "mqtt"),
		providers: make(map[string]bool),
	}
}

// Start connects and keeps state fresh until ctx is cancelled. Every
// (re)connect re-announces the entities and marks the device online.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	var health <-chan events.Event
	if p.bus != nil {
		health = p.bus.Subscribe(16, events.FromSources(events.SourceHealth))
		defer p.bus.Unsubscribe(health)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.topics.availability(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected", "broker", p.cfg.Broker)
			p.announce(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{ClientID: "wright-" + p.id.Name},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm, p.ac = cm, cm
	p.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = cm.AwaitConnection(waitCtx)
	cancel()
	if err != nil {
		p.logger.Warn("mqtt not connected yet, retrying in background", "error", err)
	}

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	p.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.refresh(ctx)
		case e, ok := <-health:
			if !ok {
				health = nil
				continue
			}
			p.providerChanged(ctx, e)
		}
	}
}

// Stop marks the device offline and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	p.availability(ctx, cm, "offline")

	p.mu.RLock()
	ac := p.ac
	p.mu.RUnlock()
	if ac == nil {
		return nil
	}
	return ac.Disconnect(ctx)
}

// Write publishes rec on the runs topic and as the last-run sensor, then
// updates the daily counters.
func (p *Publisher) Write(ctx context.Context, rec audit.Record) error {
	cm := p.conn()
	if cm == nil {
		return ErrNotConnected
	}

	outcome := "succeeded"
	if rec.Succeeded() {
		p.today.add(keySucceeded, 1)
	} else {
		outcome = "failed"
		p.today.add(keyFailed, 1)
	}
	p.today.add(keyAttempts, int64(rec.Attempts))

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	if _, err := cm.Publish(ctx, &paho.Publish{Topic: p.topics.runs(), Payload: payload, QoS: 1}); err != nil {
		return fmt.Errorf("publish audit record: %w", err)
	}

	p.retain(ctx, cm, p.topics.attributes(keyLastRun), payload)
	p.retain(ctx, cm, p.topics.state(keyLastRun), []byte(outcome))
	p.counters(ctx, cm)
	return nil
}

func (p *Publisher) conn() conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cm
}

// entities lists the fixed entities plus one per provider seen so far.
func (p *Publisher) entities() []entity {
	p.mu.RLock()
	names := slices.Sorted(maps.Keys(p.providers))
	p.mu.RUnlock()

	out := slices.Clone(fixedEntities)
	for _, name := range names {
		out = append(out, providerEntity(name))
	}
	return out
}

// announce publishes discovery for every entity, the birth message and
// the last known provider states.
func (p *Publisher) announce(ctx context.Context, cm conn) {
	for _, e := range p.entities() {
		p.discover(ctx, cm, e)
	}
	p.availability(ctx, cm, "online")

	p.mu.RLock()
	states := maps.Clone(p.providers)
	p.mu.RUnlock()
	for name, up := range states {
		p.retain(ctx, cm, p.topics.state(providerEntity(name).key), onOff(up))
	}
}

func (p *Publisher) discover(ctx context.Context, cm conn, e entity) {
	topic := p.topics.config(e)
	payload, err := json.Marshal(e.discovery(p.id, p.topics))
	if err != nil {
		p.logger.Error("mqtt marshal discovery payload", "entity", e.key, "error", err)
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: 1, Retain: true}); err != nil {
		p.logger.Warn("mqtt discovery publish failed", "entity", e.key, "topic", topic, "error", err)
		return
	}
	p.logger.Debug("mqtt discovery published", "entity", e.key, "topic", topic)
}

func (p *Publisher) availability(ctx context.Context, cm conn, status string) {
	_, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.topics.availability(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	})
	if err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

// providerChanged handles a service_up or service_down event. The first
// event for a provider also announces its entity.
func (p *Publisher) providerChanged(ctx context.Context, e events.Event) {
	name, _ := e.Data["service"].(string)
	if name == "" {
		return
	}
	up := e.Kind == events.KindServiceUp

	p.mu.Lock()
	_, known := p.providers[name]
	p.providers[name] = up
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return
	}

	ent := providerEntity(name)
	if !known {
		p.discover(ctx, cm, ent)
	}
	p.retain(ctx, cm, p.topics.state(ent.key), onOff(up))
}

func (p *Publisher) refresh(ctx context.Context) {
	cm := p.conn()
	if cm == nil {
		return
	}
	p.retain(ctx, cm, p.topics.state("uptime"), []byte(buildinfo.Uptime().String()))
	p.retain(ctx, cm, p.topics.state("version"), []byte(buildinfo.Current().Version))
	p.counters(ctx, cm)
}

func (p *Publisher) counters(ctx context.Context, cm conn) {
	for _, key := range []string{keySucceeded, keyFailed, keyAttempts} {
		p.retain(ctx, cm, p.topics.state(key), []byte(strconv.FormatInt(p.today.get(key), 10)))
	}
}

// retain publishes a retained QoS 0 state. Failures are logged only.
func (p *Publisher) retain(ctx context.Context, cm conn, topic string, payload []byte) {
	if _, err := cm.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, Retain: true}); err != nil {
		p.logger.Debug("mqtt state publish failed", "topic", topic, "error", err)
	}
}

func onOff(up bool) []byte {
	if up {
		return []byte("ON")
	}
	return []byte("OFF")
}
