package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/nugget/wright-agent/internal/audit"
	"github.com/nugget/wright-agent/internal/config"
	"github.com/nugget/wright-agent/internal/events"
)

// fakeConn records publishes.
type fakeConn struct {
	mu   sync.Mutex
	msgs []*paho.Publish
	err  error
}

func (f *fakeConn) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, p)
	return &paho.PublishResponse{}, f.err
}

// last returns the most recent payload on topic.
func (f *fakeConn) last(topic string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.msgs) - 1; i >= 0; i-- {
		if f.msgs[i].Topic == topic {
			return string(f.msgs[i].Payload), true
		}
	}
	return "", false
}

func (f *fakeConn) count(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.msgs {
		if m.Topic == topic {
			n++
		}
	}
	return n
}

var benchID = Identity{ID: "0190b6a2-0000-7000-8000-000000000001", Name: "bench-wright"}

func testPublisher(t *testing.T) (*Publisher, *fakeConn) {
	t.Helper()
	p := New(config.MQTTConfig{
		Broker:          "mqtt://localhost:1883",
		DeviceName:      benchID.Name,
		DiscoveryPrefix: "homeassistant",
	}, benchID, events.New(), nil)
	fc := &fakeConn{}
	p.cm = fc
	return p, fc
}

func TestLoadIdentity(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")

	first, err := LoadIdentity(dir, "kitchen")
	if err != nil {
		t.Fatal(err)
	}
	if id, err := uuid.Parse(first.ID); err != nil || id.Version() != 7 {
		t.Errorf("ID %q is not a UUIDv7", first.ID)
	}
	if first.Name != "kitchen" {
		t.Errorf("Name = %q", first.Name)
	}

	renamed, err := LoadIdentity(dir, "garage")
	if err != nil {
		t.Fatal(err)
	}
	if renamed.ID != first.ID || renamed.Name != "garage" {
		t.Errorf("after rename = %+v, want ID %q", renamed, first.ID)
	}
}

func TestLoadIdentity_Corrupt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, identityFile), []byte("not-a-uuid\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadIdentity(dir, "x"); err == nil {
		t.Error("corrupt instance id accepted")
	}

	// An empty file is regenerated rather than rejected.
	if err := os.WriteFile(filepath.Join(dir, identityFile), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if id, err := LoadIdentity(dir, "x"); err != nil || id.ID == "" {
		t.Errorf("empty file: %+v, %v", id, err)
	}
}

func TestTopics(t *testing.T) {
	tp := topics{prefix: "homeassistant", node: "bench-wright"}
	tests := []struct {
		got, want string
	}{
		{tp.availability(), "wright/bench-wright/availability"},
		{tp.runs(), "wright/bench-wright/adhoc/runs"},
		{tp.state("uptime"), "wright/bench-wright/uptime/state"},
		{tp.attributes(keyLastRun), "wright/bench-wright/last_run/attributes"},
		{tp.config(fixedEntities[0]), "homeassistant/sensor/bench-wright/uptime/config"},
		{tp.config(providerEntity("openai")), "homeassistant/binary_sensor/bench-wright/provider_openai/config"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestSlug(t *testing.T) {
	for in, want := range map[string]string{"openai": "openai", "Ollama-Local": "ollama_local", "a.b c": "a_b_c"} {
		if got := slug(in); got != want {
			t.Errorf("slug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAnnounce(t *testing.T) {
	p, fc := testPublisher(t)
	p.announce(context.Background(), fc)

	for _, e := range fixedEntities {
		if _, ok := fc.last(p.topics.config(e)); !ok {
			t.Errorf("no discovery for %s", e.key)
		}
	}
	if got, _ := fc.last(p.topics.availability()); got != "online" {
		t.Errorf("availability = %q", got)
	}

	raw, _ := fc.last("homeassistant/sensor/bench-wright/last_run/config")
	var d discovery
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatal(err)
	}
	if d.UniqueID != benchID.ID+"_last_run" || d.AttributesTopic != "wright/bench-wright/last_run/attributes" {
		t.Errorf("last_run discovery = %+v", d)
	}
	if d.Device.Identifiers[0] != benchID.ID || d.Device.Name != "bench-wright" || d.EntityCategory != "" {
		t.Errorf("device = %+v", d.Device)
	}

	raw, _ = fc.last("homeassistant/sensor/bench-wright/uptime/config")
	d = discovery{}
	_ = json.Unmarshal([]byte(raw), &d)
	if d.EntityCategory != "diagnostic" || d.AttributesTopic != "" {
		t.Errorf("uptime discovery = %+v", d)
	}

	for _, m := range fc.msgs {
		if !m.Retain {
			t.Errorf("%s not retained", m.Topic)
		}
	}
}

func TestProviderHealth(t *testing.T) {
	p, fc := testPublisher(t)
	ctx := context.Background()
	cfgTopic := "homeassistant/binary_sensor/bench-wright/provider_openai/config"
	stateTopic := "wright/bench-wright/provider_openai/state"

	p.providerChanged(ctx, events.Event{Source: events.SourceHealth, Kind: events.KindServiceDown, Data: map[string]any{"service": "openai", "error": "dial tcp"}})
	if got, _ := fc.last(stateTopic); got != "OFF" {
		t.Errorf("state after down = %q", got)
	}
	raw, ok := fc.last(cfgTopic)
	if !ok {
		t.Fatal("provider not announced")
	}
	var d discovery
	_ = json.Unmarshal([]byte(raw), &d)
	if d.DeviceClass != "connectivity" || d.Name != "bench-wright Provider openai" {
		t.Errorf("provider discovery = %+v", d)
	}

	p.providerChanged(ctx, events.Event{Source: events.SourceHealth, Kind: events.KindServiceUp, Data: map[string]any{"service": "openai"}})
	if got, _ := fc.last(stateTopic); got != "ON" {
		t.Errorf("state after up = %q", got)
	}
	if n := fc.count(cfgTopic); n != 1 {
		t.Errorf("announced %d times, want once", n)
	}

	// A reconnect re-announces known providers with their last state.
	fresh := &fakeConn{}
	p.announce(ctx, fresh)
	if _, ok := fresh.last(cfgTopic); !ok {
		t.Error("provider missing from re-announce")
	}
	if got, _ := fresh.last(stateTopic); got != "ON" {
		t.Errorf("re-announced state = %q", got)
	}

	p.providerChanged(ctx, events.Event{Kind: events.KindServiceUp, Data: map[string]any{}})
	if len(p.entities()) != len(fixedEntities)+1 {
		t.Errorf("nameless event added an entity")
	}
}

func TestWrite_NotStarted(t *testing.T) {
	p := New(config.MQTTConfig{DeviceName: "x"}, Identity{ID: "id", Name: "x"}, nil, nil)
	if err := p.Write(context.Background(), audit.Record{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestWrite(t *testing.T) {
	p, fc := testPublisher(t)
	ctx := context.Background()

	if err := p.Write(ctx, audit.Record{ID: "r1", Task: "what is 2+2", Result: "4", Attempts: 1}); err != nil {
		t.Fatal(err)
	}
	if err := p.Write(ctx, audit.Record{ID: "r2", Task: "impossible", Error: "Max retries reached. Last error: x", Attempts: 5}); err != nil {
		t.Fatal(err)
	}

	raw, ok := fc.last("wright/bench-wright/adhoc/runs")
	if !ok {
		t.Fatal("record not published")
	}
	var rec audit.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.ID != "r2" || rec.Attempts != 5 {
		t.Errorf("last published record = %+v", rec)
	}

	for topic, want := range map[string]string{
		"wright/bench-wright/last_run/state":              "failed",
		"wright/bench-wright/adhoc_succeeded_today/state": "1",
		"wright/bench-wright/adhoc_failed_today/state":    "1",
		"wright/bench-wright/adhoc_attempts_today/state":  "6",
	} {
		if got, _ := fc.last(topic); got != want {
			t.Errorf("%s = %q, want %q", topic, got, want)
		}
	}
	if attrs, _ := fc.last("wright/bench-wright/last_run/attributes"); attrs != raw {
		t.Errorf("attributes = %s, want the run record", attrs)
	}
}

func TestWrite_PublishError(t *testing.T) {
	p, fc := testPublisher(t)
	fc.err = errors.New("not connected")
	if err := p.Write(context.Background(), audit.Record{ID: "r"}); err == nil {
		t.Error("expected publish error")
	}
}

func TestTally_Midnight(t *testing.T) {
	now := time.Date(2026, 12, 31, 23, 59, 0, 0, time.UTC)
	tl := newTally(time.UTC)
	tl.now = func() time.Time { return now }

	tl.add(keySucceeded, 1)
	tl.add(keySucceeded, 1)
	tl.add(keyAttempts, 7)
	if tl.get(keySucceeded) != 2 || tl.get(keyAttempts) != 7 || tl.get(keyFailed) != 0 {
		t.Fatalf("counts = %v", tl.counts)
	}

	now = now.Add(2 * time.Minute)
	if tl.get(keySucceeded) != 0 || tl.get(keyAttempts) != 0 {
		t.Errorf("after midnight = %v", tl.counts)
	}
}

func TestMQTTConfig_Configured(t *testing.T) {
	if (config.MQTTConfig{}).Configured() {
		t.Error("empty config reported configured")
	}
	if !(config.MQTTConfig{Broker: "mqtt://localhost:1883"}).Configured() {
		t.Error("broker config not configured")
	}
}
