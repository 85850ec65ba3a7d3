// Package connwatch tracks the reachability of the model providers the
// agent depends on. Each watched service is probed with exponential
// backoff at startup and then polled on an interval. Up and down
// transitions are logged and published on the event bus so WebSocket
// and MQTT consumers see outages as they happen.
//
// This is distinct from httpkit's transport-level retry, which absorbs
// sub-second dial errors. connwatch reports multi-second to multi-minute
// outages such as a restarting Ollama server or a revoked API key.
package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nugget/wright-agent/internal/events"
)

// Probe checks whether a service is reachable. It returns nil when the
// service is healthy.
type Probe func(ctx context.Context) error

// Backoff controls probe timing. Zero fields take the values from
// [DefaultBackoff].
type Backoff struct {
	// Initial is the delay after the first failed startup probe.
	Initial time.Duration
	// Max caps backoff growth.
	Max time.Duration
	// Multiplier scales the delay after each failed startup probe.
	Multiplier float64
	// StartupAttempts bounds the backoff phase before falling back to
	// interval polling.
	StartupAttempts int
	// Poll is the steady-state probe interval.
	Poll time.Duration
	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration
}

// DefaultBackoff probes at 2s, 4s, 8s ... capped at 60s for up to eight
// startup attempts, then every five minutes.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:         2 * time.Second,
		Max:             60 * time.Second,
		Multiplier:      2.0,
		StartupAttempts: 8,
		Poll:            5 * time.Minute,
		ProbeTimeout:    10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.StartupAttempts <= 0 {
		b.StartupAttempts = d.StartupAttempts
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Status is a point-in-time view of one service, shaped for the
// /health endpoint.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	// Failures counts consecutive failed probes.
	Failures int `json:"consecutive_failures,omitempty"`
}

type service struct {
	name    string
	probe   Probe
	backoff Backoff

	mu     sync.Mutex
	status Status
}

// Monitor owns a set of watched services.
type Monitor struct {
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	services map[string]*service
	cancels  []context.CancelFunc
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor that publishes transitions on bus. A nil
// bus disables publishing.
func NewMonitor(bus *events.Bus, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		bus:      bus,
		logger:   logger.With("component", "connwatch"),
		services: make(map[string]*service),
	}
}

// Watch starts probing a service in the background until ctx is
// cancelled or Stop is called.
func (m *Monitor) Watch(ctx context.Context, name string, probe Probe, backoff Backoff) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("connwatch: service name is empty")
	}
	if probe == nil {
		return errors.New("connwatch: probe is nil")
	}

	m.mu.Lock()
	if _, dup := m.services[name]; dup {
		m.mu.Unlock()
		return errors.New("connwatch: service " + name + " already watched")
	}
	svc := &service{
		name:    name,
		probe:   probe,
		backoff: backoff.withDefaults(),
		status:  Status{Name: name},
	}
	m.services[name] = svc
	watchCtx, cancel := context.WithCancel(ctx)
	m.cancels = append(m.cancels, cancel)
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.run(watchCtx, svc)
	}()
	return nil
}

// Status returns every watched service sorted by name.
func (m *Monitor) Status() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.services))
	for _, svc := range m.services {
		svc.mu.Lock()
		out = append(out, svc.status)
		svc.mu.Unlock()
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Ready reports whether every watched service is reachable.
func (m *Monitor) Ready() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Stop cancels all watchers and waits for them to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancels := m.cancels
	m.cancels = nil
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context, svc *service) {
	b := svc.backoff

	delay := b.Initial
	for attempt := 1; attempt <= b.StartupAttempts; attempt++ {
		if m.check(ctx, svc) {
			break
		}
		if attempt == b.StartupAttempts {
			m.logger.Info("service unreachable at startup, polling in background",
				"service", svc.name, "attempts", attempt)
			break
		}
		if !sleep(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*b.Multiplier), b.Max)
	}

	ticker := time.NewTicker(b.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx, svc)
		}
	}
}

// check probes once, records the outcome, and reports transitions.
// It returns whether the service is ready.
func (m *Monitor) check(ctx context.Context, svc *service) bool {
	probeCtx, cancel := context.WithTimeout(ctx, svc.backoff.ProbeTimeout)
	err := svc.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return false
	}

	svc.mu.Lock()
	first := svc.status.LastCheck.IsZero()
	wasReady := svc.status.Ready
	svc.status.LastCheck = time.Now()
	svc.status.Ready = err == nil
	if err != nil {
		svc.status.LastError = err.Error()
		svc.status.Failures++
	} else {
		svc.status.LastError = ""
		svc.status.Failures = 0
	}
	failures := svc.status.Failures
	svc.mu.Unlock()

	switch {
	case err == nil && !wasReady:
		m.logger.Info("service ready", "service", svc.name)
		m.publish(events.KindServiceUp, svc.name, nil)
	case err != nil && (wasReady || first):
		m.logger.Warn("service unreachable", "service", svc.name, "error", err)
		m.publish(events.KindServiceDown, svc.name, err)
	case err != nil:
		m.logger.Debug("service still unreachable", "service", svc.name, "failures", failures, "error", err)
	}
	return err == nil
}

func (m *Monitor) publish(kind, name string, err error) {
	data := map[string]any{"service": name}
	if err != nil {
		data["error"] = err.Error()
	}
	m.bus.Emit(events.SourceHealth, kind, data)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
