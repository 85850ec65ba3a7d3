// Package events carries operational events from the agent loop, the
// ad-hoc orchestrator, registered tasks and the provider health monitor
// to live subscribers such as the /v1/events WebSocket. Publishing on a
// nil *Bus is a no-op so components need no guard checks.
package events

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the conversational tool loop.
	SourceAgent = "agent"
	// SourceAdhoc identifies events from the ad-hoc orchestrator.
	SourceAdhoc = "adhoc"
	// SourceTask identifies events from registered task execution.
	SourceTask = "task"
	// SourceHealth identifies provider reachability transitions.
	SourceHealth = "health"
)

// Kind constants describe the type of event within a source.
const (
	// KindRequestStart signals the beginning of an agent request.
	// Data: request_id, model, messages.
	KindRequestStart = "request_start"
	// KindLLMCall signals the start of a model turn.
	// Data: request_id, round, model, messages.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a model turn.
	// Data: request_id, round, model, tokens_in, tokens_out, tool_calls.
	KindLLMResponse = "llm_response"
	// KindContextOverflow signals a recovered context overflow.
	// Data: request_id, round, truncated_tool.
	KindContextOverflow = "context_overflow"
	// KindToolCall signals the start of a tool execution.
	// Data: request_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: request_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindRequestComplete signals the end of an agent request.
	// Data: request_id, model, rounds, total_tokens_in,
	// total_tokens_out, elapsed_ms, error.
	KindRequestComplete = "request_complete"

	// KindAttemptStart signals a new synthesis attempt.
	// Data: attempt, task_len.
	KindAttemptStart = "attempt_start"
	// KindAttemptFailed signals a failed synthesis or execution.
	// Data: attempt, state, error.
	KindAttemptFailed = "attempt_failed"
	// KindAdhocComplete signals a terminal ad-hoc transition.
	// Data: state, attempts, elapsed_ms, error.
	KindAdhocComplete = "adhoc_complete"

	// KindTaskComplete signals a registered task has finished.
	// Data: request_id, task_name, ok, duration_ms.
	KindTaskComplete = "task_complete"

	// KindServiceUp signals a watched provider became reachable.
	// Data: service.
	KindServiceUp = "service_up"
	// KindServiceDown signals a watched provider became unreachable.
	// Data: service, error.
	KindServiceDown = "service_down"
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

// Filter selects the events a subscriber receives.
type Filter func(Event) bool

// FromSources matches events published by any of the given sources.
func FromSources(sources ...string) Filter {
	return func(e Event) bool {
		return slices.Contains(sources, e.Source)
	}
}

// ForRequest matches events carrying the given request_id. Events
// without one, such as health transitions, do not match.
func ForRequest(id string) Filter {
	return func(e Event) bool {
		v, _ := e.Data["request_id"].(string)
		return v == id
	}
}

type subscriber struct {
	ch      chan Event
	filters []Filter
}

func (s *subscriber) wants(e Event) bool {
	for _, f := range s.filters {
		if !f(e) {
			return false
		}
	}
	return true
}

// Bus fans events out to subscribers without ever blocking the
// publisher: a subscriber whose buffer is full misses the event. The
// zero value is not usable; call New. A nil *Bus accepts and discards
// everything.
type Bus struct {
	mu      sync.RWMutex
	subs    map[<-chan Event]*subscriber
	dropped atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]*subscriber)}
}

// Publish delivers e to every matching subscriber. A zero Timestamp is
// set to now.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe registers a subscriber with a buffer of bufSize that
// receives the events matching every filter. Callers must Unsubscribe.
func (b *Bus) Subscribe(bufSize int, filters ...Filter) <-chan Event {
	s := &subscriber{ch: make(chan Event, bufSize), filters: filters}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[s.ch] = s
	return s.ch
}

// Unsubscribe removes the subscription and closes its channel. Unknown
// or already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(s.ch)
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

// Dropped returns how many deliveries were skipped because a
// subscriber's buffer was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
