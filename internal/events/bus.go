// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (conversation loop, relay
// transport) to subscribers (MQTT telemetry). The bus is nil-safe:
// calling Publish on a nil *Bus is a no-op, so components do not need
// guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceConversation identifies events from the conversation loop.
	SourceConversation = "conversation"
	// SourceRelay identifies events from the websocket relay.
	SourceRelay = "relay"
	// SourceConnwatch identifies dependency health transitions.
	SourceConnwatch = "connwatch"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStart signals the beginning of a caller turn.
	// Data: call_id, turn_id.
	KindTurnStart = "turn_start"
	// KindLLMCall signals the start of a model round.
	// Data: call_id, turn_id, round, model.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a model round.
	// Data: call_id, turn_id, round, model, tokens_in, tokens_out,
	// tool_calls.
	KindLLMResponse = "llm_response"
	// KindToolCall signals the start of a tool execution.
	// Data: call_id, turn_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: call_id, turn_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindTurnComplete signals a turn that ended with a spoken answer.
	// Data: call_id, turn_id, rounds, elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindTransfer signals a turn that ended with a human handoff.
	// Data: call_id, turn_id, reason.
	KindTransfer = "transfer"
	// KindTurnFailed signals a turn that ended with the apology.
	// Data: call_id, turn_id, error.
	KindTurnFailed = "turn_failed"
	// KindTurnCancelled signals a turn abandoned after interruption.
	// Data: call_id, turn_id.
	KindTurnCancelled = "turn_cancelled"

	// KindCallStarted signals a relay setup frame.
	// Data: call_id, from, to.
	KindCallStarted = "call_started"
	// KindCallEnded signals the relay connection closed.
	// Data: call_id.
	KindCallEnded = "call_ended"
	// KindInterrupt signals the caller spoke over the assistant.
	// Data: call_id, cancelled, elapsed_ms.
	KindInterrupt = "interrupt"

	// KindProviderStatus signals the model provider became reachable
	// or unreachable. Data: provider, ready.
	KindProviderStatus = "provider_status"
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

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; a full subscriber misses events rather than
// stalling a caller's turn.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]*subscriber

	dropped atomic.Uint64
}

type subscriber struct {
	ch      chan Event
	sources map[string]bool // nil means every source
}

func (s *subscriber) wants(source string) bool {
	return s.sources == nil || s.sources[source]
}

// New creates an event bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]*subscriber)}
}

// Publish delivers e to every interested subscriber without blocking.
// A nil bus discards the event.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(e.Source) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit publishes an event stamped with the current time. A nil bus
// discards it.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of published events, limited to the
// given sources when any are named. The caller must Unsubscribe.
func (b *Bus) Subscribe(bufSize int, sources ...string) <-chan Event {
	sub := &subscriber{ch: make(chan Event, bufSize)}
	if len(sources) > 0 {
		sub.sources = make(map[string]bool, len(sources))
		for _, src := range sources {
			sub.sources[src] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub.ch] = sub
	return sub.ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(sub.ch)
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
