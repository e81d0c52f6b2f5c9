// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (poller, presence
// tracker, MQTT publisher) to subscribers such as the WebSocket
// handler. The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourcePoller identifies events from the router poll loop.
	SourcePoller = "poller"
	// SourcePresence identifies home/away state changes.
	SourcePresence = "presence"
	// SourceMQTT identifies events from the Home Assistant publisher.
	SourceMQTT = "mqtt"
)

// Kind constants describe the type of event within a source.
const (
	// KindRoundComplete signals a successful poll round.
	// Data: round, devices, arp_entries, leases, home, elapsed_ms.
	KindRoundComplete = "round_complete"
	// KindRoundFailed signals a poll round that changed no state.
	// Data: round, kind, retryable, error.
	KindRoundFailed = "round_failed"
	// KindRoundSkipped signals a tick dropped because a round was
	// still running.
	KindRoundSkipped = "round_skipped"
	// KindRouterDown signals the router stopped answering on its SSH
	// port. Data: error.
	KindRouterDown = "router_down"
	// KindRouterUp signals the router answers again.
	KindRouterUp = "router_up"

	// KindPresenceChanged signals a device moving between home and
	// not_home. Data: mac, from, to.
	KindPresenceChanged = "presence_changed"

	// KindDiscoveryPublished signals that discovery configs were sent.
	// Data: devices, reason.
	KindDiscoveryPublished = "discovery_published"
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
// on buffered channels; slow subscribers miss events rather than
// blocking publishers. The bus also keeps a short history so a client
// that connects between poll rounds can see what happened last.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event

	history []Event // ring buffer, len == cap once full
	next    int
	keep    int
}

// New creates a new event bus that remembers the last keep events.
func New(keep int) *Bus {
	if keep < 0 {
		keep = 0
	}
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
		history:    make([]Event, 0, keep),
		keep:       keep,
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.remember(e)
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// full subscriber: drop
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

func (b *Bus) remember(e Event) {
	if b.keep == 0 {
		return
	}
	if len(b.history) < b.keep {
		b.history = append(b.history, e)
		return
	}
	b.history[b.next] = e
	b.next = (b.next + 1) % b.keep
}

// Recent returns the remembered events, oldest first.
func (b *Bus) Recent() []Event {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, 0, len(b.history))
	out = append(out, b.history[b.next:]...)
	out = append(out, b.history[:b.next]...)
	return out
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
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
