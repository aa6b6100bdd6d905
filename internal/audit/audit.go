// Package audit implements the structured audit event stream required of
// every revocation, capability execution, escalation decision, and key
// rotation: a CloudEvents-shaped envelope fanned out to in-process
// subscribers and, optionally, a durable Pub/Sub topic.
//
// Grounded on the teacher's internal/events/bus.go (CloudEvent envelope,
// in-memory EventBus pub/sub) and internal/events/pubsub_bus.go (the
// Pub/Sub-backed decorator), re-keyed onto this mesh's own event types.
package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Type enumerates the event types every audited operation emits.
type Type string

const (
	TypeCapabilityIssued    Type = "ocx.capability.issued"
	TypeCapabilityExecuted  Type = "ocx.capability.executed"
	TypeCapabilityDenied    Type = "ocx.capability.denied"
	TypeCapabilityRevoked   Type = "ocx.capability.revoked"
	TypeEscalationRequested Type = "ocx.escalation.requested"
	TypeEscalationApproved  Type = "ocx.escalation.approved"
	TypeEscalationDenied    Type = "ocx.escalation.denied"
	TypeKeyRotated          Type = "ocx.key.rotated"
)

// Event is the CloudEvents 1.0 envelope every audited operation produces.
type Event struct {
	SpecVersion string         `json:"specversion"`
	Type        Type           `json:"type"`
	Source      string         `json:"source"`
	ID          string         `json:"id"`
	Time        time.Time      `json:"time"`
	Subject     string         `json:"subject,omitempty"`
	TenantID    string         `json:"tenantid,omitempty"`
	Data        map[string]any `json:"data"`
}

// newEvent stamps id/time/specversion; callers supply everything else.
func newEvent(typ Type, source, subject, tenantID string, data map[string]any) *Event {
	return &Event{
		SpecVersion: "1.0",
		Type:        typ,
		Source:      source,
		ID:          fmt.Sprintf("audit-%d", time.Now().UnixNano()),
		Time:        time.Now().UTC(),
		Subject:     subject,
		TenantID:    tenantID,
		Data:        data,
	}
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) { return json.Marshal(e) }

// Emitter is satisfied by both Bus and PubSubBus; components that want to
// emit audit events depend on this interface, not a concrete bus, so tests
// can inject a recording fake.
type Emitter interface {
	Emit(typ Type, source, subject, tenantID string, data map[string]any)
}

// Bus is an in-process pub/sub audit event bus. Subscribers (e.g. an
// operator-facing /audit/stream SSE endpoint) receive events in real time.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]chan *Event
	allSubs     []chan *Event
	bufferSize  int
}

// NewBus builds an empty in-memory audit bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Type][]chan *Event),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving events of the given types, or every
// event when called with no arguments.
func (b *Bus) Subscribe(types ...Type) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(types) == 0 {
		b.allSubs = append(b.allSubs, ch)
		return ch
	}
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}
	return ch
}

// Unsubscribe removes and closes ch.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, subs := range b.subscribers {
		b.subscribers[t] = removeChan(subs, ch)
	}
	b.allSubs = removeChan(b.allSubs, ch)
	close(ch)
}

func removeChan(subs []chan *Event, target chan *Event) []chan *Event {
	filtered := make([]chan *Event, 0, len(subs))
	for _, s := range subs {
		if s != target {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// Publish delivers event to every matching subscriber, dropping it for any
// subscriber whose buffer is full rather than blocking the emitting call.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit builds and publishes an Event. It implements Emitter.
func (b *Bus) Emit(typ Type, source, subject, tenantID string, data map[string]any) {
	b.Publish(newEvent(typ, source, subject, tenantID, data))
}

// SubscriberCount reports the total number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

var _ Emitter = (*Bus)(nil)

// NoopEmitter discards every event. Components default to this when no
// audit sink is wired, so audit emission is always safe to call
// unconditionally.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Type, string, string, string, map[string]any) {}

var _ Emitter = NoopEmitter{}
