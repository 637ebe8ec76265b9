// Package events publishes the authorization outcome feed. Settled auth
// requests are announced as CloudEvents, consumed by downstream services
// (analytics, the merchant webhook notifier) and, in-process, by anything
// subscribed to the in-memory bus.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventEmitter publishes CloudEvents. Satisfied by the in-memory Bus and by
// PubSubBus; nil-able dependencies take this interface.
type EventEmitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// Outcome event types published when an auth request settles.
const (
	TypeAuthAuthorized = "payments.auth.authorized"
	TypeAuthDenied     = "payments.auth.denied"
	TypeAuthFailed     = "payments.auth.failed"
	TypeAuthExpired    = "payments.auth.expired"
)

// OutcomeTypes lists every settled-outcome event type, for subscribers that
// want the whole feed.
var OutcomeTypes = []string{TypeAuthAuthorized, TypeAuthDenied, TypeAuthFailed, TypeAuthExpired}

// OutcomeType maps a terminal read model status to its feed event type.
func OutcomeType(status string) string {
	switch status {
	case "AUTHORIZED":
		return TypeAuthAuthorized
	case "DENIED":
		return TypeAuthDenied
	case "EXPIRED":
		return TypeAuthExpired
	default:
		return TypeAuthFailed
	}
}

// CloudEvent is the CloudEvents 1.0 envelope used on the outcome feed.
// Subject carries the auth request id; RestaurantID keys per-tenant ordering.
type CloudEvent struct {
	SpecVersion  string                 `json:"specversion"`
	Type         string                 `json:"type"`
	Source       string                 `json:"source"`
	ID           string                 `json:"id"`
	Time         time.Time              `json:"time"`
	Subject      string                 `json:"subject,omitempty"`
	RestaurantID string                 `json:"restaurantid,omitempty"`
	Data         map[string]interface{} `json:"data"`
}

// NewCloudEvent builds a CloudEvents 1.0 compliant envelope. The restaurant
// id is lifted out of data when present.
func NewCloudEvent(eventType, source, subject string, data map[string]interface{}) *CloudEvent {
	ce := &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          uuid.NewString(),
		Time:        time.Now().UTC(),
		Subject:     subject,
		Data:        data,
	}
	if rid, ok := data["restaurant_id"].(string); ok {
		ce.RestaurantID = rid
	}
	return ce
}

// JSON serializes the envelope.
func (ce *CloudEvent) JSON() ([]byte, error) {
	data, err := json.Marshal(ce)
	if err != nil {
		return nil, fmt.Errorf("marshal cloud event %s: %w", ce.ID, err)
	}
	return data, nil
}

// Bus is the in-process fan-out. Subscribers get best-effort delivery; a
// full channel drops rather than blocks the pipeline.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *CloudEvent
	allSubs     []chan *CloudEvent
	bufferSize  int
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *CloudEvent),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving events of the given types, or all
// events when no types are named.
func (b *Bus) Subscribe(eventTypes ...string) chan *CloudEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *CloudEvent, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *CloudEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}

	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Publish delivers to every matching subscriber without blocking.
func (b *Bus) Publish(event *CloudEvent) {
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

// Emit builds and publishes an event.
func (b *Bus) Emit(eventType, source, subject string, data map[string]interface{}) {
	b.Publish(NewCloudEvent(eventType, source, subject, data))
}

// SubscriberCount reports active subscriptions, surfaced in health output.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}
