package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcomeTypeMapping(t *testing.T) {
	assert.Equal(t, TypeAuthAuthorized, OutcomeType("AUTHORIZED"))
	assert.Equal(t, TypeAuthDenied, OutcomeType("DENIED"))
	assert.Equal(t, TypeAuthExpired, OutcomeType("EXPIRED"))
	assert.Equal(t, TypeAuthFailed, OutcomeType("FAILED"))
	assert.Equal(t, TypeAuthFailed, OutcomeType("anything else"))
}

func TestCloudEventEnvelope(t *testing.T) {
	ce := NewCloudEvent(TypeAuthAuthorized, "auth-processor-worker", "req-1", map[string]interface{}{
		"auth_request_id": "req-1",
		"restaurant_id":   "rest-9",
	})

	assert.Equal(t, "1.0", ce.SpecVersion)
	assert.Equal(t, "req-1", ce.Subject)
	assert.Equal(t, "rest-9", ce.RestaurantID, "restaurant id lifted out of data for ordering")
	assert.NotEmpty(t, ce.ID)
	assert.False(t, ce.Time.IsZero())

	raw, err := ce.JSON()
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "1.0", decoded["specversion"])
	assert.Equal(t, TypeAuthAuthorized, decoded["type"])
}

func TestBusDeliversToTypedSubscribers(t *testing.T) {
	bus := NewBus()
	authorized := bus.Subscribe(TypeAuthAuthorized)
	everything := bus.Subscribe()

	bus.Emit(TypeAuthAuthorized, "test", "req-1", map[string]interface{}{"auth_request_id": "req-1"})
	bus.Emit(TypeAuthDenied, "test", "req-2", map[string]interface{}{"auth_request_id": "req-2"})

	require.Len(t, authorized, 1)
	assert.Equal(t, "req-1", (<-authorized).Subject)

	require.Len(t, everything, 2)
	assert.Equal(t, 2, bus.SubscriberCount())
}

func TestBusOutcomeFeedSubscription(t *testing.T) {
	bus := NewBus()
	feed := bus.Subscribe(OutcomeTypes...)

	for _, et := range OutcomeTypes {
		bus.Emit(et, "test", "req", nil)
	}
	assert.Len(t, feed, len(OutcomeTypes))
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TypeAuthAuthorized)
	bus.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, bus.SubscriberCount())

	// Publishing after unsubscribe must not panic.
	bus.Emit(TypeAuthAuthorized, "test", "req", nil)
}

func TestBusFullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	bus.bufferSize = 1
	ch := bus.Subscribe(TypeAuthAuthorized)

	bus.Emit(TypeAuthAuthorized, "test", "req-1", nil)
	bus.Emit(TypeAuthAuthorized, "test", "req-2", nil)

	assert.Len(t, ch, 1, "overflow is dropped, never blocks the worker")
}
