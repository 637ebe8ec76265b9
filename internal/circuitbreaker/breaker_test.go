package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func always(error) bool { return true }

func failNTimes(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		b.Do(func() error { return errTransient }, always)
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := New("test", 3, time.Minute)

	failNTimes(b, 2)
	assert.Equal(t, StateClosed, b.State())

	failNTimes(b, 1)
	assert.Equal(t, StateOpen, b.State())

	err := b.Do(func() error { return nil }, always)
	assert.ErrorIs(t, err, ErrOpen, "open breaker refuses calls")
}

func TestBreakerIgnoresBusinessOutcomes(t *testing.T) {
	b := New("test", 2, time.Minute)
	isInfra := func(err error) bool { return errors.Is(err, errTransient) }
	decline := errors.New("card_declined")

	for i := 0; i < 10; i++ {
		b.Do(func() error { return decline }, isInfra)
	}
	assert.Equal(t, StateClosed, b.State(), "declines never trip the breaker")
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := New("test", 1, 10*time.Millisecond)
	failNTimes(b, 1)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)

	// Failed probe reopens.
	err := b.Do(func() error { return errTransient }, always)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)

	// Successful probe closes.
	err = b.Do(func() error { return nil }, always)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := New("test", 3, time.Minute)
	failNTimes(b, 2)
	b.Do(func() error { return nil }, always)
	failNTimes(b, 2)
	assert.Equal(t, StateClosed, b.State(), "non-consecutive failures stay below threshold")
}
