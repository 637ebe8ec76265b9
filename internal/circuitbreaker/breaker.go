// Package circuitbreaker guards the worker's outbound calls (tokenization,
// payment processors) so a struggling dependency sheds load fast instead of
// burning the lock TTL on every message.
package circuitbreaker

import (
	"errors"
	"log"
	"sync"
	"time"
)

// State of the breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned while the breaker refuses calls. Callers treat it as a
// transient failure.
var ErrOpen = errors.New("circuit breaker is open")

// Breaker trips open after consecutive failures and probes with a single
// call after the cooldown.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probing   bool
	logger    *log.Logger
}

func New(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		logger:    log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
	}
}

// Do runs fn under the breaker. isFailure decides whether an error counts
// against the threshold; business outcomes like card declines must not.
func (b *Breaker) Do(fn func() error, isFailure func(error) bool) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn()
	if err != nil && isFailure(err) {
		b.recordFailure()
	} else {
		b.recordSuccess()
	}
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil
	default: // StateHalfOpen
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if b.state == StateHalfOpen {
		b.openedAt = time.Now()
		b.transition(StateOpen)
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.openedAt = time.Now()
		b.transition(StateOpen)
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	b.failures = 0
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
}

// State reports the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	b.logger.Printf("%s: %s -> %s", b.name, b.state, to)
	b.state = to
}
