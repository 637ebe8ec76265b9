package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tably/payments/internal/circuitbreaker"
	"github.com/tably/payments/internal/processors"
)

// Transient infrastructure failures count against the breaker; declines and
// terminal token errors do not.
func countsAsFailure(err error) bool {
	return processors.IsTimeout(err)
}

// WithTokenBreaker guards the tokenization service behind a circuit breaker.
func WithTokenBreaker(inner TokenDecrypter) TokenDecrypter {
	return &breakerDecrypter{
		inner:   inner,
		breaker: circuitbreaker.New("tokenization", 5, 30*time.Second),
	}
}

type breakerDecrypter struct {
	inner   TokenDecrypter
	breaker *circuitbreaker.Breaker
}

func (d *breakerDecrypter) Decrypt(ctx context.Context, paymentToken, restaurantID string) (processors.PaymentData, error) {
	var data processors.PaymentData
	err := d.breaker.Do(func() error {
		var innerErr error
		data, innerErr = d.inner.Decrypt(ctx, paymentToken, restaurantID)
		return innerErr
	}, countsAsFailure)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return processors.PaymentData{}, &processors.TimeoutError{
			Processor: "tokenization", Reason: "circuit open", Err: err,
		}
	}
	return data, err
}

// WithProcessorBreakers guards each processor behind its own breaker, keyed
// by processor name so a Stripe outage does not trip the mock.
func WithProcessorBreakers(inner ProcessorFactory) ProcessorFactory {
	return &breakerFactory{
		inner:    inner,
		breakers: make(map[string]*circuitbreaker.Breaker),
	}
}

type breakerFactory struct {
	inner    ProcessorFactory
	mu       sync.Mutex
	breakers map[string]*circuitbreaker.Breaker
}

func (f *breakerFactory) ForConfig(name string, config map[string]string) (processors.Processor, error) {
	proc, err := f.inner.ForConfig(name, config)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	br, ok := f.breakers[name]
	if !ok {
		br = circuitbreaker.New(name, 5, 30*time.Second)
		f.breakers[name] = br
	}
	f.mu.Unlock()
	return &breakerProcessor{inner: proc, breaker: br}, nil
}

type breakerProcessor struct {
	inner   processors.Processor
	breaker *circuitbreaker.Breaker
}

func (p *breakerProcessor) Name() string { return p.inner.Name() }

func (p *breakerProcessor) Authorize(ctx context.Context, data processors.PaymentData, amountCents int64, currency string, config map[string]string) (processors.Outcome, error) {
	var out processors.Outcome
	err := p.breaker.Do(func() error {
		var innerErr error
		out, innerErr = p.inner.Authorize(ctx, data, amountCents, currency, config)
		return innerErr
	}, countsAsFailure)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return processors.Outcome{}, &processors.TimeoutError{
			Processor: p.inner.Name(), Reason: "circuit open", Err: err,
		}
	}
	return out, err
}
