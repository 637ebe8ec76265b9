// Package worker drives authorization attempts: it claims the aggregate
// lock, runs the void check, calls tokenization and the payment processor,
// and records the outcome through the coordinator.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tably/payments/internal/eventstore"
	"github.com/tably/payments/internal/events"
	"github.com/tably/payments/internal/monitoring"
	"github.com/tably/payments/internal/processors"
	"github.com/tably/payments/internal/readmodel"
	"github.com/tably/payments/internal/tokenclient"
	"github.com/tably/payments/pb"
)

// Result is the settled outcome of one orchestrator invocation. Everything
// except RetryableFailure acknowledges the queue message.
type Result string

const (
	Success          Result = "SUCCESS"
	SkippedLock      Result = "SKIPPED_LOCK"
	SkippedVoid      Result = "SKIPPED_VOID"
	TerminalFailure  Result = "TERMINAL_FAILURE"
	RetryableFailure Result = "RETRYABLE_FAILURE"
)

// Error codes written to AuthAttemptFailed events.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeConfigNotFound     = "CONFIG_NOT_FOUND"
	CodeTokenNotFound      = "TOKEN_NOT_FOUND"
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeTokenForbidden     = "TOKEN_ACCESS_FORBIDDEN"
	CodeProcessorTimeout   = "PROCESSOR_TIMEOUT"
	CodeMaxRetriesExceeded = "MAX_RETRIES_EXCEEDED"
	CodeUnexpectedError    = "UNEXPECTED_ERROR"
)

// Locker is the per-aggregate processing lock.
type Locker interface {
	TryAcquire(ctx context.Context, aggregateID, workerID string) (bool, error)
	Release(ctx context.Context, aggregateID, workerID string) error
}

// Recorder writes events and read model projections atomically.
type Recorder interface {
	RecordStarted(ctx context.Context, authRequestID, workerID string, metadata map[string]string) error
	RecordAuthorized(ctx context.Context, authRequestID string, result *pb.AuthorizationResult, metadata map[string]string) error
	RecordDenied(ctx context.Context, authRequestID string, result *pb.AuthorizationResult, metadata map[string]string) error
	RecordFailedTerminal(ctx context.Context, authRequestID, errorCode, errorMessage string, metadata map[string]string) error
	RecordFailedRetryable(ctx context.Context, authRequestID, errorCode, errorMessage string, retryCount int32, metadata map[string]string) error
	RecordExpired(ctx context.Context, authRequestID, reason string, metadata map[string]string) error
}

// StateReader serves the worker's reads: current projection, restaurant
// routing config, and the void-event check.
type StateReader interface {
	Get(ctx context.Context, authRequestID string) (*readmodel.AuthRequest, error)
	GetConfig(ctx context.Context, restaurantID string) (*readmodel.RestaurantConfig, error)
	HasVoidEvent(ctx context.Context, authRequestID string) (bool, error)
}

// TokenDecrypter exchanges payment tokens for card data.
type TokenDecrypter interface {
	Decrypt(ctx context.Context, paymentToken, restaurantID string) (processors.PaymentData, error)
}

// ProcessorFactory resolves a restaurant's configured processor.
type ProcessorFactory interface {
	ForConfig(name string, config map[string]string) (processors.Processor, error)
}

// Orchestrator processes one auth request per invocation.
type Orchestrator struct {
	workerID   string
	maxRetries int
	locks      Locker
	recorder   Recorder
	state      StateReader
	tokens     TokenDecrypter
	factory    ProcessorFactory
	emitter    events.EventEmitter // optional terminal-outcome feed
	logger     *log.Logger
}

type Options struct {
	WorkerID   string
	MaxRetries int
	Locks      Locker
	Recorder   Recorder
	State      StateReader
	Tokens     TokenDecrypter
	Factory    ProcessorFactory
	Emitter    events.EventEmitter
}

func NewOrchestrator(opts Options) *Orchestrator {
	return &Orchestrator{
		workerID:   opts.WorkerID,
		maxRetries: opts.MaxRetries,
		locks:      opts.Locks,
		recorder:   opts.Recorder,
		state:      opts.State,
		tokens:     opts.Tokens,
		factory:    opts.Factory,
		emitter:    opts.Emitter,
		logger:     log.New(log.Writer(), "[WORKER] ", log.LstdFlags),
	}
}

// Process runs one authorization attempt. receiveCount is the queue's
// delivery counter for the current message and bounds the retry loop.
func (o *Orchestrator) Process(ctx context.Context, authRequestID string, receiveCount int) Result {
	started := time.Now()
	result := o.process(ctx, authRequestID, receiveCount)
	monitoring.WorkerResults.WithLabelValues(string(result)).Inc()
	monitoring.WorkerDuration.Observe(time.Since(started).Seconds())
	o.logger.Printf("processed %s: %s (attempt %d, %s)", authRequestID, result, receiveCount, time.Since(started).Round(time.Millisecond))
	return result
}

func (o *Orchestrator) process(ctx context.Context, authRequestID string, receiveCount int) Result {
	acquired, err := o.locks.TryAcquire(ctx, authRequestID, o.workerID)
	if err != nil {
		o.logger.Printf("lock acquire for %s failed: %v", authRequestID, err)
		return RetryableFailure
	}
	if !acquired {
		return SkippedLock
	}
	// Best effort; the TTL bounds a failed release.
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := o.locks.Release(releaseCtx, authRequestID, o.workerID); err != nil {
			o.logger.Printf("lock release for %s failed: %v", authRequestID, err)
		}
	}()

	meta := map[string]string{"worker_id": o.workerID}

	// Duplicate delivery of an already settled request is acknowledged
	// without another attempt.
	current, err := o.state.Get(ctx, authRequestID)
	if err != nil {
		return o.recordFailure(ctx, authRequestID, "", receiveCount, meta, err)
	}
	if readmodel.IsTerminal(current.Status) {
		o.logger.Printf("request %s already %s, acking duplicate delivery", authRequestID, current.Status)
		return Success
	}
	restaurantID := current.RestaurantID

	// Void race: a void that landed before processing expires the request
	// instead of authorizing a hold the merchant no longer wants.
	voided, err := o.state.HasVoidEvent(ctx, authRequestID)
	if err != nil {
		return o.recordFailure(ctx, authRequestID, restaurantID, receiveCount, meta, err)
	}
	if voided {
		if err := o.recorder.RecordExpired(ctx, authRequestID, "voided before processing", meta); err != nil {
			return o.recordFailure(ctx, authRequestID, restaurantID, receiveCount, meta, err)
		}
		o.emitTerminal(authRequestID, restaurantID, readmodel.StatusExpired)
		return SkippedVoid
	}

	if err := o.recorder.RecordStarted(ctx, authRequestID, o.workerID, meta); err != nil {
		return o.recordFailure(ctx, authRequestID, restaurantID, receiveCount, meta, err)
	}

	cfg, err := o.state.GetConfig(ctx, restaurantID)
	if err != nil {
		return o.recordFailure(ctx, authRequestID, restaurantID, receiveCount, meta, err)
	}
	proc, err := o.factory.ForConfig(cfg.ProcessorName, cfg.ProcessorConfig)
	if err != nil {
		return o.recordTerminal(ctx, authRequestID, restaurantID, receiveCount, meta, CodeConfigNotFound, err.Error())
	}

	card, err := o.tokens.Decrypt(ctx, current.PaymentToken, restaurantID)
	if err != nil {
		return o.recordFailure(ctx, authRequestID, restaurantID, receiveCount, meta, err)
	}

	outcome, err := proc.Authorize(ctx, card, current.AmountCents, current.Currency, cfg.ProcessorConfig)
	if err != nil {
		monitoring.ProcessorCalls.WithLabelValues(proc.Name(), "error").Inc()
		return o.recordFailure(ctx, authRequestID, restaurantID, receiveCount, meta, err)
	}

	switch outcome.Status {
	case pb.AuthStatus_AUTHORIZED:
		monitoring.ProcessorCalls.WithLabelValues(proc.Name(), "authorized").Inc()
		if err := o.recorder.RecordAuthorized(ctx, authRequestID, outcome.Result, meta); err != nil {
			return o.recordFailure(ctx, authRequestID, restaurantID, receiveCount, meta, err)
		}
		o.emitTerminal(authRequestID, restaurantID, readmodel.StatusAuthorized)
		return Success

	case pb.AuthStatus_DENIED:
		monitoring.ProcessorCalls.WithLabelValues(proc.Name(), "denied").Inc()
		if err := o.recorder.RecordDenied(ctx, authRequestID, outcome.Result, meta); err != nil {
			return o.recordFailure(ctx, authRequestID, restaurantID, receiveCount, meta, err)
		}
		o.emitTerminal(authRequestID, restaurantID, readmodel.StatusDenied)
		return Success

	default:
		return o.recordTerminal(ctx, authRequestID, restaurantID, receiveCount, meta, CodeUnexpectedError,
			fmt.Sprintf("processor returned unknown status %d", outcome.Status))
	}
}

// recordFailure classifies err and records either a terminal or a retryable
// failure. Consistency violations bubbling out of the coordinator are not
// recorded at all; they mean another worker won a race and redelivery will
// observe the settled state.
func (o *Orchestrator) recordFailure(ctx context.Context, authRequestID, restaurantID string, receiveCount int, meta map[string]string, err error) Result {
	switch {
	case errors.Is(err, eventstore.ErrDuplicateSequence),
		errors.Is(err, eventstore.ErrDuplicateEventID),
		errors.Is(err, readmodel.ErrInvalidStateTransition):
		// A race that survives every redelivery is not a race; acking keeps
		// the FIFO group from blocking on a message that can never record.
		if receiveCount >= o.maxRetries {
			o.logger.Printf("consistency race on %s persisted through %d deliveries, acking: %v", authRequestID, receiveCount, err)
			return TerminalFailure
		}
		o.logger.Printf("consistency race on %s: %v", authRequestID, err)
		return RetryableFailure

	case errors.Is(err, readmodel.ErrNotFound):
		return o.recordTerminal(ctx, authRequestID, restaurantID, receiveCount, meta, CodeNotFound, err.Error())
	case errors.Is(err, readmodel.ErrConfigNotFound):
		return o.recordTerminal(ctx, authRequestID, restaurantID, receiveCount, meta, CodeConfigNotFound, err.Error())
	case errors.Is(err, tokenclient.ErrTokenNotFound):
		return o.recordTerminal(ctx, authRequestID, restaurantID, receiveCount, meta, CodeTokenNotFound, err.Error())
	case errors.Is(err, tokenclient.ErrTokenExpired):
		return o.recordTerminal(ctx, authRequestID, restaurantID, receiveCount, meta, CodeTokenExpired, err.Error())
	case errors.Is(err, tokenclient.ErrForbidden):
		return o.recordTerminal(ctx, authRequestID, restaurantID, receiveCount, meta, CodeTokenForbidden, err.Error())

	case processors.IsTimeout(err):
		if receiveCount >= o.maxRetries {
			return o.recordTerminal(ctx, authRequestID, restaurantID, receiveCount, meta, CodeMaxRetriesExceeded,
				fmt.Sprintf("gave up after %d attempts: %v", receiveCount, err))
		}
		if recErr := o.recorder.RecordFailedRetryable(ctx, authRequestID, CodeProcessorTimeout, err.Error(), int32(receiveCount), meta); recErr != nil {
			o.logger.Printf("recording retryable failure for %s failed: %v", authRequestID, recErr)
		}
		return RetryableFailure

	default:
		return o.recordTerminal(ctx, authRequestID, restaurantID, receiveCount, meta, CodeUnexpectedError, err.Error())
	}
}

func (o *Orchestrator) recordTerminal(ctx context.Context, authRequestID, restaurantID string, receiveCount int, meta map[string]string, code, message string) Result {
	if err := o.recorder.RecordFailedTerminal(ctx, authRequestID, code, message, meta); err != nil {
		// The projection was not settled; let redelivery try again, but only
		// while the delivery budget lasts. A request whose row is gone (or
		// already settled by someone else) can never record a terminal event,
		// and unbounded retries would block its FIFO group forever.
		if receiveCount >= o.maxRetries {
			o.logger.Printf("recording terminal failure for %s still failing after %d deliveries, acking: %v", authRequestID, receiveCount, err)
			return TerminalFailure
		}
		o.logger.Printf("recording terminal failure for %s failed: %v", authRequestID, err)
		return RetryableFailure
	}
	o.emitTerminal(authRequestID, restaurantID, readmodel.StatusFailed)
	return TerminalFailure
}

// emitTerminal publishes a CloudEvent on the outcome feed. Best effort; the
// read model is the source of truth. The restaurant id rides along so the
// Pub/Sub bus can key per-tenant ordering.
func (o *Orchestrator) emitTerminal(authRequestID, restaurantID, status string) {
	if o.emitter == nil {
		return
	}
	o.emitter.Emit(events.OutcomeType(status), "auth-processor-worker", authRequestID, map[string]interface{}{
		"auth_request_id": authRequestID,
		"restaurant_id":   restaurantID,
		"status":          status,
	})
}
