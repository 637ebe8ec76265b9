// Package coordinator performs the atomic writes of the pipeline: each
// Record* method appends exactly one event and applies its projection to
// the read model in a single transaction. RecordCreated additionally stages
// the outbox row, which is what makes intake exactly-once downstream.
package coordinator

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tably/payments/internal/database"
	"github.com/tably/payments/internal/eventstore"
	"github.com/tably/payments/internal/idempotency"
	"github.com/tably/payments/internal/outbox"
	"github.com/tably/payments/internal/readmodel"
	"github.com/tably/payments/pb"
)

// Coordinator writes events and projections atomically.
type Coordinator struct {
	db *sql.DB
}

func New(db *sql.DB) *Coordinator {
	return &Coordinator{db: db}
}

// NewRequest is the input to RecordCreated.
type NewRequest struct {
	AuthRequestID  string
	RestaurantID   string
	PaymentToken   string
	AmountCents    int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
	IdempotencyTTL time.Duration
}

// RecordCreated writes AuthRequestCreated at sequence 1, inserts the PENDING
// projection row, stages the queue payload in the outbox, and claims the
// idempotency key. All or nothing; a lost idempotency race surfaces as
// idempotency.ErrKeyTaken with nothing persisted.
func (c *Coordinator) RecordCreated(ctx context.Context, req NewRequest) error {
	now := time.Now().UTC()
	data, err := pb.Marshal(&pb.AuthRequestCreated{
		AuthRequestId: req.AuthRequestID,
		RestaurantId:  req.RestaurantID,
		PaymentToken:  req.PaymentToken,
		AmountCents:   req.AmountCents,
		Currency:      req.Currency,
		Metadata:      req.Metadata,
	})
	if err != nil {
		return err
	}
	queuePayload, err := pb.Marshal(&pb.AuthRequestQueuedMessage{
		AuthRequestId: req.AuthRequestID,
		RestaurantId:  req.RestaurantID,
		CreatedAt:     now.Unix(),
	})
	if err != nil {
		return err
	}

	eventID := uuid.NewString()
	return database.WithTx(ctx, c.db, func(tx *sql.Tx) error {
		if err := eventstore.Append(ctx, tx, eventstore.Event{
			EventID:        eventID,
			AggregateID:    req.AuthRequestID,
			SequenceNumber: 1,
			EventType:      eventstore.TypeAuthRequestCreated,
			EventData:      data,
			Metadata:       req.Metadata,
		}); err != nil {
			return err
		}
		if err := readmodel.InsertPending(ctx, tx, &readmodel.AuthRequest{
			AuthRequestID:     req.AuthRequestID,
			RestaurantID:      req.RestaurantID,
			AmountCents:       req.AmountCents,
			Currency:          req.Currency,
			PaymentToken:      req.PaymentToken,
			LastEventSequence: 1,
			LastEventID:       sql.NullString{String: eventID, Valid: true},
		}); err != nil {
			return err
		}
		if err := outbox.Insert(ctx, tx, uuid.NewString(), req.AuthRequestID,
			eventstore.TypeAuthRequestCreated, queuePayload); err != nil {
			return err
		}
		return idempotency.Insert(ctx, tx, req.IdempotencyKey, req.RestaurantID,
			req.AuthRequestID, req.IdempotencyTTL)
	})
}

// RecordStarted appends AuthAttemptStarted and moves the projection to
// PROCESSING.
func (c *Coordinator) RecordStarted(ctx context.Context, authRequestID, workerID string, metadata map[string]string) error {
	data, err := pb.Marshal(&pb.AuthAttemptStarted{
		AuthRequestId: authRequestID,
		WorkerId:      workerID,
		StartedAt:     time.Now().UTC().Unix(),
	})
	if err != nil {
		return err
	}
	return c.appendAndProject(ctx, authRequestID, eventstore.TypeAuthAttemptStarted, data, metadata,
		func(tx *sql.Tx, eventID string, seq int64) error {
			return readmodel.MarkProcessing(ctx, tx, authRequestID, eventID, seq)
		})
}

// RecordAuthorized appends AuthResponseReceived(AUTHORIZED) and finishes the
// projection.
func (c *Coordinator) RecordAuthorized(ctx context.Context, authRequestID string, result *pb.AuthorizationResult, metadata map[string]string) error {
	data, err := pb.Marshal(&pb.AuthResponseReceived{
		AuthRequestId: authRequestID,
		Status:        pb.AuthStatus_AUTHORIZED,
		Result:        result,
		ReceivedAt:    time.Now().UTC().Unix(),
	})
	if err != nil {
		return err
	}
	return c.appendAndProject(ctx, authRequestID, eventstore.TypeAuthResponseReceived, data, metadata,
		func(tx *sql.Tx, eventID string, seq int64) error {
			return readmodel.MarkAuthorized(ctx, tx, authRequestID, eventID, seq, readmodel.TerminalOutcome{
				ProcessorName:         result.ProcessorName,
				ProcessorAuthID:       result.ProcessorAuthId,
				AuthorizationCode:     result.AuthorizationCode,
				AuthorizedAmountCents: result.AuthorizedAmountCents,
			})
		})
}

// RecordDenied appends AuthResponseReceived(DENIED) and finishes the
// projection. A denial is an outcome, not an error.
func (c *Coordinator) RecordDenied(ctx context.Context, authRequestID string, result *pb.AuthorizationResult, metadata map[string]string) error {
	data, err := pb.Marshal(&pb.AuthResponseReceived{
		AuthRequestId: authRequestID,
		Status:        pb.AuthStatus_DENIED,
		Result:        result,
		ReceivedAt:    time.Now().UTC().Unix(),
	})
	if err != nil {
		return err
	}
	return c.appendAndProject(ctx, authRequestID, eventstore.TypeAuthResponseReceived, data, metadata,
		func(tx *sql.Tx, eventID string, seq int64) error {
			return readmodel.MarkDenied(ctx, tx, authRequestID, eventID, seq, readmodel.TerminalOutcome{
				ProcessorName: result.ProcessorName,
				DenialCode:    result.DenialCode,
				DenialReason:  result.DenialReason,
			})
		})
}

// RecordFailedTerminal appends AuthAttemptFailed(is_retryable=false) and
// moves the projection to FAILED.
func (c *Coordinator) RecordFailedTerminal(ctx context.Context, authRequestID, errorCode, errorMessage string, metadata map[string]string) error {
	data, err := pb.Marshal(&pb.AuthAttemptFailed{
		AuthRequestId: authRequestID,
		ErrorCode:     errorCode,
		ErrorMessage:  errorMessage,
		IsRetryable:   false,
		FailedAt:      time.Now().UTC().Unix(),
	})
	if err != nil {
		return err
	}
	return c.appendAndProject(ctx, authRequestID, eventstore.TypeAuthAttemptFailed, data, metadata,
		func(tx *sql.Tx, eventID string, seq int64) error {
			return readmodel.MarkFailed(ctx, tx, authRequestID, eventID, seq, errorCode, errorMessage)
		})
}

// RecordFailedRetryable appends AuthAttemptFailed(is_retryable=true). The
// projection stays PROCESSING; only the cursor and error columns move. The
// audit trail keeps one failed event per attempt.
func (c *Coordinator) RecordFailedRetryable(ctx context.Context, authRequestID, errorCode, errorMessage string, retryCount int32, metadata map[string]string) error {
	data, err := pb.Marshal(&pb.AuthAttemptFailed{
		AuthRequestId: authRequestID,
		ErrorCode:     errorCode,
		ErrorMessage:  errorMessage,
		IsRetryable:   true,
		RetryCount:    retryCount,
		FailedAt:      time.Now().UTC().Unix(),
	})
	if err != nil {
		return err
	}
	return c.appendAndProject(ctx, authRequestID, eventstore.TypeAuthAttemptFailed, data, metadata,
		func(tx *sql.Tx, eventID string, seq int64) error {
			return readmodel.RecordRetryableFailure(ctx, tx, authRequestID, eventID, seq, errorCode, errorMessage)
		})
}

// RecordExpired appends AuthRequestExpired and moves the projection to
// EXPIRED. Used when a void won the race against processing.
func (c *Coordinator) RecordExpired(ctx context.Context, authRequestID, reason string, metadata map[string]string) error {
	data, err := pb.Marshal(&pb.AuthRequestExpired{
		AuthRequestId: authRequestID,
		Reason:        reason,
		ExpiredAt:     time.Now().UTC().Unix(),
	})
	if err != nil {
		return err
	}
	return c.appendAndProject(ctx, authRequestID, eventstore.TypeAuthRequestExpired, data, metadata,
		func(tx *sql.Tx, eventID string, seq int64) error {
			return readmodel.MarkExpired(ctx, tx, authRequestID, eventID, seq)
		})
}

// appendAndProject runs one transaction that claims the next sequence
// number, appends the event, and applies the projection. Any failure rolls
// back both writes, which is the atomicity the pipeline relies on.
func (c *Coordinator) appendAndProject(
	ctx context.Context,
	authRequestID, eventType string,
	data []byte,
	metadata map[string]string,
	project func(tx *sql.Tx, eventID string, seq int64) error,
) error {
	eventID := uuid.NewString()
	err := database.WithTx(ctx, c.db, func(tx *sql.Tx) error {
		seq, err := eventstore.NextSequence(ctx, tx, authRequestID)
		if err != nil {
			return err
		}
		if err := eventstore.Append(ctx, tx, eventstore.Event{
			EventID:        eventID,
			AggregateID:    authRequestID,
			SequenceNumber: seq,
			EventType:      eventType,
			EventData:      data,
			Metadata:       metadata,
		}); err != nil {
			return err
		}
		return project(tx, eventID, seq)
	})
	if err != nil {
		return fmt.Errorf("record %s for %s: %w", eventType, authRequestID, err)
	}
	return nil
}
