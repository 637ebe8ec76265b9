// Package eventstore is the append-only event log for auth request
// aggregates. Sequence numbers are dense per aggregate, starting at 1; the
// UNIQUE (aggregate_id, sequence_number) constraint arbitrates concurrent
// appenders.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tably/payments/internal/database"
)

var (
	ErrDuplicateSequence = errors.New("eventstore: sequence number already taken for aggregate")
	ErrDuplicateEventID  = errors.New("eventstore: event id already recorded")
)

// Event type names, shared with the read model projections.
const (
	TypeAuthRequestCreated   = "AuthRequestCreated"
	TypeAuthAttemptStarted   = "AuthAttemptStarted"
	TypeAuthResponseReceived = "AuthResponseReceived"
	TypeAuthAttemptFailed    = "AuthAttemptFailed"
	TypeAuthRequestExpired   = "AuthRequestExpired"
	TypeAuthVoidRequested    = "AuthVoidRequested"
)

// Event is one stored row of the log.
type Event struct {
	EventID        string
	AggregateID    string
	SequenceNumber int64
	EventType      string
	EventData      []byte
	Metadata       map[string]string
	CreatedAt      time.Time
}

// NextSequence returns the next dense sequence number for an aggregate,
// as seen by the caller's transaction.
func NextSequence(ctx context.Context, q database.Querier, aggregateID string) (int64, error) {
	var next int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM payment_events WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next sequence for %s: %w", aggregateID, err)
	}
	return next, nil
}

// Append writes one event at the given sequence. Unique violations are
// classified so callers can tell a lost sequence race (ErrDuplicateSequence)
// from an event-id replay (ErrDuplicateEventID).
func Append(ctx context.Context, q database.Querier, ev Event) error {
	meta := ev.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO payment_events
		   (event_id, aggregate_id, sequence_number, event_type, event_data, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.EventID, ev.AggregateID, ev.SequenceNumber, ev.EventType, ev.EventData, metaJSON,
	)
	if err != nil {
		if database.IsUniqueViolation(err, "payment_events_aggregate_sequence_key") {
			return fmt.Errorf("%w: %s seq %d", ErrDuplicateSequence, ev.AggregateID, ev.SequenceNumber)
		}
		if database.IsUniqueViolation(err, "") {
			return fmt.Errorf("%w: %s", ErrDuplicateEventID, ev.EventID)
		}
		return fmt.Errorf("append event %s: %w", ev.EventType, err)
	}
	return nil
}

// HasVoidEvent reports whether the aggregate carries an AuthVoidRequested
// event. The worker checks this before starting an attempt.
func HasVoidEvent(ctx context.Context, q database.Querier, aggregateID string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM payment_events
		   WHERE aggregate_id = $1 AND event_type = $2
		 )`,
		aggregateID, TypeAuthVoidRequested,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("void check for %s: %w", aggregateID, err)
	}
	return exists, nil
}

// ListEvents returns the aggregate's history in sequence order.
func ListEvents(ctx context.Context, q database.Querier, aggregateID string) ([]Event, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT event_id, aggregate_id, sequence_number, event_type, event_data, metadata, created_at
		 FROM payment_events
		 WHERE aggregate_id = $1
		 ORDER BY sequence_number ASC`,
		aggregateID,
	)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", aggregateID, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var metaJSON []byte
		if err := rows.Scan(&ev.EventID, &ev.AggregateID, &ev.SequenceNumber,
			&ev.EventType, &ev.EventData, &metaJSON, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("decode event metadata: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountByType returns how many events of the given type the aggregate has.
// Used by the worker to derive the attempt number for audit metadata.
func CountByType(ctx context.Context, q database.Querier, aggregateID, eventType string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payment_events WHERE aggregate_id = $1 AND event_type = $2`,
		aggregateID, eventType,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s events for %s: %w", eventType, aggregateID, err)
	}
	return n, nil
}
