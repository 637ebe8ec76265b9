// Package readmodel maintains the auth_request_state projection. Every
// mutator guards the legal state transition in its WHERE clause; zero rows
// updated means the caller raced another writer or targeted a missing row.
package readmodel

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tably/payments/internal/database"
)

var (
	ErrNotFound               = errors.New("readmodel: auth request not found")
	ErrConfigNotFound         = errors.New("readmodel: restaurant payment config not found")
	ErrInvalidStateTransition = errors.New("readmodel: invalid state transition")
)

// Request statuses. PENDING and PROCESSING are the only non-terminal states.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusAuthorized = "AUTHORIZED"
	StatusDenied     = "DENIED"
	StatusFailed     = "FAILED"
	StatusVoided     = "VOIDED"
	StatusExpired    = "EXPIRED"
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusAuthorized, StatusDenied, StatusFailed, StatusVoided, StatusExpired:
		return true
	}
	return false
}

// AuthRequest is the current projected state of one auth request.
type AuthRequest struct {
	AuthRequestID     string
	RestaurantID      string
	Status            string
	AmountCents       int64
	Currency          string
	PaymentToken      string
	ProcessorName     sql.NullString
	ProcessorAuthID   sql.NullString
	AuthorizationCode sql.NullString
	// AuthorizedAmountCents is the amount the processor actually held,
	// which partial authorizations can leave below amount_cents.
	AuthorizedAmountCents sql.NullInt64
	DenialCode        sql.NullString
	DenialReason      sql.NullString
	ErrorCode         sql.NullString
	ErrorMessage      sql.NullString
	LastEventSequence int64
	LastEventID       sql.NullString
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       sql.NullTime
}

// RestaurantConfig is the per-tenant processor routing record. Read-only
// here; maintained by the merchant-config service.
type RestaurantConfig struct {
	RestaurantID    string
	ProcessorName   string
	ProcessorConfig map[string]string
	IsActive        bool
}

// Get loads the projection for one auth request.
func Get(ctx context.Context, q database.Querier, authRequestID string) (*AuthRequest, error) {
	row := q.QueryRowContext(ctx,
		`SELECT auth_request_id, restaurant_id, status, amount_cents, currency, payment_token,
		        processor_name, processor_auth_id, authorization_code, authorized_amount_cents,
		        denial_code, denial_reason, error_code, error_message,
		        last_event_sequence, last_event_id, created_at, updated_at, completed_at
		 FROM auth_request_state
		 WHERE auth_request_id = $1`,
		authRequestID,
	)

	var ar AuthRequest
	err := row.Scan(&ar.AuthRequestID, &ar.RestaurantID, &ar.Status, &ar.AmountCents,
		&ar.Currency, &ar.PaymentToken, &ar.ProcessorName, &ar.ProcessorAuthID,
		&ar.AuthorizationCode, &ar.AuthorizedAmountCents, &ar.DenialCode, &ar.DenialReason, &ar.ErrorCode,
		&ar.ErrorMessage, &ar.LastEventSequence, &ar.LastEventID,
		&ar.CreatedAt, &ar.UpdatedAt, &ar.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load auth request %s: %w", authRequestID, err)
	}
	return &ar, nil
}

// GetConfig loads the active processor config for a restaurant.
func GetConfig(ctx context.Context, q database.Querier, restaurantID string) (*RestaurantConfig, error) {
	row := q.QueryRowContext(ctx,
		`SELECT restaurant_id, processor_name, processor_config, is_active
		 FROM restaurant_payment_configs
		 WHERE restaurant_id = $1 AND is_active`,
		restaurantID,
	)

	var rc RestaurantConfig
	var cfgJSON []byte
	err := row.Scan(&rc.RestaurantID, &rc.ProcessorName, &cfgJSON, &rc.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load restaurant config %s: %w", restaurantID, err)
	}
	if len(cfgJSON) > 0 {
		if err := json.Unmarshal(cfgJSON, &rc.ProcessorConfig); err != nil {
			return nil, fmt.Errorf("decode processor config: %w", err)
		}
	}
	return &rc, nil
}

// InsertPending creates the projection row for a new request.
func InsertPending(ctx context.Context, q database.Querier, ar *AuthRequest) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO auth_request_state
		   (auth_request_id, restaurant_id, status, amount_cents, currency, payment_token,
		    last_event_sequence, last_event_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ar.AuthRequestID, ar.RestaurantID, StatusPending, ar.AmountCents, ar.Currency,
		ar.PaymentToken, ar.LastEventSequence, ar.LastEventID,
	)
	if err != nil {
		return fmt.Errorf("insert auth request %s: %w", ar.AuthRequestID, err)
	}
	return nil
}

// MarkProcessing moves PENDING or PROCESSING to PROCESSING. Repeat attempts
// are legal, that is how retries re-enter the pipeline.
func MarkProcessing(ctx context.Context, q database.Querier, authRequestID, eventID string, sequence int64) error {
	res, err := q.ExecContext(ctx,
		`UPDATE auth_request_state
		 SET status = $2, last_event_sequence = $3, last_event_id = $4, updated_at = NOW()
		 WHERE auth_request_id = $1 AND status IN ($5, $2)`,
		authRequestID, StatusProcessing, sequence, eventID, StatusPending,
	)
	return guard(res, err, authRequestID)
}

// TerminalOutcome carries the result columns written on AUTHORIZED/DENIED.
type TerminalOutcome struct {
	ProcessorName         string
	ProcessorAuthID       string
	AuthorizationCode     string
	AuthorizedAmountCents int64
	DenialCode            string
	DenialReason          string
}

// MarkAuthorized finishes a PROCESSING request as AUTHORIZED.
func MarkAuthorized(ctx context.Context, q database.Querier, authRequestID, eventID string, sequence int64, out TerminalOutcome) error {
	res, err := q.ExecContext(ctx,
		`UPDATE auth_request_state
		 SET status = $2, processor_name = $3, processor_auth_id = $4, authorization_code = $5,
		     authorized_amount_cents = $6,
		     last_event_sequence = $7, last_event_id = $8,
		     updated_at = NOW(), completed_at = NOW()
		 WHERE auth_request_id = $1 AND status = $9`,
		authRequestID, StatusAuthorized, out.ProcessorName, out.ProcessorAuthID,
		out.AuthorizationCode, out.AuthorizedAmountCents, sequence, eventID, StatusProcessing,
	)
	return guard(res, err, authRequestID)
}

// MarkDenied finishes a PROCESSING request as DENIED. Declines are business
// outcomes; error columns stay empty.
func MarkDenied(ctx context.Context, q database.Querier, authRequestID, eventID string, sequence int64, out TerminalOutcome) error {
	res, err := q.ExecContext(ctx,
		`UPDATE auth_request_state
		 SET status = $2, processor_name = $3, denial_code = $4, denial_reason = $5,
		     last_event_sequence = $6, last_event_id = $7,
		     updated_at = NOW(), completed_at = NOW()
		 WHERE auth_request_id = $1 AND status = $8`,
		authRequestID, StatusDenied, out.ProcessorName, out.DenialCode, out.DenialReason,
		sequence, eventID, StatusProcessing,
	)
	return guard(res, err, authRequestID)
}

// MarkFailed finishes a PENDING or PROCESSING request as FAILED.
func MarkFailed(ctx context.Context, q database.Querier, authRequestID, eventID string, sequence int64, errorCode, errorMessage string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE auth_request_state
		 SET status = $2, error_code = $3, error_message = $4,
		     last_event_sequence = $5, last_event_id = $6,
		     updated_at = NOW(), completed_at = NOW()
		 WHERE auth_request_id = $1 AND status IN ($7, $8)`,
		authRequestID, StatusFailed, errorCode, errorMessage, sequence, eventID,
		StatusPending, StatusProcessing,
	)
	return guard(res, err, authRequestID)
}

// RecordRetryableFailure keeps the request PROCESSING but advances the
// event cursor and surfaces the transient error for observability.
func RecordRetryableFailure(ctx context.Context, q database.Querier, authRequestID, eventID string, sequence int64, errorCode, errorMessage string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE auth_request_state
		 SET error_code = $2, error_message = $3,
		     last_event_sequence = $4, last_event_id = $5, updated_at = NOW()
		 WHERE auth_request_id = $1 AND status = $6`,
		authRequestID, errorCode, errorMessage, sequence, eventID, StatusProcessing,
	)
	return guard(res, err, authRequestID)
}

// MarkExpired moves a PENDING or PROCESSING request to EXPIRED. Used when a
// void arrived before the worker touched the request.
func MarkExpired(ctx context.Context, q database.Querier, authRequestID, eventID string, sequence int64) error {
	res, err := q.ExecContext(ctx,
		`UPDATE auth_request_state
		 SET status = $2, last_event_sequence = $3, last_event_id = $4,
		     updated_at = NOW(), completed_at = NOW()
		 WHERE auth_request_id = $1 AND status IN ($5, $6)`,
		authRequestID, StatusExpired, sequence, eventID, StatusPending, StatusProcessing,
	)
	return guard(res, err, authRequestID)
}

// guard converts a zero-row UPDATE into a state machine error. The row either
// does not exist or is in a status the transition does not accept; callers
// that care distinguish via Get.
func guard(res sql.Result, err error, authRequestID string) error {
	if err != nil {
		return fmt.Errorf("update auth request %s: %w", authRequestID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s: %w", authRequestID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrInvalidStateTransition, authRequestID)
	}
	return nil
}
