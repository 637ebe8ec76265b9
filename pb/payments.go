// Package pb holds the wire types shared by the authorization API and the
// auth processor worker. The structs mirror the payments.v1 protobuf schema;
// they are maintained by hand until the proto toolchain is wired into CI, and
// serialize through the stable binary codec in codec.go.
package pb

import (
	"google.golang.org/protobuf/types/known/timestamppb"
)

// AuthStatus is the outcome carried by an AuthResponseReceived event.
type AuthStatus int32

const (
	AuthStatus_UNSPECIFIED AuthStatus = 0
	AuthStatus_AUTHORIZED  AuthStatus = 1
	AuthStatus_DENIED      AuthStatus = 2
)

// AuthRequestCreated is the first event of every auth request aggregate.
type AuthRequestCreated struct {
	AuthRequestId string                 `json:"auth_request_id"`
	RestaurantId  string                 `json:"restaurant_id"`
	PaymentToken  string                 `json:"payment_token"`
	AmountCents   int64                  `json:"amount_cents"`
	Currency      string                 `json:"currency"`
	Metadata      map[string]string      `json:"metadata,omitempty"`
	CreatedAt     *timestamppb.Timestamp `json:"created_at,omitempty"`
}

// AuthAttemptStarted marks a worker picking up the request. Retries emit a
// fresh AuthAttemptStarted so the history shows every attempt.
type AuthAttemptStarted struct {
	AuthRequestId string `json:"auth_request_id"`
	WorkerId      string `json:"worker_id"`
	ConfigVersion string `json:"restaurant_payment_config_version,omitempty"`
	StartedAt     int64  `json:"started_at"`
}

// AuthorizationResult is the processor outcome nested inside
// AuthResponseReceived. For DENIED results only the denial fields are set.
type AuthorizationResult struct {
	ProcessorAuthId       string `json:"processor_auth_id,omitempty"`
	ProcessorName         string `json:"processor_name"`
	AuthorizedAmountCents int64  `json:"authorized_amount_cents,omitempty"`
	Currency              string `json:"currency,omitempty"`
	AuthorizationCode     string `json:"authorization_code,omitempty"`
	DenialCode            string `json:"denial_code,omitempty"`
	DenialReason          string `json:"denial_reason,omitempty"`
	AuthorizedAt          int64  `json:"authorized_at,omitempty"`
}

// AuthResponseReceived records the processor's answer, AUTHORIZED or DENIED.
// A decline is a normal business outcome, not a failure.
type AuthResponseReceived struct {
	AuthRequestId string               `json:"auth_request_id"`
	Status        AuthStatus           `json:"status"`
	Result        *AuthorizationResult `json:"result,omitempty"`
	ReceivedAt    int64                `json:"received_at"`
}

// AuthAttemptFailed records a failed attempt. IsRetryable=false is terminal
// for the aggregate; IsRetryable=true leaves the request PROCESSING and the
// queue redelivers it.
type AuthAttemptFailed struct {
	AuthRequestId string `json:"auth_request_id"`
	ErrorCode     string `json:"error_code"`
	ErrorMessage  string `json:"error_message"`
	IsRetryable   bool   `json:"is_retryable"`
	RetryCount    int32  `json:"retry_count,omitempty"`
	FailedAt      int64  `json:"failed_at"`
}

// AuthRequestExpired terminates a request that was voided before a worker
// could process it.
type AuthRequestExpired struct {
	AuthRequestId string `json:"auth_request_id"`
	Reason        string `json:"reason"`
	ExpiredAt     int64  `json:"expired_at"`
}

// AuthVoidRequested is appended by the external void flow. The worker only
// reads it (void race check); it never writes one.
type AuthVoidRequested struct {
	AuthRequestId string `json:"auth_request_id"`
	Reason        string `json:"reason,omitempty"`
	RequestedAt   int64  `json:"requested_at"`
}

// AuthRequestQueuedMessage is the queue payload relayed through the outbox.
type AuthRequestQueuedMessage struct {
	AuthRequestId string `json:"auth_request_id"`
	RestaurantId  string `json:"restaurant_id"`
	CreatedAt     int64  `json:"created_at"`
}
