// Package processors holds the payment processor integrations. A processor
// answers AUTHORIZED or DENIED; anything transient surfaces as *TimeoutError
// so the worker's retry policy can bound it.
package processors

import (
	"context"
	"errors"
	"fmt"

	"github.com/tably/payments/pb"
)

// PaymentData is decrypted card information from the token service. It lives
// only on the worker stack and is never persisted or logged.
type PaymentData struct {
	CardNumber     string
	ExpMonth       int
	ExpYear        int
	CVV            string
	CardholderName string
	BillingZip     string
}

// LastFour is the only card digit slice that may appear in logs.
func (p PaymentData) LastFour() string {
	if len(p.CardNumber) < 4 {
		return ""
	}
	return p.CardNumber[len(p.CardNumber)-4:]
}

// Outcome is a settled processor answer.
type Outcome struct {
	Status pb.AuthStatus
	Result *pb.AuthorizationResult
}

// Processor authorizes a hold on a card. config carries processor-specific
// settings from the restaurant's payment config.
type Processor interface {
	Name() string
	Authorize(ctx context.Context, data PaymentData, amountCents int64, currency string, config map[string]string) (Outcome, error)
}

// TimeoutError marks a transient processor failure. The worker retries these
// until the receive count hits max_retries.
type TimeoutError struct {
	Processor string
	Reason    string
	Err       error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s processor timeout: %s", e.Processor, e.Reason)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is, or wraps, a processor timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
