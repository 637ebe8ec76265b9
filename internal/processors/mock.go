package processors

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tably/payments/pb"
)

// cardBehavior scripts the mock's answer for one test card.
type cardBehavior struct {
	kind        string // success, decline, timeout, rate_limit, requires_action
	authCode    string
	errorCode   string
	declineCode string
	reason      string
}

// testCardBehaviors mirrors Stripe's published test cards so end-to-end runs
// against the mock behave like the real integration.
// https://docs.stripe.com/testing#cards
var testCardBehaviors = map[string]cardBehavior{
	"4242424242424242": {kind: "success", authCode: "123456"},
	"5555555555554444": {kind: "success", authCode: "789012"},
	"378282246310005":  {kind: "success", authCode: "345678"},

	"4000000000000002": {kind: "decline", errorCode: "card_declined", declineCode: "generic_decline", reason: "Your card was declined"},
	"4000000000009995": {kind: "decline", errorCode: "card_declined", declineCode: "insufficient_funds", reason: "Your card has insufficient funds"},
	"4000000000000069": {kind: "decline", errorCode: "expired_card", declineCode: "expired_card", reason: "Your card has expired"},
	"4000000000000127": {kind: "decline", errorCode: "incorrect_cvc", declineCode: "incorrect_cvc", reason: "Your card's security code is incorrect"},
	"4000000000000341": {kind: "decline", errorCode: "card_declined", declineCode: "lost_card", reason: "Your card has been declined"},
	"4000000000000226": {kind: "decline", errorCode: "card_declined", declineCode: "fraudulent", reason: "Your card has been declined"},

	"4000000000000119": {kind: "timeout"},
	"4000000000009987": {kind: "rate_limit"},

	"4000002500003155": {kind: "requires_action"},
}

// Mock simulates a processor without leaving the process. Unknown cards
// authorize by default; set default_response=declined in the restaurant
// config to flip that.
type Mock struct {
	latency time.Duration
	logger  *log.Logger
}

func NewMock(latency time.Duration) *Mock {
	return &Mock{
		latency: latency,
		logger:  log.New(log.Writer(), "[MOCK] ", log.LstdFlags),
	}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Authorize(ctx context.Context, data PaymentData, amountCents int64, currency string, config map[string]string) (Outcome, error) {
	if m.latency > 0 {
		select {
		case <-time.After(m.latency):
		case <-ctx.Done():
			return Outcome{}, &TimeoutError{Processor: "mock", Reason: "cancelled", Err: ctx.Err()}
		}
	}

	behavior, known := testCardBehaviors[data.CardNumber]
	if !known {
		behavior = cardBehavior{kind: "success"}
		if config["default_response"] == "declined" {
			behavior = cardBehavior{kind: "decline", errorCode: "card_declined", declineCode: "generic_decline", reason: "Your card was declined"}
		}
	}

	switch behavior.kind {
	case "timeout":
		m.logger.Printf("simulated timeout for card ****%s", data.LastFour())
		return Outcome{}, &TimeoutError{Processor: "mock", Reason: "simulated network timeout"}

	case "rate_limit":
		m.logger.Printf("simulated rate limit for card ****%s", data.LastFour())
		return Outcome{}, &TimeoutError{Processor: "mock", Reason: "rate limit exceeded"}

	case "requires_action":
		return Outcome{
			Status: pb.AuthStatus_DENIED,
			Result: &pb.AuthorizationResult{
				ProcessorName: "mock",
				DenialCode:    "requires_action",
				DenialReason:  "Payment requires additional authentication",
			},
		}, nil

	case "decline":
		// The specific decline code is the persisted outcome; the coarse
		// error code (card_declined etc.) only labels the log line.
		m.logger.Printf("declined card ****%s (%s/%s)", data.LastFour(), behavior.errorCode, behavior.declineCode)
		return Outcome{
			Status: pb.AuthStatus_DENIED,
			Result: &pb.AuthorizationResult{
				ProcessorName: "mock",
				DenialCode:    behavior.declineCode,
				DenialReason:  behavior.reason,
			},
		}, nil

	default: // success
		authCode := behavior.authCode
		if authCode == "" {
			authCode = fmt.Sprintf("%06d", time.Now().UnixNano()%1000000)
		}
		intentID := "mock_pi_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
		m.logger.Printf("authorized %d %s on card ****%s", amountCents, currency, data.LastFour())
		return Outcome{
			Status: pb.AuthStatus_AUTHORIZED,
			Result: &pb.AuthorizationResult{
				ProcessorName:         "mock",
				ProcessorAuthId:       intentID,
				AuthorizationCode:     authCode,
				AuthorizedAmountCents: amountCents,
				Currency:              strings.ToUpper(currency),
				AuthorizedAt:          time.Now().UTC().Unix(),
			},
		}, nil
	}
}
