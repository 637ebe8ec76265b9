package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tably/payments/pb"
)

const stripeAPIBase = "https://api.stripe.com"

// Stripe authorizes through the Payment Intents API with manual capture,
// which places a hold without moving funds.
type Stripe struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *log.Logger
}

func NewStripe(apiKey string, timeout time.Duration) *Stripe {
	return &Stripe{
		apiKey:  apiKey,
		baseURL: stripeAPIBase,
		client:  &http.Client{Timeout: timeout},
		logger:  log.New(log.Writer(), "[STRIPE] ", log.LstdFlags),
	}
}

func (s *Stripe) Name() string { return "stripe" }

// stripeIntent is the subset of the PaymentIntent response the worker reads.
type stripeIntent struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Created  int64  `json:"created"`
}

type stripeError struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"error"`
}

func (s *Stripe) Authorize(ctx context.Context, data PaymentData, amountCents int64, currency string, config map[string]string) (Outcome, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amountCents, 10))
	form.Set("currency", strings.ToLower(currency))
	form.Set("capture_method", "manual")
	form.Set("confirm", "true")
	form.Set("payment_method_data[type]", "card")
	form.Set("payment_method_data[card][number]", data.CardNumber)
	form.Set("payment_method_data[card][exp_month]", strconv.Itoa(data.ExpMonth))
	form.Set("payment_method_data[card][exp_year]", strconv.Itoa(data.ExpYear))
	form.Set("payment_method_data[card][cvc]", data.CVV)
	form.Set("payment_method_data[billing_details][name]", data.CardholderName)
	if data.BillingZip != "" {
		form.Set("payment_method_data[billing_details][address][postal_code]", data.BillingZip)
	}
	if sd := config["statement_descriptor"]; sd != "" {
		if len(sd) > 22 {
			sd = sd[:22]
		}
		form.Set("statement_descriptor_suffix", sd)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+"/v1/payment_intents", strings.NewReader(form.Encode()))
	if err != nil {
		return Outcome{}, fmt.Errorf("build stripe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return Outcome{}, &TimeoutError{Processor: "stripe", Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Outcome{}, &TimeoutError{Processor: "stripe", Reason: "read response", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return s.settle(body, amountCents)

	case resp.StatusCode == http.StatusPaymentRequired:
		// Card errors are declines, a normal business outcome.
		var se stripeError
		if err := json.Unmarshal(body, &se); err != nil {
			return Outcome{}, &TimeoutError{Processor: "stripe", Reason: "undecodable card error", Err: err}
		}
		// Prefer the specific decline_code; Stripe's error code is often just
		// the generic card_declined.
		code := se.Error.DeclineCode
		if code == "" {
			code = se.Error.Code
		}
		if code == "" {
			code = "card_declined"
		}
		reason := se.Error.Message
		if reason == "" {
			reason = "Card was declined"
		}
		s.logger.Printf("card declined (%s/%s)", code, se.Error.DeclineCode)
		return Outcome{
			Status: pb.AuthStatus_DENIED,
			Result: &pb.AuthorizationResult{
				ProcessorName: "stripe",
				DenialCode:    code,
				DenialReason:  reason,
			},
		}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return Outcome{}, &TimeoutError{Processor: "stripe", Reason: "rate limit exceeded"}

	case resp.StatusCode == http.StatusBadRequest:
		// Could be a config problem rather than bad data; kept retryable so
		// an operator fix lets a later attempt through. Bounded by the
		// worker's max retries.
		return Outcome{}, &TimeoutError{Processor: "stripe", Reason: fmt.Sprintf("invalid request: %s", truncate(body))}

	default:
		return Outcome{}, &TimeoutError{Processor: "stripe", Reason: fmt.Sprintf("api error (status %d)", resp.StatusCode)}
	}
}

// settle interprets a 200 PaymentIntent. requires_capture is the authorized
// hold; requires_action means 3DS, which this server-side flow cannot run, so
// it surfaces as a denial.
func (s *Stripe) settle(body []byte, requestedCents int64) (Outcome, error) {
	var intent stripeIntent
	if err := json.Unmarshal(body, &intent); err != nil {
		return Outcome{}, &TimeoutError{Processor: "stripe", Reason: "undecodable payment intent", Err: err}
	}

	switch intent.Status {
	case "requires_capture":
		s.logger.Printf("authorized intent %s (%d %s)", intent.ID, intent.Amount, intent.Currency)
		return Outcome{
			Status: pb.AuthStatus_AUTHORIZED,
			Result: &pb.AuthorizationResult{
				ProcessorName:         "stripe",
				ProcessorAuthId:       intent.ID,
				AuthorizedAmountCents: intent.Amount,
				Currency:              strings.ToUpper(intent.Currency),
				AuthorizedAt:          intent.Created,
			},
		}, nil

	case "requires_action":
		return Outcome{
			Status: pb.AuthStatus_DENIED,
			Result: &pb.AuthorizationResult{
				ProcessorName: "stripe",
				DenialCode:    "requires_action",
				DenialReason:  "Payment requires additional authentication",
			},
		}, nil

	default:
		return Outcome{
			Status: pb.AuthStatus_DENIED,
			Result: &pb.AuthorizationResult{
				ProcessorName: "stripe",
				DenialCode:    "unexpected_status",
				DenialReason:  fmt.Sprintf("Unexpected payment intent status: %s", intent.Status),
			},
		}, nil
	}
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max])
	}
	return string(b)
}
