// Package tokenclient calls the tokenization service to decrypt payment
// tokens. Token errors are terminal for an auth request; only infrastructure
// failures are retryable.
package tokenclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tably/payments/internal/processors"
)

var (
	ErrTokenNotFound = errors.New("tokenclient: token not found")
	ErrTokenExpired  = errors.New("tokenclient: token expired")
	ErrForbidden     = errors.New("tokenclient: access forbidden")
)

const requestingService = "auth-processor-worker"

// Client talks to the internal tokenization service.
type Client struct {
	baseURL string
	authKey string
	http    *http.Client
	logger  *log.Logger
}

func New(baseURL, authKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		authKey: authKey,
		http:    &http.Client{Timeout: timeout},
		logger:  log.New(log.Writer(), "[TOKENS] ", log.LstdFlags),
	}
}

type decryptRequest struct {
	PaymentToken      string `json:"payment_token"`
	RestaurantID      string `json:"restaurant_id"`
	RequestingService string `json:"requesting_service"`
}

type decryptResponse struct {
	CardNumber     string `json:"card_number"`
	ExpMonth       int    `json:"exp_month"`
	ExpYear        int    `json:"exp_year"`
	CVV            string `json:"cvv"`
	CardholderName string `json:"cardholder_name"`
	BillingZip     string `json:"billing_zip"`
}

// Decrypt exchanges a payment token for card data. The card data must stay
// on the caller's stack; it is never persisted.
func (c *Client) Decrypt(ctx context.Context, paymentToken, restaurantID string) (processors.PaymentData, error) {
	body, err := json.Marshal(decryptRequest{
		PaymentToken:      paymentToken,
		RestaurantID:      restaurantID,
		RequestingService: requestingService,
	})
	if err != nil {
		return processors.PaymentData{}, fmt.Errorf("marshal decrypt request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/internal/v1/decrypt", bytes.NewReader(body))
	if err != nil {
		return processors.PaymentData{}, fmt.Errorf("build decrypt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Auth", c.authKey)
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return processors.PaymentData{}, &processors.TimeoutError{
			Processor: "tokenization", Reason: "request failed", Err: err,
		}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var dr decryptResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&dr); err != nil {
			return processors.PaymentData{}, &processors.TimeoutError{
				Processor: "tokenization", Reason: "undecodable response", Err: err,
			}
		}
		return processors.PaymentData{
			CardNumber:     dr.CardNumber,
			ExpMonth:       dr.ExpMonth,
			ExpYear:        dr.ExpYear,
			CVV:            dr.CVV,
			CardholderName: dr.CardholderName,
			BillingZip:     dr.BillingZip,
		}, nil

	case http.StatusNotFound:
		return processors.PaymentData{}, ErrTokenNotFound
	case http.StatusGone:
		return processors.PaymentData{}, ErrTokenExpired
	case http.StatusForbidden:
		return processors.PaymentData{}, ErrForbidden
	default:
		c.logger.Printf("decrypt failed with status %d", resp.StatusCode)
		return processors.PaymentData{}, &processors.TimeoutError{
			Processor: "tokenization", Reason: fmt.Sprintf("status %d", resp.StatusCode),
		}
	}
}
