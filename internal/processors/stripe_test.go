package processors

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tably/payments/pb"
)

func stripeAgainst(t *testing.T, handler http.HandlerFunc) (*Stripe, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	s := NewStripe("sk_test_123", 5*time.Second)
	s.baseURL = srv.URL
	return s, srv
}

func TestStripeAuthorizesManualCapture(t *testing.T) {
	var form map[string][]string
	s, _ := stripeAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payment_intents", r.URL.Path)
		require.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseForm())
		form = r.PostForm

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"pi_123","status":"requires_capture","amount":2500,"currency":"usd","created":1756000000}`))
	})

	out, err := s.Authorize(context.Background(), PaymentData{
		CardNumber: "4242424242424242",
		ExpMonth:   12,
		ExpYear:    2030,
		CVV:        "123",
	}, 2500, "USD", map[string]string{"statement_descriptor": "TABLY DOWNTOWN"})
	require.NoError(t, err)

	assert.Equal(t, pb.AuthStatus_AUTHORIZED, out.Status)
	assert.Equal(t, "pi_123", out.Result.ProcessorAuthId)
	assert.Equal(t, int64(2500), out.Result.AuthorizedAmountCents)
	assert.Equal(t, "USD", out.Result.Currency)
	assert.Equal(t, int64(1756000000), out.Result.AuthorizedAt)

	assert.Equal(t, []string{"manual"}, form["capture_method"])
	assert.Equal(t, []string{"true"}, form["confirm"])
	assert.Equal(t, []string{"usd"}, form["currency"])
	assert.Equal(t, []string{"TABLY DOWNTOWN"}, form["statement_descriptor_suffix"])
}

func TestStripeCardErrorIsDenial(t *testing.T) {
	s, _ := stripeAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","decline_code":"insufficient_funds","message":"Your card has insufficient funds."}}`))
	})

	out, err := s.Authorize(context.Background(), PaymentData{CardNumber: "4000000000009995"}, 2500, "USD", nil)
	require.NoError(t, err, "a decline is a business outcome, not an error")

	assert.Equal(t, pb.AuthStatus_DENIED, out.Status)
	assert.Equal(t, "insufficient_funds", out.Result.DenialCode,
		"the specific decline_code, not the generic error code, is what gets persisted")
	assert.Equal(t, "Your card has insufficient funds.", out.Result.DenialReason)
}

func TestStripeCardErrorWithoutDeclineCode(t *testing.T) {
	s, _ := stripeAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"error":{"type":"card_error","code":"expired_card","message":"Your card has expired."}}`))
	})

	out, err := s.Authorize(context.Background(), PaymentData{CardNumber: "4000000000000069"}, 2500, "USD", nil)
	require.NoError(t, err)
	assert.Equal(t, pb.AuthStatus_DENIED, out.Status)
	assert.Equal(t, "expired_card", out.Result.DenialCode)
}

func TestStripeRequiresActionIsDenial(t *testing.T) {
	s, _ := stripeAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"pi_3ds","status":"requires_action"}`))
	})

	out, err := s.Authorize(context.Background(), PaymentData{CardNumber: "4000002500003155"}, 2500, "USD", nil)
	require.NoError(t, err)
	assert.Equal(t, pb.AuthStatus_DENIED, out.Status)
	assert.Equal(t, "requires_action", out.Result.DenialCode)
}

func TestStripeTransientStatusesAreRetryable(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusBadRequest, http.StatusInternalServerError} {
		s, _ := stripeAgainst(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			w.Write([]byte(`{}`))
		})
		_, err := s.Authorize(context.Background(), PaymentData{CardNumber: "4242424242424242"}, 100, "USD", nil)
		require.Error(t, err, "status %d", status)
		assert.True(t, IsTimeout(err), "status %d must stay retryable", status)
	}
}

func TestStripeConnectionFailureIsRetryable(t *testing.T) {
	s, srv := stripeAgainst(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close()

	_, err := s.Authorize(context.Background(), PaymentData{CardNumber: "4242424242424242"}, 100, "USD", nil)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}
