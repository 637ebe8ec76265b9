package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tably/payments/internal/coordinator"
	"github.com/tably/payments/internal/idempotency"
	"github.com/tably/payments/internal/monitoring"
	"github.com/tably/payments/internal/readmodel"
)

type authorizeRequest struct {
	RestaurantID   string            `json:"restaurant_id"`
	PaymentToken   string            `json:"payment_token"`
	AmountCents    int64             `json:"amount_cents"`
	Currency       string            `json:"currency"`
	IdempotencyKey string            `json:"idempotency_key"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (r *authorizeRequest) validate() string {
	if _, err := uuid.Parse(r.RestaurantID); err != nil {
		return "restaurant_id must be a UUID"
	}
	if r.PaymentToken == "" {
		return "payment_token is required"
	}
	if r.AmountCents <= 0 {
		return "amount_cents must be positive"
	}
	if len(r.Currency) != 3 {
		return "currency must be a 3-letter ISO code"
	}
	if r.IdempotencyKey == "" {
		return "idempotency_key is required"
	}
	return ""
}

// handleAuthorize accepts a new auth request. Replays under the same
// idempotency key return the original request. New requests are persisted
// through the outbox and then fast-path polled; callers get 200 with the
// settled result when the worker finishes inside the poll budget, otherwise
// 202 with a status URL.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	ctx := r.Context()

	// Replay path.
	if existing, err := idempotency.Lookup(ctx, s.db, req.IdempotencyKey, req.RestaurantID); err != nil {
		s.logger.Printf("idempotency lookup failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	} else if existing != "" {
		monitoring.AuthRequestsReplayed.Inc()
		s.respondWithRequest(w, ctx, existing)
		return
	}

	authRequestID := uuid.NewString()
	err := s.creator.RecordCreated(ctx, coordinator.NewRequest{
		AuthRequestID:  authRequestID,
		RestaurantID:   req.RestaurantID,
		PaymentToken:   req.PaymentToken,
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
		Metadata:       req.Metadata,
		IdempotencyKey: req.IdempotencyKey,
		IdempotencyTTL: s.cfg.IdempotencyTTL(),
	})
	if errors.Is(err, idempotency.ErrKeyTaken) {
		// Lost the race to a concurrent replay; serve the winner's request.
		existing, lookErr := idempotency.Lookup(ctx, s.db, req.IdempotencyKey, req.RestaurantID)
		if lookErr != nil || existing == "" {
			writeError(w, http.StatusConflict, "idempotency key in flight, retry")
			return
		}
		monitoring.AuthRequestsReplayed.Inc()
		s.respondWithRequest(w, ctx, existing)
		return
	}
	if err != nil {
		s.logger.Printf("create auth request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	monitoring.AuthRequestsAccepted.Inc()
	s.respondWithRequest(w, ctx, authRequestID)
}

// respondWithRequest fast-path polls the read model and answers 200 when the
// request settles within the budget, 202 otherwise.
func (s *Server) respondWithRequest(w http.ResponseWriter, ctx context.Context, authRequestID string) {
	deadline := time.Now().Add(s.cfg.FastPathBudget())
	interval := s.cfg.FastPathInterval()

	for {
		ar, err := readmodel.Get(ctx, s.db, authRequestID)
		if err != nil {
			s.logger.Printf("fast-path read of %s failed: %v", authRequestID, err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if readmodel.IsTerminal(ar.Status) {
			monitoring.FastPathResolved.WithLabelValues("true").Inc()
			writeJSON(w, http.StatusOK, statusBody(ar))
			return
		}
		if time.Now().After(deadline) {
			monitoring.FastPathResolved.WithLabelValues("false").Inc()
			body := statusBody(ar)
			body["status_url"] = "/v1/authorize/" + authRequestID + "/status?restaurant_id=" + ar.RestaurantID
			writeJSON(w, http.StatusAccepted, body)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func statusBody(ar *readmodel.AuthRequest) map[string]interface{} {
	body := map[string]interface{}{
		"auth_request_id": ar.AuthRequestID,
		"restaurant_id":   ar.RestaurantID,
		"status":          ar.Status,
		"amount_cents":    ar.AmountCents,
		"currency":        ar.Currency,
		"created_at":      ar.CreatedAt.UTC().Format(time.RFC3339),
	}
	if ar.CompletedAt.Valid {
		body["completed_at"] = ar.CompletedAt.Time.UTC().Format(time.RFC3339)
	}

	switch ar.Status {
	case readmodel.StatusAuthorized:
		result := map[string]interface{}{
			"processor_name":    ar.ProcessorName.String,
			"processor_auth_id": ar.ProcessorAuthID.String,
		}
		if ar.AuthorizationCode.Valid {
			result["authorization_code"] = ar.AuthorizationCode.String
		}
		if ar.AuthorizedAmountCents.Valid {
			result["authorized_amount_cents"] = ar.AuthorizedAmountCents.Int64
		}
		body["result"] = result
	case readmodel.StatusDenied:
		body["result"] = map[string]interface{}{
			"processor_name": ar.ProcessorName.String,
			"denial_code":    ar.DenialCode.String,
			"denial_reason":  ar.DenialReason.String,
		}
	case readmodel.StatusFailed:
		body["error_code"] = ar.ErrorCode.String
		if ar.ErrorMessage.Valid {
			body["error_message"] = ar.ErrorMessage.String
		}
	}
	return body
}
