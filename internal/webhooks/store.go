// Package webhooks notifies merchant endpoints when an auth request settles.
// Endpoints live in Postgres; delivery rides Cloud Tasks with an in-memory
// worker pool as local fallback. Payloads are HMAC signed.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/tably/payments/internal/database"
)

// Event type sent to merchant endpoints when an auth request settles.
const EventAuthSettled = "auth_request.settled"

// Endpoint is one registered merchant webhook URL.
type Endpoint struct {
	ID           string `json:"id"`
	RestaurantID string `json:"restaurant_id"`
	URL          string `json:"url"`
	IsActive     bool   `json:"is_active"`
}

// Event is the payload POSTed to merchant endpoints.
type Event struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Timestamp    time.Time              `json:"timestamp"`
	RestaurantID string                 `json:"restaurant_id"`
	Data         map[string]interface{} `json:"data"`
}

// Emitter delivers an event to every active endpoint of a restaurant.
type Emitter interface {
	Emit(eventType, restaurantID string, data map[string]interface{})
	Shutdown()
}

// ActiveEndpoints loads a restaurant's active webhook endpoints.
func ActiveEndpoints(ctx context.Context, q database.Querier, restaurantID string) ([]Endpoint, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, restaurant_id, url, is_active
		 FROM webhook_subscriptions
		 WHERE restaurant_id = $1 AND is_active`,
		restaurantID,
	)
	if err != nil {
		return nil, fmt.Errorf("load webhook endpoints for %s: %w", restaurantID, err)
	}
	defer rows.Close()

	var endpoints []Endpoint
	for rows.Next() {
		var ep Endpoint
		if err := rows.Scan(&ep.ID, &ep.RestaurantID, &ep.URL, &ep.IsActive); err != nil {
			return nil, fmt.Errorf("scan webhook endpoint: %w", err)
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, rows.Err()
}

// SignPayload computes the HMAC-SHA256 signature merchants verify against
// the X-Payments-Signature header.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
