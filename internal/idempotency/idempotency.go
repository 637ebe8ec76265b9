// Package idempotency maps (idempotency_key, restaurant_id) pairs to auth
// requests so replayed intake calls return the original request.
package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tably/payments/internal/database"
)

// ErrKeyTaken means another request holds the key. Callers re-look-up the
// mapping and serve the existing request.
var ErrKeyTaken = errors.New("idempotency: key already mapped")

// Lookup returns the auth request id mapped to the key, or "" if the key is
// unknown or its mapping has expired.
func Lookup(ctx context.Context, q database.Querier, key, restaurantID string) (string, error) {
	var authRequestID string
	err := q.QueryRowContext(ctx,
		`SELECT auth_request_id FROM auth_idempotency_keys
		 WHERE idempotency_key = $1 AND restaurant_id = $2 AND expires_at > NOW()`,
		key, restaurantID,
	).Scan(&authRequestID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup idempotency key: %w", err)
	}
	return authRequestID, nil
}

// Insert records the mapping with a TTL. A unique violation surfaces as
// ErrKeyTaken so the intake path can fall back to the replay branch.
func Insert(ctx context.Context, q database.Querier, key, restaurantID, authRequestID string, ttl time.Duration) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO auth_idempotency_keys
		   (idempotency_key, restaurant_id, auth_request_id, expires_at)
		 VALUES ($1, $2, $3, NOW() + $4::interval)`,
		key, restaurantID, authRequestID, fmt.Sprintf("%d seconds", int(ttl.Seconds())),
	)
	if err != nil {
		if database.IsUniqueViolation(err, "") {
			return ErrKeyTaken
		}
		return fmt.Errorf("insert idempotency key: %w", err)
	}
	return nil
}

// DeleteExpired removes lapsed mappings. Run periodically by the API binary.
func DeleteExpired(ctx context.Context, q database.Querier) (int64, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM auth_idempotency_keys WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	return res.RowsAffected()
}
