// Package outbox implements the transactional outbox: rows are written in
// the same transaction as the events they announce, then relayed to the
// queue by the dispatcher.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/tably/payments/internal/database"
)

// Row is one pending or processed outbox entry.
type Row struct {
	ID          string
	AggregateID string
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
}

// Insert stages a payload for relay inside the caller's transaction.
func Insert(ctx context.Context, q database.Querier, id, aggregateID, eventType string, payload []byte) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO outbox (id, aggregate_id, event_type, payload)
		 VALUES ($1, $2, $3, $4)`,
		id, aggregateID, eventType, payload,
	)
	if err != nil {
		return fmt.Errorf("insert outbox row %s: %w", id, err)
	}
	return nil
}

// ClaimBatch selects up to limit unprocessed rows oldest-first, locking them
// against concurrent dispatchers. Must run inside a transaction; the row
// locks drop at commit.
func ClaimBatch(ctx context.Context, q database.Querier, limit int) ([]Row, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, aggregate_id, event_type, payload, created_at
		 FROM outbox
		 WHERE processed_at IS NULL
		 ORDER BY created_at
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	defer rows.Close()

	var batch []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.AggregateID, &r.EventType, &r.Payload, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		batch = append(batch, r)
	}
	return batch, rows.Err()
}

// MarkProcessed stamps a relayed row.
func MarkProcessed(ctx context.Context, q database.Querier, id string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE outbox SET processed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark outbox row %s processed: %w", id, err)
	}
	return nil
}

// PendingCount reports the relay backlog, exported as a gauge.
func PendingCount(ctx context.Context, q database.Querier) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending outbox rows: %w", err)
	}
	return n, nil
}
