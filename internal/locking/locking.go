// Package locking provides the per-aggregate processing lock. One row per
// aggregate; acquisition is a single compare-and-swap statement, release is
// owner scoped, and a sweeper reclaims rows whose TTL lapsed.
package locking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tably/payments/internal/database"
	"github.com/tably/payments/internal/monitoring"
)

// Lock acquires and releases aggregate locks against Postgres.
type Lock struct {
	db  *sql.DB
	ttl time.Duration
}

func New(db *sql.DB, ttl time.Duration) *Lock {
	return &Lock{db: db, ttl: ttl}
}

// TryAcquire attempts to take the aggregate lock for workerID. It returns
// false when a live lock is held by anyone, including a previous incarnation
// of the same worker. The upsert takes over expired rows in the same round
// trip.
func (l *Lock) TryAcquire(ctx context.Context, aggregateID, workerID string) (bool, error) {
	var owner string
	err := l.db.QueryRowContext(ctx,
		`INSERT INTO auth_processing_locks (aggregate_id, worker_id, acquired_at, expires_at)
		 VALUES ($1, $2, NOW(), NOW() + $3::interval)
		 ON CONFLICT (aggregate_id) DO UPDATE
		   SET worker_id = EXCLUDED.worker_id,
		       acquired_at = EXCLUDED.acquired_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE auth_processing_locks.expires_at < NOW()
		 RETURNING worker_id`,
		aggregateID, workerID, interval(l.ttl),
	).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict row is live; the WHERE clause suppressed the update.
		monitoring.LockContention.Inc()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", aggregateID, err)
	}
	return owner == workerID, nil
}

// Release drops the lock only if workerID still owns it. A lock stolen after
// TTL expiry is not released out from under the new owner.
func (l *Lock) Release(ctx context.Context, aggregateID, workerID string) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM auth_processing_locks
		 WHERE aggregate_id = $1 AND worker_id = $2`,
		aggregateID, workerID,
	)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", aggregateID, err)
	}
	return nil
}

// SweepExpired deletes lapsed lock rows. The CAS in TryAcquire already
// tolerates them; sweeping keeps the table small.
func SweepExpired(ctx context.Context, q database.Querier) (int64, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM auth_processing_locks WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("sweep expired locks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	monitoring.LocksSwept.Add(float64(n))
	return n, nil
}

// RunSweeper loops SweepExpired until ctx is cancelled.
func RunSweeper(ctx context.Context, db *sql.DB, every time.Duration) {
	logger := log.New(log.Writer(), "[LOCKS] ", log.LstdFlags)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := SweepExpired(ctx, db); err != nil {
				logger.Printf("sweep failed: %v", err)
			} else if n > 0 {
				logger.Printf("reclaimed %d expired locks", n)
			}
		}
	}
}

func interval(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int(d.Seconds()))
}
