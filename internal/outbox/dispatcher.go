package outbox

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/tably/payments/internal/database"
	"github.com/tably/payments/internal/monitoring"
)

// Enqueuer delivers an outbox payload to the downstream queue. groupID keys
// FIFO ordering, dedupID suppresses duplicate sends of the same row.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload []byte, groupID, dedupID string) error
}

// GroupKeyer maps an outbox row to its FIFO message group. The default
// groups by restaurant so tenants do not head-of-line block each other.
type GroupKeyer func(Row) string

// Dispatcher polls the outbox and relays rows to the queue. At-least-once:
// a crash between enqueue and mark leaves the row unprocessed and it is sent
// again, which downstream absorbs via dedup id and the processing lock.
type Dispatcher struct {
	db       *sql.DB
	queue    Enqueuer
	groupKey GroupKeyer
	batch    int
	interval time.Duration
	logger   *log.Logger
}

func NewDispatcher(db *sql.DB, queue Enqueuer, groupKey GroupKeyer, batch int, interval time.Duration) *Dispatcher {
	return &Dispatcher{
		db:       db,
		queue:    queue,
		groupKey: groupKey,
		batch:    batch,
		interval: interval,
		logger:   log.New(log.Writer(), "[OUTBOX] ", log.LstdFlags),
	}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Printf("🚚 dispatcher started (batch=%d interval=%s)", d.batch, d.interval)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Println("dispatcher stopped")
			return
		case <-ticker.C:
			if n, err := d.DispatchOnce(ctx); err != nil {
				d.logger.Printf("dispatch pass failed: %v", err)
			} else if n > 0 {
				d.logger.Printf("relayed %d outbox rows", n)
			}
		}
	}
}

// DispatchOnce claims one batch, relays each row, and marks the relayed ones
// processed. Rows whose enqueue fails stay unprocessed for the next pass.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	relayed := 0
	err := database.WithTx(ctx, d.db, func(tx *sql.Tx) error {
		batch, err := ClaimBatch(ctx, tx, d.batch)
		if err != nil {
			return err
		}
		for _, row := range batch {
			if err := d.queue.Enqueue(ctx, row.Payload, d.groupKey(row), row.ID); err != nil {
				d.logger.Printf("enqueue outbox row %s failed: %v", row.ID, err)
				monitoring.OutboxEnqueueFailures.Inc()
				continue
			}
			if err := MarkProcessed(ctx, tx, row.ID); err != nil {
				return err
			}
			monitoring.OutboxRelayed.Inc()
			relayed++
		}
		return nil
	})
	return relayed, err
}
