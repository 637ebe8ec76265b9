// The api binary serves the intake HTTP API and runs the outbox dispatcher
// that relays accepted requests onto the FIFO queue.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/tably/payments/internal/api"
	"github.com/tably/payments/internal/config"
	"github.com/tably/payments/internal/coordinator"
	"github.com/tably/payments/internal/database"
	"github.com/tably/payments/internal/idempotency"
	"github.com/tably/payments/internal/monitoring"
	"github.com/tably/payments/internal/outbox"
	"github.com/tably/payments/internal/queue"
	"github.com/tably/payments/pb"
)

func main() {
	log.Println("🔥 Starting payments intake API...")

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file, using process environment")
	}

	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	q, err := queue.New(queue.Options{
		URL:                      cfg.Queue.URL,
		Region:                   cfg.Queue.Region,
		WaitTimeSeconds:          cfg.Queue.WaitTimeSeconds,
		VisibilityTimeoutSeconds: cfg.Queue.VisibilityTimeoutSeconds,
	})
	if err != nil {
		log.Fatalf("queue: %v", err)
	}

	dispatcher := outbox.NewDispatcher(db, q, groupByRestaurant,
		cfg.Outbox.BatchSize, cfg.OutboxPollInterval())
	go dispatcher.Run(ctx)

	go reportBacklog(ctx, db)
	go sweepIdempotencyKeys(ctx, db)

	server := api.NewServer(db, cfg, coordinator.New(db))
	if err := server.Start(ctx); err != nil {
		log.Fatalf("server failed: %v", err)
	}
	log.Println("intake API stopped")
}

func loadConfig() *config.Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.Printf("config file %s unavailable (%v), using defaults", path, err)
		cfg = config.Default()
		cfg.Overlay()
	}
	return cfg
}

// groupByRestaurant keys FIFO ordering by tenant. Rows with undecodable
// payloads fall back to the aggregate id, keeping per-request ordering.
func groupByRestaurant(row outbox.Row) string {
	var msg pb.AuthRequestQueuedMessage
	if err := pb.Unmarshal(row.Payload, &msg); err == nil && msg.RestaurantId != "" {
		return msg.RestaurantId
	}
	return row.AggregateID
}

// reportBacklog keeps the outbox backlog gauge fresh.
func reportBacklog(ctx context.Context, db *sql.DB) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := outbox.PendingCount(ctx, db); err == nil {
				monitoring.OutboxBacklog.Set(float64(n))
			}
		}
	}
}

// sweepIdempotencyKeys clears lapsed idempotency mappings hourly.
func sweepIdempotencyKeys(ctx context.Context, db *sql.DB) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := idempotency.DeleteExpired(ctx, db); err != nil {
				log.Printf("idempotency sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("removed %d expired idempotency keys", n)
			}
		}
	}
}
