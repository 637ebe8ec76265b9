// The worker binary consumes the FIFO auth request queue and drives each
// request through lock, tokenization, processor call, and atomic recording.
package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tably/payments/internal/cache"
	"github.com/tably/payments/internal/config"
	"github.com/tably/payments/internal/coordinator"
	"github.com/tably/payments/internal/database"
	"github.com/tably/payments/internal/events"
	"github.com/tably/payments/internal/locking"
	"github.com/tably/payments/internal/processors"
	"github.com/tably/payments/internal/queue"
	"github.com/tably/payments/internal/tokenclient"
	"github.com/tably/payments/internal/webhooks"
	"github.com/tably/payments/internal/worker"
)

func main() {
	log.Println("🔥 Starting auth processor worker...")

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

	// Config cache is optional; the worker runs straight off Postgres when
	// Redis is absent.
	var configCache *cache.ConfigCache
	if cfg.Redis.Addr != "" {
		configCache, err = cache.Connect(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			time.Duration(cfg.Redis.ConfigTTLSeconds)*time.Second)
		if err != nil {
			log.Printf("⚠️ redis unavailable, running without config cache: %v", err)
		} else {
			defer configCache.Close()
		}
	}

	bus := buildBus(cfg)
	emitter := buildWebhookEmitter(db, cfg)
	defer emitter.Shutdown()

	notifier := webhooks.NewNotifier(db, inProcessBus(bus), emitter)
	go notifier.Run(ctx)

	workerID := cfg.Worker.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = hostname + "-" + uuid.NewString()[:8]
	}

	orchestrator := worker.NewOrchestrator(worker.Options{
		WorkerID:   workerID,
		MaxRetries: cfg.Worker.MaxRetries,
		Locks:      locking.New(db, cfg.LockTTL()),
		Recorder:   coordinator.New(db),
		State:      worker.NewStateReader(db, configCache),
		Tokens: worker.WithTokenBreaker(tokenclient.New(cfg.Token.BaseURL, cfg.Token.ServiceAuthKey,
			time.Duration(cfg.Token.TimeoutSeconds)*time.Second)),
		Factory: worker.WithProcessorBreakers(processors.NewFactory(
			time.Duration(cfg.Processors.StripeTimeoutSeconds)*time.Second,
			time.Duration(cfg.Processors.MockLatencyMs)*time.Millisecond)),
		Emitter: bus,
	})

	go locking.RunSweeper(ctx, db, time.Duration(cfg.Locking.SweepIntervalSeconds)*time.Second)
	go serveMetrics(cfg.Server.Port)

	log.Printf("worker %s consuming queue", workerID)
	q.Consume(ctx, worker.NewHandler(orchestrator))

	if closer, ok := bus.(interface{ Close() error }); ok {
		closer.Close()
	}
	log.Println("worker stopped")
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

// buildBus prefers the durable Pub/Sub feed, falling back to the in-memory
// bus when no project is configured.
func buildBus(cfg *config.Config) events.EventEmitter {
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicID != "" {
		bus, err := events.NewPubSubBus(cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err == nil {
			return bus
		}
		log.Printf("⚠️ pubsub unavailable, outcome feed stays in-process: %v", err)
	}
	return events.NewBus()
}

// inProcessBus extracts the in-memory fan-out the notifier subscribes to.
func inProcessBus(emitter events.EventEmitter) *events.Bus {
	switch b := emitter.(type) {
	case *events.PubSubBus:
		return b.Bus
	case *events.Bus:
		return b
	default:
		return events.NewBus()
	}
}

// buildWebhookEmitter prefers Cloud Tasks delivery with in-memory fallback,
// degrading to the pure in-memory pool for local runs.
func buildWebhookEmitter(db *sql.DB, cfg *config.Config) webhooks.Emitter {
	if cfg.Webhooks.ProjectID != "" {
		cd, err := webhooks.NewCloudDispatcher(db, cfg.Webhooks.SigningSecret,
			cfg.Webhooks.ProjectID, cfg.Webhooks.LocationID, cfg.Webhooks.QueueID, 4)
		if err == nil {
			return cd
		}
		log.Printf("⚠️ cloud tasks unavailable, using in-memory webhook delivery: %v", err)
	}
	return webhooks.NewDispatcher(db, cfg.Webhooks.SigningSecret, 4)
}

func serveMetrics(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		log.Printf("metrics server failed: %v", err)
	}
}
