package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"github.com/google/uuid"

	"github.com/tably/payments/internal/monitoring"
)

// CloudDispatcher delivers webhooks through Google Cloud Tasks for durable,
// at-least-once delivery with queue-level retry and dead-lettering. When a
// task enqueue fails it falls back to the in-memory Dispatcher.
type CloudDispatcher struct {
	db        *sql.DB
	secret    string
	client    *cloudtasks.Client
	queuePath string
	logger    *log.Logger
	fallback  *Dispatcher
}

func NewCloudDispatcher(db *sql.DB, secret, projectID, locationID, queueID string, fallbackWorkers int) (*CloudDispatcher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	cd := &CloudDispatcher{
		db:        db,
		secret:    secret,
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		logger:    log.New(log.Writer(), "[CLOUD-TASKS] ", log.LstdFlags),
	}
	if fallbackWorkers > 0 {
		cd.fallback = NewDispatcher(db, secret, fallbackWorkers)
	}

	cd.logger.Printf("✅ Connected to Cloud Tasks queue: %s", cd.queuePath)
	return cd, nil
}

// Emit enqueues one HTTP task per active endpoint of the restaurant.
func (cd *CloudDispatcher) Emit(eventType, restaurantID string, data map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	endpoints, err := ActiveEndpoints(ctx, cd.db, restaurantID)
	if err != nil {
		cd.logger.Printf("❌ endpoint lookup failed for %s: %v", restaurantID, err)
		return
	}
	if len(endpoints) == 0 {
		return
	}

	event := &Event{
		ID:           "evt-" + uuid.NewString(),
		Type:         eventType,
		Timestamp:    time.Now().UTC(),
		RestaurantID: restaurantID,
		Data:         data,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		cd.logger.Printf("❌ failed to marshal webhook event: %v", err)
		return
	}

	for _, ep := range endpoints {
		cd.enqueueTask(ep, event, payload)
	}
}

func (cd *CloudDispatcher) enqueueTask(ep Endpoint, event *Event, payload []byte) {
	headers := map[string]string{
		"Content-Type":                "application/json",
		"X-Payments-Event-Type":       event.Type,
		"X-Payments-Event-ID":         event.ID,
		"X-Payments-Delivery-Attempt": "1",
	}
	if cd.secret != "" {
		headers["X-Payments-Signature"] = "sha256=" + SignPayload(payload, cd.secret)
	}

	req := &taskspb.CreateTaskRequest{
		Parent: cd.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        ep.URL,
					Headers:    headers,
					Body:       payload,
				},
			},
		},
	}

	// Enqueue off the hot path.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		task, err := cd.client.CreateTask(ctx, req)
		if err != nil {
			cd.logger.Printf("❌ Cloud Task enqueue failed: %s → %s: %v", event.ID, ep.URL, err)
			monitoring.WebhooksDispatched.WithLabelValues("fallback").Inc()
			if cd.fallback != nil {
				cd.logger.Printf("↩️  falling back to in-memory delivery for %s", event.ID)
				cd.fallback.Emit(event.Type, event.RestaurantID, event.Data)
			}
			return
		}
		monitoring.WebhooksDispatched.WithLabelValues("enqueued").Inc()
		cd.logger.Printf("📤 enqueued Cloud Task: %s → %s (task=%s)", event.ID, ep.URL, task.GetName())
	}()
}

// Shutdown closes the client and drains the fallback pool.
func (cd *CloudDispatcher) Shutdown() {
	if cd.fallback != nil {
		cd.fallback.Shutdown()
	}
	if err := cd.client.Close(); err != nil {
		cd.logger.Printf("⚠️ Cloud Tasks client close error: %v", err)
	}
	cd.logger.Printf("🔌 Cloud Tasks dispatcher closed")
}

var _ Emitter = (*CloudDispatcher)(nil)
