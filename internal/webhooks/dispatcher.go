package webhooks

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Dispatcher delivers webhooks from an in-process worker pool. Used for
// local development and as the fallback when Cloud Tasks is unreachable.
type Dispatcher struct {
	db         *sql.DB
	secret     string
	httpClient *http.Client
	queue      chan *deliveryJob
	logger     *log.Logger
	wg         sync.WaitGroup
}

type deliveryJob struct {
	endpoint Endpoint
	event    *Event
	payload  []byte
	attempt  int
}

func NewDispatcher(db *sql.DB, secret string, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		db:         db,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan *deliveryJob, 1000),
		logger:     log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Emit fans the event out to every active endpoint of the restaurant.
func (d *Dispatcher) Emit(eventType, restaurantID string, data map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	endpoints, err := ActiveEndpoints(ctx, d.db, restaurantID)
	if err != nil {
		d.logger.Printf("❌ endpoint lookup failed for %s: %v", restaurantID, err)
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
		d.logger.Printf("❌ failed to marshal webhook event: %v", err)
		return
	}

	for _, ep := range endpoints {
		select {
		case d.queue <- &deliveryJob{endpoint: ep, event: event, payload: payload, attempt: 1}:
		default:
			d.logger.Printf("⚠️  webhook queue full, dropping event %s for %s", event.ID, ep.ID)
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	req, err := http.NewRequest(http.MethodPost, job.endpoint.URL, bytes.NewReader(job.payload))
	if err != nil {
		d.logger.Printf("❌ failed to build webhook request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Payments-Event-Type", job.event.Type)
	req.Header.Set("X-Payments-Event-ID", job.event.ID)
	req.Header.Set("X-Payments-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))
	if d.secret != "" {
		req.Header.Set("X-Payments-Signature", "sha256="+SignPayload(job.payload, d.secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Printf("❌ webhook delivery failed: %s → %v", job.endpoint.URL, err)
		d.retry(job)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.logger.Printf("⚠️  webhook returned %d: %s", resp.StatusCode, job.endpoint.URL)
		d.retry(job)
		return
	}
	d.logger.Printf("✅ webhook delivered: %s → %s (%s)", job.event.Type, job.endpoint.URL, job.event.ID)
}

func (d *Dispatcher) retry(job *deliveryJob) {
	if job.attempt >= 3 {
		return
	}
	time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
	job.attempt++
	select {
	case d.queue <- job:
	default:
	}
}

// Shutdown drains the pool.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}

var _ Emitter = (*Dispatcher)(nil)
