package worker

import (
	"context"

	"github.com/tably/payments/internal/queue"
)

// Handler adapts the orchestrator to the queue consumer. Only a retryable
// failure leaves the message in flight; every settled result acks so the
// FIFO group keeps moving.
type Handler struct {
	orchestrator *Orchestrator
}

func NewHandler(o *Orchestrator) *Handler {
	return &Handler{orchestrator: o}
}

func (h *Handler) Handle(ctx context.Context, msg queue.Message) queue.Disposition {
	result := h.orchestrator.Process(ctx, msg.Payload.AuthRequestId, msg.ReceiveCount)
	if result == RetryableFailure {
		return queue.Retry
	}
	return queue.Ack
}
