package webhooks

import (
	"context"
	"database/sql"
	"log"

	"github.com/tably/payments/internal/events"
	"github.com/tably/payments/internal/readmodel"
)

// Notifier bridges the outcome feed to merchant webhooks: it subscribes to
// settled-auth events on the in-process bus, loads the final projection, and
// hands the merchant-facing payload to the emitter.
type Notifier struct {
	db      *sql.DB
	bus     *events.Bus
	emitter Emitter
	logger  *log.Logger
}

func NewNotifier(db *sql.DB, bus *events.Bus, emitter Emitter) *Notifier {
	return &Notifier{
		db:      db,
		bus:     bus,
		emitter: emitter,
		logger:  log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
	}
}

// Run consumes settled events until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	ch := n.bus.Subscribe(events.OutcomeTypes...)
	defer n.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ce, ok := <-ch:
			if !ok {
				return
			}
			n.notify(ctx, ce.Subject)
		}
	}
}

func (n *Notifier) notify(ctx context.Context, authRequestID string) {
	ar, err := readmodel.Get(ctx, n.db, authRequestID)
	if err != nil {
		n.logger.Printf("❌ load settled request %s: %v", authRequestID, err)
		return
	}
	if !readmodel.IsTerminal(ar.Status) {
		// The projection can lag the bus during a retry race; the next
		// settled event will cover it.
		return
	}

	data := map[string]interface{}{
		"auth_request_id": ar.AuthRequestID,
		"restaurant_id":   ar.RestaurantID,
		"status":          ar.Status,
		"amount_cents":    ar.AmountCents,
		"currency":        ar.Currency,
	}
	if ar.ProcessorAuthID.Valid {
		data["processor_auth_id"] = ar.ProcessorAuthID.String
	}
	if ar.AuthorizedAmountCents.Valid {
		data["authorized_amount_cents"] = ar.AuthorizedAmountCents.Int64
	}
	if ar.DenialCode.Valid {
		data["denial_code"] = ar.DenialCode.String
		data["denial_reason"] = ar.DenialReason.String
	}
	if ar.ErrorCode.Valid && ar.Status == readmodel.StatusFailed {
		data["error_code"] = ar.ErrorCode.String
	}

	n.emitter.Emit(EventAuthSettled, ar.RestaurantID, data)
}
