package coordinator

// Integration tests. They need a migrated Postgres; point TEST_DATABASE_URL
// at one (the migration is applied idempotently on startup) or they skip.

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tably/payments/internal/eventstore"
	"github.com/tably/payments/internal/idempotency"
	"github.com/tably/payments/internal/readmodel"
	"github.com/tably/payments/pb"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	schema, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_initial.sql"))
	require.NoError(t, err)
	_, err = db.Exec(string(schema))
	require.NoError(t, err)
	return db
}

func newRequest(idempotencyKey string) NewRequest {
	return NewRequest{
		AuthRequestID:  uuid.NewString(),
		RestaurantID:   uuid.NewString(),
		PaymentToken:   "tok_" + uuid.NewString()[:8],
		AmountCents:    2500,
		Currency:       "USD",
		IdempotencyKey: idempotencyKey,
		IdempotencyTTL: time.Hour,
	}
}

func TestRecordCreatedPersistsEverything(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := New(db)
	req := newRequest("order-" + uuid.NewString())

	require.NoError(t, c.RecordCreated(ctx, req))

	events, err := eventstore.ListEvents(ctx, db, req.AuthRequestID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].SequenceNumber)
	assert.Equal(t, eventstore.TypeAuthRequestCreated, events[0].EventType)

	ar, err := readmodel.Get(ctx, db, req.AuthRequestID)
	require.NoError(t, err)
	assert.Equal(t, readmodel.StatusPending, ar.Status)
	assert.Equal(t, int64(1), ar.LastEventSequence)
	assert.False(t, ar.CompletedAt.Valid)

	var payload []byte
	err = db.QueryRowContext(ctx,
		`SELECT payload FROM outbox WHERE aggregate_id = $1 AND processed_at IS NULL`,
		req.AuthRequestID).Scan(&payload)
	require.NoError(t, err, "outbox row staged in the same transaction")
	var msg pb.AuthRequestQueuedMessage
	require.NoError(t, pb.Unmarshal(payload, &msg))
	assert.Equal(t, req.RestaurantID, msg.RestaurantId)

	existing, err := idempotency.Lookup(ctx, db, req.IdempotencyKey, req.RestaurantID)
	require.NoError(t, err)
	assert.Equal(t, req.AuthRequestID, existing)
}

func TestRecordCreatedDuplicateKeyPersistsNothing(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := New(db)

	first := newRequest("order-" + uuid.NewString())
	require.NoError(t, c.RecordCreated(ctx, first))

	second := newRequest(first.IdempotencyKey)
	second.RestaurantID = first.RestaurantID
	err := c.RecordCreated(ctx, second)
	require.ErrorIs(t, err, idempotency.ErrKeyTaken)

	_, err = readmodel.Get(ctx, db, second.AuthRequestID)
	assert.ErrorIs(t, err, readmodel.ErrNotFound, "losing the key race rolls back the whole transaction")
}

func TestLifecycleToAuthorized(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := New(db)
	req := newRequest("order-" + uuid.NewString())
	require.NoError(t, c.RecordCreated(ctx, req))

	require.NoError(t, c.RecordStarted(ctx, req.AuthRequestID, "worker-1", nil))
	ar, err := readmodel.Get(ctx, db, req.AuthRequestID)
	require.NoError(t, err)
	assert.Equal(t, readmodel.StatusProcessing, ar.Status)
	assert.Equal(t, int64(2), ar.LastEventSequence)

	require.NoError(t, c.RecordAuthorized(ctx, req.AuthRequestID, &pb.AuthorizationResult{
		ProcessorName:         "stripe",
		ProcessorAuthId:       "pi_123",
		AuthorizationCode:     "123456",
		AuthorizedAmountCents: 2500,
	}, nil))

	ar, err = readmodel.Get(ctx, db, req.AuthRequestID)
	require.NoError(t, err)
	assert.Equal(t, readmodel.StatusAuthorized, ar.Status)
	assert.Equal(t, "pi_123", ar.ProcessorAuthID.String)
	assert.Equal(t, int64(2500), ar.AuthorizedAmountCents.Int64, "held amount lands in the projection")
	assert.Equal(t, int64(3), ar.LastEventSequence)
	assert.True(t, ar.CompletedAt.Valid, "terminal entry stamps completed_at")
}

func TestTerminalStateRejectsFurtherTransitions(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := New(db)
	req := newRequest("order-" + uuid.NewString())
	require.NoError(t, c.RecordCreated(ctx, req))
	require.NoError(t, c.RecordStarted(ctx, req.AuthRequestID, "worker-1", nil))
	require.NoError(t, c.RecordDenied(ctx, req.AuthRequestID, &pb.AuthorizationResult{
		ProcessorName: "mock",
		DenialCode:    "card_declined",
	}, nil))

	err := c.RecordAuthorized(ctx, req.AuthRequestID, &pb.AuthorizationResult{ProcessorName: "mock"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, readmodel.ErrInvalidStateTransition)

	events, err := eventstore.ListEvents(ctx, db, req.AuthRequestID)
	require.NoError(t, err)
	assert.Len(t, events, 3, "rejected transition appends no event")
}

func TestRetryableFailureKeepsProcessing(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := New(db)
	req := newRequest("order-" + uuid.NewString())
	require.NoError(t, c.RecordCreated(ctx, req))
	require.NoError(t, c.RecordStarted(ctx, req.AuthRequestID, "worker-1", nil))

	require.NoError(t, c.RecordFailedRetryable(ctx, req.AuthRequestID,
		"PROCESSOR_TIMEOUT", "stripe timed out", 2, nil))

	ar, err := readmodel.Get(ctx, db, req.AuthRequestID)
	require.NoError(t, err)
	assert.Equal(t, readmodel.StatusProcessing, ar.Status, "retryable failure is not terminal")
	assert.Equal(t, "PROCESSOR_TIMEOUT", ar.ErrorCode.String)
	assert.Equal(t, int64(3), ar.LastEventSequence, "cursor still advances")
	assert.False(t, ar.CompletedAt.Valid)
}

func TestRecordExpiredFromPending(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	c := New(db)
	req := newRequest("order-" + uuid.NewString())
	require.NoError(t, c.RecordCreated(ctx, req))

	require.NoError(t, c.RecordExpired(ctx, req.AuthRequestID, "voided before processing", nil))

	ar, err := readmodel.Get(ctx, db, req.AuthRequestID)
	require.NoError(t, err)
	assert.Equal(t, readmodel.StatusExpired, ar.Status)
	assert.True(t, ar.CompletedAt.Valid)
}
