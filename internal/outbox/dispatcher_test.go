package outbox

// Integration tests; they skip without TEST_DATABASE_URL.

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

	// Each dispatcher test wants an empty relay backlog.
	_, err = db.Exec(`DELETE FROM outbox`)
	require.NoError(t, err)
	return db
}

type sentMessage struct {
	payload []byte
	groupID string
	dedupID string
}

type captureEnqueuer struct {
	sent    []sentMessage
	failFor map[string]error // keyed by dedup id
}

func (c *captureEnqueuer) Enqueue(ctx context.Context, payload []byte, groupID, dedupID string) error {
	if err := c.failFor[dedupID]; err != nil {
		return err
	}
	c.sent = append(c.sent, sentMessage{payload: payload, groupID: groupID, dedupID: dedupID})
	return nil
}

func groupByAggregate(row Row) string { return row.AggregateID }

func TestDispatchOnceRelaysAndMarks(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	agg := uuid.NewString()
	rowID := uuid.NewString()
	require.NoError(t, Insert(ctx, db, rowID, agg, "AuthRequestCreated", []byte(`{"auth_request_id":"a"}`)))

	enq := &captureEnqueuer{}
	d := NewDispatcher(db, enq, groupByAggregate, 50, time.Second)

	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, enq.sent, 1)
	assert.Equal(t, agg, enq.sent[0].groupID)
	assert.Equal(t, rowID, enq.sent[0].dedupID, "dedup id is the outbox row id")

	pending, err := PendingCount(ctx, db)
	require.NoError(t, err)
	assert.Zero(t, pending)

	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "processed rows are not relayed again")
}

func TestDispatchOnceLeavesFailedRows(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	okID, badID := uuid.NewString(), uuid.NewString()
	require.NoError(t, Insert(ctx, db, badID, uuid.NewString(), "AuthRequestCreated", []byte(`{}`)))
	require.NoError(t, Insert(ctx, db, okID, uuid.NewString(), "AuthRequestCreated", []byte(`{}`)))

	enq := &captureEnqueuer{failFor: map[string]error{badID: errors.New("sqs down")}}
	d := NewDispatcher(db, enq, groupByAggregate, 50, time.Second)

	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the healthy row still relays")

	pending, err := PendingCount(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending, "failed row stays for the next pass")

	enq.failFor = nil
	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the next pass picks it up")
}

func TestClaimBatchOrdersOldestFirst(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	first, second := uuid.NewString(), uuid.NewString()
	require.NoError(t, Insert(ctx, db, first, uuid.NewString(), "AuthRequestCreated", []byte(`1`)))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, Insert(ctx, db, second, uuid.NewString(), "AuthRequestCreated", []byte(`2`)))

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	batch, err := ClaimBatch(ctx, tx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, first, batch[0].ID)
	assert.Equal(t, second, batch[1].ID)
}
