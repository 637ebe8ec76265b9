package eventstore

// Integration tests; they skip without TEST_DATABASE_URL.

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

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
	return db
}

func appendAt(t *testing.T, db *sql.DB, agg string, seq int64, eventType string) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, Append(context.Background(), db, Event{
		EventID:        id,
		AggregateID:    agg,
		SequenceNumber: seq,
		EventType:      eventType,
		EventData:      []byte(`{}`),
	}))
	return id
}

func TestSequencesAreDensePerAggregate(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	agg := uuid.NewString()

	next, err := NextSequence(ctx, db, agg)
	require.NoError(t, err)
	assert.Equal(t, int64(1), next, "fresh aggregates start at 1")

	appendAt(t, db, agg, 1, TypeAuthRequestCreated)
	appendAt(t, db, agg, 2, TypeAuthAttemptStarted)

	next, err = NextSequence(ctx, db, agg)
	require.NoError(t, err)
	assert.Equal(t, int64(3), next)

	other := uuid.NewString()
	next, err = NextSequence(ctx, db, other)
	require.NoError(t, err)
	assert.Equal(t, int64(1), next, "sequences are per aggregate")
}

func TestAppendClassifiesUniqueViolations(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	agg := uuid.NewString()
	firstID := appendAt(t, db, agg, 1, TypeAuthRequestCreated)

	err := Append(ctx, db, Event{
		EventID:        uuid.NewString(),
		AggregateID:    agg,
		SequenceNumber: 1,
		EventType:      TypeAuthAttemptStarted,
		EventData:      []byte(`{}`),
	})
	assert.ErrorIs(t, err, ErrDuplicateSequence, "losing a sequence race is distinguishable")

	err = Append(ctx, db, Event{
		EventID:        firstID,
		AggregateID:    uuid.NewString(),
		SequenceNumber: 1,
		EventType:      TypeAuthRequestCreated,
		EventData:      []byte(`{}`),
	})
	assert.ErrorIs(t, err, ErrDuplicateEventID, "event id replay is distinguishable")
}

func TestHasVoidEvent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	agg := uuid.NewString()
	appendAt(t, db, agg, 1, TypeAuthRequestCreated)

	voided, err := HasVoidEvent(ctx, db, agg)
	require.NoError(t, err)
	assert.False(t, voided)

	appendAt(t, db, agg, 2, TypeAuthVoidRequested)
	voided, err = HasVoidEvent(ctx, db, agg)
	require.NoError(t, err)
	assert.True(t, voided)
}

func TestListEventsOrdersBySequence(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	agg := uuid.NewString()
	appendAt(t, db, agg, 1, TypeAuthRequestCreated)
	appendAt(t, db, agg, 2, TypeAuthAttemptStarted)
	appendAt(t, db, agg, 3, TypeAuthResponseReceived)

	events, err := ListEvents(ctx, db, agg)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.SequenceNumber)
	}

	n, err := CountByType(ctx, db, agg, TypeAuthAttemptStarted)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
