//go:build integration

package postgres_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bibliotek/library-services/internal/outbox"
	"github.com/bibliotek/library-services/internal/shared/domain/events"
	"github.com/bibliotek/library-services/internal/shared/infra/postgres"
	"github.com/bibliotek/library-services/internal/testutil"
)

func newStore(t *testing.T) *postgres.OutboxStore {
	t.Helper()
	testutil.MustMigrate("books")
	pool := testutil.NewTestPool(t)
	testutil.TruncateTables(t, pool, "outbox")
	return postgres.NewOutboxStore(pool, slog.Default())
}

func appendEvent(t *testing.T, store *postgres.OutboxStore, aggregateID string) outbox.Event {
	t.Helper()
	event, err := outbox.NewEvent(events.AggregateBook, aggregateID,
		events.TopicBookCreationRequested, events.BookCreationRequested{ISBN: aggregateID})
	require.NoError(t, err)
	require.NoError(t, store.Append(context.Background(), event))
	return event
}

func TestOutboxStore_FetchPendingReturnsCreationOrder(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	first := appendEvent(t, store, "isbn-1")
	second := appendEvent(t, store, "isbn-2")

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	entries, err := store.FetchPendingForUpdate(ctx, tx, 10, 5)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first.Envelope.EventID, entries[0].ID)
	assert.Equal(t, second.Envelope.EventID, entries[1].ID)
	assert.Equal(t, "isbn-1", entries[0].Envelope.AggregateID)
}

func TestOutboxStore_ProcessedRowsAreNotRefetched(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	event := appendEvent(t, store, "isbn-1")

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, store.MarkProcessed(ctx, tx, event.Envelope.EventID))
	require.NoError(t, tx.Commit(ctx))

	tx, err = store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	entries, err := store.FetchPendingForUpdate(ctx, tx, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOutboxStore_MarkFailedKeepsRowPending(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	event := appendEvent(t, store, "isbn-1")

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, tx, event.Envelope.EventID, "broker unavailable"))
	require.NoError(t, tx.Commit(ctx))

	tx, err = store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	entries, err := store.FetchPendingForUpdate(ctx, tx, 10, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)
}

func TestOutboxStore_ExhaustedRowsDoNotStarveNewerRows(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	// An old row burns through every retry; it sorts at the FIFO head but
	// must stop appearing in fetches once exhausted.
	exhausted := appendEvent(t, store, "isbn-dead")
	for i := 0; i < 5; i++ {
		tx, err := store.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, store.MarkFailed(ctx, tx, exhausted.Envelope.EventID, "broker unavailable"))
		require.NoError(t, tx.Commit(ctx))
	}
	fresh := appendEvent(t, store, "isbn-fresh")

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	entries, err := store.FetchPendingForUpdate(ctx, tx, 1, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, fresh.Envelope.EventID, entries[0].ID,
		"a batch-filling exhausted row must not shadow newer events")
}

func TestOutboxStore_LockedRowsAreSkipped(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	appendEvent(t, store, "isbn-1")

	// First transaction holds the row lock.
	holder, err := store.Begin(ctx)
	require.NoError(t, err)
	defer holder.Rollback(ctx)
	held, err := store.FetchPendingForUpdate(ctx, holder, 10, 5)
	require.NoError(t, err)
	require.Len(t, held, 1)

	// A concurrent dispatcher must pass over it instead of blocking.
	other, err := store.Begin(ctx)
	require.NoError(t, err)
	defer other.Rollback(ctx)
	skipped, err := store.FetchPendingForUpdate(ctx, other, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, skipped)
}

func TestOutboxStore_SweepOnlyRemovesProcessedRows(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	processed := appendEvent(t, store, "isbn-1")
	appendEvent(t, store, "isbn-2")

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, store.MarkProcessed(ctx, tx, processed.Envelope.EventID))
	require.NoError(t, tx.Commit(ctx))

	deleted, err := store.DeleteProcessedBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	tx, err = store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	remaining, err := store.FetchPendingForUpdate(ctx, tx, 10, 5)
	require.NoError(t, err)
	require.Len(t, remaining, 1, "unprocessed rows survive the sweep whatever their age")
	assert.Equal(t, "isbn-2", remaining[0].Envelope.AggregateID)
}
