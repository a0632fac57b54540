package outbox

import (
	"context"
	"encoding/json"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/bibliotek/library-services/internal/shared/domain/events"
)

// fakeTx satisfies pgx.Tx for dispatcher tests; only Commit and Rollback
// are implemented.
type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

// mockStore implements Store for testing.
type mockStore struct {
	tx                      *fakeTx
	FetchPendingForUpdateFn func(ctx context.Context, tx pgx.Tx, limit, maxRetries int) ([]Entry, error)
	MarkProcessedFn         func(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	MarkFailedFn            func(ctx context.Context, tx pgx.Tx, id uuid.UUID, errMsg string) error
}

func (m *mockStore) Begin(ctx context.Context) (pgx.Tx, error) {
	if m.tx == nil {
		m.tx = &fakeTx{}
	}
	return m.tx, nil
}

func (m *mockStore) FetchPendingForUpdate(ctx context.Context, tx pgx.Tx, limit, maxRetries int) ([]Entry, error) {
	return m.FetchPendingForUpdateFn(ctx, tx, limit, maxRetries)
}

func (m *mockStore) MarkProcessed(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	return m.MarkProcessedFn(ctx, tx, id)
}

func (m *mockStore) MarkFailed(ctx context.Context, tx pgx.Tx, id uuid.UUID, errMsg string) error {
	return m.MarkFailedFn(ctx, tx, id, errMsg)
}

// mockBrokerPublisher implements BrokerPublisher for testing.
type mockBrokerPublisher struct {
	PublishFn func(ctx context.Context, topic string, envelope *events.Envelope) error
}

func (m *mockBrokerPublisher) Publish(ctx context.Context, topic string, envelope *events.Envelope) error {
	return m.PublishFn(ctx, topic, envelope)
}

// mockAppender implements Appender for testing.
type mockAppender struct {
	AppendFn func(ctx context.Context, event Event) error
}

func (m *mockAppender) Append(ctx context.Context, event Event) error {
	return m.AppendFn(ctx, event)
}

func newTestEntry(retryCount int) Entry {
	envelope, _ := events.NewEnvelope(
		events.TopicBookCreationRequested, "9780134685991",
		json.RawMessage(`{"isbn": "9780134685991"}`),
	)
	return Entry{ID: envelope.EventID, Envelope: envelope, RetryCount: retryCount}
}
