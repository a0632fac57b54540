// Package outbox implements the transactional outbox: events are appended
// to a durable table in the same local transaction as the business write
// they describe, and a background dispatcher publishes them to the broker
// afterwards. This yields at-least-once delivery without a distributed
// transaction; consumers must be idempotent.
package outbox

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/bibliotek/library-services/internal/shared/domain/events"
)

// Event couples an envelope with the aggregate type recorded on its
// outbox row.
type Event struct {
	AggregateType string
	Envelope      *events.Envelope
}

// NewEvent builds an outbox event for the given aggregate and payload.
// The envelope's event type doubles as the routing topic.
func NewEvent(aggregateType, aggregateID, eventType string, payload any) (Event, error) {
	envelope, err := events.NewEnvelope(eventType, aggregateID, payload)
	if err != nil {
		return Event{}, err
	}
	return Event{AggregateType: aggregateType, Envelope: envelope}, nil
}

// Entry is a pending outbox row as seen by the dispatcher.
type Entry struct {
	ID         uuid.UUID
	Envelope   *events.Envelope
	RetryCount int
	CreatedAt  time.Time
}

// Store is the durable outbox table. The fetch runs FOR UPDATE SKIP LOCKED
// inside the caller's transaction, so two dispatcher instances sharing a
// store skip each other's in-flight batch. Across separate replicas that
// window still allows duplicate publishes; consumers tolerate them.
// Rows whose retry count has reached maxRetries are excluded from the
// fetch: they stay in the table as evidence but must never crowd newer
// rows out of a batch.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	FetchPendingForUpdate(ctx context.Context, tx pgx.Tx, limit, maxRetries int) ([]Entry, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id uuid.UUID, errMsg string) error
}

// BrokerPublisher publishes a serialized envelope to a topic.
type BrokerPublisher interface {
	Publish(ctx context.Context, topic string, envelope *events.Envelope) error
}

// Appender writes a single outbox event outside any caller transaction.
// Used for events that have no accompanying business write, such as saga
// request events.
type Appender interface {
	Append(ctx context.Context, event Event) error
}
