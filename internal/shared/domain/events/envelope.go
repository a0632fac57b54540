package events

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/bibliotek/library-services/internal/shared/domain/clock"
)

// Envelope is the common structure for all events in the system.
// The same structure is stored in the outbox table and carried on the wire
// as the Redpanda message value.
type Envelope struct {
	// EventID is the unique identifier for this event
	EventID uuid.UUID `json:"event_id"`

	// EventType is the discriminator and doubles as the routing topic
	// (e.g., "library.book.finalized")
	EventType string `json:"event_type"`

	// AggregateID groups related events (e.g., an ISBN or reader number)
	AggregateID string `json:"aggregate_id"`

	// OccurredAt is when the event was recorded
	OccurredAt time.Time `json:"occurred_at"`

	// Payload contains the event-specific data
	Payload json.RawMessage `json:"payload"`

	// CorrelationID links a validation response to its request.
	// Empty for everything except the validation exchange.
	CorrelationID string `json:"correlation_id,omitempty"`

	// ReplyTopic is where a validation responder must publish its answer.
	// Set only on validation requests.
	ReplyTopic string `json:"reply_topic,omitempty"`
}

// NewEnvelope creates a new event envelope with a generated ID and the
// current clock time.
func NewEnvelope(eventType, aggregateID string, payload any) (*Envelope, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}

	return &Envelope{
		EventID:     id,
		EventType:   eventType,
		AggregateID: aggregateID,
		OccurredAt:  clock.Now(),
		Payload:     payloadBytes,
	}, nil
}

// ParsePayload unmarshals the payload into the provided type.
func (e *Envelope) ParsePayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}
