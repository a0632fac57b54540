package outbox

import (
	"context"
	"log/slog"
)

// Publisher is the facade business services use to emit domain events.
// It maps a domain event onto an envelope and its routing topic and writes
// it to the outbox store; nothing is published to the broker here. Events
// that must be atomic with a business write go through the service's
// repository instead, which inserts the same Event inside its transaction.
type Publisher struct {
	appender Appender
	logger   *slog.Logger
}

// NewPublisher creates a new outbox publisher facade.
func NewPublisher(appender Appender, logger *slog.Logger) *Publisher {
	return &Publisher{
		appender: appender,
		logger:   logger.With("component", "outbox-publisher"),
	}
}

// Emit appends a domain event to the outbox in its own transaction.
func (p *Publisher) Emit(ctx context.Context, aggregateType, aggregateID, eventType string, payload any) error {
	event, err := NewEvent(aggregateType, aggregateID, eventType, payload)
	if err != nil {
		return err
	}

	if err := p.appender.Append(ctx, event); err != nil {
		return err
	}

	p.logger.Debug("event staged for dispatch",
		"event_type", eventType,
		"aggregate_id", aggregateID,
	)
	return nil
}
