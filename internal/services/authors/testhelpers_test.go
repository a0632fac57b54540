package authors

import (
	"context"

	"github.com/bibliotek/library-services/internal/outbox"
)

// mockRepository implements Repository for testing.
type mockRepository struct {
	GetByNameFn       func(ctx context.Context, name string) (*Author, error)
	CreateWithEventFn func(ctx context.Context, author *Author, event outbox.Event) error
}

func (m *mockRepository) GetByName(ctx context.Context, name string) (*Author, error) {
	return m.GetByNameFn(ctx, name)
}

func (m *mockRepository) CreateWithEvent(ctx context.Context, author *Author, event outbox.Event) error {
	return m.CreateWithEventFn(ctx, author, event)
}

// mockEmitter implements Emitter for testing.
type mockEmitter struct {
	emitted []emittedEvent
	EmitFn  func(ctx context.Context, aggregateType, aggregateID, eventType string, payload any) error
}

type emittedEvent struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       any
}

func (m *mockEmitter) Emit(ctx context.Context, aggregateType, aggregateID, eventType string, payload any) error {
	m.emitted = append(m.emitted, emittedEvent{aggregateType, aggregateID, eventType, payload})
	if m.EmitFn != nil {
		return m.EmitFn(ctx, aggregateType, aggregateID, eventType, payload)
	}
	return nil
}

func (m *mockEmitter) byType(eventType string) []emittedEvent {
	var out []emittedEvent
	for _, e := range m.emitted {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}
