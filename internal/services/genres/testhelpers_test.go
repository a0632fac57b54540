package genres

import (
	"context"

	"github.com/bibliotek/library-services/internal/outbox"
)

// mockRepository implements Repository for testing.
type mockRepository struct {
	GetByNameFn       func(ctx context.Context, name string) (*Genre, error)
	CreateWithEventFn func(ctx context.Context, genre *Genre, event outbox.Event) error
}

func (m *mockRepository) GetByName(ctx context.Context, name string) (*Genre, error) {
	return m.GetByNameFn(ctx, name)
}

func (m *mockRepository) CreateWithEvent(ctx context.Context, genre *Genre, event outbox.Event) error {
	return m.CreateWithEventFn(ctx, genre, event)
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
