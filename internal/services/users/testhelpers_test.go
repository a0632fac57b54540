package users

import (
	"context"

	"github.com/bibliotek/library-services/internal/outbox"
	"github.com/bibliotek/library-services/internal/shared/faults"
)

// mockRepository implements Repository for testing.
type mockRepository struct {
	GetByUsernameFn    func(ctx context.Context, username string) (*User, error)
	CreateWithEventFn  func(ctx context.Context, user *User, event outbox.Event) error
	PromoteWithEventFn func(ctx context.Context, username string, event outbox.Event) (bool, error)
	DeleteTemporaryFn  func(ctx context.Context, username string) (bool, error)
}

func (m *mockRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	if m.GetByUsernameFn == nil {
		return nil, faults.ErrNotFound
	}
	return m.GetByUsernameFn(ctx, username)
}

func (m *mockRepository) CreateWithEvent(ctx context.Context, user *User, event outbox.Event) error {
	return m.CreateWithEventFn(ctx, user, event)
}

func (m *mockRepository) PromoteWithEvent(ctx context.Context, username string, event outbox.Event) (bool, error) {
	return m.PromoteWithEventFn(ctx, username, event)
}

func (m *mockRepository) DeleteTemporary(ctx context.Context, username string) (bool, error) {
	return m.DeleteTemporaryFn(ctx, username)
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
