package readers

import (
	"context"
	"sync"
	"time"

	"github.com/bibliotek/library-services/internal/outbox"
	"github.com/bibliotek/library-services/internal/shared/faults"
)

// mockRepository implements Repository for testing.
type mockRepository struct {
	GetReaderByNumberFn       func(ctx context.Context, readerNumber string) (*Reader, error)
	GetSagaByReaderNumberFn   func(ctx context.Context, readerNumber string) (*Saga, error)
	CreateSagaWithEventFn     func(ctx context.Context, saga *Saga, event outbox.Event) error
	ReopenSagaWithEventFn     func(ctx context.Context, saga *Saga, event outbox.Event) (bool, error)
	CreateReaderWithEventFn   func(ctx context.Context, reader *Reader, event outbox.Event) error
	SetFlagFn                 func(ctx context.Context, readerNumber string, flag Flag) (*Saga, bool, error)
	MarkFailedFn              func(ctx context.Context, readerNumber, reason string) (bool, error)
	PromoteReaderWithEventsFn func(ctx context.Context, readerNumber string, finalized, replica outbox.Event) (bool, error)
	DeleteTemporaryReaderFn   func(ctx context.Context, readerNumber string) (bool, error)
	ExpireStaleSagasFn        func(ctx context.Context, before time.Time, reason string) ([]*Saga, error)
}

func (m *mockRepository) GetReaderByNumber(ctx context.Context, readerNumber string) (*Reader, error) {
	if m.GetReaderByNumberFn == nil {
		return nil, faults.ErrNotFound
	}
	return m.GetReaderByNumberFn(ctx, readerNumber)
}

func (m *mockRepository) GetSagaByReaderNumber(ctx context.Context, readerNumber string) (*Saga, error) {
	if m.GetSagaByReaderNumberFn == nil {
		return nil, faults.ErrNotFound
	}
	return m.GetSagaByReaderNumberFn(ctx, readerNumber)
}

func (m *mockRepository) CreateSagaWithEvent(ctx context.Context, saga *Saga, event outbox.Event) error {
	return m.CreateSagaWithEventFn(ctx, saga, event)
}

func (m *mockRepository) ReopenSagaWithEvent(ctx context.Context, saga *Saga, event outbox.Event) (bool, error) {
	return m.ReopenSagaWithEventFn(ctx, saga, event)
}

func (m *mockRepository) CreateReaderWithEvent(ctx context.Context, reader *Reader, event outbox.Event) error {
	return m.CreateReaderWithEventFn(ctx, reader, event)
}

func (m *mockRepository) SetFlag(ctx context.Context, readerNumber string, flag Flag) (*Saga, bool, error) {
	return m.SetFlagFn(ctx, readerNumber, flag)
}

func (m *mockRepository) MarkFailed(ctx context.Context, readerNumber, reason string) (bool, error) {
	return m.MarkFailedFn(ctx, readerNumber, reason)
}

func (m *mockRepository) PromoteReaderWithEvents(ctx context.Context, readerNumber string, finalized, replica outbox.Event) (bool, error) {
	return m.PromoteReaderWithEventsFn(ctx, readerNumber, finalized, replica)
}

func (m *mockRepository) DeleteTemporaryReader(ctx context.Context, readerNumber string) (bool, error) {
	return m.DeleteTemporaryReaderFn(ctx, readerNumber)
}

func (m *mockRepository) ExpireStaleSagas(ctx context.Context, before time.Time, reason string) ([]*Saga, error) {
	return m.ExpireStaleSagasFn(ctx, before, reason)
}

// sagaStore is an in-memory saga backing for tests that replay signal
// orderings against real flag semantics.
type sagaStore struct {
	mu   sync.Mutex
	saga *Saga
}

func (st *sagaStore) SetFlag(ctx context.Context, readerNumber string, flag Flag) (*Saga, bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.saga == nil || st.saga.ReaderNumber != readerNumber {
		return nil, false, faults.ErrNotFound
	}
	if st.saga.Failed {
		return st.snapshot(), false, nil
	}

	var slot *bool
	switch flag {
	case FlagUserPending:
		slot = &st.saga.UserPendingReceived
	case FlagReaderPending:
		slot = &st.saga.ReaderPendingReceived
	case FlagUserFinalized:
		slot = &st.saga.UserFinalizedReceived
	case FlagReaderFinalized:
		slot = &st.saga.ReaderFinalizedReceived
	}
	if *slot {
		return st.snapshot(), false, nil
	}
	*slot = true
	st.saga.Version++
	return st.snapshot(), true, nil
}

func (st *sagaStore) snapshot() *Saga {
	copied := *st.saga
	return &copied
}

// mockEmitter implements Emitter for testing.
type mockEmitter struct {
	mu      sync.Mutex
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
	m.mu.Lock()
	m.emitted = append(m.emitted, emittedEvent{aggregateType, aggregateID, eventType, payload})
	m.mu.Unlock()
	if m.EmitFn != nil {
		return m.EmitFn(ctx, aggregateType, aggregateID, eventType, payload)
	}
	return nil
}

func (m *mockEmitter) byType(eventType string) []emittedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []emittedEvent
	for _, e := range m.emitted {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}
