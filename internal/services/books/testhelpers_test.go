package books

import (
	"context"
	"time"

	"github.com/bibliotek/library-services/internal/outbox"
	"github.com/bibliotek/library-services/internal/shared/faults"
)

// mockRepository implements Repository for testing. Unset lookup funcs
// report not found so tests only wire what they exercise.
type mockRepository struct {
	GetBookByISBNFn       func(ctx context.Context, isbn string) (*Book, error)
	GetSagaByISBNFn       func(ctx context.Context, isbn string) (*CreationSaga, error)
	CreateSagaWithEventFn func(ctx context.Context, saga *CreationSaga, event outbox.Event) error
	ReopenSagaWithEventFn func(ctx context.Context, saga *CreationSaga, event outbox.Event) (bool, error)
	AdvanceSagaFn         func(ctx context.Context, isbn string, from, to SagaStatus) (bool, error)
	FailSagaFn            func(ctx context.Context, isbn, reason string) (bool, error)
	FinalizeBookFn        func(ctx context.Context, book *Book, event outbox.Event) error
	UpdateBookTitleFn     func(ctx context.Context, isbn, title string, expectedVersion int64, event outbox.Event) (*Book, error)
	DeleteBookFn          func(ctx context.Context, isbn string, expectedVersion int64, event outbox.Event) error
	ExpireStaleSagasFn    func(ctx context.Context, before time.Time, reason string) (int64, error)
}

func (m *mockRepository) GetBookByISBN(ctx context.Context, isbn string) (*Book, error) {
	if m.GetBookByISBNFn == nil {
		return nil, faults.ErrNotFound
	}
	return m.GetBookByISBNFn(ctx, isbn)
}

func (m *mockRepository) GetSagaByISBN(ctx context.Context, isbn string) (*CreationSaga, error) {
	if m.GetSagaByISBNFn == nil {
		return nil, faults.ErrNotFound
	}
	return m.GetSagaByISBNFn(ctx, isbn)
}

func (m *mockRepository) CreateSagaWithEvent(ctx context.Context, saga *CreationSaga, event outbox.Event) error {
	return m.CreateSagaWithEventFn(ctx, saga, event)
}

func (m *mockRepository) ReopenSagaWithEvent(ctx context.Context, saga *CreationSaga, event outbox.Event) (bool, error) {
	return m.ReopenSagaWithEventFn(ctx, saga, event)
}

func (m *mockRepository) AdvanceSaga(ctx context.Context, isbn string, from, to SagaStatus) (bool, error) {
	return m.AdvanceSagaFn(ctx, isbn, from, to)
}

func (m *mockRepository) FailSaga(ctx context.Context, isbn, reason string) (bool, error) {
	return m.FailSagaFn(ctx, isbn, reason)
}

func (m *mockRepository) FinalizeBook(ctx context.Context, book *Book, event outbox.Event) error {
	return m.FinalizeBookFn(ctx, book, event)
}

func (m *mockRepository) UpdateBookTitle(ctx context.Context, isbn, title string, expectedVersion int64, event outbox.Event) (*Book, error) {
	return m.UpdateBookTitleFn(ctx, isbn, title, expectedVersion, event)
}

func (m *mockRepository) DeleteBook(ctx context.Context, isbn string, expectedVersion int64, event outbox.Event) error {
	return m.DeleteBookFn(ctx, isbn, expectedVersion, event)
}

func (m *mockRepository) ExpireStaleSagas(ctx context.Context, before time.Time, reason string) (int64, error) {
	return m.ExpireStaleSagasFn(ctx, before, reason)
}
