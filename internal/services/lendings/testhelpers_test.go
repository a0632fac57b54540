package lendings

import (
	"context"
	"fmt"
	"time"

	"github.com/bibliotek/library-services/internal/outbox"
	"github.com/bibliotek/library-services/internal/shared/domain/events"
	"github.com/bibliotek/library-services/internal/shared/faults"
)

// mockRepository implements Repository for testing.
type mockRepository struct {
	GetByNumberFn            func(ctx context.Context, lendingNumber string) (*Lending, error)
	GetOpenByReaderAndISBNFn func(ctx context.Context, readerNumber, isbn string) (*Lending, error)
	NextLendingNumberFn      func(ctx context.Context) (string, error)
	CreateFn                 func(ctx context.Context, lending *Lending) error
	ReturnFn                 func(ctx context.Context, lendingNumber string, returnedAt time.Time, expectedVersion int64, event outbox.Event) (*Lending, error)
	CountOpenByReaderFn      func(ctx context.Context, readerNumber string) (int, error)
	UpsertBookReplicaFn      func(ctx context.Context, replica *BookReplica) error
	ApplyBookUpdateFn        func(ctx context.Context, isbn, title string, version int64) error
	DeleteBookReplicaFn      func(ctx context.Context, isbn string) error
	UpsertReaderReplicaFn    func(ctx context.Context, replica *ReaderReplica) error
}

func (m *mockRepository) GetByNumber(ctx context.Context, lendingNumber string) (*Lending, error) {
	return m.GetByNumberFn(ctx, lendingNumber)
}

func (m *mockRepository) GetOpenByReaderAndISBN(ctx context.Context, readerNumber, isbn string) (*Lending, error) {
	if m.GetOpenByReaderAndISBNFn == nil {
		return nil, faults.ErrNotFound
	}
	return m.GetOpenByReaderAndISBNFn(ctx, readerNumber, isbn)
}

func (m *mockRepository) NextLendingNumber(ctx context.Context) (string, error) {
	if m.NextLendingNumberFn == nil {
		return "2024/1", nil
	}
	return m.NextLendingNumberFn(ctx)
}

func (m *mockRepository) Create(ctx context.Context, lending *Lending) error {
	return m.CreateFn(ctx, lending)
}

func (m *mockRepository) Return(ctx context.Context, lendingNumber string, returnedAt time.Time, expectedVersion int64, event outbox.Event) (*Lending, error) {
	return m.ReturnFn(ctx, lendingNumber, returnedAt, expectedVersion, event)
}

func (m *mockRepository) CountOpenByReader(ctx context.Context, readerNumber string) (int, error) {
	if m.CountOpenByReaderFn == nil {
		return 0, nil
	}
	return m.CountOpenByReaderFn(ctx, readerNumber)
}

func (m *mockRepository) UpsertBookReplica(ctx context.Context, replica *BookReplica) error {
	return m.UpsertBookReplicaFn(ctx, replica)
}

func (m *mockRepository) ApplyBookUpdate(ctx context.Context, isbn, title string, version int64) error {
	return m.ApplyBookUpdateFn(ctx, isbn, title, version)
}

func (m *mockRepository) DeleteBookReplica(ctx context.Context, isbn string) error {
	return m.DeleteBookReplicaFn(ctx, isbn)
}

func (m *mockRepository) UpsertReaderReplica(ctx context.Context, replica *ReaderReplica) error {
	return m.UpsertReaderReplicaFn(ctx, replica)
}

// mockValidator implements Validator for testing. Answers are keyed by
// "topic/key"; a missing answer fails the test loudly.
type mockValidator struct {
	answers  map[string]events.ValidationResponse
	err      error
	requests []string
}

func (m *mockValidator) Request(ctx context.Context, topic, key string) (events.ValidationResponse, error) {
	m.requests = append(m.requests, topic+"/"+key)
	if m.err != nil {
		return events.ValidationResponse{}, m.err
	}
	response, ok := m.answers[topic+"/"+key]
	if !ok {
		return events.ValidationResponse{}, fmt.Errorf("unexpected validation request %s/%s", topic, key)
	}
	return response, nil
}

func allowAll(isbn, readerNumber string) map[string]events.ValidationResponse {
	return map[string]events.ValidationResponse{
		events.TopicBookValidationRequest + "/" + isbn:           {Key: isbn, Exists: true},
		events.TopicReaderValidationRequest + "/" + readerNumber: {Key: readerNumber, Exists: true},
	}
}
