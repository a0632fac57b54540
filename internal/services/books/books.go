package books

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/bibliotek/library-services/internal/outbox"
)

// Book is the aggregate owned by this service. AuthorID and GenreID point
// at aggregates owned by other services; they are resolved by the creation
// saga before the book row ever exists.
type Book struct {
	ID        uuid.UUID
	ISBN      string
	Title     string
	AuthorID  uuid.UUID
	GenreID   uuid.UUID
	Version   int64
	CreatedAt time.Time
}

// SagaStatus is the lifecycle of a book creation saga. It only moves
// forward in the listed order, or to Failed, which is terminal.
type SagaStatus string

const (
	StatusPendingAuthorCreation SagaStatus = "PENDING_AUTHOR_CREATION"
	StatusAuthorCreated         SagaStatus = "AUTHOR_CREATED"
	StatusBookCreated           SagaStatus = "BOOK_CREATED"
	StatusFailed                SagaStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s SagaStatus) Terminal() bool {
	return s == StatusBookCreated || s == StatusFailed
}

// CreationSaga is the durable record coordinating a book creation that
// spans the genre and author services. At most one live record exists per
// ISBN.
type CreationSaga struct {
	ID           uuid.UUID
	ISBN         string
	Title        string
	AuthorName   string
	GenreName    string
	Status       SagaStatus
	ErrorMessage string
	RequestedAt  time.Time
	UpdatedAt    time.Time
}

// Repository persists books and their creation sagas.
type Repository interface {
	// GetBookByISBN returns faults.ErrNotFound when absent.
	GetBookByISBN(ctx context.Context, isbn string) (*Book, error)

	// GetSagaByISBN returns faults.ErrNotFound when absent.
	GetSagaByISBN(ctx context.Context, isbn string) (*CreationSaga, error)

	// CreateSagaWithEvent inserts the saga and the request event in one
	// transaction.
	CreateSagaWithEvent(ctx context.Context, saga *CreationSaga, event outbox.Event) error

	// ReopenSagaWithEvent resets a FAILED saga to a fresh pending state
	// and stages a new request event, in one transaction. Reports whether
	// the saga was in FAILED state.
	ReopenSagaWithEvent(ctx context.Context, saga *CreationSaga, event outbox.Event) (bool, error)

	// AdvanceSaga performs the guarded transition from->to. Reports false
	// when the saga was not in the from state (duplicate or out-of-order
	// event).
	AdvanceSaga(ctx context.Context, isbn string, from, to SagaStatus) (bool, error)

	// FailSaga moves a non-terminal saga to FAILED. Reports false when the
	// saga was already terminal.
	FailSaga(ctx context.Context, isbn, reason string) (bool, error)

	// FinalizeBook inserts the book, moves the saga to BOOK_CREATED and
	// stages the replication event, in one transaction.
	FinalizeBook(ctx context.Context, book *Book, event outbox.Event) error

	// UpdateBookTitle applies a title change guarded by the expected
	// version, staging the replication event in the same transaction.
	// Returns faults.ErrVersionConflict on a stale version.
	UpdateBookTitle(ctx context.Context, isbn, title string, expectedVersion int64, event outbox.Event) (*Book, error)

	// DeleteBook removes the book guarded by the expected version, staging
	// the replication event in the same transaction.
	DeleteBook(ctx context.Context, isbn string, expectedVersion int64, event outbox.Event) error

	// ExpireStaleSagas fails every non-terminal saga requested before the
	// cutoff. Returns the number of sagas expired.
	ExpireStaleSagas(ctx context.Context, before time.Time, reason string) (int64, error)
}
