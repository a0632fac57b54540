package lendings

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/bibliotek/library-services/internal/outbox"
)

// Lending records a book loaned to a reader. ISBN and reader number refer
// to aggregates owned by other services; they are validated at creation
// time and mirrored locally as replicas.
type Lending struct {
	ID            uuid.UUID
	LendingNumber string
	ISBN          string
	ReaderNumber  string
	StartedAt     time.Time
	DueAt         time.Time
	ReturnedAt    *time.Time
	Version       int64
}

// Returned reports whether the lending has been closed.
func (l *Lending) Returned() bool {
	return l.ReturnedAt != nil
}

// Overdue reports whether an open lending is past its due date.
func (l *Lending) Overdue(now time.Time) bool {
	return !l.Returned() && now.After(l.DueAt)
}

// BookReplica mirrors a book owned by the book service. Version tracks the
// owner's aggregate version so stale updates can be rejected.
type BookReplica struct {
	BookID  uuid.UUID
	ISBN    string
	Title   string
	Version int64
}

// ReaderReplica mirrors a reader owned by the reader service.
type ReaderReplica struct {
	ReaderID     uuid.UUID
	ReaderNumber string
	FullName     string
	Version      int64
}

// Repository persists lendings and the local replicas.
type Repository interface {
	// GetByNumber returns faults.ErrNotFound when absent.
	GetByNumber(ctx context.Context, lendingNumber string) (*Lending, error)

	// GetOpenByReaderAndISBN finds an open lending of the given book to the
	// given reader. Returns faults.ErrNotFound when absent.
	GetOpenByReaderAndISBN(ctx context.Context, readerNumber, isbn string) (*Lending, error)

	// NextLendingNumber draws the next sequential lending number.
	NextLendingNumber(ctx context.Context) (string, error)

	// Create inserts the lending.
	Create(ctx context.Context, lending *Lending) error

	// Return closes the lending guarded by the expected version, staging
	// the returned event in the same transaction. Returns
	// faults.ErrVersionConflict on a stale version.
	Return(ctx context.Context, lendingNumber string, returnedAt time.Time, expectedVersion int64, event outbox.Event) (*Lending, error)

	// CountOpenByReader counts open lendings held by a reader.
	CountOpenByReader(ctx context.Context, readerNumber string) (int, error)

	// UpsertBookReplica applies a replicated book, rejecting stale versions.
	UpsertBookReplica(ctx context.Context, replica *BookReplica) error

	// ApplyBookUpdate applies an update only when the incoming version is
	// exactly one ahead of the stored one. Returns faults.ErrVersionConflict
	// otherwise.
	ApplyBookUpdate(ctx context.Context, isbn, title string, version int64) error

	// DeleteBookReplica removes a replicated book.
	DeleteBookReplica(ctx context.Context, isbn string) error

	// UpsertReaderReplica applies a replicated reader, rejecting stale
	// versions.
	UpsertReaderReplica(ctx context.Context, replica *ReaderReplica) error
}
