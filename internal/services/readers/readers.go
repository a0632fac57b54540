package readers

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/bibliotek/library-services/internal/outbox"
)

// Reader is a library member profile. A reader created by the reader/user
// saga stays temporary until the saga finalizes it.
type Reader struct {
	ID           uuid.UUID
	ReaderNumber string
	FullName     string
	BirthDate    time.Time
	Phone        string
	Temporary    bool
	Version      int64
	CreatedAt    time.Time
}

// SagaStatus is the externally visible state of a reader/user creation
// saga. It is never stored: it is derived from the flag vector, so the
// saga record cannot drift from the events it has absorbed.
type SagaStatus string

const (
	StatusPendingUserCreation   SagaStatus = "PENDING_USER_CREATION"
	StatusPendingReaderCreation SagaStatus = "PENDING_READER_CREATION"
	StatusBothPendingCreated    SagaStatus = "BOTH_PENDING_CREATED"
	StatusUserFinalized         SagaStatus = "USER_FINALIZED"
	StatusReaderFinalized       SagaStatus = "READER_FINALIZED"
	StatusReaderUserCreated     SagaStatus = "READER_USER_CREATED"
	StatusFailed                SagaStatus = "FAILED"
)

// Terminal reports whether the saga accepts no further signals.
func (s SagaStatus) Terminal() bool {
	return s == StatusReaderUserCreated || s == StatusFailed
}

// Flag identifies one of the once-only signals a saga absorbs.
type Flag string

const (
	FlagUserPending     Flag = "user_pending_received"
	FlagReaderPending   Flag = "reader_pending_received"
	FlagUserFinalized   Flag = "user_finalized_received"
	FlagReaderFinalized Flag = "reader_finalized_received"
)

// Saga is the durable record coordinating a reader/user creation. Each
// flag flips from false to true exactly once; the order the flips arrive
// in does not matter.
type Saga struct {
	ID                      uuid.UUID
	ReaderNumber            string
	Username                string
	PasswordHash            string
	FullName                string
	BirthDate               time.Time
	Phone                   string
	UserPendingReceived     bool
	ReaderPendingReceived   bool
	UserFinalizedReceived   bool
	ReaderFinalizedReceived bool
	Failed                  bool
	ErrorMessage            string
	RequestedAt             time.Time
	Version                 int64
}

// Status derives the saga state from the flag vector alone.
func (s *Saga) Status() SagaStatus {
	switch {
	case s.Failed:
		return StatusFailed
	case s.UserFinalizedReceived && s.ReaderFinalizedReceived:
		return StatusReaderUserCreated
	case s.UserFinalizedReceived:
		return StatusUserFinalized
	case s.ReaderFinalizedReceived:
		return StatusReaderFinalized
	case s.UserPendingReceived && s.ReaderPendingReceived:
		return StatusBothPendingCreated
	case s.UserPendingReceived:
		return StatusPendingReaderCreation
	default:
		return StatusPendingUserCreation
	}
}

// Repository persists readers and their creation sagas.
type Repository interface {
	// GetReaderByNumber returns faults.ErrNotFound when absent.
	GetReaderByNumber(ctx context.Context, readerNumber string) (*Reader, error)

	// GetSagaByReaderNumber returns faults.ErrNotFound when absent.
	GetSagaByReaderNumber(ctx context.Context, readerNumber string) (*Saga, error)

	// CreateSagaWithEvent inserts the saga and the request event in one
	// transaction.
	CreateSagaWithEvent(ctx context.Context, saga *Saga, event outbox.Event) error

	// ReopenSagaWithEvent resets a failed saga to a fresh state and stages
	// a new request event, in one transaction. Reports whether the saga
	// was in the failed state.
	ReopenSagaWithEvent(ctx context.Context, saga *Saga, event outbox.Event) (bool, error)

	// CreateReaderWithEvent inserts the temporary reader and the pending
	// event in one transaction.
	CreateReaderWithEvent(ctx context.Context, reader *Reader, event outbox.Event) error

	// SetFlag flips the flag from false to true on a non-failed saga.
	// Returns the saga after the update and whether this call changed it;
	// a repeated flip reports false.
	SetFlag(ctx context.Context, readerNumber string, flag Flag) (*Saga, bool, error)

	// MarkFailed records the terminal failure. Reports false when the saga
	// was already failed or complete.
	MarkFailed(ctx context.Context, readerNumber, reason string) (bool, error)

	// PromoteReaderWithEvents flips temporary off and stages the finalized
	// and replication events in one transaction. Reports false when the
	// reader was already permanent.
	PromoteReaderWithEvents(ctx context.Context, readerNumber string, finalized, replica outbox.Event) (bool, error)

	// DeleteTemporaryReader removes a temporary reader left behind by a
	// failed saga.
	DeleteTemporaryReader(ctx context.Context, readerNumber string) (bool, error)

	// ExpireStaleSagas marks every unfinished saga requested before the
	// cutoff as failed and returns the sagas it expired.
	ExpireStaleSagas(ctx context.Context, before time.Time, reason string) ([]*Saga, error)
}
