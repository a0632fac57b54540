package events

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Payloads for the book creation saga. Events accumulate context as the
// saga moves between services so that no participant needs to call back.

// BookCreationRequested asks the genre and author services to resolve the
// dependencies of a new book.
type BookCreationRequested struct {
	ISBN       string `json:"isbn"`
	Title      string `json:"title"`
	AuthorName string `json:"author_name"`
	GenreName  string `json:"genre_name"`
}

// GenrePending signals that the genre exists (found or freshly created).
type GenrePending struct {
	ISBN       string    `json:"isbn"`
	Title      string    `json:"title"`
	AuthorName string    `json:"author_name"`
	GenreID    uuid.UUID `json:"genre_id"`
	GenreName  string    `json:"genre_name"`
}

// AuthorPending signals that the author exists but the book is not final yet.
type AuthorPending struct {
	ISBN       string    `json:"isbn"`
	AuthorID   uuid.UUID `json:"author_id"`
	AuthorName string    `json:"author_name"`
}

// BookFinalized carries everything the book service needs to commit the book.
type BookFinalized struct {
	ISBN       string    `json:"isbn"`
	Title      string    `json:"title"`
	AuthorID   uuid.UUID `json:"author_id"`
	AuthorName string    `json:"author_name"`
	GenreID    uuid.UUID `json:"genre_id"`
	GenreName  string    `json:"genre_name"`
}

// BookCreationFailed terminates the saga.
type BookCreationFailed struct {
	ISBN   string `json:"isbn"`
	Reason string `json:"reason"`
}

// Payloads for the reader/user creation saga.

// ReaderUserRequested starts the coordinated creation of a user credential
// and a reader profile. PasswordHash is already encoded; the raw password
// never crosses the broker.
type ReaderUserRequested struct {
	ReaderNumber string    `json:"reader_number"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	FullName     string    `json:"full_name"`
	BirthDate    time.Time `json:"birth_date"`
	Phone        string    `json:"phone"`
}

// UserPending signals that a (temporary or pre-existing) user exists.
type UserPending struct {
	ReaderNumber string    `json:"reader_number"`
	UserID       uuid.UUID `json:"user_id"`
	Username     string    `json:"username"`
}

// ReaderPending signals that a temporary reader profile exists.
type ReaderPending struct {
	ReaderNumber string    `json:"reader_number"`
	ReaderID     uuid.UUID `json:"reader_id"`
}

// ReaderUserFinalize asks both owning services to promote their temporary
// records. Emitted once both pending signals have been observed. Username
// lets the user service locate its record by natural key.
type ReaderUserFinalize struct {
	ReaderNumber string `json:"reader_number"`
	Username     string `json:"username"`
}

// UserFinalized confirms the user record is permanent.
type UserFinalized struct {
	ReaderNumber string    `json:"reader_number"`
	UserID       uuid.UUID `json:"user_id"`
}

// ReaderFinalized confirms the reader record is permanent.
type ReaderFinalized struct {
	ReaderNumber string    `json:"reader_number"`
	ReaderID     uuid.UUID `json:"reader_id"`
}

// ReaderUserFailed terminates the saga. Username lets the user service
// clean up any temporary record it created.
type ReaderUserFailed struct {
	ReaderNumber string `json:"reader_number"`
	Username     string `json:"username"`
	Reason       string `json:"reason"`
}

// Payloads for the correlated validation exchange.

// ValidationRequest asks an owning service whether an entity currently
// exists. The envelope carries the correlation id and reply topic.
type ValidationRequest struct {
	Key string `json:"key"`
}

// ValidationResponse answers a ValidationRequest.
type ValidationResponse struct {
	Key     string `json:"key"`
	Exists  bool   `json:"exists"`
	Message string `json:"message,omitempty"`
}

// Payloads for cross-service replication. Every replicated aggregate
// carries a version so replicas can reject stale updates.

// BookReplicated mirrors a book into consuming services.
type BookReplicated struct {
	BookID  uuid.UUID `json:"book_id"`
	ISBN    string    `json:"isbn"`
	Title   string    `json:"title"`
	Version int64     `json:"version"`
}

// ReaderReplicated mirrors a reader into consuming services.
type ReaderReplicated struct {
	ReaderID     uuid.UUID `json:"reader_id"`
	ReaderNumber string    `json:"reader_number"`
	FullName     string    `json:"full_name"`
	Version      int64     `json:"version"`
}

// LendingReturned announces a completed lending.
type LendingReturned struct {
	LendingID     uuid.UUID `json:"lending_id"`
	LendingNumber string    `json:"lending_number"`
	ReturnedAt    time.Time `json:"returned_at"`
	Version       int64     `json:"version"`
}
