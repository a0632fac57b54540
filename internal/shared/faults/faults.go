// Package faults classifies errors for the retry machinery.
//
// The consumer and outbox dispatcher need to distinguish transient
// infrastructure failures (retry, never lose the event) from business
// conflicts (surface as a failure event or an idempotent no-op, never
// requeue).
package faults

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind is the retry classification of an error.
type Kind int

const (
	// Transient failures (broker unreachable, store timeout) are retried.
	Transient Kind = iota

	// Terminal failures (duplicate creation, not found, stale version,
	// malformed message) are never requeued.
	Terminal
)

// Sentinel errors shared across services.
var (
	// ErrNotFound indicates a referenced local record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate indicates the record already exists.
	ErrDuplicate = errors.New("already exists")

	// ErrVersionConflict indicates a stale aggregate version. A business
	// rejection, not a transport error.
	ErrVersionConflict = errors.New("version conflict")

	// ErrInvalid indicates a request that can never succeed.
	ErrInvalid = errors.New("invalid request")

	// ErrValidationTimeout indicates a correlated validation request that
	// received no response within its deadline. Callers fail closed.
	ErrValidationTimeout = errors.New("validation timed out")
)

// Classify maps an error to its retry kind. Unknown errors default to
// Transient: with at-least-once delivery a spurious retry is safe, a
// dropped event is not.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return Terminal
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrDuplicate),
		errors.Is(err, ErrVersionConflict),
		errors.Is(err, ErrInvalid):
		return Terminal
	case IsUniqueViolation(err):
		return Terminal
	case isMalformed(err):
		return Terminal
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Transient
	default:
		return Transient
	}
}

// IsUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isMalformed(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
