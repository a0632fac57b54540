package genres

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/bibliotek/library-services/internal/outbox"
)

// Genre is the aggregate owned by this service.
type Genre struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
}

// Repository persists genres.
type Repository interface {
	// GetByName returns faults.ErrNotFound when the genre does not exist.
	GetByName(ctx context.Context, name string) (*Genre, error)

	// CreateWithEvent inserts the genre and the outbox event in one
	// transaction.
	CreateWithEvent(ctx context.Context, genre *Genre, event outbox.Event) error
}

// Emitter stages a domain event for dispatch without a business write.
type Emitter interface {
	Emit(ctx context.Context, aggregateType, aggregateID, eventType string, payload any) error
}
