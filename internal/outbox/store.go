// Package outbox provides the durable offline action queue and its sync machinery.
package outbox

import (
	"context"

	"github.com/bissquit/trail-outbox/internal/domain"
)

// Store is the durable persistence layer behind the outbox.
// Each method is atomic on its own; the outbox never holds a transaction across calls.
type Store interface {
	// Add persists a new action and assigns its ID.
	Add(ctx context.Context, action *domain.Action) error
	// GetAll returns every pending action in no guaranteed order.
	GetAll(ctx context.Context) ([]*domain.Action, error)
	Count(ctx context.Context) (int, error)
	// Get returns ErrActionNotFound when the ID is unknown.
	Get(ctx context.Context, id int64) (*domain.Action, error)
	// Put overwrites the mutable fields of an existing action.
	Put(ctx context.Context, action *domain.Action) error
	// Delete returns ErrActionNotFound when the ID is unknown.
	Delete(ctx context.Context, id int64) error
	Clear(ctx context.Context) error

	// Bury removes the action and archives it as a dead letter in one transaction.
	Bury(ctx context.Context, action *domain.Action, reason domain.DeadLetterReason, lastErr string) error
	// DeadLetters returns archived actions, newest first. limit <= 0 means no limit.
	DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error)
	PurgeDeadLetters(ctx context.Context) (int64, error)

	Close() error
}
