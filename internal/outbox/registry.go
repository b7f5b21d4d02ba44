package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bissquit/trail-outbox/internal/domain"
)

// Handler replays one action type against the remote API.
// A nil error means the remote accepted the action. Handlers must not retry
// and must not touch the store.
type Handler interface {
	Type() domain.ActionType
	Handle(ctx context.Context, action *domain.Action) error
}

// HandlerFunc adapts a function to Handler for a fixed type.
type HandlerFunc struct {
	ActionType domain.ActionType
	Fn         func(ctx context.Context, action *domain.Action) error
}

// Type returns the action type.
func (h HandlerFunc) Type() domain.ActionType { return h.ActionType }

// Handle calls Fn.
func (h HandlerFunc) Handle(ctx context.Context, action *domain.Action) error {
	return h.Fn(ctx, action)
}

// Registry maps action types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.ActionType]Handler
}

// NewRegistry creates a registry with the given handlers.
// It panics on duplicate types, which is a wiring bug.
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[domain.ActionType]Handler, len(handlers))}
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a handler for its type.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[h.Type()]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, h.Type())
	}
	r.handlers[h.Type()] = h
	return nil
}

// Lookup returns the handler for the type.
func (r *Registry) Lookup(t domain.ActionType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[t]
	return h, ok
}

// Types returns the registered types in sorted order.
func (r *Registry) Types() []domain.ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]domain.ActionType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
