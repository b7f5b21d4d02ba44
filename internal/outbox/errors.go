package outbox

import (
	"errors"
	"fmt"

	"github.com/bissquit/trail-outbox/internal/domain"
)

// Outbox errors.
var (
	ErrOffline                  = errors.New("outbox: remote is offline")
	ErrActionNotFound           = errors.New("outbox: action not found")
	ErrActionTypeRequired       = errors.New("outbox: action type is required")
	ErrUnknownActionType        = errors.New("outbox: no handler registered for action type")
	ErrHandlerAlreadyRegistered = errors.New("outbox: handler already registered")
	ErrTriggerStopped           = errors.New("outbox: sync trigger stopped")

	// ErrStoreUnavailable matches every *StoreError through errors.Is.
	ErrStoreUnavailable = errors.New("outbox: store unavailable")

	errReplayInterrupted = errors.New("replay interrupted")
)

// StoreError reports a durable store failure: unavailable, full, corrupted or timed out.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("outbox store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrStoreUnavailable) hold for any StoreError.
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// HandlerError reports a failed replay of a single action.
type HandlerError struct {
	ActionID int64
	Type     domain.ActionType
	Err      error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("replay %s action %d: %v", e.Type, e.ActionID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) || errors.Is(err, ErrActionNotFound) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
