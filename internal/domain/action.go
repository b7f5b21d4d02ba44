package domain

import (
	"encoding/json"
	"time"
)

// ActionType identifies which handler replays an action.
type ActionType string

// Action types.
const (
	ActionTypeInterestToggle ActionType = "interest-toggle"
	ActionTypeProfileUpdate  ActionType = "profile-update"
	ActionTypePhotoUpload    ActionType = "photo-upload"
	ActionTypeFeedbackSubmit ActionType = "feedback-submit"
)

// DefaultMaxRetries is the retry ceiling used when the caller does not set one.
const DefaultMaxRetries = 3

// Action is a user action captured while offline and awaiting replay.
type Action struct {
	ID         int64           `json:"id"`
	Key        string          `json:"key"`
	Type       ActionType      `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  int64           `json:"timestamp"`
	Priority   int             `json:"priority"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
}

// CreatedAt returns the creation time encoded in Timestamp.
func (a *Action) CreatedAt() time.Time {
	return time.UnixMilli(a.Timestamp)
}

// Exhausted reports whether the action has reached its retry ceiling.
func (a *Action) Exhausted() bool {
	return a.RetryCount >= a.MaxRetries
}

// Clone returns a deep copy of the action.
func (a *Action) Clone() *Action {
	c := *a
	if a.Data != nil {
		c.Data = append(json.RawMessage(nil), a.Data...)
	}
	return &c
}

// DeadLetterReason describes why an action was dropped.
type DeadLetterReason string

// Dead letter reasons.
const (
	DeadLetterRetriesExhausted DeadLetterReason = "retries_exhausted"
)

// DeadLetter is an archived copy of an action that will never be replayed.
type DeadLetter struct {
	ID        int64            `json:"id"`
	Action    Action           `json:"action"`
	Reason    DeadLetterReason `json:"reason"`
	LastError string           `json:"last_error,omitempty"`
	FailedAt  time.Time        `json:"failed_at"`
}
