// Package actions implements the outbox handlers that replay each action
// type against the portal API.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/bissquit/trail-outbox/internal/domain"
	"github.com/bissquit/trail-outbox/internal/outbox"
	"github.com/bissquit/trail-outbox/internal/remote"
	"github.com/go-playground/validator/v10"
)

// ErrInvalidPayload is returned when a stored payload cannot be replayed as-is.
var ErrInvalidPayload = errors.New("invalid action payload")

// Caller performs portal API calls.
type Caller interface {
	JSON(ctx context.Context, call remote.Call, body any) error
	Multipart(ctx context.Context, call remote.Call, fields map[string]string, file remote.File) error
}

var validate = validator.New()

// Handlers returns one handler per supported action type.
func Handlers(client Caller) []outbox.Handler {
	return []outbox.Handler{
		&InterestToggle{client: client},
		&ProfileUpdate{client: client},
		&PhotoUpload{client: client},
		&FeedbackSubmit{client: client},
	}
}

// NewRegistry builds a registry holding every supported handler.
func NewRegistry(client Caller) *outbox.Registry {
	return outbox.NewRegistry(Handlers(client)...)
}

func decode(action *domain.Action, v any) error {
	if err := json.Unmarshal(action.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func logRejected(action *domain.Action, err error) {
	var statusErr *remote.StatusError
	if errors.As(err, &statusErr) && !statusErr.Temporary() {
		slog.Warn("portal rejected action",
			"id", action.ID,
			"type", action.Type,
			"status", statusErr.Code,
		)
	}
}

// InterestTogglePayload is the stored payload of an interest-toggle action.
type InterestTogglePayload struct {
	Token      string `json:"token" validate:"required"`
	HikeID     string `json:"hike_id" validate:"required"`
	Interested *bool  `json:"interested" validate:"required"`
}

// InterestToggle replays a change of the user's interest in a hike.
type InterestToggle struct {
	client Caller
}

// Type returns the action type.
func (h *InterestToggle) Type() domain.ActionType {
	return domain.ActionTypeInterestToggle
}

// Handle calls POST /api/hikes/{id}/interest.
func (h *InterestToggle) Handle(ctx context.Context, action *domain.Action) error {
	var p InterestTogglePayload
	if err := decode(action, &p); err != nil {
		return err
	}

	err := h.client.JSON(ctx, remote.Call{
		Method:         http.MethodPost,
		Path:           "/api/hikes/" + url.PathEscape(p.HikeID) + "/interest",
		Token:          p.Token,
		IdempotencyKey: action.Key,
	}, map[string]bool{"interested": *p.Interested})
	logRejected(action, err)
	return err
}

// ProfileUpdatePayload is the stored payload of a profile-update action.
type ProfileUpdatePayload struct {
	Token   string          `json:"token" validate:"required"`
	Profile json.RawMessage `json:"profile" validate:"required"`
}

// ProfileUpdate replays an edit of the user's profile.
type ProfileUpdate struct {
	client Caller
}

// Type returns the action type.
func (h *ProfileUpdate) Type() domain.ActionType {
	return domain.ActionTypeProfileUpdate
}

// Handle calls PUT /api/users/profile with the stored profile object.
func (h *ProfileUpdate) Handle(ctx context.Context, action *domain.Action) error {
	var p ProfileUpdatePayload
	if err := decode(action, &p); err != nil {
		return err
	}

	var profile map[string]json.RawMessage
	if err := json.Unmarshal(p.Profile, &profile); err != nil || profile == nil {
		return fmt.Errorf("%w: profile must be an object", ErrInvalidPayload)
	}

	err := h.client.JSON(ctx, remote.Call{
		Method:         http.MethodPut,
		Path:           "/api/users/profile",
		Token:          p.Token,
		IdempotencyKey: action.Key,
	}, p.Profile)
	logRejected(action, err)
	return err
}

// PhotoUploadPayload is the stored payload of a photo-upload action.
// Photo holds the raw image bytes, base64 encoded in JSON.
type PhotoUploadPayload struct {
	Token       string `json:"token" validate:"required"`
	HikeID      string `json:"hike_id" validate:"required"`
	Photo       []byte `json:"photo" validate:"required"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Description string `json:"description" validate:"max=2000"`
}

// PhotoUpload replays a hike photo upload.
type PhotoUpload struct {
	client Caller
}

// Type returns the action type.
func (h *PhotoUpload) Type() domain.ActionType {
	return domain.ActionTypePhotoUpload
}

// Handle calls POST /api/photos/upload as multipart/form-data.
func (h *PhotoUpload) Handle(ctx context.Context, action *domain.Action) error {
	var p PhotoUploadPayload
	if err := decode(action, &p); err != nil {
		return err
	}

	filename := p.Filename
	if filename == "" {
		filename = "photo"
	}
	contentType := p.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(p.Photo)
	}

	err := h.client.Multipart(ctx, remote.Call{
		Method:         http.MethodPost,
		Path:           "/api/photos/upload",
		Token:          p.Token,
		IdempotencyKey: action.Key,
	}, map[string]string{
		"hikeId":      p.HikeID,
		"description": p.Description,
	}, remote.File{
		Field:       "photo",
		Name:        filename,
		ContentType: contentType,
		Data:        p.Photo,
	})
	logRejected(action, err)
	return err
}

// FeedbackSubmitPayload is the stored payload of a feedback-submit action.
type FeedbackSubmitPayload struct {
	Token    string `json:"token" validate:"required"`
	Category string `json:"category" validate:"required"`
	Message  string `json:"message" validate:"required"`
}

// FeedbackSubmit replays a feedback form submission.
type FeedbackSubmit struct {
	client Caller
}

// Type returns the action type.
func (h *FeedbackSubmit) Type() domain.ActionType {
	return domain.ActionTypeFeedbackSubmit
}

// Handle calls POST /api/feedback.
func (h *FeedbackSubmit) Handle(ctx context.Context, action *domain.Action) error {
	var p FeedbackSubmitPayload
	if err := decode(action, &p); err != nil {
		return err
	}

	err := h.client.JSON(ctx, remote.Call{
		Method:         http.MethodPost,
		Path:           "/api/feedback",
		Token:          p.Token,
		IdempotencyKey: action.Key,
	}, map[string]string{
		"category": p.Category,
		"message":  p.Message,
	})
	logRejected(action, err)
	return err
}
