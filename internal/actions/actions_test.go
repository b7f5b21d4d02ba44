package actions

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/bissquit/trail-outbox/internal/domain"
	"github.com/bissquit/trail-outbox/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	Method      string
	Path        string
	Auth        string
	Idempotency string
	ContentType string
	Body        []byte
	Form        map[string]string
	File        []byte
	FileName    string
}

type portal struct {
	mu       sync.Mutex
	requests []capturedRequest
	status   int
}

func newPortal(t *testing.T, status int) (*portal, *remote.Client) {
	t.Helper()

	p := &portal{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := capturedRequest{
			Method:      r.Method,
			Path:        r.URL.Path,
			Auth:        r.Header.Get("Authorization"),
			Idempotency: r.Header.Get(remote.IdempotencyKeyHeader),
			ContentType: r.Header.Get("Content-Type"),
		}
		if r.MultipartForm == nil && r.Header.Get("Content-Type") != "application/json" {
			if err := r.ParseMultipartForm(1 << 20); err == nil {
				req.Form = map[string]string{}
				for k, v := range r.MultipartForm.Value {
					req.Form[k] = v[0]
				}
				if f, h, err := r.FormFile("photo"); err == nil {
					req.File, _ = io.ReadAll(f)
					req.FileName = h.Filename
					f.Close()
				}
			}
		}
		if req.Form == nil {
			req.Body, _ = io.ReadAll(r.Body)
		}

		p.mu.Lock()
		p.requests = append(p.requests, req)
		p.mu.Unlock()

		w.WriteHeader(p.status)
	}))
	t.Cleanup(srv.Close)

	client, err := remote.NewClient(remote.Config{BaseURL: srv.URL, RateLimit: 1000})
	require.NoError(t, err)
	return p, client
}

func (p *portal) last(t *testing.T) capturedRequest {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.requests)
	return p.requests[len(p.requests)-1]
}

func (p *portal) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func newAction(t *testing.T, actionType domain.ActionType, data any) *domain.Action {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return &domain.Action{
		ID:         1,
		Key:        "6b0f7a1e-3c55-4a53-9a55-0d3f1a3c2b10",
		Type:       actionType,
		Data:       raw,
		MaxRetries: domain.DefaultMaxRetries,
	}
}

func TestHandlers_CoverEveryType(t *testing.T) {
	registry := NewRegistry(nil)
	assert.Equal(t, []domain.ActionType{
		domain.ActionTypeFeedbackSubmit,
		domain.ActionTypeInterestToggle,
		domain.ActionTypePhotoUpload,
		domain.ActionTypeProfileUpdate,
	}, registry.Types())
}

func TestInterestToggle(t *testing.T) {
	p, client := newPortal(t, http.StatusOK)
	h := &InterestToggle{client: client}

	action := newAction(t, domain.ActionTypeInterestToggle, map[string]any{
		"token": "jwt", "hike_id": "42", "interested": false,
	})
	require.NoError(t, h.Handle(context.Background(), action))

	req := p.last(t)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/hikes/42/interest", req.Path)
	assert.Equal(t, "Bearer jwt", req.Auth)
	assert.Equal(t, action.Key, req.Idempotency)
	assert.JSONEq(t, `{"interested":false}`, string(req.Body))
}

func TestProfileUpdate(t *testing.T) {
	p, client := newPortal(t, http.StatusOK)
	h := &ProfileUpdate{client: client}

	action := newAction(t, domain.ActionTypeProfileUpdate, map[string]any{
		"token":   "jwt",
		"profile": map[string]any{"name": "Ann", "bio": "walker"},
	})
	require.NoError(t, h.Handle(context.Background(), action))

	req := p.last(t)
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "/api/users/profile", req.Path)
	assert.JSONEq(t, `{"name":"Ann","bio":"walker"}`, string(req.Body))
}

func TestPhotoUpload(t *testing.T) {
	p, client := newPortal(t, http.StatusCreated)
	h := &PhotoUpload{client: client}

	photo := []byte("\x89PNG\r\n\x1a\nrest-of-image")
	action := newAction(t, domain.ActionTypePhotoUpload, map[string]any{
		"token":    "jwt",
		"hike_id":  "7",
		"photo":    photo,
		"filename": "summit.png",
	})
	require.NoError(t, h.Handle(context.Background(), action))

	req := p.last(t)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/photos/upload", req.Path)
	assert.Contains(t, req.ContentType, "multipart/form-data")
	assert.Equal(t, "7", req.Form["hikeId"])
	assert.Equal(t, "", req.Form["description"])
	assert.Equal(t, photo, req.File)
	assert.Equal(t, "summit.png", req.FileName)
}

func TestFeedbackSubmit(t *testing.T) {
	p, client := newPortal(t, http.StatusOK)
	h := &FeedbackSubmit{client: client}

	action := newAction(t, domain.ActionTypeFeedbackSubmit, map[string]any{
		"token": "jwt", "category": "bug", "message": "map is blank",
	})
	require.NoError(t, h.Handle(context.Background(), action))

	req := p.last(t)
	assert.Equal(t, "/api/feedback", req.Path)
	assert.JSONEq(t, `{"category":"bug","message":"map is blank"}`, string(req.Body))
}

func TestHandlers_RemoteFailure(t *testing.T) {
	_, client := newPortal(t, http.StatusInternalServerError)
	h := &FeedbackSubmit{client: client}

	action := newAction(t, domain.ActionTypeFeedbackSubmit, map[string]any{
		"token": "jwt", "category": "bug", "message": "x",
	})
	err := h.Handle(context.Background(), action)

	var statusErr *remote.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
	assert.True(t, statusErr.Temporary())
}

func TestHandlers_InvalidPayload(t *testing.T) {
	p, client := newPortal(t, http.StatusOK)
	handlers := map[domain.ActionType]interface {
		Handle(context.Context, *domain.Action) error
	}{
		domain.ActionTypeInterestToggle: &InterestToggle{client: client},
		domain.ActionTypeProfileUpdate:  &ProfileUpdate{client: client},
		domain.ActionTypePhotoUpload:    &PhotoUpload{client: client},
		domain.ActionTypeFeedbackSubmit: &FeedbackSubmit{client: client},
	}

	tests := []struct {
		name       string
		actionType domain.ActionType
		data       any
	}{
		{name: "interest without token", actionType: domain.ActionTypeInterestToggle, data: map[string]any{"hike_id": "1", "interested": true}},
		{name: "interest without flag", actionType: domain.ActionTypeInterestToggle, data: map[string]any{"token": "t", "hike_id": "1"}},
		{name: "profile missing", actionType: domain.ActionTypeProfileUpdate, data: map[string]any{"token": "t"}},
		{name: "profile not object", actionType: domain.ActionTypeProfileUpdate, data: map[string]any{"token": "t", "profile": []int{1}}},
		{name: "photo empty", actionType: domain.ActionTypePhotoUpload, data: map[string]any{"token": "t", "hike_id": "1"}},
		{name: "feedback without message", actionType: domain.ActionTypeFeedbackSubmit, data: map[string]any{"token": "t", "category": "bug"}},
		{name: "not json object", actionType: domain.ActionTypeFeedbackSubmit, data: "text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := handlers[tt.actionType].Handle(context.Background(), newAction(t, tt.actionType, tt.data))
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}

	assert.Zero(t, p.count())
}
