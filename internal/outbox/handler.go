package outbox

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/trail-outbox/internal/domain"
	"github.com/bissquit/trail-outbox/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrActionNotFound, Status: http.StatusNotFound, Message: "action not found"},
	{Error: ErrActionTypeRequired, Status: http.StatusBadRequest, Message: "action type is required"},
	{Error: ErrUnknownActionType, Status: http.StatusBadRequest, Message: "unknown action type"},
	{Error: ErrOffline, Status: http.StatusServiceUnavailable, Message: "remote api is offline"},
	{Error: ErrStoreUnavailable, Status: http.StatusServiceUnavailable, Message: "action store unavailable"},
}

// HTTPHandler serves the outbox API over HTTP.
type HTTPHandler struct {
	outbox    *Outbox
	validator *validator.Validate
}

// NewHandler creates the HTTP handler for an outbox.
func NewHandler(outbox *Outbox) *HTTPHandler {
	return &HTTPHandler{
		outbox:    outbox,
		validator: validator.New(),
	}
}

// RegisterRoutes registers outbox routes.
func (h *HTTPHandler) RegisterRoutes(r chi.Router) {
	r.Route("/actions", func(r chi.Router) {
		r.Get("/", h.ListActions)
		r.Post("/", h.EnqueueAction)
		r.Delete("/", h.ClearActions)
		r.Get("/count", h.CountActions)
		r.Delete("/{id}", h.RemoveAction)
	})

	r.Post("/sync", h.Sync)

	r.Get("/dead-letters", h.ListDeadLetters)
	r.Delete("/dead-letters", h.PurgeDeadLetters)
}

// EnqueueActionRequest represents request body for enqueueing an action.
type EnqueueActionRequest struct {
	Type       string          `json:"type" validate:"required"`
	Data       json.RawMessage `json:"data"`
	Priority   int             `json:"priority" validate:"gte=-100,lte=100"`
	MaxRetries int             `json:"max_retries" validate:"gte=0,lte=100"`
}

// ActionView is the listing representation of an action. The payload may
// carry credentials and is never returned.
type ActionView struct {
	ID         int64             `json:"id"`
	Key        string            `json:"key"`
	Type       domain.ActionType `json:"type"`
	Timestamp  int64             `json:"timestamp"`
	CreatedAt  time.Time         `json:"created_at"`
	Priority   int               `json:"priority"`
	RetryCount int               `json:"retry_count"`
	MaxRetries int               `json:"max_retries"`
}

// DeadLetterView is the listing representation of a dead letter.
type DeadLetterView struct {
	ID        int64                   `json:"id"`
	Action    ActionView              `json:"action"`
	Reason    domain.DeadLetterReason `json:"reason"`
	LastError string                  `json:"last_error,omitempty"`
	FailedAt  time.Time               `json:"failed_at"`
}

// NewActionView builds the listing view of an action.
func NewActionView(a *domain.Action) ActionView {
	return ActionView{
		ID:         a.ID,
		Key:        a.Key,
		Type:       a.Type,
		Timestamp:  a.Timestamp,
		CreatedAt:  a.CreatedAt().UTC(),
		Priority:   a.Priority,
		RetryCount: a.RetryCount,
		MaxRetries: a.MaxRetries,
	}
}

// EnqueueAction handles POST /actions.
func (h *HTTPHandler) EnqueueAction(w http.ResponseWriter, r *http.Request) {
	var req EnqueueActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	actionType := domain.ActionType(req.Type)
	if _, ok := h.outbox.Registry().Lookup(actionType); !ok {
		httputil.HandleError(r.Context(), w, ErrUnknownActionType, errorMappings)
		return
	}

	data, err := InjectToken(req.Data, httputil.GetToken(r.Context()))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "data must be a json object")
		return
	}

	action, err := h.outbox.Enqueue(r.Context(), actionType, data, EnqueueOptions{
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, NewActionView(action))
}

// ListActions handles GET /actions.
func (h *HTTPHandler) ListActions(w http.ResponseWriter, r *http.Request) {
	actions, err := h.outbox.ListPending(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	views := make([]ActionView, 0, len(actions))
	for _, a := range actions {
		views = append(views, NewActionView(a))
	}

	httputil.Success(w, http.StatusOK, views)
}

// CountActions handles GET /actions/count.
func (h *HTTPHandler) CountActions(w http.ResponseWriter, r *http.Request) {
	n, err := h.outbox.Count(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]int{"count": n})
}

// ClearActions handles DELETE /actions.
func (h *HTTPHandler) ClearActions(w http.ResponseWriter, r *http.Request) {
	if err := h.outbox.Clear(r.Context()); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RemoveAction handles DELETE /actions/{id}.
func (h *HTTPHandler) RemoveAction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httputil.Error(w, http.StatusBadRequest, "invalid action id")
		return
	}

	if err := h.outbox.Remove(r.Context(), id); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Sync handles POST /sync.
func (h *HTTPHandler) Sync(w http.ResponseWriter, r *http.Request) {
	report, err := h.outbox.Sync(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, report)
}

// ListDeadLetters handles GET /dead-letters.
func (h *HTTPHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	letters, err := h.outbox.DeadLetters(r.Context(), limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	views := make([]DeadLetterView, 0, len(letters))
	for i := range letters {
		dl := letters[i]
		views = append(views, DeadLetterView{
			ID:        dl.ID,
			Action:    NewActionView(&dl.Action),
			Reason:    dl.Reason,
			LastError: dl.LastError,
			FailedAt:  dl.FailedAt.UTC(),
		})
	}

	httputil.Success(w, http.StatusOK, views)
}

// PurgeDeadLetters handles DELETE /dead-letters.
func (h *HTTPHandler) PurgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	if _, err := h.outbox.PurgeDeadLetters(r.Context()); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// InjectToken sets data.token when it is absent. Empty data becomes an
// object; non-object data is rejected.
func InjectToken(data json.RawMessage, token string) (json.RawMessage, error) {
	if len(data) == 0 || string(data) == "null" {
		data = json.RawMessage("{}")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("data is not an object")
	}

	if token == "" {
		return data, nil
	}
	if _, ok := fields["token"]; ok {
		return data, nil
	}

	encoded, err := json.Marshal(token)
	if err != nil {
		return nil, err
	}
	fields["token"] = encoded
	return json.Marshal(fields)
}
