package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/bissquit/trail-outbox/internal/domain"
	"github.com/bissquit/trail-outbox/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticValidator struct{ token string }

func (v staticValidator) ValidateToken(_ context.Context, token string) (string, error) {
	if token != v.token {
		return "", errors.New("bad token")
	}
	return "user-1", nil
}

func newTestRouter(ob *Outbox) http.Handler {
	r := chi.NewRouter()
	r.Use(httputil.AuthMiddleware(staticValidator{token: "tok"}))
	NewHandler(ob).RegisterRoutes(r)
	return r
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer tok")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_EnqueueInjectsToken(t *testing.T) {
	var seen atomic.Value
	handler := HandlerFunc{ActionType: testType, Fn: func(_ context.Context, a *domain.Action) error {
		seen.Store(string(a.Data))
		return nil
	}}
	ob, _ := newTestOutbox(t, []Handler{handler})
	router := newTestRouter(ob)

	rec := doRequest(t, router, http.MethodPost, "/actions", map[string]any{
		"type":     "feedback-submit",
		"data":     map[string]string{"category": "bug", "message": "broken"},
		"priority": 1,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Data ActionView `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Positive(t, resp.Data.ID)
	assert.Equal(t, testType, resp.Data.Type)
	assert.Equal(t, 1, resp.Data.Priority)
	assert.NotContains(t, rec.Body.String(), "broken")

	rec = doRequest(t, router, http.MethodPost, "/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"category":"bug","message":"broken","token":"tok"}`, seen.Load().(string))
}

func TestHandler_EnqueueValidation(t *testing.T) {
	ob, _ := newTestOutbox(t, []Handler{noopHandler(testType)})
	router := newTestRouter(ob)

	tests := []struct {
		name string
		body any
	}{
		{name: "missing type", body: map[string]any{"data": map[string]string{}}},
		{name: "unknown type", body: map[string]any{"type": "nope"}},
		{name: "negative max retries", body: map[string]any{"type": "feedback-submit", "max_retries": -1}},
		{name: "data not an object", body: map[string]any{"type": "feedback-submit", "data": []int{1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, router, http.MethodPost, "/actions", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	n, err := ob.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestHandler_ListCountRemove(t *testing.T) {
	ctx := context.Background()
	ob, _ := newTestOutbox(t, []Handler{noopHandler(testType)})
	router := newTestRouter(ob)

	first, err := ob.Enqueue(ctx, testType, map[string]string{"token": "secret"}, EnqueueOptions{})
	require.NoError(t, err)
	_, err = ob.Enqueue(ctx, testType, nil, EnqueueOptions{})
	require.NoError(t, err)

	rec := doRequest(t, router, http.MethodGet, "/actions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")

	var list struct {
		Data []ActionView `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Len(t, list.Data, 2)

	rec = doRequest(t, router, http.MethodGet, "/actions/count", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"count":2}}`, rec.Body.String())

	rec = doRequest(t, router, http.MethodDelete, "/actions/"+strconv.FormatInt(first.ID, 10), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, router, http.MethodDelete, "/actions/"+strconv.FormatInt(first.ID, 10), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, router, http.MethodDelete, "/actions/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodDelete, "/actions", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	n, err := ob.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestHandler_SyncOffline(t *testing.T) {
	ob, _ := newTestOutbox(t, nil, WithConnectivity(NewSwitch(false)))

	rec := doRequest(t, newTestRouter(ob), http.MethodPost, "/sync", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "remote api is offline")
}

func TestHandler_SyncStoreFailure(t *testing.T) {
	ob, store := newTestOutbox(t, nil)
	store.failOn("get_all", errors.New("database is locked"))

	rec := doRequest(t, newTestRouter(ob), http.MethodPost, "/sync", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "database is locked")
}

func TestHandler_DeadLetters(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	ob, _ := newTestOutbox(t, []Handler{handlerReturning(testType, &calls, errors.New("status 500"))})
	router := newTestRouter(ob)

	for i := 0; i < 2; i++ {
		_, err := ob.Enqueue(ctx, testType, nil, EnqueueOptions{MaxRetries: 1})
		require.NoError(t, err)
	}
	_, err := ob.Sync(ctx)
	require.NoError(t, err)

	rec := doRequest(t, router, http.MethodGet, "/dead-letters?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []DeadLetterView `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, domain.DeadLetterRetriesExhausted, resp.Data[0].Reason)
	assert.Contains(t, resp.Data[0].LastError, "status 500")

	rec = doRequest(t, router, http.MethodGet, "/dead-letters?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodDelete, "/dead-letters", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	letters, err := ob.DeadLetters(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestHandler_RequiresAuth(t *testing.T) {
	ob, _ := newTestOutbox(t, nil)
	router := newTestRouter(ob)

	req := httptest.NewRequest(http.MethodGet, "/actions", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/actions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInjectToken(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		token   string
		want    string
		wantErr bool
	}{
		{name: "empty data", data: "", token: "t", want: `{"token":"t"}`},
		{name: "null data", data: "null", token: "t", want: `{"token":"t"}`},
		{name: "adds token", data: `{"a":1}`, token: "t", want: `{"a":1,"token":"t"}`},
		{name: "keeps caller token", data: `{"token":"mine"}`, token: "t", want: `{"token":"mine"}`},
		{name: "no token to inject", data: `{"a":1}`, token: "", want: `{"a":1}`},
		{name: "array rejected", data: `[1]`, token: "t", wantErr: true},
		{name: "string rejected", data: `"x"`, token: "t", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := InjectToken(json.RawMessage(tt.data), tt.token)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}
