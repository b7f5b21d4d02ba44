package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/trail-outbox/internal/pkg/ctxlog"
)

// StatusClientClosedRequest is written when the caller went away before the
// handler finished. The caller never sees it; it keeps access logs and
// metrics honest.
const StatusClientClosedRequest = 499

// ErrorMapping maps a sentinel error to a status and a public message.
type ErrorMapping struct {
	Error   error
	Status  int
	Message string // err.Error() when empty
}

// HandleError writes the response for err using the first matching mapping.
// Cancellation is answered without logging; anything unmapped is logged and
// hidden behind a 500.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	for _, m := range mappings {
		if errors.Is(err, m.Error) {
			msg := m.Message
			if msg == "" {
				msg = err.Error()
			}
			Error(w, m.Status, msg)
			return
		}
	}

	switch {
	case errors.Is(err, context.Canceled):
		ctxlog.FromContext(ctx).Debug("request cancelled", "error", err)
		Error(w, StatusClientClosedRequest, "request cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		ctxlog.FromContext(ctx).Warn("request timed out", "error", err)
		Error(w, http.StatusServiceUnavailable, "request timed out")
	default:
		ctxlog.FromContext(ctx).Error("internal error", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}
