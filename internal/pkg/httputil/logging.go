package httputil

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/bissquit/trail-outbox/internal/pkg/ctxlog"
	"github.com/go-chi/chi/v5/middleware"
)

// requestInfo collects attributes learned deeper in the chain, such as the
// authenticated subject, for the access log line.
type requestInfo struct {
	subject string
}

type requestInfoKey struct{}

func noteSubject(ctx context.Context, subject string) {
	if info, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		info.subject = subject
	}
}

// RequestLoggerMiddleware stores a request-scoped logger carrying request_id
// in the context and writes one access log line per request. Probe endpoints
// log at debug; 4xx at warn; 5xx at error.
func RequestLoggerMiddleware(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			logger := base.With("request_id", middleware.GetReqID(r.Context()))

			info := &requestInfo{}
			ctx := context.WithValue(ctxlog.WithLogger(r.Context(), logger), requestInfoKey{}, info)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			code := writtenStatus(ww)
			attrs := []any{
				"method", r.Method,
				"route", routePattern(r),
				"path", r.URL.Path,
				"status", code,
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if info.subject != "" {
				attrs = append(attrs, "subject", info.subject)
			}

			logger.Log(ctx, accessLevel(r.URL.Path, code), "http request", attrs...)
		})
	}
}

func accessLevel(path string, code int) slog.Level {
	switch {
	case code >= http.StatusInternalServerError:
		return slog.LevelError
	case code >= http.StatusBadRequest:
		return slog.LevelWarn
	case path == "/healthz" || path == "/readyz":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
