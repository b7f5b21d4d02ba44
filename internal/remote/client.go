// Package remote provides the HTTP client used to replay actions against the
// hiking-club portal API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bissquit/trail-outbox/internal/pkg/metrics"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultRateLimit = 10.0
	maxErrorBody     = 512

	// IdempotencyKeyHeader carries the action key so the portal can drop duplicates.
	IdempotencyKeyHeader = "Idempotency-Key"
)

// Config holds remote API client configuration.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64 // requests per second
	UserAgent string
}

// Client calls the portal API.
type Client struct {
	config     Config
	baseURL    *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new remote API client.
func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, errors.New("remote client: base url is required")
	}
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("remote client: invalid base url %q", config.BaseURL)
	}

	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.RateLimit == 0 {
		config.RateLimit = defaultRateLimit
	}
	if config.UserAgent == "" {
		config.UserAgent = "trail-outbox"
	}

	slog.Info("remote client configured",
		"base_url", base.String(),
		"timeout", config.Timeout,
		"rate_limit", config.RateLimit,
	)

	return &Client{
		config:     config,
		baseURL:    base,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimit), 1),
	}, nil
}

// URL resolves an API path against the base URL.
func (c *Client) URL(path string) string {
	return c.baseURL.String() + "/" + strings.TrimLeft(path, "/")
}

// Call describes one authenticated request.
type Call struct {
	Method         string
	Path           string
	Token          string
	IdempotencyKey string
}

// JSON sends body encoded as JSON.
func (c *Client) JSON(ctx context.Context, call Call, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	return c.do(ctx, call, "application/json", payload)
}

// File is a file part of a multipart upload.
type File struct {
	Field       string
	Name        string
	ContentType string
	Data        []byte
}

// Multipart sends form fields and one file as multipart/form-data.
func (c *Client) Multipart(ctx context.Context, call Call, fields map[string]string, file File) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, file.Field, file.Name))
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)

	part, err := w.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return fmt.Errorf("write file part: %w", err)
	}

	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			return fmt.Errorf("write field %s: %w", name, err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close multipart body: %w", err)
	}

	return c.do(ctx, call, w.FormDataContentType(), buf.Bytes())
}

func (c *Client) do(ctx context.Context, call Call, contentType string, body []byte) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, call.Method, c.URL(call.Path), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	if call.Token != "" {
		req.Header.Set("Authorization", "Bearer "+call.Token)
	}
	if call.IdempotencyKey != "" {
		req.Header.Set(IdempotencyKeyHeader, call.IdempotencyKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RemoteRequestDuration.WithLabelValues(call.Method, "error").Observe(time.Since(start).Seconds())
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	metrics.RemoteRequestDuration.WithLabelValues(call.Method, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	return handleResponse(resp, call)
}

func handleResponse(resp *http.Response, call Call) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		slog.Debug("remote call succeeded", "method", call.Method, "path", call.Path, "status", resp.StatusCode)
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	return &StatusError{
		Method: call.Method,
		Path:   call.Path,
		Code:   resp.StatusCode,
		Body:   strings.TrimSpace(string(body)),
	}
}

// StatusError reports a non-2xx response from the portal.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("remote %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
	}
	return fmt.Sprintf("remote %s %s: status %d", e.Method, e.Path, e.Code)
}

// Temporary reports whether the portal may accept the same call later.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= http.StatusInternalServerError
}
