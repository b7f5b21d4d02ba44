package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bissquit/trail-outbox/internal/domain"
	"github.com/bissquit/trail-outbox/internal/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

type portal struct {
	status atomic.Int32
	mu     sync.Mutex
	auth   []string
}

func (p *portal) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.auth...)
}

// setup writes a config pointing at a temp SQLite store and a fake portal.
func setup(t *testing.T) (string, *portal) {
	t.Helper()
	keyring.MockInit()

	p := &portal{}
	p.status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.auth = append(p.auth, r.Header.Get("Authorization"))
		p.mu.Unlock()
		w.WriteHeader(int(p.status.Load()))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	path := filepath.Join(dir, "outbox.yaml")
	content := fmt.Sprintf(`
log:
  level: error
store:
  driver: sqlite
  path: %s
remote:
  base_url: %s
  rate_limit: 1000
monitor:
  enabled: false
`, filepath.Join(dir, "outbox.db"), srv.URL)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path, p
}

func run(t *testing.T, configPath, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", configPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func enqueueFeedback(t *testing.T, configPath string, extra ...string) {
	t.Helper()
	args := append([]string{"enqueue", "feedback-submit", "--data", `{"category":"bug","message":"map is blank"}`}, extra...)
	out, err := run(t, configPath, "", args...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Queued Feedback Submit action")
}

func TestEnqueueListCount(t *testing.T) {
	cfg, _ := setup(t)
	_, err := run(t, cfg, "", "token", "set", "--token", "kept-token")
	require.NoError(t, err)

	enqueueFeedback(t, cfg)
	enqueueFeedback(t, cfg, "--priority", "7")

	out, err := run(t, cfg, "", "count")
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)

	out, err = run(t, cfg, "", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "TYPE")
	assert.Contains(t, out, "Feedback Submit")
	assert.NotContains(t, out, "kept-token")

	out, err = run(t, cfg, "", "list", "-o", "json")
	require.NoError(t, err)
	var views []outbox.ActionView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 2)
	assert.Equal(t, domain.ActionTypeFeedbackSubmit, views[0].Type)
	assert.NotContains(t, out, "kept-token")
}

func TestSyncUsesStoredToken(t *testing.T) {
	cfg, p := setup(t)
	_, err := run(t, cfg, "kept-token\n", "token", "set")
	require.NoError(t, err)

	enqueueFeedback(t, cfg)

	out, err := run(t, cfg, "", "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "1 succeeded")
	assert.Equal(t, []string{"Bearer kept-token"}, p.seen())

	out, err = run(t, cfg, "", "count")
	require.NoError(t, err)
	assert.Equal(t, "0\n", out)
}

func TestEnqueueTokenFlagWins(t *testing.T) {
	cfg, p := setup(t)
	_, err := run(t, cfg, "", "token", "set", "--token", "kept-token")
	require.NoError(t, err)

	enqueueFeedback(t, cfg, "--token", "flag-token")

	out, err := run(t, cfg, "", "sync", "-o", "json")
	require.NoError(t, err)

	var report outbox.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, []string{"Bearer flag-token"}, p.seen())
}

func TestEnqueueRejects(t *testing.T) {
	cfg, _ := setup(t)

	_, err := run(t, cfg, "", "enqueue", "teleport", "--data", "{}")
	assert.ErrorIs(t, err, outbox.ErrUnknownActionType)

	_, err = run(t, cfg, "", "enqueue", "feedback-submit", "--data", "[1,2]")
	assert.Error(t, err)

	_, err = run(t, cfg, "", "enqueue", "feedback-submit", "-o", "yaml")
	assert.Error(t, err)

	out, err := run(t, cfg, "", "count")
	require.NoError(t, err)
	assert.Equal(t, "0\n", out)
}

func TestRemoveAndClear(t *testing.T) {
	cfg, _ := setup(t)
	enqueueFeedback(t, cfg)
	enqueueFeedback(t, cfg)

	out, err := run(t, cfg, "", "remove", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed action 1")

	_, err = run(t, cfg, "", "remove", "1")
	assert.ErrorIs(t, err, outbox.ErrActionNotFound)

	_, err = run(t, cfg, "", "remove", "abc")
	assert.Error(t, err)

	_, err = run(t, cfg, "", "clear")
	require.NoError(t, err)

	out, err = run(t, cfg, "", "count")
	require.NoError(t, err)
	assert.Equal(t, "0\n", out)
}

func TestDeadLetters(t *testing.T) {
	cfg, p := setup(t)
	p.status.Store(http.StatusBadGateway)

	enqueueFeedback(t, cfg, "--max-retries", "1", "--token", "t")

	out, err := run(t, cfg, "", "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "1 dropped")

	out, err = run(t, cfg, "", "dead-letters")
	require.NoError(t, err)
	assert.Contains(t, out, "Feedback Submit")
	assert.Contains(t, out, "retries_exhausted")
	assert.Contains(t, out, "status 502")

	out, err = run(t, cfg, "", "dead-letters", "--purge")
	require.NoError(t, err)
	assert.Contains(t, out, "Purged 1 dead letters.")

	out, err = run(t, cfg, "", "dead-letters")
	require.NoError(t, err)
	assert.Contains(t, out, "No dead letters.")
}

func TestTokenDelete(t *testing.T) {
	cfg, _ := setup(t)

	_, err := run(t, cfg, "", "token", "set", "--token", "kept-token")
	require.NoError(t, err)

	out, err := run(t, cfg, "", "token", "delete")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted portal token.")

	_, err = run(t, cfg, "", "token", "delete")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	_, err = run(t, cfg, "", "token", "set")
	assert.Error(t, err)
}

func TestTypeLabel(t *testing.T) {
	tests := []struct {
		in   domain.ActionType
		want string
	}{
		{in: domain.ActionTypeInterestToggle, want: "Interest Toggle"},
		{in: domain.ActionTypeProfileUpdate, want: "Profile Update"},
		{in: domain.ActionTypePhotoUpload, want: "Photo Upload"},
		{in: domain.ActionTypeFeedbackSubmit, want: "Feedback Submit"},
	}

	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, typeLabel(tt.in))
		})
	}
}
