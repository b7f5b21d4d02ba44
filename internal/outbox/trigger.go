package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Syncer runs a sync pass.
type Syncer interface {
	Sync(ctx context.Context) (Report, error)
}

// ChangeNotifier publishes connectivity transitions.
type ChangeNotifier interface {
	Changes() <-chan bool
}

// TriggerConfig contains sync trigger configuration.
type TriggerConfig struct {
	// PollInterval runs a pass periodically; zero disables polling.
	PollInterval time.Duration
}

// DefaultTriggerConfig returns default trigger configuration.
func DefaultTriggerConfig() TriggerConfig {
	return TriggerConfig{
		PollInterval: time.Minute,
	}
}

// Trigger starts sync passes on a poll ticker, on offline to online
// transitions, and on background sync registrations.
type Trigger struct {
	config   TriggerConfig
	notifier ChangeNotifier

	requests chan string

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewTrigger creates a sync trigger. notifier may be nil.
func NewTrigger(config TriggerConfig, notifier ChangeNotifier) *Trigger {
	return &Trigger{
		config:   config,
		notifier: notifier,
		requests: make(chan string, 1),
		stopCh:   make(chan struct{}),
	}
}

// Register requests a deferred sync pass. It never blocks: registrations
// arriving while one is already pending are merged.
func (t *Trigger) Register(tag string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return ErrTriggerStopped
	}

	select {
	case t.requests <- tag:
	default:
	}
	return nil
}

// Start launches the trigger goroutine.
func (t *Trigger) Start(ctx context.Context, syncer Syncer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started || t.stopped {
		return
	}
	t.started = true

	slog.Info("starting sync trigger", "poll_interval", t.config.PollInterval)

	t.wg.Add(1)
	go t.run(ctx, syncer)
}

// Stop halts the trigger and waits for an in-flight pass to finish.
func (t *Trigger) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	close(t.stopCh)
	t.mu.Unlock()

	t.wg.Wait()
	slog.Info("sync trigger stopped")
}

func (t *Trigger) run(ctx context.Context, syncer Syncer) {
	defer t.wg.Done()

	var tick <-chan time.Time
	if t.config.PollInterval > 0 {
		ticker := time.NewTicker(t.config.PollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var changes <-chan bool
	if t.notifier != nil {
		changes = t.notifier.Changes()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-tick:
			t.sync(ctx, syncer, "poll")
		case tag := <-t.requests:
			t.sync(ctx, syncer, tag)
		case online := <-changes:
			if online {
				t.sync(ctx, syncer, "online")
			}
		}
	}
}

func (t *Trigger) sync(ctx context.Context, syncer Syncer, reason string) {
	report, err := syncer.Sync(ctx)
	switch {
	case errors.Is(err, ErrOffline):
		slog.Debug("sync skipped, remote offline", "reason", reason)
	case err != nil:
		slog.Error("sync failed", "reason", reason, "error", err)
	case report.Coalesced:
		slog.Debug("sync coalesced into running pass", "reason", reason)
	default:
		slog.Debug("sync finished", "reason", reason, "succeeded", report.Succeeded, "retried", report.Retried)
	}
}
