package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/trail-outbox/internal/domain"
	"github.com/google/uuid"
)

// BackgroundSyncTag is the registration tag used after an enqueue.
const BackgroundSyncTag = "sync-offline-actions"

// Config contains outbox configuration.
type Config struct {
	MaxRetries     int
	StoreTimeout   time.Duration
	HandlerTimeout time.Duration
	PassTimeout    time.Duration
}

// DefaultConfig returns default outbox configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     domain.DefaultMaxRetries,
		StoreTimeout:   5 * time.Second,
		HandlerTimeout: 30 * time.Second,
		PassTimeout:    5 * time.Minute,
	}
}

// Registrar accepts background sync registrations.
type Registrar interface {
	Register(tag string) error
}

// Sealer protects payloads at rest.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// EnqueueOptions tunes a single enqueued action.
type EnqueueOptions struct {
	Priority   int
	MaxRetries int
}

// Report summarizes a sync run.
type Report struct {
	Passes    int `json:"passes"`
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Retried   int `json:"retried"`
	Dropped   int `json:"dropped"`
	Skipped   int `json:"skipped"`
	Deferred  int `json:"deferred"`
	// Coalesced is set when the call joined a pass already in flight.
	Coalesced bool `json:"coalesced"`
}

func (r *Report) add(o Report) {
	r.Passes += o.Passes
	r.Processed += o.Processed
	r.Succeeded += o.Succeeded
	r.Retried += o.Retried
	r.Dropped += o.Dropped
	r.Skipped += o.Skipped
	r.Deferred += o.Deferred
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithConnectivity sets the connectivity source. Defaults to AlwaysOnline.
func WithConnectivity(c Connectivity) Option {
	return func(o *Outbox) { o.conn = c }
}

// WithRegistrar sets the background sync registrar.
func WithRegistrar(r Registrar) Option {
	return func(o *Outbox) { o.registrar = r }
}

// WithSealer enables payload sealing at rest.
func WithSealer(s Sealer) Option {
	return func(o *Outbox) { o.sealer = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Outbox) { o.now = now }
}

// Outbox captures actions while offline and replays them once the remote is reachable.
type Outbox struct {
	config    Config
	store     Store
	registry  *Registry
	conn      Connectivity
	registrar Registrar
	sealer    Sealer
	now       func() time.Time

	mu      sync.Mutex
	running bool
	rerun   bool
}

// New creates an outbox on top of an opened store.
func New(config Config, store Store, registry *Registry, opts ...Option) *Outbox {
	defaults := DefaultConfig()
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = defaults.StoreTimeout
	}
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = defaults.HandlerTimeout
	}
	if config.PassTimeout <= 0 {
		config.PassTimeout = defaults.PassTimeout
	}

	o := &Outbox{
		config:   config,
		store:    store,
		registry: registry,
		conn:     AlwaysOnline,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Registry returns the handler registry.
func (o *Outbox) Registry() *Registry {
	return o.registry
}

// Online reports the current connectivity state.
func (o *Outbox) Online(ctx context.Context) bool {
	return o.conn.Online(ctx)
}

// Enqueue persists a new action. payload may be json.RawMessage, []byte with
// JSON content, or any value encodable as JSON.
func (o *Outbox) Enqueue(ctx context.Context, actionType domain.ActionType, payload any, opts EnqueueOptions) (*domain.Action, error) {
	if actionType == "" {
		return nil, ErrActionTypeRequired
	}

	data, err := encodePayload(payload)
	if err != nil {
		recordEnqueued(string(actionType), "invalid")
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = o.config.MaxRetries
	}

	action := &domain.Action{
		Key:        uuid.NewString(),
		Type:       actionType,
		Data:       data,
		Timestamp:  o.now().UnixMilli(),
		Priority:   opts.Priority,
		MaxRetries: maxRetries,
	}

	stored := action.Clone()
	if o.sealer != nil {
		sealed, err := o.sealer.Seal(stored.Data)
		if err != nil {
			recordEnqueued(string(actionType), "failed")
			return nil, storeError("seal", err)
		}
		stored.Data = sealed
	}

	storeCtx, cancel := context.WithTimeout(ctx, o.config.StoreTimeout)
	defer cancel()

	if err := o.store.Add(storeCtx, stored); err != nil {
		recordEnqueued(string(actionType), "failed")
		slog.Error("failed to enqueue action", "type", actionType, "error", err)
		return nil, storeError("add", err)
	}
	action.ID = stored.ID

	recordEnqueued(string(actionType), "success")
	slog.Info("action enqueued", "id", action.ID, "type", action.Type, "priority", action.Priority)

	if o.registrar != nil && o.conn.Online(ctx) {
		if err := o.registrar.Register(BackgroundSyncTag); err != nil {
			slog.Warn("failed to register background sync", "tag", BackgroundSyncTag, "error", err)
		}
	}

	return action, nil
}

// ListPending returns all actions awaiting replay, in replay order.
func (o *Outbox) ListPending(ctx context.Context) ([]*domain.Action, error) {
	actions, err := o.getAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range actions {
		if err := o.open(a); err != nil {
			slog.Warn("failed to open sealed payload", "id", a.ID, "error", err)
			a.Data = nil
		}
	}
	return actions, nil
}

// Count returns the number of pending actions.
func (o *Outbox) Count(ctx context.Context) (int, error) {
	storeCtx, cancel := context.WithTimeout(ctx, o.config.StoreTimeout)
	defer cancel()

	n, err := o.store.Count(storeCtx)
	if err != nil {
		return 0, storeError("count", err)
	}
	return n, nil
}

// Clear discards all pending actions.
func (o *Outbox) Clear(ctx context.Context) error {
	storeCtx, cancel := context.WithTimeout(ctx, o.config.StoreTimeout)
	defer cancel()

	if err := o.store.Clear(storeCtx); err != nil {
		return storeError("clear", err)
	}
	slog.Info("outbox cleared")
	return nil
}

// Remove discards one pending action.
func (o *Outbox) Remove(ctx context.Context, id int64) error {
	storeCtx, cancel := context.WithTimeout(ctx, o.config.StoreTimeout)
	defer cancel()

	if err := o.store.Delete(storeCtx, id); err != nil {
		return storeError("delete", err)
	}
	slog.Info("action removed", "id", id)
	return nil
}

// DeadLetters returns dropped actions, newest first.
func (o *Outbox) DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	storeCtx, cancel := context.WithTimeout(ctx, o.config.StoreTimeout)
	defer cancel()

	letters, err := o.store.DeadLetters(storeCtx, limit)
	if err != nil {
		return nil, storeError("dead letters", err)
	}
	for i := range letters {
		if err := o.open(&letters[i].Action); err != nil {
			letters[i].Action.Data = nil
		}
	}
	return letters, nil
}

// PurgeDeadLetters removes all dead letters.
func (o *Outbox) PurgeDeadLetters(ctx context.Context) (int64, error) {
	storeCtx, cancel := context.WithTimeout(ctx, o.config.StoreTimeout)
	defer cancel()

	n, err := o.store.PurgeDeadLetters(storeCtx)
	if err != nil {
		return 0, storeError("purge dead letters", err)
	}
	return n, nil
}

// Sync replays pending actions. Only one pass runs at a time; a call that
// arrives while a pass is in flight schedules one follow-up pass and returns
// immediately with Coalesced set.
func (o *Outbox) Sync(ctx context.Context) (Report, error) {
	if !o.conn.Online(ctx) {
		recordSyncPass("offline")
		return Report{}, ErrOffline
	}

	o.mu.Lock()
	if o.running {
		o.rerun = true
		o.mu.Unlock()
		return Report{Coalesced: true}, nil
	}
	o.running = true
	o.mu.Unlock()

	var total Report
	for {
		report, err := o.pass(ctx)
		total.add(report)

		o.mu.Lock()
		again := o.rerun && err == nil
		o.rerun = false
		if !again {
			o.running = false
		}
		o.mu.Unlock()

		if !again {
			return total, err
		}
		if !o.conn.Online(ctx) {
			o.mu.Lock()
			o.running = false
			o.mu.Unlock()
			return total, nil
		}
	}
}

func (o *Outbox) pass(ctx context.Context) (Report, error) {
	report := Report{Passes: 1}

	passCtx, cancel := context.WithTimeout(ctx, o.config.PassTimeout)
	defer cancel()

	actions, err := o.getAll(passCtx)
	if err != nil {
		recordSyncPass("store_error")
		return report, err
	}

	slog.Info("sync pass started", "pending", len(actions))

	for i, action := range actions {
		if passCtx.Err() != nil {
			report.Deferred += len(actions) - i
			break
		}
		if err := o.replay(ctx, passCtx, action, &report); err != nil {
			recordSyncPass("store_error")
			return report, err
		}
	}

	if err := ctx.Err(); err != nil {
		recordSyncPass("cancelled")
		return report, err
	}
	if report.Deferred > 0 {
		slog.Warn("sync pass budget exhausted", "deferred", report.Deferred, "budget", o.config.PassTimeout)
	}

	recordSyncPass("completed")
	if n, err := o.Count(ctx); err == nil {
		RecordPending(n)
	} else {
		slog.Warn("failed to refresh pending gauge", "error", err)
	}

	slog.Info("sync pass finished",
		"processed", report.Processed,
		"succeeded", report.Succeeded,
		"retried", report.Retried,
		"dropped", report.Dropped,
		"skipped", report.Skipped,
	)
	return report, nil
}

// replay dispatches one action under passCtx and does the retry bookkeeping
// under ctx. An attempt cut short by cancellation of ctx or by the pass budget
// is not charged to the action: it stays as it was and is counted as deferred.
// Only store failures are returned.
func (o *Outbox) replay(ctx, passCtx context.Context, stored *domain.Action, report *Report) error {
	handler, ok := o.registry.Lookup(stored.Type)
	if !ok {
		slog.Warn("no handler for action type, leaving in place",
			"id", stored.ID,
			"type", stored.Type,
		)
		report.Skipped++
		recordReplay(string(stored.Type), "unknown_type")
		return nil
	}

	report.Processed++
	start := time.Now()

	replayErr := o.invoke(passCtx, handler, stored)
	recordReplayDuration(string(stored.Type), time.Since(start))

	if replayErr == nil {
		// The remote accepted the action, so the delete must land even if the
		// caller has gone away.
		if err := o.storeCall(context.WithoutCancel(ctx), "delete", func(c context.Context) error {
			return o.store.Delete(c, stored.ID)
		}); err != nil && !errors.Is(err, ErrActionNotFound) {
			return err
		}
		report.Succeeded++
		recordReplay(string(stored.Type), "success")
		slog.Debug("action replayed", "id", stored.ID, "type", stored.Type)
		return nil
	}

	if errors.Is(replayErr, errReplayInterrupted) {
		report.Deferred++
		recordReplay(string(stored.Type), "interrupted")
		slog.Info("action replay interrupted, left for next pass",
			"id", stored.ID,
			"type", stored.Type,
			"error", replayErr,
		)
		return nil
	}

	updated := stored.Clone()
	updated.RetryCount++

	if updated.Exhausted() {
		slog.Warn("action dropped after max retries",
			"id", stored.ID,
			"type", stored.Type,
			"attempts", updated.RetryCount,
			"error", replayErr,
		)
		if err := o.storeCall(ctx, "bury", func(c context.Context) error {
			return o.store.Bury(c, updated, domain.DeadLetterRetriesExhausted, replayErr.Error())
		}); err != nil && !errors.Is(err, ErrActionNotFound) {
			return err
		}
		report.Dropped++
		recordReplay(string(stored.Type), "dropped")
		return nil
	}

	slog.Info("action replay failed, will retry",
		"id", stored.ID,
		"type", stored.Type,
		"attempt", updated.RetryCount,
		"max_retries", updated.MaxRetries,
		"error", replayErr,
	)
	if err := o.storeCall(ctx, "put", func(c context.Context) error {
		return o.store.Put(c, updated)
	}); err != nil && !errors.Is(err, ErrActionNotFound) {
		return err
	}
	report.Retried++
	recordReplay(string(stored.Type), "retry")
	return nil
}

// invoke runs the handler on an opened copy of the action, converting
// panics and timeouts into HandlerError. A failure observed after ctx itself
// ended is reported as errReplayInterrupted instead; only the handler's own
// deadline counts as a timeout.
func (o *Outbox) invoke(ctx context.Context, handler Handler, stored *domain.Action) (err error) {
	action := stored.Clone()
	if openErr := o.open(action); openErr != nil {
		return &HandlerError{ActionID: stored.ID, Type: stored.Type, Err: openErr}
	}

	hctx, cancel := context.WithTimeout(ctx, o.config.HandlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{ActionID: stored.ID, Type: stored.Type, Err: fmt.Errorf("handler panic: %v", r)}
		}
	}()

	if herr := handler.Handle(hctx, action); herr != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", errReplayInterrupted, herr)
		}
		return &HandlerError{ActionID: stored.ID, Type: stored.Type, Err: herr}
	}
	return nil
}

func (o *Outbox) getAll(ctx context.Context) ([]*domain.Action, error) {
	var actions []*domain.Action
	err := o.storeCall(ctx, "get all", func(c context.Context) error {
		var err error
		actions, err = o.store.GetAll(c)
		return err
	})
	if err != nil {
		return nil, err
	}
	sortForReplay(actions)
	return actions, nil
}

func (o *Outbox) storeCall(ctx context.Context, op string, fn func(context.Context) error) error {
	storeCtx, cancel := context.WithTimeout(ctx, o.config.StoreTimeout)
	defer cancel()
	return storeError(op, fn(storeCtx))
}

func (o *Outbox) open(action *domain.Action) error {
	if o.sealer == nil || action.Data == nil {
		return nil
	}
	plain, err := o.sealer.Open(action.Data)
	if err != nil {
		return fmt.Errorf("open payload: %w", err)
	}
	action.Data = plain
	return nil
}

// sortForReplay orders by creation time, then higher priority, then ID.
func sortForReplay(actions []*domain.Action) {
	sort.SliceStable(actions, func(i, j int) bool {
		a, b := actions[i], actions[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	default:
		return json.Marshal(p)
	}
}
