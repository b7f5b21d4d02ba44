// Package badger implements outbox.Store on an embedded BadgerDB key/value store.
//
// Layout:
//
//	meta:schema        schema version (decimal)
//	action:<id BE64>   pending action record (JSON)
//	dead:<id BE64>     dead letter record (JSON)
//
// IDs come from persistent Badger sequences and are never reused.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/bissquit/trail-outbox/internal/domain"
	"github.com/bissquit/trail-outbox/internal/outbox"
	"github.com/bissquit/trail-outbox/internal/pkg/refcount"
	"github.com/dgraph-io/badger/v4"
)

// SchemaVersion is stored under the meta:schema key.
const SchemaVersion = 1

var (
	schemaKey    = []byte("meta:schema")
	actionPrefix = []byte("action:")
	deadPrefix   = []byte("dead:")
	actionSeqKey = []byte("seq:action")
	deadSeqKey   = []byte("seq:dead")
)

const seqBandwidth = 64

// Config holds configuration for a Badger store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string
	// InMemory keeps everything in RAM. Useful for tests.
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// GCInterval runs value log GC periodically; zero disables it.
	GCInterval time.Duration
	// Logger receives Badger's internal logs; nil silences them.
	Logger *slog.Logger
}

// DefaultConfig returns durable defaults for the given directory.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
		GCInterval: 10 * time.Minute,
	}
}

// InMemoryConfig returns configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// handle is the shared state behind every Store opened on one directory.
type handle struct {
	db        *badger.DB
	actionSeq *badger.Sequence
	deadSeq   *badger.Sequence
	stopGC    chan struct{}
	gcDone    chan struct{}
}

func (h *handle) Close() error {
	if h.stopGC != nil {
		close(h.stopGC)
		<-h.gcDone
	}
	return errors.Join(h.actionSeq.Release(), h.deadSeq.Release(), h.db.Close())
}

var handles = refcount.New[*handle]()

// Store is a Badger-backed outbox.Store.
type Store struct {
	h    *handle
	key  string
	once sync.Once
}

// Open opens or creates a store. Opens of the same directory share one database.
func Open(cfg Config) (*Store, error) {
	if cfg.InMemory {
		h, err := openHandle(cfg)
		if err != nil {
			return nil, err
		}
		return &Store{h: h}, nil
	}

	if cfg.Path == "" {
		return nil, errors.New("badger: path is required for persistent store")
	}
	key, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("badger: resolve path %s: %w", cfg.Path, err)
	}
	cfg.Path = key

	h, err := handles.Acquire(key, func() (*handle, error) { return openHandle(cfg) })
	if err != nil {
		return nil, err
	}
	return &Store{h: h, key: key}, nil
}

func openHandle(cfg Config) (*handle, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
			return nil, fmt.Errorf("badger: create directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open database: %w", err)
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	actionSeq, err := db.GetSequence(actionSeqKey, seqBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("badger: action sequence: %w", err)
	}
	deadSeq, err := db.GetSequence(deadSeqKey, seqBandwidth)
	if err != nil {
		_ = actionSeq.Release()
		_ = db.Close()
		return nil, fmt.Errorf("badger: dead letter sequence: %w", err)
	}

	h := &handle{db: db, actionSeq: actionSeq, deadSeq: deadSeq}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		h.stopGC = make(chan struct{})
		h.gcDone = make(chan struct{})
		go h.runGC(cfg.GCInterval)
	}
	return h, nil
}

func (h *handle) runGC(interval time.Duration) {
	defer close(h.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopGC:
			return
		case <-ticker.C:
			if err := h.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				slog.Warn("badger value log gc failed", "error", err)
			}
		}
	}
}

func migrate(db *badger.DB) error {
	return db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(schemaKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return txn.Set(schemaKey, []byte(strconv.Itoa(SchemaVersion)))
		}
		if err != nil {
			return fmt.Errorf("badger: read schema version: %w", err)
		}

		raw, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("badger: read schema version: %w", err)
		}
		version, err := strconv.Atoi(string(raw))
		if err != nil {
			return fmt.Errorf("badger: corrupt schema version %q", raw)
		}
		if version > SchemaVersion {
			return fmt.Errorf("badger: schema version %d is newer than supported %d", version, SchemaVersion)
		}
		return nil
	})
}

// Version returns the schema version recorded in the database.
func (s *Store) Version() (int, error) {
	var version int
	err := s.h.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(schemaKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			version, err = strconv.Atoi(string(val))
			return err
		})
	})
	return version, err
}

// Ping reports whether the database is open.
func (s *Store) Ping(context.Context) error {
	if s.h.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return nil
}

type record struct {
	Key        string `json:"key"`
	Type       string `json:"type"`
	Data       []byte `json:"data"`
	Timestamp  int64  `json:"timestamp"`
	Priority   int    `json:"priority"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
}

type deadRecord struct {
	ActionID  int64  `json:"action_id"`
	Action    record `json:"action"`
	Reason    string `json:"reason"`
	LastError string `json:"last_error"`
	FailedAt  int64  `json:"failed_at"`
}

func newRecord(a *domain.Action) record {
	return record{
		Key:        a.Key,
		Type:       string(a.Type),
		Data:       a.Data,
		Timestamp:  a.Timestamp,
		Priority:   a.Priority,
		RetryCount: a.RetryCount,
		MaxRetries: a.MaxRetries,
	}
}

func (r record) action(id int64) *domain.Action {
	a := &domain.Action{
		ID:         id,
		Key:        r.Key,
		Type:       domain.ActionType(r.Type),
		Timestamp:  r.Timestamp,
		Priority:   r.Priority,
		RetryCount: r.RetryCount,
		MaxRetries: r.MaxRetries,
	}
	if len(r.Data) > 0 {
		a.Data = r.Data
	}
	return a
}

// run executes fn unless ctx is already done and stops waiting for it once ctx
// ends. A write abandoned this way may still commit.
func run(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// update runs fn in a read-write transaction bounded by ctx. The transaction
// is discarded instead of committed when ctx ends while fn runs.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	return run(ctx, func() error {
		return s.h.db.Update(func(txn *badger.Txn) error {
			if err := fn(txn); err != nil {
				return err
			}
			return ctx.Err()
		})
	})
}

// view runs fn in a read-only transaction bounded by ctx.
func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	return run(ctx, func() error { return s.h.db.View(fn) })
}

func idKey(prefix []byte, id int64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], uint64(id))
	return k
}

func keyID(prefix, key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[len(prefix):]))
}

func nextID(seq *badger.Sequence) (int64, error) {
	n, err := seq.Next()
	if err != nil {
		return 0, err
	}
	return int64(n) + 1, nil
}

// Add stores a new action and assigns its ID.
func (s *Store) Add(ctx context.Context, action *domain.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	id, err := nextID(s.h.actionSeq)
	if err != nil {
		return fmt.Errorf("next action id: %w", err)
	}

	value, err := json.Marshal(newRecord(action))
	if err != nil {
		return fmt.Errorf("encode action: %w", err)
	}

	if err := s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(idKey(actionPrefix, id), value)
	}); err != nil {
		return fmt.Errorf("insert action: %w", err)
	}

	action.ID = id
	return nil
}

// GetAll returns every pending action in ID order.
func (s *Store) GetAll(ctx context.Context) ([]*domain.Action, error) {
	var actions []*domain.Action
	err := s.view(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: actionPrefix})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var r record
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &r) }); err != nil {
				return fmt.Errorf("decode action: %w", err)
			}
			actions = append(actions, r.action(keyID(actionPrefix, item.Key())))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return actions, nil
}

// Count returns the number of pending actions.
func (s *Store) Count(ctx context.Context) (int, error) {
	return s.countPrefix(ctx, actionPrefix)
}

func (s *Store) countPrefix(ctx context.Context, prefix []byte) (int, error) {
	n := 0
	err := s.view(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// Get returns one pending action.
func (s *Store) Get(ctx context.Context, id int64) (*domain.Action, error) {
	var action *domain.Action
	err := s.view(ctx, func(txn *badger.Txn) error {
		r, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		action = r.action(id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return action, nil
}

func getRecord(txn *badger.Txn, id int64) (record, error) {
	var r record
	item, err := txn.Get(idKey(actionPrefix, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return r, outbox.ErrActionNotFound
	}
	if err != nil {
		return r, fmt.Errorf("get action: %w", err)
	}
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &r) }); err != nil {
		return r, fmt.Errorf("decode action: %w", err)
	}
	return r, nil
}

// Put stores the retry count and payload of an existing action.
func (s *Store) Put(ctx context.Context, action *domain.Action) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		r, err := getRecord(txn, action.ID)
		if err != nil {
			return err
		}
		r.RetryCount = action.RetryCount
		r.Data = action.Data

		value, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode action: %w", err)
		}
		return txn.Set(idKey(actionPrefix, action.ID), value)
	})
}

// Delete removes one pending action.
func (s *Store) Delete(ctx context.Context, id int64) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		key := idKey(actionPrefix, id)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return outbox.ErrActionNotFound
			}
			return fmt.Errorf("get action: %w", err)
		}
		return txn.Delete(key)
	})
}

// Clear removes every pending action. Sequences are untouched, so IDs are not reused.
func (s *Store) Clear(ctx context.Context) error {
	if err := run(ctx, func() error { return s.h.db.DropPrefix(actionPrefix) }); err != nil {
		return fmt.Errorf("clear actions: %w", err)
	}
	return nil
}

// Bury deletes the action and writes its dead letter in one transaction.
func (s *Store) Bury(ctx context.Context, action *domain.Action, reason domain.DeadLetterReason, lastErr string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		key := idKey(actionPrefix, action.ID)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return outbox.ErrActionNotFound
			}
			return fmt.Errorf("get action: %w", err)
		}

		deadID, err := nextID(s.h.deadSeq)
		if err != nil {
			return fmt.Errorf("next dead letter id: %w", err)
		}

		value, err := json.Marshal(deadRecord{
			ActionID:  action.ID,
			Action:    newRecord(action),
			Reason:    string(reason),
			LastError: lastErr,
			FailedAt:  time.Now().UnixMilli(),
		})
		if err != nil {
			return fmt.Errorf("encode dead letter: %w", err)
		}

		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Set(idKey(deadPrefix, deadID), value)
	})
}

// DeadLetters returns archived actions, newest first.
func (s *Store) DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	var letters []domain.DeadLetter
	err := s.view(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Reverse: true, Prefix: deadPrefix})
		defer it.Close()

		for it.Seek(idKey(deadPrefix, -1)); it.Valid(); it.Next() {
			if limit > 0 && len(letters) == limit {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			var r deadRecord
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &r) }); err != nil {
				return fmt.Errorf("decode dead letter: %w", err)
			}
			letters = append(letters, domain.DeadLetter{
				ID:        keyID(deadPrefix, item.Key()),
				Action:    *r.Action.action(r.ActionID),
				Reason:    domain.DeadLetterReason(r.Reason),
				LastError: r.LastError,
				FailedAt:  time.UnixMilli(r.FailedAt),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return letters, nil
}

// PurgeDeadLetters removes every dead letter.
func (s *Store) PurgeDeadLetters(ctx context.Context) (int64, error) {
	n, err := s.countPrefix(ctx, deadPrefix)
	if err != nil {
		return 0, err
	}
	if err := run(ctx, func() error { return s.h.db.DropPrefix(deadPrefix) }); err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	return int64(n), nil
}

// Close releases this store's reference to the shared database.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		if s.key == "" {
			err = s.h.Close()
			return
		}
		err = handles.Release(s.key)
	})
	return err
}
