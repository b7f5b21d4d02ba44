// Package sqlite implements outbox.Store on an embedded SQLite database.
//
// The database lives in a single file. Every Open of the same path shares one
// connection pool; the pool is closed when the last Store is closed.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bissquit/trail-outbox/internal/domain"
	"github.com/bissquit/trail-outbox/internal/outbox"
	"github.com/bissquit/trail-outbox/internal/pkg/refcount"

	_ "modernc.org/sqlite"
)

// SchemaVersion is recorded in PRAGMA user_version.
const SchemaVersion = 1

const schema = `
	CREATE TABLE IF NOT EXISTS pending_actions (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		idempotency_key TEXT    NOT NULL,
		type            TEXT    NOT NULL,
		data            BLOB    NOT NULL,
		created_at      INTEGER NOT NULL,
		priority        INTEGER NOT NULL DEFAULT 0,
		retry_count     INTEGER NOT NULL DEFAULT 0,
		max_retries     INTEGER NOT NULL,
		CHECK (retry_count < max_retries)
	);
	CREATE INDEX IF NOT EXISTS idx_pending_actions_created_at ON pending_actions(created_at);
	CREATE INDEX IF NOT EXISTS idx_pending_actions_type ON pending_actions(type);
	CREATE INDEX IF NOT EXISTS idx_pending_actions_priority ON pending_actions(priority);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		action_id       INTEGER NOT NULL,
		idempotency_key TEXT    NOT NULL,
		type            TEXT    NOT NULL,
		data            BLOB    NOT NULL,
		created_at      INTEGER NOT NULL,
		priority        INTEGER NOT NULL,
		retry_count     INTEGER NOT NULL,
		max_retries     INTEGER NOT NULL,
		reason          TEXT    NOT NULL,
		last_error      TEXT    NOT NULL DEFAULT '',
		failed_at       INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_failed_at ON dead_letters(failed_at);
`

const actionColumns = `id, idempotency_key, type, data, created_at, priority, retry_count, max_retries`

var handles = refcount.New[*sql.DB]()

// Store is a SQLite-backed outbox.Store.
type Store struct {
	db   *sql.DB
	key  string
	once sync.Once
}

// Open opens or creates the database at path. It is safe to call repeatedly
// and concurrently for the same path.
func Open(ctx context.Context, path string) (*Store, error) {
	key, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: resolve path %s: %w", path, err)
	}

	db, err := handles.Acquire(key, func() (*sql.DB, error) {
		return openDB(ctx, key)
	})
	if err != nil {
		return nil, err
	}

	return &Store{db: db, key: key}, nil
}

func openDB(ctx context.Context, path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("sqlite: create directory %s: %w", dir, err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("sqlite: read schema version: %w", err)
	}
	if version > SchemaVersion {
		return fmt.Errorf("sqlite: schema version %d is newer than supported %d", version, SchemaVersion)
	}
	if version == SchemaVersion {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: migration failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, SchemaVersion)); err != nil {
		return fmt.Errorf("sqlite: record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit migration: %w", err)
	}
	return nil
}

// Version returns the schema version recorded in the database.
func (s *Store) Version(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Add inserts a new action and assigns its ID.
func (s *Store) Add(ctx context.Context, action *domain.Action) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_actions (idempotency_key, type, data, created_at, priority, retry_count, max_retries)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		action.Key, string(action.Type), blob(action.Data), action.Timestamp,
		action.Priority, action.RetryCount, action.MaxRetries,
	)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get action id: %w", err)
	}
	action.ID = id
	return nil
}

// GetAll returns every pending action.
func (s *Store) GetAll(ctx context.Context) ([]*domain.Action, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+actionColumns+` FROM pending_actions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	var actions []*domain.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}
	return actions, nil
}

// Count returns the number of pending actions.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_actions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count actions: %w", err)
	}
	return n, nil
}

// Get returns one pending action.
func (s *Store) Get(ctx context.Context, id int64) (*domain.Action, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM pending_actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, outbox.ErrActionNotFound
	}
	return a, err
}

// Put stores the retry count and payload of an existing action.
func (s *Store) Put(ctx context.Context, action *domain.Action) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE pending_actions SET retry_count = ?, data = ? WHERE id = ?`,
		action.RetryCount, blob(action.Data), action.ID,
	)
	if err != nil {
		return fmt.Errorf("update action: %w", err)
	}
	return requireAffected(result)
}

// Delete removes one pending action.
func (s *Store) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM pending_actions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete action: %w", err)
	}
	return requireAffected(result)
}

// Clear removes every pending action. AUTOINCREMENT keeps IDs from being reused.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_actions`); err != nil {
		return fmt.Errorf("clear actions: %w", err)
	}
	return nil
}

// Bury moves the action to dead_letters in one transaction.
func (s *Store) Bury(ctx context.Context, action *domain.Action, reason domain.DeadLetterReason, lastErr string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM pending_actions WHERE id = ?`, action.ID)
	if err != nil {
		return fmt.Errorf("delete action: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dead_letters (action_id, idempotency_key, type, data, created_at, priority, retry_count, max_retries, reason, last_error, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		action.ID, action.Key, string(action.Type), blob(action.Data), action.Timestamp,
		action.Priority, action.RetryCount, action.MaxRetries,
		string(reason), lastErr, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// DeadLetters returns archived actions, newest first.
func (s *Store) DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action_id, idempotency_key, type, data, created_at, priority, retry_count, max_retries, reason, last_error, failed_at
		FROM dead_letters
		ORDER BY failed_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var letters []domain.DeadLetter
	for rows.Next() {
		var (
			dl       domain.DeadLetter
			typ      string
			reason   string
			data     []byte
			failedAt int64
		)
		if err := rows.Scan(
			&dl.ID, &dl.Action.ID, &dl.Action.Key, &typ, &data, &dl.Action.Timestamp,
			&dl.Action.Priority, &dl.Action.RetryCount, &dl.Action.MaxRetries,
			&reason, &dl.LastError, &failedAt,
		); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.Action.Type = domain.ActionType(typ)
		dl.Action.Data = payload(data)
		dl.Reason = domain.DeadLetterReason(reason)
		dl.FailedAt = time.UnixMilli(failedAt)
		letters = append(letters, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return letters, nil
}

// PurgeDeadLetters removes every dead letter.
func (s *Store) PurgeDeadLetters(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters`)
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	return result.RowsAffected()
}

// Close releases this store's reference to the shared database.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		err = handles.Release(s.key)
	})
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAction(row scanner) (*domain.Action, error) {
	var (
		a    domain.Action
		typ  string
		data []byte
	)
	if err := row.Scan(&a.ID, &a.Key, &typ, &data, &a.Timestamp, &a.Priority, &a.RetryCount, &a.MaxRetries); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan action: %w", err)
	}
	a.Type = domain.ActionType(typ)
	a.Data = payload(data)
	return &a, nil
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get affected rows: %w", err)
	}
	if n == 0 {
		return outbox.ErrActionNotFound
	}
	return nil
}

func blob(data []byte) []byte {
	if data == nil {
		return []byte{}
	}
	return data
}

func payload(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	return data
}
