// Package postgres implements outbox.Store on PostgreSQL for deployments that
// share one queue between several daemons.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/trail-outbox/internal/domain"
	"github.com/bissquit/trail-outbox/internal/outbox"
	pgutil "github.com/bissquit/trail-outbox/internal/pkg/postgres"
	"github.com/bissquit/trail-outbox/internal/pkg/refcount"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrations embed.FS

const actionColumns = `id, idempotency_key, type, data, created_at, priority, retry_count, max_retries`

type poolHandle struct {
	*pgxpool.Pool
}

func (p poolHandle) Close() error {
	p.Pool.Close()
	return nil
}

var pools = refcount.New[poolHandle]()

// Store implements outbox.Store using PostgreSQL.
type Store struct {
	db     *pgxpool.Pool
	key    string
	shared bool
	once   sync.Once
}

// New creates a store on an existing pool. The caller owns the pool.
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Open connects, applies migrations and returns a store. Opens with the same
// URL share one pool, closed when the last store is closed.
func Open(ctx context.Context, cfg pgutil.Config) (*Store, error) {
	h, err := pools.Acquire(cfg.URL, func() (poolHandle, error) {
		if err := Migrate(cfg.URL); err != nil {
			return poolHandle{}, err
		}
		pool, err := pgutil.Connect(ctx, cfg)
		if err != nil {
			return poolHandle{}, err
		}
		return poolHandle{pool}, nil
	})
	if err != nil {
		return nil, err
	}

	return &Store{db: h.Pool, key: cfg.URL, shared: true}, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(url string) error {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}
		return fmt.Errorf("run migrations: %w", err)
	}

	version, _, err := m.Version()
	if err == nil {
		slog.Info("outbox schema migrated", "version", version)
	}
	return nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.db
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Add inserts a new action and assigns its ID.
func (s *Store) Add(ctx context.Context, action *domain.Action) error {
	query := `
		INSERT INTO pending_actions (idempotency_key, type, data, created_at, priority, retry_count, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	err := s.db.QueryRow(ctx, query,
		action.Key,
		string(action.Type),
		blob(action.Data),
		action.Timestamp,
		action.Priority,
		action.RetryCount,
		action.MaxRetries,
	).Scan(&action.ID)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

// GetAll returns every pending action.
func (s *Store) GetAll(ctx context.Context) ([]*domain.Action, error) {
	rows, err := s.db.Query(ctx, `SELECT `+actionColumns+` FROM pending_actions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	actions := make([]*domain.Action, 0)
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
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM pending_actions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count actions: %w", err)
	}
	return n, nil
}

// Get returns one pending action.
func (s *Store) Get(ctx context.Context, id int64) (*domain.Action, error) {
	row := s.db.QueryRow(ctx, `SELECT `+actionColumns+` FROM pending_actions WHERE id = $1`, id)
	a, err := scanAction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, outbox.ErrActionNotFound
		}
		return nil, err
	}
	return a, nil
}

// Put stores the retry count and payload of an existing action.
func (s *Store) Put(ctx context.Context, action *domain.Action) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE pending_actions SET retry_count = $2, data = $3 WHERE id = $1`,
		action.ID, action.RetryCount, blob(action.Data),
	)
	if err != nil {
		return fmt.Errorf("update action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return outbox.ErrActionNotFound
	}
	return nil
}

// Delete removes one pending action.
func (s *Store) Delete(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM pending_actions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return outbox.ErrActionNotFound
	}
	return nil
}

// Clear removes every pending action. The id sequence is not reset.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM pending_actions`); err != nil {
		return fmt.Errorf("clear actions: %w", err)
	}
	return nil
}

// Bury moves the action to dead_letters in one transaction.
func (s *Store) Bury(ctx context.Context, action *domain.Action, reason domain.DeadLetterReason, lastErr string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM pending_actions WHERE id = $1`, action.ID)
	if err != nil {
		return fmt.Errorf("delete action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return outbox.ErrActionNotFound
	}

	query := `
		INSERT INTO dead_letters (action_id, idempotency_key, type, data, created_at, priority, retry_count, max_retries, reason, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = tx.Exec(ctx, query,
		action.ID,
		action.Key,
		string(action.Type),
		blob(action.Data),
		action.Timestamp,
		action.Priority,
		action.RetryCount,
		action.MaxRetries,
		string(reason),
		lastErr,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// DeadLetters returns archived actions, newest first.
func (s *Store) DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	query := `
		SELECT id, action_id, idempotency_key, type, data, created_at, priority, retry_count, max_retries, reason, last_error, failed_at
		FROM dead_letters
		ORDER BY failed_at DESC, id DESC
		LIMIT $1
	`
	rows, err := s.db.Query(ctx, query, limitArg)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	letters := make([]domain.DeadLetter, 0)
	for rows.Next() {
		var (
			dl       domain.DeadLetter
			typ      string
			reason   string
			data     []byte
			failedAt time.Time
		)
		err := rows.Scan(
			&dl.ID,
			&dl.Action.ID,
			&dl.Action.Key,
			&typ,
			&data,
			&dl.Action.Timestamp,
			&dl.Action.Priority,
			&dl.Action.RetryCount,
			&dl.Action.MaxRetries,
			&reason,
			&dl.LastError,
			&failedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.Action.Type = domain.ActionType(typ)
		dl.Action.Data = payload(data)
		dl.Reason = domain.DeadLetterReason(reason)
		dl.FailedAt = failedAt
		letters = append(letters, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return letters, nil
}

// PurgeDeadLetters removes every dead letter.
func (s *Store) PurgeDeadLetters(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM dead_letters`)
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close releases the shared pool opened by Open. Stores built with New leave
// the pool to the caller.
func (s *Store) Close() error {
	if !s.shared {
		return nil
	}
	var err error
	s.once.Do(func() {
		err = pools.Release(s.key)
	})
	return err
}

func scanAction(row pgx.Row) (*domain.Action, error) {
	var (
		a    domain.Action
		typ  string
		data []byte
	)
	err := row.Scan(&a.ID, &a.Key, &typ, &data, &a.Timestamp, &a.Priority, &a.RetryCount, &a.MaxRetries)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan action: %w", err)
	}
	a.Type = domain.ActionType(typ)
	a.Data = payload(data)
	return &a, nil
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
