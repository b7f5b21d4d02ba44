package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bissquit/trail-outbox/internal/actions"
	"github.com/bissquit/trail-outbox/internal/config"
	"github.com/bissquit/trail-outbox/internal/outbox"
	badgerstore "github.com/bissquit/trail-outbox/internal/outbox/badger"
	postgresstore "github.com/bissquit/trail-outbox/internal/outbox/postgres"
	"github.com/bissquit/trail-outbox/internal/outbox/sqlite"
	"github.com/bissquit/trail-outbox/internal/pkg/postgres"
	"github.com/bissquit/trail-outbox/internal/pkg/sealbox"
	"github.com/bissquit/trail-outbox/internal/remote"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Runtime is an outbox wired to its store, handlers and sync machinery.
// The daemon and the CLI build it the same way.
type Runtime struct {
	Store   outbox.Store
	Outbox  *outbox.Outbox
	Trigger *outbox.Trigger
	// Monitor is nil when connectivity probing is disabled.
	Monitor *outbox.Monitor
	// Pool is set for the postgres store.
	Pool *pgxpool.Pool
}

type pinger interface {
	Ping(ctx context.Context) error
}

// OpenStore opens the store selected by cfg.Store.Driver.
func OpenStore(ctx context.Context, cfg *config.Config) (outbox.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		return sqlite.Open(ctx, cfg.Store.Path)
	case config.DriverBadger:
		return badgerstore.Open(badgerstore.Config{
			Path:       cfg.Store.Path,
			SyncWrites: cfg.Store.SyncWrites,
			GCInterval: cfg.Store.GCInterval,
			Logger:     slog.Default().With("component", "badger"),
		})
	case config.DriverPostgres:
		connectCtx, cancel := context.WithTimeout(ctx, cfg.Database.ConnectTimeout)
		defer cancel()
		return postgresstore.Open(connectCtx, postgres.Config{
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnectAttempts: cfg.Database.ConnectAttempts,
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// BuildOutbox opens the store and assembles the outbox around it.
func BuildOutbox(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	client, err := remote.NewClient(remote.Config{
		BaseURL:   cfg.Remote.BaseURL,
		Timeout:   cfg.Remote.Timeout,
		RateLimit: cfg.Remote.RateLimit,
		UserAgent: cfg.Remote.UserAgent,
	})
	if err != nil {
		return nil, err
	}

	var opts []outbox.Option
	if cfg.Seal.Key != "" {
		box, err := sealbox.FromHex(cfg.Seal.Key)
		if err != nil {
			return nil, fmt.Errorf("seal key: %w", err)
		}
		opts = append(opts, outbox.WithSealer(box))
	}

	rt := &Runtime{}

	var notifier outbox.ChangeNotifier
	if cfg.Monitor.Enabled {
		rt.Monitor = outbox.NewMonitor(outbox.MonitorConfig{
			URL:      cfg.HealthURL(),
			Interval: cfg.Monitor.Interval,
			Timeout:  cfg.Monitor.Timeout,
		})
		notifier = rt.Monitor
		opts = append(opts, outbox.WithConnectivity(rt.Monitor))
	}

	rt.Trigger = outbox.NewTrigger(outbox.TriggerConfig{
		PollInterval: cfg.Trigger.PollInterval,
	}, notifier)
	opts = append(opts, outbox.WithRegistrar(rt.Trigger))

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	rt.Store = store
	if pg, ok := store.(*postgresstore.Store); ok {
		rt.Pool = pg.Pool()
	}

	rt.Outbox = outbox.New(outbox.Config{
		MaxRetries:     cfg.Outbox.MaxRetries,
		StoreTimeout:   cfg.Outbox.StoreTimeout,
		HandlerTimeout: cfg.Outbox.HandlerTimeout,
		PassTimeout:    cfg.Outbox.PassTimeout,
	}, store, actions.NewRegistry(client), opts...)

	slog.Info("outbox ready",
		"store", cfg.Store.Driver,
		"sealed", cfg.Seal.Key != "",
		"monitor", cfg.Monitor.Enabled,
	)

	return rt, nil
}

// Ping checks that the store is reachable.
func (r *Runtime) Ping(ctx context.Context) error {
	p, ok := r.Store.(pinger)
	if !ok {
		return nil
	}
	return p.Ping(ctx)
}

// Close stops the trigger and closes the store.
func (r *Runtime) Close() error {
	r.Trigger.Stop()
	if err := r.Store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}
