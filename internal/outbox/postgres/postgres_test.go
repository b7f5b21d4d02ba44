//go:build integration

package postgres

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/bissquit/trail-outbox/internal/outbox"
	"github.com/bissquit/trail-outbox/internal/outbox/storetest"
	pgutil "github.com/bissquit/trail-outbox/internal/pkg/postgres"
	"github.com/bissquit/trail-outbox/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testConfig pgutil.Config

func TestMain(m *testing.M) {
	ctx := context.Background()

	pgContainer, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}

	testConfig = pgutil.Config{
		URL:             pgContainer.ConnectionString,
		MaxOpenConns:    5,
		MaxIdleConns:    1,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectAttempts: 3,
	}

	code := m.Run()

	if err := pgContainer.Terminate(ctx); err != nil {
		log.Printf("terminate postgres: %v", err)
	}
	os.Exit(code)
}

func openClean(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	s, err := Open(ctx, testConfig)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Pool().Exec(ctx, `TRUNCATE pending_actions, dead_letters`)
	require.NoError(t, err)
	return s
}

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) outbox.Store { return openClean(t) })
}

func TestMigrate_Idempotent(t *testing.T) {
	require.NoError(t, Migrate(testConfig.URL))
	require.NoError(t, Migrate(testConfig.URL))
}

func TestStore_RetryCeilingEnforced(t *testing.T) {
	ctx := context.Background()
	s := openClean(t)

	a := storetest.NewAction(1)
	require.NoError(t, s.Add(ctx, a))

	a.RetryCount = a.MaxRetries
	assert.Error(t, s.Put(ctx, a))
}

func TestStore_OpensSharePool(t *testing.T) {
	ctx := context.Background()

	a, err := Open(ctx, testConfig)
	require.NoError(t, err)
	b, err := Open(ctx, testConfig)
	require.NoError(t, err)

	assert.Same(t, a.Pool(), b.Pool())
	require.NoError(t, a.Close())
	require.NoError(t, b.Ping(ctx))
	require.NoError(t, b.Close())
}
