package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bissquit/trail-outbox/internal/domain"
	"github.com/bissquit/trail-outbox/internal/outbox"
	"github.com/bissquit/trail-outbox/internal/outbox/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) outbox.Store { return tempStore(t) })
}

func TestStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "outbox.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)

	var added []*domain.Action
	for i := 1; i <= 3; i++ {
		a := storetest.NewAction(i)
		require.NoError(t, s.Add(ctx, a))
		added = append(added, a)
	}
	added[1].RetryCount = 1
	require.NoError(t, s.Put(ctx, added[1]))
	require.NoError(t, s.Delete(ctx, added[2].ID))
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	all, err := reopened.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	for i, got := range all {
		want := added[i]
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, want.RetryCount, got.RetryCount)
		assert.JSONEq(t, string(want.Data), string(got.Data))
	}
}

func TestStore_RecordsSchemaVersion(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "outbox.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	v, err := s.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, v)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	v, err = s.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, v)
}

func TestStore_ConcurrentOpensShareHandle(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "outbox.db")
	key, err := filepath.Abs(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	stores := make([]*Store, 5)
	for i := range stores {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := Open(ctx, path)
			assert.NoError(t, err)
			stores[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range stores {
		require.NotNil(t, s)
		assert.Same(t, stores[0].db, s.db)
	}
	assert.Equal(t, 5, handles.Refs(key))

	a := storetest.NewAction(1)
	require.NoError(t, stores[0].Add(ctx, a))
	n, err := stores[4].Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for _, s := range stores {
		require.NoError(t, s.Close())
	}
	require.NoError(t, stores[0].Close(), "second close is a no-op")
	assert.Equal(t, 0, handles.Refs(key))
}

func TestStore_WithOutbox(t *testing.T) {
	ctx := context.Background()
	s := tempStore(t)

	calls := 0
	handler := outbox.HandlerFunc{ActionType: domain.ActionTypeFeedbackSubmit, Fn: func(context.Context, *domain.Action) error {
		calls++
		return nil
	}}
	ob := outbox.New(outbox.Config{}, s, outbox.NewRegistry(handler))

	_, err := ob.Enqueue(ctx, domain.ActionTypeFeedbackSubmit, json.RawMessage(`{"category":"bug","message":"x"}`), outbox.EnqueueOptions{})
	require.NoError(t, err)

	report, err := ob.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, calls)

	n, err := ob.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
