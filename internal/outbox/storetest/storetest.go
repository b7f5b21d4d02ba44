// Package storetest holds the behavior every outbox.Store backend must share.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/bissquit/trail-outbox/internal/domain"
	"github.com/bissquit/trail-outbox/internal/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty, opened store. The factory owns cleanup.
type Factory func(t *testing.T) outbox.Store

// NewAction builds an unsaved action with a recognizable payload.
func NewAction(n int) *domain.Action {
	return &domain.Action{
		Key:        fmt.Sprintf("00000000-0000-4000-8000-%012d", n),
		Type:       domain.ActionTypeFeedbackSubmit,
		Data:       json.RawMessage(fmt.Sprintf(`{"category":"bug","message":"m%d"}`, n)),
		Timestamp:  time.Date(2024, 5, 1, 12, 0, n, 0, time.UTC).UnixMilli(),
		Priority:   n % 3,
		MaxRetries: domain.DefaultMaxRetries,
	}
}

// Run executes the conformance suite against stores built by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("AddAssignsIncreasingIDs", func(t *testing.T) { testAddAssignsIDs(t, factory(t)) })
	t.Run("IDsNeverReused", func(t *testing.T) { testIDsNeverReused(t, factory(t)) })
	t.Run("GetAllPreservesFields", func(t *testing.T) { testGetAllPreservesFields(t, factory(t)) })
	t.Run("GetNotFound", func(t *testing.T) { testGetNotFound(t, factory(t)) })
	t.Run("PutUpdatesRetryCount", func(t *testing.T) { testPut(t, factory(t)) })
	t.Run("DeleteAndCount", func(t *testing.T) { testDeleteAndCount(t, factory(t)) })
	t.Run("ClearKeepsDeadLetters", func(t *testing.T) { testClear(t, factory(t)) })
	t.Run("BuryMovesAction", func(t *testing.T) { testBury(t, factory(t)) })
	t.Run("BuryUnknownAction", func(t *testing.T) { testBuryUnknown(t, factory(t)) })
	t.Run("DeadLettersNewestFirst", func(t *testing.T) { testDeadLettersOrder(t, factory(t)) })
}

func add(t *testing.T, s outbox.Store, n int) *domain.Action {
	t.Helper()
	a := NewAction(n)
	require.NoError(t, s.Add(context.Background(), a))
	return a
}

func testAddAssignsIDs(t *testing.T, s outbox.Store) {
	first := add(t, s, 1)
	second := add(t, s, 2)

	assert.Positive(t, first.ID)
	assert.Greater(t, second.ID, first.ID)
}

func testIDsNeverReused(t *testing.T, s outbox.Store) {
	ctx := context.Background()

	first := add(t, s, 1)
	second := add(t, s, 2)
	require.NoError(t, s.Delete(ctx, second.ID))
	require.NoError(t, s.Clear(ctx))

	third := add(t, s, 3)
	assert.Greater(t, third.ID, second.ID)
	assert.Greater(t, third.ID, first.ID)
}

func testGetAllPreservesFields(t *testing.T, s outbox.Store) {
	ctx := context.Background()

	want := map[int64]*domain.Action{}
	for i := 1; i <= 3; i++ {
		a := add(t, s, i)
		want[a.ID] = a
	}

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)

	for _, got := range all {
		expected, ok := want[got.ID]
		require.True(t, ok, "unexpected id %d", got.ID)
		assert.Equal(t, expected.Key, got.Key)
		assert.Equal(t, expected.Type, got.Type)
		assert.JSONEq(t, string(expected.Data), string(got.Data))
		assert.Equal(t, expected.Timestamp, got.Timestamp)
		assert.Equal(t, expected.Priority, got.Priority)
		assert.Equal(t, expected.RetryCount, got.RetryCount)
		assert.Equal(t, expected.MaxRetries, got.MaxRetries)
	}

	got, err := s.Get(ctx, all[0].ID)
	require.NoError(t, err)
	assert.Equal(t, want[all[0].ID].Key, got.Key)
}

func testGetNotFound(t *testing.T, s outbox.Store) {
	_, err := s.Get(context.Background(), 999)
	assert.ErrorIs(t, err, outbox.ErrActionNotFound)
}

func testPut(t *testing.T, s outbox.Store) {
	ctx := context.Background()

	a := add(t, s, 1)
	a.RetryCount = 2
	require.NoError(t, s.Put(ctx, a))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, a.Timestamp, got.Timestamp)

	missing := NewAction(9)
	missing.ID = a.ID + 100
	assert.ErrorIs(t, s.Put(ctx, missing), outbox.ErrActionNotFound)
}

func testDeleteAndCount(t *testing.T, s outbox.Store) {
	ctx := context.Background()

	a := add(t, s, 1)
	add(t, s, 2)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.Delete(ctx, a.ID))
	assert.ErrorIs(t, s.Delete(ctx, a.ID), outbox.ErrActionNotFound)

	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testClear(t *testing.T, s outbox.Store) {
	ctx := context.Background()

	buried := add(t, s, 1)
	buried.RetryCount = buried.MaxRetries
	require.NoError(t, s.Bury(ctx, buried, domain.DeadLetterRetriesExhausted, "gone"))
	add(t, s, 2)
	add(t, s, 3)

	require.NoError(t, s.Clear(ctx))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	letters, err := s.DeadLetters(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, letters, 1)
}

func testBury(t *testing.T, s outbox.Store) {
	ctx := context.Background()

	a := add(t, s, 1)
	keep := add(t, s, 2)
	a.RetryCount = a.MaxRetries

	before := time.Now().Add(-time.Second)
	require.NoError(t, s.Bury(ctx, a, domain.DeadLetterRetriesExhausted, "status 500"))

	_, err := s.Get(ctx, a.ID)
	assert.ErrorIs(t, err, outbox.ErrActionNotFound)
	_, err = s.Get(ctx, keep.ID)
	assert.NoError(t, err)

	letters, err := s.DeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)

	dl := letters[0]
	assert.Positive(t, dl.ID)
	assert.Equal(t, a.ID, dl.Action.ID)
	assert.Equal(t, a.Key, dl.Action.Key)
	assert.Equal(t, a.MaxRetries, dl.Action.RetryCount)
	assert.JSONEq(t, string(a.Data), string(dl.Action.Data))
	assert.Equal(t, domain.DeadLetterRetriesExhausted, dl.Reason)
	assert.Equal(t, "status 500", dl.LastError)
	assert.True(t, dl.FailedAt.After(before), "failed_at %v should be recent", dl.FailedAt)
}

func testBuryUnknown(t *testing.T, s outbox.Store) {
	ctx := context.Background()

	a := NewAction(1)
	a.ID = 12345
	assert.ErrorIs(t, s.Bury(ctx, a, domain.DeadLetterRetriesExhausted, ""), outbox.ErrActionNotFound)

	letters, err := s.DeadLetters(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func testDeadLettersOrder(t *testing.T, s outbox.Store) {
	ctx := context.Background()

	var ids []int64
	for i := 1; i <= 3; i++ {
		a := add(t, s, i)
		require.NoError(t, s.Bury(ctx, a, domain.DeadLetterRetriesExhausted, ""))
		ids = append(ids, a.ID)
	}

	letters, err := s.DeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, letters, 3)
	assert.Equal(t, ids[2], letters[0].Action.ID)
	assert.Equal(t, ids[0], letters[2].Action.ID)

	limited, err := s.DeadLetters(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, ids[2], limited[0].Action.ID)

	purged, err := s.PurgeDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), purged)

	letters, err = s.DeadLetters(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, letters)
}
