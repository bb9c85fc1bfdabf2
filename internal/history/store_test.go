package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRecordAndGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ask := &Ask{
		WorkspaceKey: "daytona+svelte",
		Question:     "how do stores work?",
		Answer:       "Stores are reactive containers.",
		Status:       StatusCompleted,
		SessionID:    "ses_1",
		DurationMS:   1234,
	}
	require.NoError(t, store.Record(ctx, ask))
	assert.NotEmpty(t, ask.ID, "Record should assign an ID")
	assert.False(t, ask.CreatedAt.IsZero(), "Record should assign a timestamp")

	got, err := store.Get(ctx, ask.ID)
	require.NoError(t, err)
	assert.Equal(t, ask.WorkspaceKey, got.WorkspaceKey)
	assert.Equal(t, ask.Question, got.Question)
	assert.Equal(t, ask.Answer, got.Answer)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestGetUnknownID(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound), "expected ErrNotFound, got %v", err)
}

func TestListNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Record(ctx, &Ask{
			WorkspaceKey: "svelte",
			Question:     "q",
			Status:       StatusCompleted,
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
			Answer:       "a",
		}))
	}

	asks, err := store.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, asks, 3)
	assert.True(t, asks[0].CreatedAt.After(asks[2].CreatedAt), "newest ask should come first")
}

func TestListLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Record(ctx, &Ask{
			WorkspaceKey: "svelte",
			Question:     "q",
			Status:       StatusFailed,
			Error:        "agent error",
		}))
	}

	asks, err := store.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, asks, 2)
}

func TestListByWorkspace(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, &Ask{WorkspaceKey: "svelte", Question: "q1", Status: StatusCompleted}))
	require.NoError(t, store.Record(ctx, &Ask{WorkspaceKey: "daytona+svelte", Question: "q2", Status: StatusCompleted}))

	asks, err := store.ListByWorkspace(ctx, "svelte", 10)
	require.NoError(t, err)
	require.Len(t, asks, 1)
	assert.Equal(t, "q1", asks[0].Question)
}
