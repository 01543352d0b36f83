package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "taskdeck.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAttemptLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAttempt(ctx, Attempt{
		ID: "att-1", TaskID: "task-1", Provider: "gemini", Status: StatusRunning,
	}))
	require.NoError(t, s.SetAttemptSession(ctx, "att-1", "sess-1"))
	require.NoError(t, s.UpdateAttemptStatus(ctx, "att-1", StatusCompleted))

	a, err := s.GetAttempt(ctx, "att-1")
	require.NoError(t, err)
	assert.Equal(t, "task-1", a.TaskID)
	assert.Equal(t, "gemini", a.Provider)
	assert.Equal(t, StatusCompleted, a.Status)
	assert.Equal(t, "sess-1", a.SessionID)

	_, err = s.GetAttempt(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLastSessionForTaskFiltersByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAttempt(ctx, Attempt{
		ID: "att-1", TaskID: "task-1", Provider: "p", Status: StatusCompleted,
	}))
	require.NoError(t, s.SetAttemptSession(ctx, "att-1", "sess-old"))
	require.NoError(t, s.UpsertAttempt(ctx, Attempt{
		ID: "att-2", TaskID: "task-1", Provider: "p", Status: StatusFailed,
	}))
	require.NoError(t, s.SetAttemptSession(ctx, "att-2", "sess-failed"))

	got, err := s.LastSessionForTask(ctx, "task-1", []string{StatusCompleted, StatusCancelled})
	require.NoError(t, err)
	assert.Equal(t, "sess-old", got)
}

func TestSessionMappingUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSession(ctx, "task-1", "gemini", "sess-1"))
	require.NoError(t, s.SaveSession(ctx, "task-1", "gemini", "sess-2"))

	got, err := s.GetSession(ctx, "task-1", "gemini")
	require.NoError(t, err)
	assert.Equal(t, "sess-2", got)

	require.NoError(t, s.DeleteTaskSessions(ctx, "task-1"))
	got, err = s.GetSession(ctx, "task-1", "gemini")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCheckpoint(ctx, Checkpoint{
		ID: "cp-1", TaskID: "task-1", AttemptID: "att-1",
		SessionID: "sess-1", RestoreUUID: "uuid-1", MessageCount: 4, Summary: "did things",
	}))

	cps, err := s.ListCheckpoints(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, "uuid-1", cps[0].RestoreUUID)
	assert.Equal(t, 4, cps[0].MessageCount)
	assert.False(t, cps[0].CreatedAt.IsZero())
}

func TestRewindMarkerConsumedExplicitly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetRewindMarker(ctx, "task-1")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.SetRewindMarker(ctx, RewindMarker{
		TaskID: "task-1", SessionID: "sess-1", MessageID: "msg-5",
	}))
	m, err := s.GetRewindMarker(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "msg-5", m.MessageID)

	require.NoError(t, s.ClearRewindMarker(ctx, "task-1"))
	_, err = s.GetRewindMarker(ctx, "task-1")
	assert.True(t, errors.Is(err, ErrNotFound))
}
