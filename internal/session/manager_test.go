package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdeck/internal/store"
)

func newTestEnv(t *testing.T) (*Manager, *store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "taskdeck.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m := NewManager(db)
	artifacts := filepath.Join(dir, "artifacts")
	require.NoError(t, os.MkdirAll(artifacts, 0o755))
	m.RegisterArtifactLocator("test", func(sessionID string) string {
		return filepath.Join(artifacts, sessionID+".jsonl")
	})
	return m, db, artifacts
}

func writeArtifact(t *testing.T, dir, sessionID string, lines ...string) {
	t.Helper()
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, sessionID+".jsonl"), []byte(content), 0o644))
}

func seedAttempt(t *testing.T, db *store.Store, id, taskID, status string) {
	t.Helper()
	require.NoError(t, db.UpsertAttempt(context.Background(), store.Attempt{
		ID: id, TaskID: taskID, Provider: "test", Status: status,
	}))
}

func validLines(n int) []string {
	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		lines = append(lines,
			fmt.Sprintf(`{"type":"assistant","uuid":"msg-%d","message":{"role":"assistant"}}`, i))
	}
	return lines
}

func TestSaveThenOptionsRoundTrip(t *testing.T) {
	m, db, artifacts := newTestEnv(t)
	ctx := context.Background()

	seedAttempt(t, db, "a1", "task-1", store.StatusRunning)
	writeArtifact(t, artifacts, "sess-1", validLines(3)...)

	require.NoError(t, m.Save(ctx, "a1", "sess-1"))
	require.NoError(t, db.UpdateAttemptStatus(ctx, "a1", store.StatusCompleted))

	opts, err := m.Options(ctx, "task-1", "test")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", opts.SessionID)
	assert.Empty(t, opts.ResumeMessageID)
}

func TestSaveRejectsEmptyArtifact(t *testing.T) {
	m, db, artifacts := newTestEnv(t)
	ctx := context.Background()

	seedAttempt(t, db, "a1", "task-1", store.StatusRunning)
	require.NoError(t, os.WriteFile(
		filepath.Join(artifacts, "sess-1.jsonl"), nil, 0o644))

	err := m.Save(ctx, "a1", "sess-1")
	require.Error(t, err)

	// No mapping was written.
	sessionID, err := db.GetSession(ctx, "task-1", "test")
	require.NoError(t, err)
	assert.Empty(t, sessionID)
}

func TestSaveRejectsMissingArtifact(t *testing.T) {
	m, db, _ := newTestEnv(t)
	seedAttempt(t, db, "a1", "task-1", store.StatusRunning)
	assert.Error(t, m.Save(context.Background(), "a1", "sess-ghost"))
}

func TestLastSessionIDSkipsFailedAttempts(t *testing.T) {
	m, db, _ := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertAttempt(ctx, store.Attempt{
		ID: "a1", TaskID: "task-1", Provider: "test",
		Status: store.StatusCompleted, SessionID: "sess-old",
	}))
	require.NoError(t, db.UpsertAttempt(ctx, store.Attempt{
		ID: "a2", TaskID: "task-1", Provider: "test",
		Status: store.StatusFailed, SessionID: "sess-broken",
	}))

	got, err := m.LastSessionID(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-old", got, "failed attempt must never win, even when newest")
}

func TestOptionsDegradesToFreshOnInvalidArtifact(t *testing.T) {
	m, db, artifacts := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertAttempt(ctx, store.Attempt{
		ID: "a1", TaskID: "task-1", Provider: "test",
		Status: store.StatusCompleted, SessionID: "sess-1",
	}))
	// Zero-byte artifact: resume must silently degrade.
	require.NoError(t, os.WriteFile(
		filepath.Join(artifacts, "sess-1.jsonl"), nil, 0o644))

	opts, err := m.Options(ctx, "task-1", "test")
	require.NoError(t, err)
	assert.True(t, opts.Fresh())
}

func TestRewindMarkerConsumedOnce(t *testing.T) {
	m, db, artifacts := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertAttempt(ctx, store.Attempt{
		ID: "a1", TaskID: "task-1", Provider: "test",
		Status: store.StatusCompleted, SessionID: "sess-1",
	}))
	writeArtifact(t, artifacts, "sess-1", validLines(2)...)
	require.NoError(t, m.SetRewindState(ctx, "task-1", "sess-1", "msg-0"))

	opts, err := m.Options(ctx, "task-1", "test")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", opts.SessionID)
	assert.Equal(t, "msg-0", opts.ResumeMessageID)

	// Second call: the marker is gone, plain resume.
	opts, err = m.Options(ctx, "task-1", "test")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", opts.SessionID)
	assert.Empty(t, opts.ResumeMessageID)
}

func TestOptionsAutoFixRewindsPastErrorTail(t *testing.T) {
	m, db, artifacts := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertAttempt(ctx, store.Attempt{
		ID: "a1", TaskID: "task-1", Provider: "test",
		Status: store.StatusCancelled, SessionID: "sess-1",
	}))
	writeArtifact(t, artifacts, "sess-1",
		`{"type":"user","uuid":"u-1"}`,
		`{"type":"assistant","uuid":"a-good","message":{"role":"assistant"}}`,
		`{"type":"error","uuid":"e-1"}`,
		`{"type":"user","uuid":"u-2","isApiErrorMessage":true}`,
		`{"type":"result","uuid":"r-1","is_error":true}`,
	)

	opts, err := m.OptionsAutoFix(ctx, "task-1", "test")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", opts.SessionID)
	assert.Equal(t, "a-good", opts.ResumeMessageID)
}

func TestOptionsAutoFixCleanTailResumesNormally(t *testing.T) {
	m, db, artifacts := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertAttempt(ctx, store.Attempt{
		ID: "a1", TaskID: "task-1", Provider: "test",
		Status: store.StatusCompleted, SessionID: "sess-1",
	}))
	writeArtifact(t, artifacts, "sess-1", validLines(4)...)

	opts, err := m.OptionsAutoFix(ctx, "task-1", "test")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", opts.SessionID)
	assert.Empty(t, opts.ResumeMessageID)
}

func TestValidateArtifactUnparseableTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.jsonl")
	require.NoError(t, os.WriteFile(path,
		[]byte("{\"type\":\"user\"}\nnot json at all\n"), 0o644))
	assert.Error(t, ValidateArtifact(path))
}
