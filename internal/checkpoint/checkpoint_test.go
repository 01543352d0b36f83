package checkpoint

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdeck/internal/store"
)

type fakeQueryRef struct {
	reverted []string
	err      error
}

func (f *fakeQueryRef) RevertFiles(_ context.Context, uuid string) error {
	f.reverted = append(f.reverted, uuid)
	return f.err
}

type fakePersister struct {
	saved []store.Checkpoint
}

func (f *fakePersister) SaveCheckpoint(_ context.Context, cp store.Checkpoint) error {
	f.saved = append(f.saved, cp)
	return nil
}

func TestFirstUUIDWins(t *testing.T) {
	m := NewManager(&fakePersister{})

	m.CaptureUUID("a1", "uuid-1")
	m.CaptureUUID("a1", "uuid-2")
	m.CaptureUUID("a1", "uuid-3")

	assert.Equal(t, "uuid-1", m.RestoreUUID("a1"))
}

func TestClearRevertsWithHandle(t *testing.T) {
	m := NewManager(&fakePersister{})
	ref := &fakeQueryRef{}

	m.CaptureUUID("a1", "uuid-1")
	m.SetQueryRef("a1", ref)
	m.ClearAttempt(context.Background(), "a1")

	assert.Equal(t, []string{"uuid-1"}, ref.reverted)
	assert.Empty(t, m.RestoreUUID("a1"), "record discarded")
}

func TestClearWithoutHandleSkipsRevert(t *testing.T) {
	m := NewManager(&fakePersister{})
	m.CaptureUUID("a1", "uuid-1")

	// No query ref attached; clear must not panic and must discard.
	m.ClearAttempt(context.Background(), "a1")
	assert.Empty(t, m.RestoreUUID("a1"))
}

func TestClearRevertFailureIsSwallowed(t *testing.T) {
	m := NewManager(&fakePersister{})
	ref := &fakeQueryRef{err: errors.New("git broke")}

	m.CaptureUUID("a1", "uuid-1")
	m.SetQueryRef("a1", ref)
	m.ClearAttempt(context.Background(), "a1")

	assert.Len(t, ref.reverted, 1)
}

func TestSavePersistsAndDiscards(t *testing.T) {
	db := &fakePersister{}
	m := NewManager(db)
	ref := &fakeQueryRef{}

	m.CaptureUUID("a1", "uuid-1")
	m.CaptureUUID("a1", "uuid-2")
	m.SetQueryRef("a1", ref)

	require.NoError(t, m.Save(context.Background(), "task-1", "a1", "sess-1", "did things"))

	require.Len(t, db.saved, 1)
	cp := db.saved[0]
	assert.Equal(t, "uuid-1", cp.RestoreUUID)
	assert.Equal(t, "task-1", cp.TaskID)
	assert.Equal(t, 2, cp.MessageCount)
	assert.Empty(t, ref.reverted, "no revert on success")

	// Saving again is a no-op: in-memory state was discarded.
	require.NoError(t, m.Save(context.Background(), "task-1", "a1", "sess-1", ""))
	assert.Len(t, db.saved, 1)
}
