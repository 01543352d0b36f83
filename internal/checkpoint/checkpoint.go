// Package checkpoint tracks the restore point captured at the start of an
// attempt and reverts working-tree file changes to it when the attempt is
// cancelled or fails.
package checkpoint

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"taskdeck/internal/logging"
	"taskdeck/internal/store"
)

// QueryRef is a live handle to a running query through which files can be
// reverted to a restore point.
type QueryRef interface {
	RevertFiles(ctx context.Context, restoreUUID string) error
}

// Persister is the slice of the persistence boundary checkpoints need.
type Persister interface {
	SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error
}

type entry struct {
	restoreUUID  string
	queryRef     QueryRef
	messageCount int
}

// Manager holds at most one in-memory checkpoint entry per attempt.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	db      Persister
}

// NewManager creates a checkpoint manager backed by the given persister.
func NewManager(db Persister) *Manager {
	return &Manager{entries: make(map[string]*entry), db: db}
}

// CaptureUUID records a restore-point id for an attempt. Restore points are
// emitted before any file mutation, so only the first one per attempt is a
// true pre-mutation marker: later ids are ignored.
func (m *Manager) CaptureUUID(attemptID, restoreUUID string) {
	if restoreUUID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[attemptID]
	if !ok {
		e = &entry{}
		m.entries[attemptID] = e
	}
	e.messageCount++
	if e.restoreUUID != "" {
		return
	}
	e.restoreUUID = restoreUUID
	logging.Get(logging.CategoryCheckpoint).Infof(
		"attempt %s: captured restore point %s", attemptID, restoreUUID)
}

// SetQueryRef attaches the live query handle used for reverts.
func (m *Manager) SetQueryRef(attemptID string, ref QueryRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[attemptID]
	if !ok {
		e = &entry{}
		m.entries[attemptID] = e
	}
	e.queryRef = ref
}

// RestoreUUID returns the captured restore-point id for an attempt.
func (m *Manager) RestoreUUID(attemptID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[attemptID]; ok {
		return e.restoreUUID
	}
	return ""
}

// ClearAttempt reverts file changes to the captured restore point when both
// a uuid and a live query handle exist, then discards the in-memory record.
// Called on cancellation or abnormal termination. The revert is best-effort:
// failure is logged, never raised, because the attempt's own termination
// path must not be blocked by cleanup.
func (m *Manager) ClearAttempt(ctx context.Context, attemptID string) {
	m.mu.Lock()
	e, ok := m.entries[attemptID]
	delete(m.entries, attemptID)
	m.mu.Unlock()

	if !ok || e.restoreUUID == "" || e.queryRef == nil {
		return
	}
	if err := e.queryRef.RevertFiles(ctx, e.restoreUUID); err != nil {
		logging.Get(logging.CategoryCheckpoint).Warnf(
			"attempt %s: revert to %s failed: %v", attemptID, e.restoreUUID, err)
		return
	}
	logging.Get(logging.CategoryCheckpoint).Infof(
		"attempt %s: reverted files to %s", attemptID, e.restoreUUID)
}

// Save persists the captured restore point as a durable checkpoint record
// and discards the in-memory tracking without reverting; the attempt
// succeeded, so the working tree stays as the agent left it.
func (m *Manager) Save(ctx context.Context, taskID, attemptID, sessionID, summary string) error {
	m.mu.Lock()
	e, ok := m.entries[attemptID]
	delete(m.entries, attemptID)
	m.mu.Unlock()

	if !ok || e.restoreUUID == "" {
		return nil
	}
	return m.db.SaveCheckpoint(ctx, store.Checkpoint{
		ID:           uuid.NewString(),
		TaskID:       taskID,
		AttemptID:    attemptID,
		SessionID:    sessionID,
		RestoreUUID:  e.restoreUUID,
		MessageCount: e.messageCount,
		Summary:      summary,
	})
}
