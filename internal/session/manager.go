// Package session persists and retrieves the backend-native session handle
// for a task, validates that a stored session is resumable, and computes
// the correct resume point, including mid-conversation rewind.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"taskdeck/internal/logging"
	"taskdeck/internal/store"
)

// ArtifactLocator maps a session id to its backing history artifact path.
// Each adapter registers one for its provider id.
type ArtifactLocator func(sessionID string) string

// ResumeOptions is the computed resume point for a new attempt. An empty
// SessionID means start a fresh session.
type ResumeOptions struct {
	SessionID string
	// ResumeMessageID, when set, resumes the session at that exact
	// message instead of its latest state.
	ResumeMessageID string
}

// Fresh reports whether the options describe a fresh session.
func (o ResumeOptions) Fresh() bool { return o.SessionID == "" }

// Manager owns session continuity for tasks.
type Manager struct {
	db *store.Store

	mu       sync.RWMutex
	locators map[string]ArtifactLocator
}

// NewManager creates a session manager over the persistence boundary.
func NewManager(db *store.Store) *Manager {
	return &Manager{db: db, locators: make(map[string]ArtifactLocator)}
}

// RegisterArtifactLocator wires a provider's history artifact lookup.
func (m *Manager) RegisterArtifactLocator(provider string, loc ArtifactLocator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locators[provider] = loc
}

func (m *Manager) locate(provider, sessionID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.locators[provider]
	if !ok {
		return "", false
	}
	return loc(sessionID), true
}

// Save validates the session's backing history artifact before persisting
// the (task, provider) -> session mapping. Recording a session whose
// recovery would fail is worse than recording none.
func (m *Manager) Save(ctx context.Context, attemptID, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("empty session id for attempt %s", attemptID)
	}
	attempt, err := m.db.GetAttempt(ctx, attemptID)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	if path, ok := m.locate(attempt.Provider, sessionID); ok {
		if err := ValidateArtifact(path); err != nil {
			return fmt.Errorf("session %s not persistable: %w", sessionID, err)
		}
	}

	if err := m.db.SaveSession(ctx, attempt.TaskID, attempt.Provider, sessionID); err != nil {
		return err
	}
	if err := m.db.SetAttemptSession(ctx, attemptID, sessionID); err != nil {
		return err
	}
	logging.Session("task %s: saved session %s (provider %s)",
		attempt.TaskID, sessionID, attempt.Provider)
	return nil
}

// LastSessionID returns the most recent session id from an attempt whose
// terminal status is completed or cancelled. Failed attempts are excluded:
// a failure may leave a truncated backing artifact behind.
func (m *Manager) LastSessionID(ctx context.Context, taskID string) (string, error) {
	return m.db.LastSessionForTask(ctx, taskID,
		[]string{store.StatusCompleted, store.StatusCancelled})
}

// Options computes the resume point for a task. A pending rewind marker
// wins and is consumed so a second attempt does not rewind to the same
// point again; otherwise the last eligible session is resumed; otherwise
// the session is fresh. A session whose artifact fails validation silently
// degrades to a fresh session.
func (m *Manager) Options(ctx context.Context, taskID, provider string) (ResumeOptions, error) {
	return m.options(ctx, taskID, provider, false)
}

// OptionsAutoFix behaves like Options but additionally scans the session
// artifact tail for a run of unrecoverable upstream errors, rewinding the
// resume target to the last well-formed assistant turn instead of failing.
func (m *Manager) OptionsAutoFix(ctx context.Context, taskID, provider string) (ResumeOptions, error) {
	return m.options(ctx, taskID, provider, true)
}

func (m *Manager) options(ctx context.Context, taskID, provider string, autofix bool) (ResumeOptions, error) {
	marker, err := m.db.GetRewindMarker(ctx, taskID)
	if err == nil {
		// Consume the marker: rewind applies to exactly one attempt.
		if clearErr := m.db.ClearRewindMarker(ctx, taskID); clearErr != nil {
			return ResumeOptions{}, clearErr
		}
		logging.Session("task %s: resuming session %s at message %s (rewind)",
			taskID, marker.SessionID, marker.MessageID)
		return ResumeOptions{SessionID: marker.SessionID, ResumeMessageID: marker.MessageID}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return ResumeOptions{}, err
	}

	sessionID, err := m.LastSessionID(ctx, taskID)
	if err != nil {
		return ResumeOptions{}, err
	}
	if sessionID == "" {
		return ResumeOptions{}, nil
	}

	path, ok := m.locate(provider, sessionID)
	if !ok {
		// No locator registered: trust the stored handle.
		return ResumeOptions{SessionID: sessionID}, nil
	}

	if err := ValidateArtifact(path); err != nil {
		logging.Get(logging.CategorySession).Warnf(
			"task %s: session %s not resumable, starting fresh: %v", taskID, sessionID, err)
		return ResumeOptions{}, nil
	}

	if autofix {
		rewindTo, err := lastGoodAssistantUUID(path)
		if err != nil {
			logging.Get(logging.CategorySession).Warnf(
				"task %s: corrupted tail unrecoverable, starting fresh: %v", taskID, err)
			return ResumeOptions{}, nil
		}
		if rewindTo != "" {
			logging.Session("task %s: error tail detected, rewinding session %s to %s",
				taskID, sessionID, rewindTo)
			return ResumeOptions{SessionID: sessionID, ResumeMessageID: rewindTo}, nil
		}
	}

	return ResumeOptions{SessionID: sessionID}, nil
}

// SetRewindState pins the next resume of a task to an earlier message.
func (m *Manager) SetRewindState(ctx context.Context, taskID, sessionID, messageID string) error {
	return m.db.SetRewindMarker(ctx, store.RewindMarker{
		TaskID:    taskID,
		SessionID: sessionID,
		MessageID: messageID,
	})
}

// ClearRewindState drops a pending rewind marker.
func (m *Manager) ClearRewindState(ctx context.Context, taskID string) error {
	return m.db.ClearRewindMarker(ctx, taskID)
}
