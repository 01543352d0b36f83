// Package store implements the persistence boundary on SQLite.
// Attempts, sessions, checkpoints and rewind markers are read and written
// through simple key-addressed upsert/query operations; writes are durable
// before the corresponding in-memory record is discarded.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"taskdeck/internal/logging"
)

// Attempt statuses. An attempt is "running" only for its in-flight
// lifetime inside one process; every terminal state is durable.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ErrNotFound is returned by point lookups that matched no row.
var ErrNotFound = errors.New("store: not found")

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Attempt is one execution of a prompt against a task.
type Attempt struct {
	ID        string
	TaskID    string
	Provider  string
	Status    string
	SessionID string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Checkpoint is a persisted restore-point record for a successful attempt.
type Checkpoint struct {
	ID           string
	TaskID       string
	AttemptID    string
	SessionID    string
	RestoreUUID  string
	MessageCount int
	Summary      string
	CreatedAt    time.Time
}

// RewindMarker pins the next resume of a task to an earlier message.
type RewindMarker struct {
	TaskID    string
	SessionID string
	MessageID string
}

// Open initializes the SQLite database at the given path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.Get(logging.CategoryStore).Debugf("set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.Get(logging.CategoryStore).Debugf("set journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.Get(logging.CategoryStore).Debugf("set synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("store ready at %s", path)
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_task ON attempts(task_id, created_at);

	CREATE TABLE IF NOT EXISTS sessions (
		task_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		session_id TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (task_id, provider)
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		attempt_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		restore_uuid TEXT NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		summary TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_task ON checkpoints(task_id, created_at);

	CREATE TABLE IF NOT EXISTS rewind_markers (
		task_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertAttempt inserts or replaces an attempt row.
func (s *Store) UpsertAttempt(ctx context.Context, a Attempt) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (id, task_id, provider, status, session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			provider = excluded.provider,
			session_id = excluded.session_id,
			updated_at = excluded.updated_at`,
		a.ID, a.TaskID, a.Provider, a.Status, a.SessionID, a.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("upsert attempt %s: %w", a.ID, err)
	}
	return nil
}

// UpdateAttemptStatus sets the terminal (or running) status of an attempt.
func (s *Store) UpdateAttemptStatus(ctx context.Context, attemptID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), attemptID)
	if err != nil {
		return fmt.Errorf("update attempt %s status: %w", attemptID, err)
	}
	return nil
}

// SetAttemptSession records the backend session id observed for an attempt.
func (s *Store) SetAttemptSession(ctx context.Context, attemptID, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET session_id = ?, updated_at = ? WHERE id = ?`,
		sessionID, time.Now().UTC(), attemptID)
	if err != nil {
		return fmt.Errorf("set attempt %s session: %w", attemptID, err)
	}
	return nil
}

// GetAttempt looks up a single attempt.
func (s *Store) GetAttempt(ctx context.Context, attemptID string) (Attempt, error) {
	var a Attempt
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, provider, status, session_id, created_at, updated_at
		FROM attempts WHERE id = ?`, attemptID).
		Scan(&a.ID, &a.TaskID, &a.Provider, &a.Status, &a.SessionID, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Attempt{}, ErrNotFound
	}
	if err != nil {
		return Attempt{}, fmt.Errorf("get attempt %s: %w", attemptID, err)
	}
	return a, nil
}

// LastSessionForTask returns the most recent non-empty session id among the
// task's attempts with one of the given statuses, ordered by creation time.
func (s *Store) LastSessionForTask(ctx context.Context, taskID string, statuses []string) (string, error) {
	if len(statuses) == 0 {
		return "", nil
	}
	query := `SELECT session_id FROM attempts
		WHERE task_id = ? AND session_id != '' AND status IN (?` +
		repeatPlaceholder(len(statuses)-1) + `)
		ORDER BY created_at DESC LIMIT 1`
	args := make([]interface{}, 0, len(statuses)+1)
	args = append(args, taskID)
	for _, st := range statuses {
		args = append(args, st)
	}

	var sessionID string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last session for task %s: %w", taskID, err)
	}
	return sessionID, nil
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

// SaveSession upserts the (task, provider) -> session handle mapping.
func (s *Store) SaveSession(ctx context.Context, taskID, provider, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (task_id, provider, session_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id, provider) DO UPDATE SET
			session_id = excluded.session_id,
			updated_at = excluded.updated_at`,
		taskID, provider, sessionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save session for task %s: %w", taskID, err)
	}
	return nil
}

// GetSession returns the stored session handle for a task/provider pair, or
// empty when none exists.
func (s *Store) GetSession(ctx context.Context, taskID, provider string) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM sessions WHERE task_id = ? AND provider = ?`,
		taskID, provider).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session for task %s: %w", taskID, err)
	}
	return sessionID, nil
}

// DeleteTaskSessions removes the session mappings for a task. Only explicit
// task deletion goes through here.
func (s *Store) DeleteTaskSessions(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete sessions for task %s: %w", taskID, err)
	}
	return nil
}

// SaveCheckpoint persists a checkpoint record.
func (s *Store) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, task_id, attempt_id, session_id, restore_uuid, message_count, summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.TaskID, cp.AttemptID, cp.SessionID, cp.RestoreUUID,
		cp.MessageCount, cp.Summary, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint for attempt %s: %w", cp.AttemptID, err)
	}
	return nil
}

// ListCheckpoints returns a task's checkpoints ordered oldest first.
func (s *Store) ListCheckpoints(ctx context.Context, taskID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, attempt_id, session_id, restore_uuid, message_count, summary, created_at
		FROM checkpoints WHERE task_id = ? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.ID, &cp.TaskID, &cp.AttemptID, &cp.SessionID,
			&cp.RestoreUUID, &cp.MessageCount, &cp.Summary, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// SetRewindMarker records the rewind target for a task, replacing any
// previous marker.
func (s *Store) SetRewindMarker(ctx context.Context, m RewindMarker) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rewind_markers (task_id, session_id, message_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			session_id = excluded.session_id,
			message_id = excluded.message_id,
			created_at = excluded.created_at`,
		m.TaskID, m.SessionID, m.MessageID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set rewind marker for task %s: %w", m.TaskID, err)
	}
	return nil
}

// GetRewindMarker returns the rewind marker for a task, or ErrNotFound.
func (s *Store) GetRewindMarker(ctx context.Context, taskID string) (RewindMarker, error) {
	var m RewindMarker
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id, session_id, message_id FROM rewind_markers WHERE task_id = ?`,
		taskID).Scan(&m.TaskID, &m.SessionID, &m.MessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return RewindMarker{}, ErrNotFound
	}
	if err != nil {
		return RewindMarker{}, fmt.Errorf("get rewind marker for task %s: %w", taskID, err)
	}
	return m, nil
}

// ClearRewindMarker removes a task's rewind marker.
func (s *Store) ClearRewindMarker(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rewind_markers WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("clear rewind marker for task %s: %w", taskID, err)
	}
	return nil
}
