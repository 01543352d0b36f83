package gemini

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// historyLine is one JSONL record of a session artifact. The shape mirrors
// what the session validator expects: a type, a message uuid, and the role.
type historyLine struct {
	Type string `json:"type"`
	UUID string `json:"uuid"`

	Message struct {
		Role string `json:"role"`
		Text string `json:"text,omitempty"`
	} `json:"message"`

	IsError   bool      `json:"is_error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// artifactPath places gemini session history under the data dir, one JSONL
// file per session.
func artifactPath(dataDir, sessionID string) string {
	return filepath.Join(dataDir, "sessions", "gemini", sessionID+".jsonl")
}

// history owns the artifact file for one running query.
type history struct {
	path string

	mu sync.Mutex
}

func newHistory(dataDir, sessionID string) (*history, error) {
	path := artifactPath(dataDir, sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &history{path: path}, nil
}

// append writes one record to the artifact.
func (h *history) append(kind, uuid, role, text string, isError bool) error {
	rec := historyLine{Type: kind, UUID: uuid, IsError: isError, Timestamp: time.Now().UTC()}
	rec.Message.Role = role
	rec.Message.Text = text

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// load reads the artifact back as records, stopping after resumeMessageID
// when set. A rewind therefore replays history only up to that message.
func loadHistory(path, resumeMessageID string) ([]historyLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []historyLine
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxHistoryLine)
	for scanner.Scan() {
		var rec historyLine
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			// Partial trailing writes are expected after a crash; stop at
			// the first bad line rather than failing the resume.
			break
		}
		records = append(records, rec)
		if resumeMessageID != "" && rec.UUID == resumeMessageID {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if resumeMessageID != "" {
		last := ""
		if len(records) > 0 {
			last = records[len(records)-1].UUID
		}
		if last != resumeMessageID {
			return nil, fmt.Errorf("resume message %s not found in %s", resumeMessageID, path)
		}
	}
	return records, nil
}

const maxHistoryLine = 8 * 1024 * 1024

// fileSnapshot captures one file's state before a mutation, tagged with the
// checkpoint the mutation belongs to.
type fileSnapshot struct {
	checkpoint string
	path       string
	data       []byte
	existed    bool
}

// snapshotLog records file states in mutation order so a checkpoint revert
// can unwind them newest first.
type snapshotLog struct {
	mu        sync.Mutex
	snapshots []fileSnapshot
}

// capture records the current state of path under the given checkpoint.
func (s *snapshotLog) capture(checkpoint, path string) {
	snap := fileSnapshot{checkpoint: checkpoint, path: path}
	if data, err := os.ReadFile(path); err == nil {
		snap.data = data
		snap.existed = true
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

// revertSince restores every snapshot taken at or after the checkpoint,
// newest first, and drops them from the log. Restoring the oldest state of
// each file last means the file ends up as it was before the checkpoint.
func (s *snapshotLog) revertSince(checkpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := -1
	for i, snap := range s.snapshots {
		if snap.checkpoint == checkpoint {
			start = i
			break
		}
	}
	if start == -1 {
		return fmt.Errorf("no file snapshots for checkpoint %s", checkpoint)
	}

	var firstErr error
	for i := len(s.snapshots) - 1; i >= start; i-- {
		snap := s.snapshots[i]
		var err error
		if snap.existed {
			err = os.WriteFile(snap.path, snap.data, 0o644)
		} else {
			err = os.Remove(snap.path)
			if os.IsNotExist(err) {
				err = nil
			}
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.snapshots = s.snapshots[:start]
	return firstErr
}
