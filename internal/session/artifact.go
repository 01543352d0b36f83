package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// maxArtifactLineBytes bounds a single history record. Claude Code session
// logs can carry large embedded tool output.
const maxArtifactLineBytes = 8 * 1024 * 1024

// historyRecord is the subset of a session history line the session manager
// inspects. Backends write one JSON object per line.
type historyRecord struct {
	Type    string `json:"type"`
	UUID    string `json:"uuid"`
	IsError bool   `json:"is_error"`
	// Claude Code marks upstream API failures on user-visible records.
	IsAPIErrorMessage bool `json:"isApiErrorMessage"`
	Message           *struct {
		Role string `json:"role"`
	} `json:"message"`
}

// ValidateArtifact checks that a session's backing history artifact exists,
// is non-empty, and that its first and last records parse as structured
// JSON. A session failing any of these is not eligible for resume.
func ValidateArtifact(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("session artifact missing: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("session artifact %s is empty", path)
	}

	lines, err := readArtifactLines(path)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return fmt.Errorf("session artifact %s has no records", path)
	}

	var probe json.RawMessage
	if err := json.Unmarshal([]byte(lines[0]), &probe); err != nil {
		return fmt.Errorf("session artifact %s: first record unparseable: %w", path, err)
	}
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &probe); err != nil {
		return fmt.Errorf("session artifact %s: last record unparseable: %w", path, err)
	}
	return nil
}

// readArtifactLines returns the non-blank lines of a history artifact.
func readArtifactLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open session artifact: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxArtifactLineBytes)

	var lines []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read session artifact: %w", err)
	}
	return lines, nil
}

// lastGoodAssistantUUID scans the artifact tail for a run of unrecoverable
// upstream errors. If the tail is clean it returns "", meaning resume from
// the end as usual. Otherwise it walks backward past the error run and
// returns the uuid of the last well-formed assistant turn, or an error when
// no such turn exists.
func lastGoodAssistantUUID(path string) (string, error) {
	lines, err := readArtifactLines(path)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", fmt.Errorf("session artifact %s has no records", path)
	}

	// Find where the trailing error run starts.
	i := len(lines) - 1
	sawError := false
	for i >= 0 {
		rec, ok := parseRecord(lines[i])
		if !ok || isErrorRecord(rec) {
			sawError = true
			i--
			continue
		}
		break
	}
	if !sawError {
		return "", nil
	}

	// Walk further back to the last assistant turn with an id.
	for ; i >= 0; i-- {
		rec, ok := parseRecord(lines[i])
		if !ok {
			continue
		}
		if rec.UUID != "" && (rec.Type == "assistant" ||
			(rec.Message != nil && rec.Message.Role == "assistant")) {
			return rec.UUID, nil
		}
	}
	return "", fmt.Errorf("session artifact %s: no recoverable assistant turn before error tail", path)
}

func parseRecord(line string) (historyRecord, bool) {
	var rec historyRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return historyRecord{}, false
	}
	return rec, true
}

func isErrorRecord(rec historyRecord) bool {
	if rec.Type == "error" || rec.IsAPIErrorMessage {
		return true
	}
	if rec.Type == "result" && rec.IsError {
		return true
	}
	return false
}
