package claudecli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ArtifactPath returns the JSONL history artifact the CLI writes for a
// session in the given working directory. The CLI derives the project
// directory name by replacing every path separator and dot in the absolute
// workdir with a dash.
func ArtifactPath(home, workdir, sessionID string) string {
	return filepath.Join(home, ".claude", "projects", mungeWorkdir(workdir), sessionID+".jsonl")
}

func mungeWorkdir(workdir string) string {
	munged := make([]byte, 0, len(workdir))
	for i := 0; i < len(workdir); i++ {
		c := workdir[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			munged = append(munged, c)
		default:
			munged = append(munged, '-')
		}
	}
	return string(munged)
}

// truncateArtifact rewrites the artifact so the line whose uuid matches
// messageID becomes the last line. The CLI itself only resumes a session at
// its latest state, so rewinding means physically dropping the tail before
// handing the session back.
func truncateArtifact(path, messageID string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var kept []string
	found := false
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxArtifactLine)
	for scanner.Scan() {
		line := scanner.Text()
		kept = append(kept, line)
		var rec struct {
			UUID string `json:"uuid"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err == nil && rec.UUID == messageID {
			found = true
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("message %s not found in %s", messageID, path)
	}

	tmp := path + ".rewind"
	if err := os.WriteFile(tmp, []byte(strings.Join(kept, "\n")+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

const maxArtifactLine = 8 * 1024 * 1024
