package interceptor

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"taskdeck/internal/logging"
)

// MarkerDirName is the directory under the data dir where rewritten shell
// commands drop their background-process marker files. The watcher tails
// this directory.
const MarkerDirName = "bg"

// SetMarkerDir configures where this interceptor's rewritten commands write
// their marker files. Empty disables command rewriting.
func (i *Interceptor) SetMarkerDir(dir string) {
	i.mu.Lock()
	i.markerDir = dir
	i.mu.Unlock()
	if dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}
}

func (i *Interceptor) getMarkerDir() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.markerDir
}

// serverPatterns match commands that start long-running dev servers. Such
// a command never exits on its own, so the agent's shell tool would hang
// on it; backgrounding it with a marker keeps the stream moving and lets
// the watcher report the process.
var serverPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:^|\s)(?:npm|pnpm|yarn|bun)\s+(?:run\s+)?(?:dev|start|serve)\b`),
	regexp.MustCompile(`(?:^|\s)(?:npx\s+)?vite\b(?:\s|$)`),
	regexp.MustCompile(`(?:^|\s)next\s+dev\b`),
	regexp.MustCompile(`(?:^|\s)python3?\s+-m\s+http\.server\b`),
	regexp.MustCompile(`(?:^|\s)(?:bundle\s+exec\s+)?rails\s+s(?:erver)?\b`),
	regexp.MustCompile(`(?:^|\s)flask\s+run\b`),
	regexp.MustCompile(`(?:^|\s)php\s+-S\b`),
	regexp.MustCompile(`(?:^|\s)cargo\s+run\b.*--\s*serve\b`),
}

// RewriteShellCommand inspects a shell tool invocation. A long-running
// server command that lacks the marker-emission suffix is rewritten to
// background itself and emit a marker file with its pid and log path; all
// other commands pass through untouched.
func (i *Interceptor) RewriteShellCommand(input map[string]interface{}) Decision {
	command, _ := input["command"].(string)
	dir := i.getMarkerDir()
	if command == "" || dir == "" {
		return Decision{Behavior: BehaviorAllow}
	}
	if !IsServerCommand(command) || strings.Contains(command, dir) {
		return Decision{Behavior: BehaviorAllow}
	}

	rewritten := markerSuffix(command, dir)
	logging.Get(logging.CategoryAgent).Infof(
		"rewrote long-running server command: %q", command)

	updated := make(map[string]interface{}, len(input)+1)
	for k, v := range input {
		updated[k] = v
	}
	updated["command"] = rewritten
	return Decision{Behavior: BehaviorAllow, UpdatedInput: updated}
}

// IsServerCommand reports whether the command matches a known long-running
// server pattern.
func IsServerCommand(command string) bool {
	for _, p := range serverPatterns {
		if p.MatchString(command) {
			return true
		}
	}
	return false
}

// markerSuffix backgrounds the command, redirects its output to a log file,
// and writes a pid/log marker the watcher can correlate.
func markerSuffix(command, dir string) string {
	logFile := filepath.Join(dir, "server-$$.log")
	marker := filepath.Join(dir, "server-$$.bg")
	return fmt.Sprintf(
		`%s > %s 2>&1 & printf 'pid=%%s log=%%s\n' "$!" %q > %s`,
		command, logFile, logFile, marker)
}
