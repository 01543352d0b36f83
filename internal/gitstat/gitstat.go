// Package gitstat collects a best-effort snapshot of working-tree changes
// when an attempt's stream ends. Everything here degrades to zero values:
// a missing git binary or a non-repository workdir is not an error worth
// surfacing to the attempt.
package gitstat

import (
	"context"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"taskdeck/internal/events"
	"taskdeck/internal/logging"
)

const gitTimeout = 10 * time.Second

var shortstatRe = regexp.MustCompile(`(\d+) files? changed(?:, (\d+) insertions?\(\+\))?(?:, (\d+) deletions?\(-\))?`)

// Snapshot returns the diff stats for the workdir's uncommitted changes.
// Untracked files count as changed files with no line stats.
func Snapshot(ctx context.Context, workdir string) events.FileStats {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	var stats events.FileStats

	out, err := run(ctx, workdir, "diff", "--shortstat", "HEAD")
	if err != nil {
		logging.Get(logging.CategoryGit).Debugf("%s: diff --shortstat: %v", workdir, err)
		return stats
	}
	if m := shortstatRe.FindStringSubmatch(out); m != nil {
		stats.FilesChanged, _ = strconv.Atoi(m[1])
		stats.Insertions, _ = strconv.Atoi(m[2])
		stats.Deletions, _ = strconv.Atoi(m[3])
	}

	out, err = run(ctx, workdir, "status", "--porcelain")
	if err != nil {
		return stats
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "??") {
			stats.FilesChanged++
		}
	}
	return stats
}

func run(ctx context.Context, workdir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = workdir
	out, err := cmd.Output()
	return string(out), err
}
