// Package watch tails the background-process marker directory. Rewritten
// shell commands drop a marker file with their pid and log path; the
// watcher turns each marker into a signal and removes it.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"

	"taskdeck/internal/events"
	"taskdeck/internal/logging"
)

const markerSuffix = ".bg"

// Sink receives discovered background processes. The attempt id is empty:
// a marker identifies the process, not the attempt that spawned it, so the
// sink correlates by its own means (typically the single running attempt
// per workdir).
type Sink func(events.BackgroundProcess)

// Watcher tails one marker directory.
type Watcher struct {
	dir  string
	sink Sink
}

// New creates a watcher over dir.
func New(dir string, sink Sink) *Watcher {
	return &Watcher{dir: dir, sink: sink}
}

// Run processes existing markers and then blocks, delivering signals for
// every new marker until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return err
	}

	// Markers written before the watcher started still count.
	entries, err := os.ReadDir(w.dir)
	if err == nil {
		for _, e := range entries {
			w.consume(filepath.Join(w.dir, e.Name()))
		}
	}

	log := logging.Get(logging.CategoryWatch)
	log.Infof("watching %s for background-process markers", w.dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
				w.consume(ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warnf("watch error: %v", err)
		}
	}
}

// consume parses and removes one marker file. Non-marker files and
// unparseable markers are left alone.
func (w *Watcher) consume(path string) {
	if !strings.HasSuffix(path, markerSuffix) {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	proc, ok := ParseMarker(string(data))
	if !ok {
		logging.Get(logging.CategoryWatch).Warnf("unparseable marker %s", path)
		return
	}
	_ = os.Remove(path)

	logging.Get(logging.CategoryWatch).Infof(
		"background process discovered: pid=%d log=%s", proc.PID, proc.LogFile)
	if w.sink != nil {
		w.sink(proc)
	}
}

// ParseMarker decodes the "pid=N log=PATH" line a rewritten command emits.
func ParseMarker(content string) (events.BackgroundProcess, bool) {
	var proc events.BackgroundProcess
	for _, field := range strings.Fields(strings.TrimSpace(content)) {
		switch {
		case strings.HasPrefix(field, "pid="):
			pid, err := strconv.Atoi(strings.TrimPrefix(field, "pid="))
			if err != nil {
				return proc, false
			}
			proc.PID = pid
		case strings.HasPrefix(field, "log="):
			proc.LogFile = strings.TrimPrefix(field, "log=")
		}
	}
	return proc, proc.PID > 0
}
