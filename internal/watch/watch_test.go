package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"taskdeck/internal/events"
)

func TestParseMarker(t *testing.T) {
	proc, ok := ParseMarker("pid=1234 log=/tmp/bg/server-99.log\n")
	require.True(t, ok)
	assert.Equal(t, 1234, proc.PID)
	assert.Equal(t, "/tmp/bg/server-99.log", proc.LogFile)

	_, ok = ParseMarker("log=/tmp/only-log")
	assert.False(t, ok)

	_, ok = ParseMarker("pid=notanumber")
	assert.False(t, ok)
}

func TestWatcherDeliversMarker(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	got := make(chan events.BackgroundProcess, 1)
	w := New(dir, func(p events.BackgroundProcess) { got <- p })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	marker := filepath.Join(dir, "server-42.bg")
	require.NoError(t, os.WriteFile(marker, []byte("pid=42 log=/tmp/x.log\n"), 0o644))

	select {
	case proc := <-got:
		assert.Equal(t, 42, proc.PID)
		assert.Equal(t, "/tmp/x.log", proc.LogFile)
	case <-time.After(5 * time.Second):
		t.Fatal("marker not delivered")
	}

	// Consumed markers are removed.
	assert.Eventually(t, func() bool {
		_, err := os.Stat(marker)
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestWatcherPicksUpPreexistingMarkers(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "server-7.bg"), []byte("pid=7 log=/tmp/pre.log\n"), 0o644))

	got := make(chan events.BackgroundProcess, 1)
	w := New(dir, func(p events.BackgroundProcess) { got <- p })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	select {
	case proc := <-got:
		assert.Equal(t, 7, proc.PID)
	case <-time.After(5 * time.Second):
		t.Fatal("preexisting marker not delivered")
	}

	cancel()
	<-done
}
