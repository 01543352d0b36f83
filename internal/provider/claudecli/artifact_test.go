package claudecli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArtifactPathMungesWorkdir(t *testing.T) {
	got := ArtifactPath("/home/dev", "/home/dev/projects/my_app.v2", "sess-1")
	want := filepath.Join("/home/dev", ".claude", "projects",
		"-home-dev-projects-my-app-v2", "sess-1.jsonl")
	assert.Equal(t, want, got)
}

func TestTruncateArtifactDropsTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sess.jsonl")
	lines := []string{
		`{"type":"user","uuid":"u-1"}`,
		`{"type":"assistant","uuid":"a-1"}`,
		`{"type":"assistant","uuid":"a-2"}`,
		`{"type":"error","uuid":"e-1"}`,
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	require.NoError(t, truncateArtifact(path, "a-1"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	kept := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, kept, 2)
	assert.Contains(t, kept[1], "a-1")
}

func TestTruncateArtifactUnknownMessage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sess.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"uuid":"a-1"}`+"\n"), 0o644))

	err := truncateArtifact(path, "nope")
	assert.Error(t, err)

	// Original content untouched on failure.
	data, _ := os.ReadFile(path)
	assert.Contains(t, string(data), "a-1")
}
