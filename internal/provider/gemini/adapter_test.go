package gemini

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdeck/internal/interceptor"
	"taskdeck/internal/provider"
	"taskdeck/internal/session"
)

func TestPrepareReplaysHistoryWithRoles(t *testing.T) {
	dir := t.TempDir()
	a := NewAdapter(Options{APIKey: "test", DataDir: dir}, interceptor.New(nil))

	hist, err := newHistory(dir, "sess-1")
	require.NoError(t, err)
	require.NoError(t, hist.append("user", "u-1", "user", "first question", false))
	require.NoError(t, hist.append("assistant", "a-1", "assistant", "first answer", false))

	q := &query{snapshots: &snapshotLog{}}
	contents, err := a.prepare(provider.QueryParams{
		AttemptID: "att-1",
		Prompt:    "follow up",
		Resume:    session.ResumeOptions{SessionID: "sess-1"},
	}, q)
	require.NoError(t, err)

	require.Len(t, contents, 3)
	assert.Equal(t, "user", string(contents[0].Role))
	assert.Equal(t, "model", string(contents[1].Role))
	assert.Equal(t, "user", string(contents[2].Role))
	assert.Equal(t, "first answer", contents[1].Parts[0].Text)
	assert.Equal(t, "sess-1", q.session())
}

func TestPrepareFreshSessionStartsWithPromptOnly(t *testing.T) {
	a := NewAdapter(Options{APIKey: "test", DataDir: t.TempDir()}, interceptor.New(nil))

	q := &query{snapshots: &snapshotLog{}}
	contents, err := a.prepare(provider.QueryParams{
		AttemptID: "att-1",
		Prompt:    "hello",
	}, q)
	require.NoError(t, err)

	require.Len(t, contents, 1)
	assert.Equal(t, "user", string(contents[0].Role))
	assert.NotEmpty(t, q.session())
}

func TestCloseWithoutClient(t *testing.T) {
	a := NewAdapter(Options{APIKey: "test", DataDir: t.TempDir()}, interceptor.New(nil))
	require.NoError(t, a.Close())
}
