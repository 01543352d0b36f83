package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdeck/internal/events"
)

// fakeAdapter satisfies Adapter for registry tests.
type fakeAdapter struct {
	id     string
	avail  error
	models []Model
}

func (f *fakeAdapter) ID() string                 { return f.id }
func (f *fakeAdapter) Capabilities() Capabilities { return Capabilities{Streaming: true} }
func (f *fakeAdapter) Available() error           { return f.avail }
func (f *fakeAdapter) Models(context.Context) ([]Model, error) {
	return f.models, nil
}
func (f *fakeAdapter) Query(context.Context, QueryParams) (<-chan events.NormalizedEvent, error) {
	ch := make(chan events.NormalizedEvent)
	close(ch)
	return ch, nil
}
func (f *fakeAdapter) Cancel(string)        {}
func (f *fakeAdapter) CancelAll()           {}
func (f *fakeAdapter) SessionID(string) string { return "" }
func (f *fakeAdapter) IsRunning(string) bool   { return false }
func (f *fakeAdapter) AnswerQuestion(string, map[string]string) bool { return false }
func (f *fakeAdapter) CancelQuestion(string) bool                    { return false }
func (f *fakeAdapter) HasPendingQuestion(string) bool                { return false }

func TestResolvePriorityChain(t *testing.T) {
	r := NewRegistry("default-p")
	r.Register(&fakeAdapter{id: "default-p"})
	r.Register(&fakeAdapter{id: "task-p"})
	r.Register(&fakeAdapter{id: "project-p"})

	// Unregistered override falls through to the task setting.
	a := r.Resolve("unregistered", "task-p", "project-p")
	require.NotNil(t, a)
	assert.Equal(t, "task-p", a.ID())

	// Unavailable task setting falls through to the project setting.
	r.Register(&fakeAdapter{id: "task-p", avail: errors.New("binary missing")})
	a = r.Resolve("unregistered", "task-p", "project-p")
	assert.Equal(t, "project-p", a.ID())

	// Everything rejected: default wins.
	a = r.Resolve("nope", "also-nope", "")
	assert.Equal(t, "default-p", a.ID())
}

func TestResolveOverrideWins(t *testing.T) {
	r := NewRegistry("default-p")
	r.Register(&fakeAdapter{id: "default-p"})
	r.Register(&fakeAdapter{id: "override-p"})

	a := r.Resolve("override-p", "task-p", "")
	assert.Equal(t, "override-p", a.ID())
}

func TestListWithInfo(t *testing.T) {
	r := NewRegistry("p1")
	r.Register(&fakeAdapter{id: "p1", models: []Model{{ID: "m1", Default: true}}})
	r.Register(&fakeAdapter{id: "p2", avail: errors.New("no credentials")})

	infos := r.ListWithInfo(context.Background())
	require.Len(t, infos, 2)

	byID := map[string]Info{}
	for _, info := range infos {
		byID[info.ID] = info
	}

	assert.True(t, byID["p1"].Available)
	assert.True(t, byID["p1"].Default)
	require.Len(t, byID["p1"].Models, 1)

	assert.False(t, byID["p2"].Available)
	assert.Contains(t, byID["p2"].Error, "no credentials")
}
