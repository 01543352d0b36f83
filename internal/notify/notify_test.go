package notify

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdeck/internal/events"
	"taskdeck/internal/usage"
)

type countingSub struct {
	mu     sync.Mutex
	events int
	exits  int
	usage  []events.UsageSignal
}

func (c *countingSub) OnEvent(string, events.NormalizedEvent) {
	c.mu.Lock()
	c.events++
	c.mu.Unlock()
}
func (c *countingSub) OnQuestion(events.QuestionSignal)                   {}
func (c *countingSub) OnBackgroundProcess(events.BackgroundProcessSignal) {}
func (c *countingSub) OnTrackedProcess(events.TrackedProcessSignal)       {}
func (c *countingSub) OnDiagnostic(events.DiagnosticSignal)               {}
func (c *countingSub) OnUsage(sig events.UsageSignal) {
	c.mu.Lock()
	c.usage = append(c.usage, sig)
	c.mu.Unlock()
}
func (c *countingSub) OnExit(events.ExitSignal) {
	c.mu.Lock()
	c.exits++
	c.mu.Unlock()
}

func (c *countingSub) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events, c.exits
}

func (c *countingSub) usageSignals() []events.UsageSignal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.UsageSignal(nil), c.usage...)
}

func TestRouterScopesByAttempt(t *testing.T) {
	r := NewRouter()
	scoped := &countingSub{}
	global := &countingSub{}
	r.Subscribe("attempt-1", scoped)
	r.SubscribeAll(global)

	r.OnEvent("attempt-1", events.NormalizedEvent{Type: events.EventAssistant})
	r.OnEvent("attempt-2", events.NormalizedEvent{Type: events.EventAssistant})

	gotEvents, _ := scoped.counts()
	assert.Equal(t, 1, gotEvents)
	gotEvents, _ = global.counts()
	assert.Equal(t, 2, gotEvents)
}

func TestRouterReleaseDropsScopedSubscribers(t *testing.T) {
	r := NewRouter()
	scoped := &countingSub{}
	r.Subscribe("attempt-1", scoped)

	r.OnExit(events.ExitSignal{AttemptID: "attempt-1", Code: 0})
	r.Release("attempt-1")
	r.OnEvent("attempt-1", events.NormalizedEvent{Type: events.EventAssistant})

	gotEvents, gotExits := scoped.counts()
	assert.Equal(t, 0, gotEvents)
	assert.Equal(t, 1, gotExits)
}

func TestRouterDeliversUsageSnapshots(t *testing.T) {
	r := NewRouter()
	scoped := &countingSub{}
	other := &countingSub{}
	r.Subscribe("attempt-1", scoped)
	r.Subscribe("attempt-2", other)

	tracker := usage.NewTracker()
	tracker.Subscribe(func(s usage.Stats) {
		r.OnUsage(events.UsageSignal{AttemptID: s.AttemptID, Snapshot: s})
	})

	tracker.TrackResult("attempt-1", events.NormalizedEvent{
		Type:  events.EventResult,
		Usage: &events.Usage{InputTokens: 100, OutputTokens: 20},
	})

	sigs := scoped.usageSignals()
	require.Len(t, sigs, 1)
	assert.Equal(t, "attempt-1", sigs[0].AttemptID)
	snap, ok := sigs[0].Snapshot.(usage.Stats)
	require.True(t, ok)
	assert.Equal(t, int64(120), snap.TotalTokens)
	assert.Empty(t, other.usageSignals())
}

func TestRouterUnsubscribe(t *testing.T) {
	r := NewRouter()
	sub := &countingSub{}
	r.SubscribeAll(sub)
	r.Subscribe("attempt-1", sub)

	r.Unsubscribe(sub)
	r.OnEvent("attempt-1", events.NormalizedEvent{})

	gotEvents, _ := sub.counts()
	assert.Equal(t, 0, gotEvents)
}
