package usage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskdeck/internal/events"
)

func resultEvent(in, out int64) events.NormalizedEvent {
	return events.NormalizedEvent{
		Type:  events.EventResult,
		Usage: &events.Usage{InputTokens: in, OutputTokens: out},
	}
}

func TestTrackResultAccumulates(t *testing.T) {
	tr := NewTracker()

	tr.TrackResult("a1", resultEvent(10, 5))

	st, ok := tr.Snapshot("a1")
	require.True(t, ok)
	assert.Equal(t, int64(15), st.TotalTokens)
	assert.Equal(t, int64(15), st.ContextUsed)
	assert.Equal(t, HealthHealthy, st.Health)
	assert.Equal(t, DefaultContextWindow, st.ContextWindow)

	tr.TrackResult("a1", resultEvent(100, 50))
	st, _ = tr.Snapshot("a1")
	assert.Equal(t, int64(165), st.TotalTokens)
}

func TestZeroUsageStillEmits(t *testing.T) {
	tr := NewTracker()
	tr.TrackResult("a1", resultEvent(10, 5))

	var got []Stats
	tr.Subscribe(func(s Stats) { got = append(got, s) })

	tr.TrackResult("a1", events.NormalizedEvent{Type: events.EventResult})

	require.Len(t, got, 1)
	assert.Equal(t, int64(15), got[0].TotalTokens, "counters unchanged")
	assert.Equal(t, int64(15), got[0].ContextUsed)
}

func TestContextHealthClassification(t *testing.T) {
	tr := NewTracker()

	// 150k of a 200k window is 75%: warning.
	tr.TrackResult("a1", resultEvent(150_000, 0))
	st, _ := tr.Snapshot("a1")
	assert.Equal(t, HealthWarning, st.Health)

	// 190k is 95%: emergency.
	tr.TrackResult("a1", resultEvent(40_000, 0))
	st, _ = tr.Snapshot("a1")
	assert.Equal(t, HealthEmergency, st.Health)
}

func TestModelWindowOverride(t *testing.T) {
	tr := NewTracker()
	tr.TrackResult("a1", events.NormalizedEvent{
		Type: events.EventResult,
		Usage: &events.Usage{
			InputTokens:   500_000,
			ContextWindow: 1_000_000,
			Model:         "gemini-2.5-pro",
		},
	})

	st, _ := tr.Snapshot("a1")
	assert.Equal(t, int64(1_000_000), st.ContextWindow)
	assert.InDelta(t, 50.0, st.ContextPercent, 0.01)
	assert.Equal(t, HealthHealthy, st.Health)

	counts := st.ByModel["gemini-2.5-pro"]
	assert.Equal(t, int64(500_000), counts.Input)
}

func TestCacheTokensCountTowardContext(t *testing.T) {
	tr := NewTracker()
	tr.TrackResult("a1", events.NormalizedEvent{
		Type: events.EventResult,
		Usage: &events.Usage{
			InputTokens:         10,
			OutputTokens:        5,
			CacheReadTokens:     100,
			CacheCreationTokens: 20,
		},
	})

	st, _ := tr.Snapshot("a1")
	assert.Equal(t, int64(135), st.ContextUsed)
	assert.Equal(t, int64(15), st.TotalTokens, "total excludes cache")
}

func TestClearDiscardsStats(t *testing.T) {
	tr := NewTracker()
	tr.TrackResult("a1", resultEvent(1, 1))
	tr.Clear("a1")

	_, ok := tr.Snapshot("a1")
	assert.False(t, ok)
}
