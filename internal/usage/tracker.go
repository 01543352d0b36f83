// Package usage aggregates token and cost counters per attempt and derives
// a context-window health classification from the occupancy ratio.
package usage

import (
	"sync"
	"time"

	"taskdeck/internal/events"
	"taskdeck/internal/logging"
)

// Listener receives the full cumulative snapshot on every update, never a
// delta.
type Listener func(snapshot Stats)

// Tracker maintains additive per-attempt counters. Stats are created lazily
// on the first usage-bearing event and discarded when the caller clears the
// attempt; nothing here is durable beyond what the caller snapshots.
type Tracker struct {
	mu        sync.Mutex
	stats     map[string]*Stats
	listeners []Listener
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{stats: make(map[string]*Stats)}
}

// Subscribe registers a listener for snapshot updates. Listeners are
// invoked synchronously in registration order.
func (t *Tracker) Subscribe(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// TrackResult folds a result event's usage into the attempt's counters and
// emits the updated snapshot. A result with no usage fields leaves every
// counter unchanged but still emits the prior snapshot, so listeners can
// treat the signal as a heartbeat.
func (t *Tracker) TrackResult(attemptID string, ev events.NormalizedEvent) {
	t.mu.Lock()

	st, ok := t.stats[attemptID]
	if !ok {
		st = &Stats{
			AttemptID:     attemptID,
			StartedAt:     time.Now(),
			ContextWindow: DefaultContextWindow,
			ByModel:       make(map[string]TokenCounts),
		}
		t.stats[attemptID] = st
	}

	if u := ev.Usage; u != nil {
		st.InputTokens += u.InputTokens
		st.OutputTokens += u.OutputTokens
		st.CacheCreationTokens += u.CacheCreationTokens
		st.CacheReadTokens += u.CacheReadTokens
		st.CostUSD += u.CostUSD

		if u.Model != "" {
			counts := st.ByModel[u.Model]
			counts.Add(u.InputTokens, u.OutputTokens, u.CostUSD)
			st.ByModel[u.Model] = counts
		}
		// A model-reported window overrides the default for the rest of
		// this attempt. The override does not outlive the attempt.
		if u.ContextWindow > 0 {
			st.ContextWindow = u.ContextWindow
		}
	}
	if ev.NumTurns > 0 {
		st.Turns = ev.NumTurns
	} else if ev.Usage != nil {
		st.Turns++
	}

	st.TotalTokens = st.InputTokens + st.OutputTokens
	st.ContextUsed = st.InputTokens + st.CacheReadTokens + st.CacheCreationTokens + st.OutputTokens
	st.WallTime = time.Since(st.StartedAt)
	ratio := 0.0
	if st.ContextWindow > 0 {
		ratio = float64(st.ContextUsed) / float64(st.ContextWindow)
	}
	st.ContextPercent = ratio * 100
	st.Health = classify(ratio)

	snapshot := t.copyLocked(st)
	listeners := make([]Listener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	logging.Get(logging.CategoryUsage).Debugf(
		"attempt %s: %d tokens in context (%.1f%%, %s)",
		attemptID, snapshot.ContextUsed, snapshot.ContextPercent, snapshot.Health)

	for _, l := range listeners {
		l(snapshot)
	}
}

// Snapshot returns the current stats for an attempt.
func (t *Tracker) Snapshot(attemptID string) (Stats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.stats[attemptID]
	if !ok {
		return Stats{}, false
	}
	return t.copyLocked(st), true
}

// Clear discards an attempt's counters.
func (t *Tracker) Clear(attemptID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.stats, attemptID)
}

func (t *Tracker) copyLocked(st *Stats) Stats {
	out := *st
	out.ByModel = make(map[string]TokenCounts, len(st.ByModel))
	for model, counts := range st.ByModel {
		out.ByModel[model] = counts
	}
	return out
}
