// Package notify fans the normalized event stream and side-channel signals
// out to subscribers, including websocket clients.
package notify

import (
	"sync"

	"taskdeck/internal/events"
)

// Router distributes events to per-attempt and global subscribers. It
// implements events.Subscriber so the agent manager can treat it as a
// single sink. Delivery is synchronous and fire-and-forget; a slow
// subscriber must buffer internally.
type Router struct {
	mu        sync.RWMutex
	byAttempt map[string][]events.Subscriber
	global    []events.Subscriber
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{byAttempt: make(map[string][]events.Subscriber)}
}

// Subscribe attaches a subscriber to one attempt's stream.
func (r *Router) Subscribe(attemptID string, s events.Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAttempt[attemptID] = append(r.byAttempt[attemptID], s)
}

// SubscribeAll attaches a subscriber to every attempt's stream.
func (r *Router) SubscribeAll(s events.Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = append(r.global, s)
}

// Unsubscribe detaches a subscriber everywhere it appears.
func (r *Router) Unsubscribe(s events.Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, subs := range r.byAttempt {
		r.byAttempt[id] = remove(subs, s)
		if len(r.byAttempt[id]) == 0 {
			delete(r.byAttempt, id)
		}
	}
	r.global = remove(r.global, s)
}

// Release drops all per-attempt subscriptions for a finished attempt.
func (r *Router) Release(attemptID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byAttempt, attemptID)
}

func remove(subs []events.Subscriber, s events.Subscriber) []events.Subscriber {
	out := subs[:0]
	for _, sub := range subs {
		if sub != s {
			out = append(out, sub)
		}
	}
	return out
}

func (r *Router) targets(attemptID string) []events.Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := make([]events.Subscriber, 0, len(r.global)+len(r.byAttempt[attemptID]))
	subs = append(subs, r.global...)
	subs = append(subs, r.byAttempt[attemptID]...)
	return subs
}

func (r *Router) OnEvent(attemptID string, ev events.NormalizedEvent) {
	for _, s := range r.targets(attemptID) {
		s.OnEvent(attemptID, ev)
	}
}

func (r *Router) OnQuestion(sig events.QuestionSignal) {
	for _, s := range r.targets(sig.AttemptID) {
		s.OnQuestion(sig)
	}
}

func (r *Router) OnBackgroundProcess(sig events.BackgroundProcessSignal) {
	for _, s := range r.targets(sig.AttemptID) {
		s.OnBackgroundProcess(sig)
	}
}

func (r *Router) OnTrackedProcess(sig events.TrackedProcessSignal) {
	for _, s := range r.targets(sig.AttemptID) {
		s.OnTrackedProcess(sig)
	}
}

func (r *Router) OnDiagnostic(sig events.DiagnosticSignal) {
	for _, s := range r.targets(sig.AttemptID) {
		s.OnDiagnostic(sig)
	}
}

func (r *Router) OnUsage(sig events.UsageSignal) {
	for _, s := range r.targets(sig.AttemptID) {
		s.OnUsage(sig)
	}
}

func (r *Router) OnExit(sig events.ExitSignal) {
	for _, s := range r.targets(sig.AttemptID) {
		s.OnExit(sig)
	}
}

var _ events.Subscriber = (*Router)(nil)
