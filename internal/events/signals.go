package events

// Signals are emitted synchronously at the point the triggering event is
// processed, strictly interleaved with the primary event stream for an
// attempt. They carry the attempt id because subscribers may observe
// several attempts at once.

// QuestionSignal asks the orchestration layer for structured user input.
// The stream that raised it stays suspended until the question is answered
// or cancelled.
type QuestionSignal struct {
	AttemptID string           `json:"attempt_id"`
	Payload   *QuestionPayload `json:"payload"`
}

// BackgroundProcessSignal reports a long-running server the agent started.
type BackgroundProcessSignal struct {
	AttemptID string             `json:"attempt_id"`
	Process   *BackgroundProcess `json:"process"`
}

// TrackedProcessSignal reports an adapter-owned subprocess.
type TrackedProcessSignal struct {
	AttemptID string          `json:"attempt_id"`
	Process   *TrackedProcess `json:"process"`
}

// DiagnosticSignal surfaces non-fatal diagnostics (per-message decode
// failures, cleanup errors) and the error text of transport failures.
type DiagnosticSignal struct {
	AttemptID string `json:"attempt_id"`
	Message   string `json:"message"`
}

// UsageSignal carries an attempt's cumulative usage snapshot. One is
// emitted on every usage update; the snapshot is always the full running
// totals, never a delta. Snapshot holds the usage tracker's Stats value,
// typed loosely because the tracker depends on this package.
type UsageSignal struct {
	AttemptID string      `json:"attempt_id"`
	Snapshot  interface{} `json:"snapshot"`
}

// ExitSignal terminates an attempt's stream. Code 0 means the stream ended
// normally; 1 means a transport error, with Reason holding the raw error
// text.
type ExitSignal struct {
	AttemptID string `json:"attempt_id"`
	Code      int    `json:"code"`
	Reason    string `json:"reason,omitempty"`
}

// FileStats is the best-effort working-tree change snapshot collected when
// a stream ends.
type FileStats struct {
	FilesChanged int `json:"files_changed"`
	Insertions   int `json:"insertions"`
	Deletions    int `json:"deletions"`
}

// Subscriber receives the full normalized stream plus side-channel signals
// for the attempts it watches. Delivery is fire-and-forget: the manager
// assumes no acknowledgment or backpressure.
type Subscriber interface {
	OnEvent(attemptID string, ev NormalizedEvent)
	OnQuestion(sig QuestionSignal)
	OnBackgroundProcess(sig BackgroundProcessSignal)
	OnTrackedProcess(sig TrackedProcessSignal)
	OnDiagnostic(sig DiagnosticSignal)
	OnUsage(sig UsageSignal)
	OnExit(sig ExitSignal)
}
