// Package provider defines the uniform adapter contract every backend
// implements, the registry that resolves which adapter serves a query, and
// the cached model catalog.
package provider

import (
	"context"
	"encoding/json"

	"taskdeck/internal/events"
	"taskdeck/internal/session"
)

// Capabilities describes what a backend supports.
type Capabilities struct {
	Streaming     bool  `json:"streaming"`
	SessionResume bool  `json:"session_resume"`
	ToolCalling   bool  `json:"tool_calling"`
	MCP           bool  `json:"mcp"`
	Thinking      bool  `json:"thinking"`
	ContextWindow int64 `json:"context_window"`
}

// Model is one entry of an adapter's model catalog.
type Model struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	ContextWindow int64  `json:"context_window,omitempty"`
	Default       bool   `json:"default,omitempty"`
}

// StructuredOutput asks the backend to write its final answer to a file in
// the given format.
type StructuredOutput struct {
	Format string          `json:"format"` // json, yaml
	Schema json.RawMessage `json:"schema,omitempty"`
}

// QueryParams is the immutable input to one adapter invocation. It is
// constructed once per start call and never mutated after handoff.
type QueryParams struct {
	AttemptID string
	TaskID    string
	Workdir   string
	Prompt    string

	// Resume carries the session continuity decision computed by the
	// session manager.
	Resume session.ResumeOptions

	// Files are extra context paths handed to the backend.
	Files []string

	Output   *StructuredOutput
	MaxTurns int

	// Model overrides the adapter's configured model.
	Model string
}

// Adapter is the uniform query contract. Implementations differ in
// transport (in-process streaming call vs. spawned-process line reader)
// but converge here; no adapter-specific event type may leak past the
// returned channel.
//
// The returned channel closes when the stream ends. A transport failure is
// delivered as a final EventError before close; a malformed individual
// backend message is logged and skipped, never fatal to the stream.
type Adapter interface {
	ID() string
	Capabilities() Capabilities

	// Available reports whether the adapter can serve queries right now
	// (required binary present, credentials configured).
	Available() error

	// Models returns the cached-with-fallback model catalog.
	Models(ctx context.Context) ([]Model, error)

	// Query starts a streaming query. It must honor ctx cancellation and
	// stop yielding promptly once it fires.
	Query(ctx context.Context, params QueryParams) (<-chan events.NormalizedEvent, error)

	Cancel(attemptID string)
	CancelAll()

	SessionID(attemptID string) string
	IsRunning(attemptID string) bool

	// Structured-question delegation for attempts this adapter owns.
	AnswerQuestion(attemptID string, answers map[string]string) bool
	CancelQuestion(attemptID string) bool
	HasPendingQuestion(attemptID string) bool
}
