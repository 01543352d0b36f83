// Package events defines the provider-agnostic event vocabulary shared by
// every adapter and the agent manager. Adapters translate their backend's
// native message shapes into NormalizedEvent before anything leaves the
// adapter boundary; no backend-specific type crosses it.
package events

import (
	"encoding/json"
	"time"
)

// EventType discriminates the normalized event union.
type EventType string

const (
	EventSystem      EventType = "system"
	EventAssistant   EventType = "assistant"
	EventUser        EventType = "user"
	EventResult      EventType = "result"
	EventToolUse     EventType = "tool_use"
	EventToolResult  EventType = "tool_result"
	EventStreamEvent EventType = "stream_event"
	EventError       EventType = "error"

	// EventUnknown carries a backend message the normalizer did not
	// recognize. The raw payload is preserved in ProviderMeta.
	EventUnknown EventType = "unknown"
)

// Usage holds the token accounting attached to result events.
type Usage struct {
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_input_tokens,omitempty"`
	CacheReadTokens     int64   `json:"cache_read_input_tokens,omitempty"`
	CostUSD             float64 `json:"cost_usd,omitempty"`
	// ContextWindow is the model-reported window size, zero when the
	// backend did not report one.
	ContextWindow int64 `json:"context_window,omitempty"`
	Model         string `json:"model,omitempty"`
}

// NormalizedEvent is the wire-format-independent unit of streamed output.
// Every field other than Type and Provider is optional; per-kind payloads
// occupy their own fields rather than an open extensible object.
type NormalizedEvent struct {
	Type     EventType `json:"type"`
	Provider string    `json:"provider"`

	SessionID      string `json:"session_id,omitempty"`
	CheckpointUUID string `json:"checkpoint_uuid,omitempty"`

	// Assistant / user payloads.
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// Tool payloads.
	ToolUseID   string          `json:"tool_use_id,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	ToolInput   json.RawMessage `json:"tool_input,omitempty"`
	ToolContent string          `json:"tool_content,omitempty"`
	ToolIsError bool            `json:"tool_is_error,omitempty"`

	// Result payload.
	Usage    *Usage `json:"usage,omitempty"`
	NumTurns int    `json:"num_turns,omitempty"`
	IsError  bool   `json:"is_error,omitempty"`

	// Error payload (transport-terminal failures only).
	Error string `json:"error,omitempty"`

	// ProviderMeta holds backend-specific data that survives
	// normalization: raw unknown messages, background-process markers,
	// question payloads. Opaque to everything but the emitting adapter
	// and the agent manager's signal routing.
	ProviderMeta *ProviderMeta `json:"provider_meta,omitempty"`

	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ProviderMeta is the tagged side-channel payload an adapter may attach.
type ProviderMeta struct {
	// Raw is the original backend message for unknown events.
	Raw json.RawMessage `json:"raw,omitempty"`

	// Question is set when the event carries a structured question
	// requested through the tool interceptor.
	Question *QuestionPayload `json:"question,omitempty"`

	// BackgroundProcess is set when tool output revealed a long-running
	// server started by the agent.
	BackgroundProcess *BackgroundProcess `json:"background_process,omitempty"`

	// TrackedProcess is set when the adapter itself spawned a subprocess
	// worth surfacing (the CLI backend's own process).
	TrackedProcess *TrackedProcess `json:"tracked_process,omitempty"`
}

// QuestionPayload describes a structured question raised by the agent.
type QuestionPayload struct {
	ToolUseID string     `json:"tool_use_id"`
	Questions []Question `json:"questions"`
}

// Question is a single discrete question with optional preset choices.
type Question struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Options []string `json:"options,omitempty"`
}

// BackgroundProcess correlates a server process discovered through the
// marker emitted by a rewritten shell command.
type BackgroundProcess struct {
	PID     int    `json:"pid"`
	LogFile string `json:"log_file,omitempty"`
	Command string `json:"command,omitempty"`
}

// TrackedProcess identifies a subprocess owned by an adapter.
type TrackedProcess struct {
	PID     int    `json:"pid"`
	Command string `json:"command"`
}
