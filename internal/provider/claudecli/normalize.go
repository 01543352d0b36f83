package claudecli

import (
	"encoding/json"
	"time"

	"taskdeck/internal/events"
)

// cliMessage is the top-level shape of one NDJSON line from the CLI's
// stream-json output.
type cliMessage struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	UUID      string `json:"uuid,omitempty"`

	Message *cliInnerMessage `json:"message,omitempty"`

	// Result fields.
	IsError      bool                     `json:"is_error,omitempty"`
	NumTurns     int                      `json:"num_turns,omitempty"`
	Result       json.RawMessage          `json:"result,omitempty"`
	TotalCostUSD float64                  `json:"total_cost_usd,omitempty"`
	Usage        *cliUsage                `json:"usage,omitempty"`
	ModelUsage   map[string]cliModelUsage `json:"modelUsage,omitempty"`
}

type cliInnerMessage struct {
	Role    string            `json:"role,omitempty"`
	Model   string            `json:"model,omitempty"`
	Content []cliContentBlock `json:"content,omitempty"`
	Usage   *cliUsage         `json:"usage,omitempty"`
}

type cliContentBlock struct {
	Type string `json:"type"`

	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use fields.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result fields.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type cliUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

type cliModelUsage struct {
	ContextWindow *int64 `json:"contextWindow,omitempty"`
}

// normalize translates one raw NDJSON line into zero or more normalized
// events. An assistant message carrying several content blocks fans out to
// one event per block. A line that fails to decode returns the decode
// error; the caller logs it and moves on.
func normalize(line []byte) ([]events.NormalizedEvent, error) {
	var msg cliMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, err
	}

	base := events.NormalizedEvent{
		Provider:       providerID,
		SessionID:      msg.SessionID,
		CheckpointUUID: msg.UUID,
		Timestamp:      time.Now().UTC(),
	}

	switch msg.Type {
	case "system":
		ev := base
		ev.Type = events.EventSystem
		return []events.NormalizedEvent{ev}, nil

	case "assistant":
		return normalizeBlocks(base, msg.Message, events.EventAssistant), nil

	case "user":
		return normalizeBlocks(base, msg.Message, events.EventUser), nil

	case "result":
		ev := base
		ev.Type = events.EventResult
		ev.NumTurns = msg.NumTurns
		ev.IsError = msg.IsError
		ev.Text = resultText(msg.Result)
		ev.Usage = resultUsage(&msg)
		return []events.NormalizedEvent{ev}, nil

	case "stream_event":
		ev := base
		ev.Type = events.EventStreamEvent
		ev.ProviderMeta = &events.ProviderMeta{Raw: append(json.RawMessage{}, line...)}
		return []events.NormalizedEvent{ev}, nil

	default:
		// Preserve everything unrecognized; the consumer decides whether
		// it cares.
		ev := base
		ev.Type = events.EventUnknown
		ev.ProviderMeta = &events.ProviderMeta{Raw: append(json.RawMessage{}, line...)}
		return []events.NormalizedEvent{ev}, nil
	}
}

// normalizeBlocks fans an assistant or user message's content blocks out to
// individual events. Text and thinking blocks keep the message-level type;
// tool blocks get their own types.
func normalizeBlocks(base events.NormalizedEvent, msg *cliInnerMessage, kind events.EventType) []events.NormalizedEvent {
	if msg == nil {
		return nil
	}
	var out []events.NormalizedEvent
	for _, block := range msg.Content {
		ev := base
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			ev.Type = kind
			ev.Text = block.Text
		case "thinking":
			if block.Thinking == "" {
				continue
			}
			ev.Type = kind
			ev.Thinking = block.Thinking
		case "tool_use":
			ev.Type = events.EventToolUse
			ev.ToolUseID = block.ID
			ev.ToolName = block.Name
			ev.ToolInput = block.Input
		case "tool_result":
			ev.Type = events.EventToolResult
			ev.ToolUseID = block.ToolUseID
			ev.ToolContent = flattenToolContent(block.Content)
			ev.ToolIsError = block.IsError
		default:
			continue
		}
		out = append(out, ev)
	}
	return out
}

// resultText extracts the final answer text. The result field is either a
// plain string or a structured object with a text field.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Text
	}
	return ""
}

func resultUsage(msg *cliMessage) *events.Usage {
	if msg.Usage == nil && msg.TotalCostUSD == 0 {
		return nil
	}
	u := &events.Usage{CostUSD: msg.TotalCostUSD}
	if msg.Usage != nil {
		u.InputTokens = msg.Usage.InputTokens
		u.OutputTokens = msg.Usage.OutputTokens
		u.CacheCreationTokens = msg.Usage.CacheCreationInputTokens
		u.CacheReadTokens = msg.Usage.CacheReadInputTokens
	}
	// modelUsage reports the true window per model; take the first entry
	// that carries one.
	for model, mu := range msg.ModelUsage {
		if mu.ContextWindow != nil && *mu.ContextWindow > 0 {
			u.ContextWindow = *mu.ContextWindow
			u.Model = model
			break
		}
	}
	return u
}

// flattenToolContent renders tool_result content to plain text. Content is
// either a string or an array of typed blocks.
func flattenToolContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	out := ""
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}
