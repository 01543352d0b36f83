package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"taskdeck/internal/events"
	"taskdeck/internal/interceptor"
	"taskdeck/internal/logging"
	"taskdeck/internal/provider"
)

const defaultMaxTurns = 40

// runLoop drives one attempt: stream a model turn, execute the tool calls
// it requested, feed the results back, repeat until the model stops calling
// tools or the turn budget runs out.
func (a *Adapter) runLoop(ctx context.Context, client *genai.Client, params provider.QueryParams, q *query, out chan<- events.NormalizedEvent) {
	defer close(out)
	defer a.release(params.AttemptID, q.cancel)

	contents, err := a.prepare(params, q)
	if err != nil {
		out <- errorEvent(q.session(), err.Error())
		return
	}
	sessionID := q.session()

	out <- events.NormalizedEvent{
		Type:      events.EventSystem,
		Provider:  providerID,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}

	model := params.Model
	if model == "" {
		model = a.opts.Model
	}
	maxTurns := params.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}

	exec := &executor{
		workdir:    params.Workdir,
		checkpoint: q.currentCheckpoint,
		snapshots:  q.snapshots,
	}
	cfg := &genai.GenerateContentConfig{Tools: toolDeclarations()}

	usage := &events.Usage{Model: model}
	finalText := ""

	for turn := 1; ; turn++ {
		ckpt := uuid.NewString()
		q.setCheckpoint(ckpt)

		var text, thinking strings.Builder
		var calls []*genai.FunctionCall

		for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				// A transport failure terminates the stream; the artifact
				// records it so a later resume can rewind past it.
				_ = q.hist.append("error", uuid.NewString(), "assistant", err.Error(), true)
				out <- errorEvent(sessionID, err.Error())
				return
			}
			for _, cand := range resp.Candidates {
				if cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					if part.FunctionCall != nil {
						calls = append(calls, part.FunctionCall)
						continue
					}
					if part.Text == "" {
						continue
					}
					ev := events.NormalizedEvent{
						Type:           events.EventAssistant,
						Provider:       providerID,
						SessionID:      sessionID,
						CheckpointUUID: ckpt,
						Timestamp:      time.Now().UTC(),
					}
					if part.Thought {
						thinking.WriteString(part.Text)
						ev.Thinking = part.Text
					} else {
						text.WriteString(part.Text)
						ev.Text = part.Text
					}
					out <- ev
				}
			}
			if resp.UsageMetadata != nil {
				usage.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
				usage.OutputTokens += int64(resp.UsageMetadata.CandidatesTokenCount)
				usage.CacheReadTokens = int64(resp.UsageMetadata.CachedContentTokenCount)
			}
		}
		if ctx.Err() != nil {
			return
		}

		if err := q.hist.append("assistant", ckpt, "assistant", text.String(), false); err != nil {
			logging.Get(logging.CategoryProvider).Warnf(
				"attempt %s: history write failed: %v", params.AttemptID, err)
		}
		finalText = text.String()

		if len(calls) == 0 {
			out <- events.NormalizedEvent{
				Type:           events.EventResult,
				Provider:       providerID,
				SessionID:      sessionID,
				CheckpointUUID: ckpt,
				Text:           finalText,
				Usage:          usage,
				NumTurns:       turn,
				Timestamp:      time.Now().UTC(),
			}
			return
		}

		modelParts := []*genai.Part{}
		if text.Len() > 0 {
			modelParts = append(modelParts, genai.NewPartFromText(text.String()))
		}
		for _, fc := range calls {
			modelParts = append(modelParts, &genai.Part{FunctionCall: fc})
		}
		contents = append(contents, genai.NewContentFromParts(modelParts, genai.RoleModel))

		respParts := a.dispatchCalls(ctx, params, q, exec, out, sessionID, ckpt, calls)
		if ctx.Err() != nil {
			return
		}
		contents = append(contents, genai.NewContentFromParts(respParts, genai.RoleUser))

		if turn >= maxTurns {
			out <- events.NormalizedEvent{
				Type:           events.EventResult,
				Provider:       providerID,
				SessionID:      sessionID,
				CheckpointUUID: ckpt,
				Text:           finalText,
				Usage:          usage,
				NumTurns:       turn,
				IsError:        true,
				Error:          fmt.Sprintf("turn budget of %d exhausted", maxTurns),
				Timestamp:      time.Now().UTC(),
			}
			return
		}
	}
}

// dispatchCalls runs each requested tool through the interceptor and the
// local executor, emitting tool events along the way.
func (a *Adapter) dispatchCalls(ctx context.Context, params provider.QueryParams, q *query, exec *executor, out chan<- events.NormalizedEvent, sessionID, ckpt string, calls []*genai.FunctionCall) []*genai.Part {
	var parts []*genai.Part
	for i, fc := range calls {
		callID := fc.ID
		if callID == "" {
			callID = fmt.Sprintf("%s-call-%d", ckpt, i)
		}
		inputJSON, _ := json.Marshal(fc.Args)

		out <- events.NormalizedEvent{
			Type:           events.EventToolUse,
			Provider:       providerID,
			SessionID:      sessionID,
			CheckpointUUID: ckpt,
			ToolUseID:      callID,
			ToolName:       fc.Name,
			ToolInput:      inputJSON,
			Timestamp:      time.Now().UTC(),
		}

		// The hook blocks here while a structured question awaits its
		// answer; this goroutine is the adapter's own, so the manager's
		// consumption loop keeps draining.
		decision := a.hooks.Hook(ctx, params.AttemptID, callID, fc.Name, fc.Args)
		if ctx.Err() != nil {
			return parts
		}

		var output string
		var isErr bool
		if decision.Behavior == interceptor.BehaviorDeny {
			output = decision.Message
			isErr = true
		} else {
			input := fc.Args
			if decision.UpdatedInput != nil {
				input = decision.UpdatedInput
			}
			output, isErr = exec.run(ctx, fc.Name, input)
		}

		out <- events.NormalizedEvent{
			Type:           events.EventToolResult,
			Provider:       providerID,
			SessionID:      sessionID,
			CheckpointUUID: ckpt,
			ToolUseID:      callID,
			ToolName:       fc.Name,
			ToolContent:    output,
			ToolIsError:    isErr,
			Timestamp:      time.Now().UTC(),
		}

		_ = q.hist.append("user", uuid.NewString(), "user",
			fmt.Sprintf("[%s] %s", fc.Name, truncate(output)), isErr)

		parts = append(parts, genai.NewPartFromFunctionResponse(fc.Name, map[string]any{
			"output":   output,
			"is_error": isErr,
		}))
	}
	return parts
}

// prepare opens the session artifact, replays resumed history into the
// content list, and appends the new prompt.
func (a *Adapter) prepare(params provider.QueryParams, q *query) ([]*genai.Content, error) {
	sessionID := params.Resume.SessionID
	fresh := params.Resume.Fresh()
	if fresh {
		sessionID = uuid.NewString()
	}
	q.mu.Lock()
	q.sessionID = sessionID
	q.mu.Unlock()

	hist, err := newHistory(a.opts.DataDir, sessionID)
	if err != nil {
		return nil, fmt.Errorf("open session history: %w", err)
	}
	q.hist = hist

	var contents []*genai.Content
	if !fresh {
		records, err := loadHistory(artifactPath(a.opts.DataDir, sessionID), params.Resume.ResumeMessageID)
		if err != nil {
			return nil, fmt.Errorf("resume session %s: %w", sessionID, err)
		}
		for _, rec := range records {
			if rec.Type == "error" || rec.Message.Text == "" {
				continue
			}
			role := genai.Role(genai.RoleUser)
			if rec.Message.Role == "assistant" {
				role = genai.RoleModel
			}
			contents = append(contents, genai.NewContentFromText(rec.Message.Text, role))
		}
	}

	prompt := buildPrompt(params)
	promptUUID := uuid.NewString()
	if err := hist.append("user", promptUUID, "user", prompt, false); err != nil {
		return nil, err
	}
	contents = append(contents, genai.NewContentFromText(prompt, genai.RoleUser))
	return contents, nil
}

func buildPrompt(params provider.QueryParams) string {
	prompt := params.Prompt
	for _, f := range params.Files {
		prompt += fmt.Sprintf("\n\nRelevant file: %s", f)
	}
	if params.Output != nil {
		prompt += fmt.Sprintf(
			"\n\nWhen you are done, write your final answer as %s to the file .taskdeck-output.%s in the working directory.",
			params.Output.Format, params.Output.Format)
		if len(params.Output.Schema) > 0 {
			prompt += fmt.Sprintf(" It must conform to this schema:\n%s", params.Output.Schema)
		}
	}
	return prompt
}

func errorEvent(sessionID, msg string) events.NormalizedEvent {
	return events.NormalizedEvent{
		Type:      events.EventError,
		Provider:  providerID,
		SessionID: sessionID,
		Error:     msg,
		Timestamp: time.Now().UTC(),
	}
}
