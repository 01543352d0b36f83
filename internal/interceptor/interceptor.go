// Package interceptor implements the per-query tool hook: it pauses a
// stream when the agent requests structured user input and rewrites known
// long-running server commands so their process id and log file can be
// correlated later.
package interceptor

import (
	"context"
	"fmt"
	"sync"

	"taskdeck/internal/events"
	"taskdeck/internal/logging"
)

// Tool names the interceptor gives special treatment.
const (
	// QuestionTool is the structured question tool agents call to ask
	// the user for discrete input mid-stream.
	QuestionTool = "ask_user"
	// ShellTool is the shell-execution tool.
	ShellTool = "bash"
)

// Behavior is the hook's verdict on a tool invocation.
type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
)

// Decision is returned to the adapter before the tool runs. UpdatedInput,
// when non-nil, replaces the tool's input.
type Decision struct {
	Behavior     Behavior
	UpdatedInput map[string]interface{}
	Message      string
}

// pendingQuestion blocks exactly one tool invocation until resolved.
// resolve receives the answer set exactly once; nil or empty means deny.
type pendingQuestion struct {
	toolUseID string
	resolve   chan map[string]string
}

// Interceptor owns the pending-question table. One instance is shared by
// all adapters in an orchestration context; it is constructed explicitly,
// never ambient state.
type Interceptor struct {
	mu        sync.Mutex
	pending   map[string]*pendingQuestion
	markerDir string

	onQuestion func(events.QuestionSignal)
}

// New creates an interceptor. onQuestion is invoked synchronously when an
// attempt's stream suspends on a structured question.
func New(onQuestion func(events.QuestionSignal)) *Interceptor {
	return &Interceptor{
		pending:    make(map[string]*pendingQuestion),
		onQuestion: onQuestion,
	}
}

// Hook is called by an adapter before any tool executes. It blocks the
// calling goroutine (the adapter's internal execution, not the manager's
// consumption loop) while a structured question awaits its answer.
func (i *Interceptor) Hook(ctx context.Context, attemptID, toolUseID, toolName string, input map[string]interface{}) Decision {
	switch toolName {
	case QuestionTool:
		return i.handleQuestion(ctx, attemptID, toolUseID, input)
	case ShellTool:
		return i.RewriteShellCommand(input)
	default:
		return Decision{Behavior: BehaviorAllow}
	}
}

func (i *Interceptor) handleQuestion(ctx context.Context, attemptID, toolUseID string, input map[string]interface{}) Decision {
	i.mu.Lock()
	if _, exists := i.pending[attemptID]; exists {
		i.mu.Unlock()
		return Decision{
			Behavior: BehaviorDeny,
			Message:  "a question is already pending for this attempt",
		}
	}
	pq := &pendingQuestion{
		toolUseID: toolUseID,
		resolve:   make(chan map[string]string, 1),
	}
	i.pending[attemptID] = pq
	i.mu.Unlock()

	payload := questionPayload(toolUseID, input)
	logging.Get(logging.CategoryAgent).Infof(
		"attempt %s: stream suspended on question %s", attemptID, toolUseID)
	if i.onQuestion != nil {
		i.onQuestion(events.QuestionSignal{AttemptID: attemptID, Payload: payload})
	}

	// Unbounded suspension: resolved only by an explicit answer, an
	// explicit cancel, or the attempt's own cancellation.
	var answers map[string]string
	select {
	case answers = <-pq.resolve:
	case <-ctx.Done():
	}

	i.mu.Lock()
	delete(i.pending, attemptID)
	i.mu.Unlock()

	if len(answers) == 0 {
		return Decision{Behavior: BehaviorDeny, Message: "user declined to answer"}
	}
	return Decision{
		Behavior:     BehaviorAllow,
		UpdatedInput: map[string]interface{}{"answers": answers},
	}
}

// Answer resumes the suspended tool call with the given answer set.
// Returns false when no question is pending for the attempt.
func (i *Interceptor) Answer(attemptID string, answers map[string]string) bool {
	return i.resolveWith(attemptID, answers)
}

// CancelQuestion denies the suspended tool call. Propagated to the backend
// as an explicit tool denial, not as an exception.
func (i *Interceptor) CancelQuestion(attemptID string) bool {
	return i.resolveWith(attemptID, nil)
}

// HasPending reports whether an attempt's stream is suspended on a
// question.
func (i *Interceptor) HasPending(attemptID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.pending[attemptID]
	return ok
}

// PendingToolUseID returns the tool-use id blocking the attempt, if any.
func (i *Interceptor) PendingToolUseID(attemptID string) (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	pq, ok := i.pending[attemptID]
	if !ok {
		return "", false
	}
	return pq.toolUseID, true
}

func (i *Interceptor) resolveWith(attemptID string, answers map[string]string) bool {
	i.mu.Lock()
	pq, ok := i.pending[attemptID]
	i.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case pq.resolve <- answers:
		return true
	default:
		// Already resolved once; a resolution happens exactly once.
		return false
	}
}

// questionPayload extracts the question list from the tool input. The tool
// schema carries questions as [{id, text, options}].
func questionPayload(toolUseID string, input map[string]interface{}) *events.QuestionPayload {
	payload := &events.QuestionPayload{ToolUseID: toolUseID}

	raw, _ := input["questions"].([]interface{})
	for idx, item := range raw {
		q, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		question := events.Question{}
		question.ID, _ = q["id"].(string)
		question.Text, _ = q["text"].(string)
		if question.ID == "" {
			question.ID = defaultQuestionID(idx)
		}
		if opts, ok := q["options"].([]interface{}); ok {
			for _, o := range opts {
				if s, ok := o.(string); ok {
					question.Options = append(question.Options, s)
				}
			}
		}
		payload.Questions = append(payload.Questions, question)
	}
	return payload
}

func defaultQuestionID(idx int) string {
	return fmt.Sprintf("q%d", idx+1)
}
