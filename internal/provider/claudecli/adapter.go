// Package claudecli adapts the claude command line agent. Each query spawns
// one CLI process in print mode with stream-json output and reads its
// NDJSON stdout until exit; the process owns the tool loop end to end, so
// tool permission prompts are disabled and MCP wiring travels as a rendered
// config file on the command line.
package claudecli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"taskdeck/internal/events"
	"taskdeck/internal/logging"
	"taskdeck/internal/provider"
	"taskdeck/internal/session"
)

const providerID = "claude-cli"

// fallbackModels is served when no override or cache is present. The CLI
// exposes no model listing endpoint, so this list is the primary source.
var fallbackModels = []provider.Model{
	{ID: "claude-sonnet-4-5", Name: "Claude Sonnet 4.5", ContextWindow: 200_000, Default: true},
	{ID: "claude-opus-4-1", Name: "Claude Opus 4.1", ContextWindow: 200_000},
	{ID: "claude-haiku-4-5", Name: "Claude Haiku 4.5", ContextWindow: 200_000},
}

// Options configures the adapter.
type Options struct {
	// Binary is the CLI executable name or path. Defaults to "claude".
	Binary string

	// Model overrides the CLI's default model for every query that does
	// not carry its own override.
	Model string

	// Home overrides the home directory used to locate session history
	// artifacts. Defaults to the current user's home.
	Home string

	// CacheDir holds the model catalog disk cache.
	CacheDir string

	// MCPConfig, when set, renders the merged MCP server config for a
	// workdir and returns the file path to pass on the command line. An
	// empty path means no MCP servers apply.
	MCPConfig func(workdir string) (string, error)
}

type run struct {
	attemptID string
	cancel    context.CancelFunc

	mu        sync.Mutex
	sessionID string
}

func (r *run) setSession(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id != "" {
		r.sessionID = id
	}
}

func (r *run) session() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Adapter runs queries through the claude CLI.
type Adapter struct {
	opts    Options
	catalog *provider.Catalog

	mu     sync.Mutex
	active map[string]*run
}

// NewAdapter creates the CLI adapter.
func NewAdapter(opts Options) *Adapter {
	if opts.Binary == "" {
		opts.Binary = "claude"
	}
	if opts.Home == "" {
		opts.Home, _ = os.UserHomeDir()
	}
	return &Adapter{
		opts:    opts,
		catalog: provider.NewCatalog(providerID, opts.CacheDir, nil, fallbackModels),
		active:  make(map[string]*run),
	}
}

func (a *Adapter) ID() string { return providerID }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Streaming:     true,
		SessionResume: true,
		ToolCalling:   true,
		MCP:           true,
		Thinking:      true,
		ContextWindow: 200_000,
	}
}

// Available checks that the CLI binary is on PATH.
func (a *Adapter) Available() error {
	if _, err := exec.LookPath(a.opts.Binary); err != nil {
		return fmt.Errorf("claude binary %q not found: %w", a.opts.Binary, err)
	}
	return nil
}

func (a *Adapter) Models(ctx context.Context) ([]provider.Model, error) {
	return a.catalog.Models(ctx)
}

// ArtifactLocatorFor returns a session artifact locator bound to one
// working directory, suitable for session.Manager registration.
func (a *Adapter) ArtifactLocatorFor(workdir string) session.ArtifactLocator {
	return func(sessionID string) string {
		return ArtifactPath(a.opts.Home, workdir, sessionID)
	}
}

// Query spawns one CLI process for the attempt and streams its normalized
// output. The returned channel closes when the process exits; a non-zero
// exit with no prior result error surfaces as a final error event.
func (a *Adapter) Query(ctx context.Context, params provider.QueryParams) (<-chan events.NormalizedEvent, error) {
	a.mu.Lock()
	if _, exists := a.active[params.AttemptID]; exists {
		a.mu.Unlock()
		return nil, fmt.Errorf("attempt %s already running", params.AttemptID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{attemptID: params.AttemptID, cancel: cancel}
	a.active[params.AttemptID] = r
	a.mu.Unlock()

	cmd, err := a.buildCommand(runCtx, params, r)
	if err != nil {
		a.release(params.AttemptID, cancel)
		return nil, err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		a.release(params.AttemptID, cancel)
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		a.release(params.AttemptID, cancel)
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		a.release(params.AttemptID, cancel)
		return nil, fmt.Errorf("start %s: %w", a.opts.Binary, err)
	}

	logging.Provider("attempt %s: started %s pid %d (resume=%q model=%q)",
		params.AttemptID, a.opts.Binary, cmd.Process.Pid, params.Resume.SessionID, params.Model)

	// Stderr is diagnostic only; log each line, never parse it.
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			logging.Get(logging.CategoryProvider).Debugf(
				"attempt %s stderr: %s", params.AttemptID, sc.Text())
		}
	}()

	out := make(chan events.NormalizedEvent, 64)
	go a.stream(params, r, cmd, stdout, out)
	return out, nil
}

func (a *Adapter) buildCommand(ctx context.Context, params provider.QueryParams, r *run) (*exec.Cmd, error) {
	args := []string{
		"-p", buildPrompt(params),
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if !params.Resume.Fresh() {
		if params.Resume.ResumeMessageID != "" {
			// The CLI only resumes a session at its latest state, so a
			// rewind drops the artifact tail first. Failure degrades to a
			// plain resume.
			path := ArtifactPath(a.opts.Home, params.Workdir, params.Resume.SessionID)
			if err := truncateArtifact(path, params.Resume.ResumeMessageID); err != nil {
				logging.Get(logging.CategoryProvider).Warnf(
					"attempt %s: rewind to %s failed, resuming latest: %v",
					params.AttemptID, params.Resume.ResumeMessageID, err)
			}
		}
		args = append(args, "--resume", params.Resume.SessionID)
		r.setSession(params.Resume.SessionID)
	}

	model := params.Model
	if model == "" {
		model = a.opts.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if params.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprintf("%d", params.MaxTurns))
	}
	if a.opts.MCPConfig != nil {
		path, err := a.opts.MCPConfig(params.Workdir)
		if err != nil {
			return nil, fmt.Errorf("render mcp config: %w", err)
		}
		if path != "" {
			args = append(args, "--mcp-config", path)
		}
	}

	cmd := exec.CommandContext(ctx, a.opts.Binary, args...)
	cmd.Dir = params.Workdir
	cmd.WaitDelay = 5 * time.Second
	return cmd, nil
}

// stream reads NDJSON lines until the process exits, then closes out.
func (a *Adapter) stream(params provider.QueryParams, r *run, cmd *exec.Cmd, stdout io.Reader, out chan<- events.NormalizedEvent) {
	defer close(out)
	defer a.release(params.AttemptID, r.cancel)

	out <- events.NormalizedEvent{
		Type:      events.EventSystem,
		Provider:  providerID,
		Timestamp: time.Now().UTC(),
		ProviderMeta: &events.ProviderMeta{
			TrackedProcess: &events.TrackedProcess{
				PID:     cmd.Process.Pid,
				Command: a.opts.Binary,
			},
		},
	}

	sawResultError := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxArtifactLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		evs, err := normalize(line)
		if err != nil {
			// One bad line never kills the stream.
			logging.Get(logging.CategoryProvider).Warnf(
				"attempt %s: skipping undecodable line: %v", params.AttemptID, err)
			continue
		}
		for _, ev := range evs {
			r.setSession(ev.SessionID)
			if ev.Type == events.EventResult && ev.IsError {
				sawResultError = true
			}
			out <- ev
		}
	}

	waitErr := cmd.Wait()
	if scanErr := scanner.Err(); scanErr != nil && waitErr == nil {
		waitErr = scanErr
	}
	if waitErr != nil && !sawResultError {
		out <- events.NormalizedEvent{
			Type:      events.EventError,
			Provider:  providerID,
			SessionID: r.session(),
			Error:     fmt.Sprintf("%s exited: %v", a.opts.Binary, waitErr),
			Timestamp: time.Now().UTC(),
		}
	}
	logging.Provider("attempt %s: %s exited (err=%v)", params.AttemptID, a.opts.Binary, waitErr)
}

func (a *Adapter) release(attemptID string, cancel context.CancelFunc) {
	cancel()
	a.mu.Lock()
	delete(a.active, attemptID)
	a.mu.Unlock()
}

// Cancel kills the attempt's CLI process.
func (a *Adapter) Cancel(attemptID string) {
	a.mu.Lock()
	r, ok := a.active[attemptID]
	a.mu.Unlock()
	if ok {
		logging.Provider("attempt %s: cancelling", attemptID)
		r.cancel()
	}
}

// CancelAll kills every running CLI process.
func (a *Adapter) CancelAll() {
	a.mu.Lock()
	runs := make([]*run, 0, len(a.active))
	for _, r := range a.active {
		runs = append(runs, r)
	}
	a.mu.Unlock()
	for _, r := range runs {
		r.cancel()
	}
}

// SessionID returns the backend session id observed so far for an attempt,
// or empty when the attempt is not running or no id has arrived yet.
func (a *Adapter) SessionID(attemptID string) string {
	a.mu.Lock()
	r, ok := a.active[attemptID]
	a.mu.Unlock()
	if !ok {
		return ""
	}
	return r.session()
}

func (a *Adapter) IsRunning(attemptID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.active[attemptID]
	return ok
}

// The CLI runs with permissions skipped and owns its own tool loop, so
// structured questions never originate here.
func (a *Adapter) AnswerQuestion(string, map[string]string) bool { return false }
func (a *Adapter) CancelQuestion(string) bool                    { return false }
func (a *Adapter) HasPendingQuestion(string) bool                { return false }

// buildPrompt appends the structured-output instruction when requested.
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

var _ provider.Adapter = (*Adapter)(nil)
