// Package gemini adapts the Gemini API as an in-process backend. Unlike the
// CLI adapter, the tool loop runs inside this process, which is what lets
// the interceptor suspend a stream on a structured question and lets a
// checkpoint revert files the query wrote.
package gemini

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"taskdeck/internal/checkpoint"
	"taskdeck/internal/events"
	"taskdeck/internal/interceptor"
	"taskdeck/internal/provider"
	"taskdeck/internal/session"
)

const providerID = "gemini"

var fallbackModels = []provider.Model{
	{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", ContextWindow: 1_048_576, Default: true},
	{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", ContextWindow: 1_048_576},
}

// Options configures the adapter.
type Options struct {
	APIKey string

	// Model is the default model for queries without an override.
	Model string

	// DataDir roots the session history artifacts.
	DataDir string

	// CacheDir holds the model catalog disk cache.
	CacheDir string
}

// Adapter runs queries against the Gemini API with a local tool loop.
type Adapter struct {
	opts  Options
	hooks *interceptor.Interceptor

	catalog *provider.Catalog

	mu     sync.Mutex
	client *genai.Client
	active map[string]*query
}

// query is one running attempt. It doubles as the checkpoint revert handle.
type query struct {
	attemptID string
	cancel    context.CancelFunc
	hist      *history
	snapshots *snapshotLog

	mu         sync.Mutex
	sessionID  string
	checkpoint string
}

func (q *query) setCheckpoint(id string) {
	q.mu.Lock()
	q.checkpoint = id
	q.mu.Unlock()
}

func (q *query) currentCheckpoint() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.checkpoint
}

func (q *query) session() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sessionID
}

// RevertFiles restores every file the query mutated at or after the given
// checkpoint.
func (q *query) RevertFiles(_ context.Context, checkpointUUID string) error {
	return q.snapshots.revertSince(checkpointUUID)
}

// NewAdapter creates the Gemini adapter. hooks intercepts every tool call
// the query loop makes.
func NewAdapter(opts Options, hooks *interceptor.Interceptor) *Adapter {
	if opts.Model == "" {
		opts.Model = "gemini-2.5-pro"
	}
	return &Adapter{
		opts:    opts,
		hooks:   hooks,
		catalog: provider.NewCatalog(providerID, opts.CacheDir, nil, fallbackModels),
		active:  make(map[string]*query),
	}
}

func (a *Adapter) ID() string { return providerID }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Streaming:     true,
		SessionResume: true,
		ToolCalling:   true,
		Thinking:      true,
		ContextWindow: 1_048_576,
	}
}

func (a *Adapter) Available() error {
	if a.opts.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY not configured")
	}
	return nil
}

func (a *Adapter) Models(ctx context.Context) ([]provider.Model, error) {
	return a.catalog.Models(ctx)
}

// ArtifactLocator maps session ids to their history artifacts, suitable for
// session.Manager registration.
func (a *Adapter) ArtifactLocator() session.ArtifactLocator {
	return func(sessionID string) string {
		return artifactPath(a.opts.DataDir, sessionID)
	}
}

// QueryRef returns the checkpoint revert handle for a running attempt.
func (a *Adapter) QueryRef(attemptID string) (checkpoint.QueryRef, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, ok := a.active[attemptID]
	return q, ok
}

func (a *Adapter) getClient(ctx context.Context) (*genai.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return a.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  a.opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	a.client = client
	return client, nil
}

// Query starts the streaming query loop for an attempt.
func (a *Adapter) Query(ctx context.Context, params provider.QueryParams) (<-chan events.NormalizedEvent, error) {
	if err := a.Available(); err != nil {
		return nil, err
	}
	client, err := a.getClient(ctx)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	if _, exists := a.active[params.AttemptID]; exists {
		a.mu.Unlock()
		return nil, fmt.Errorf("attempt %s already running", params.AttemptID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	q := &query{
		attemptID: params.AttemptID,
		cancel:    cancel,
		snapshots: &snapshotLog{},
	}
	a.active[params.AttemptID] = q
	a.mu.Unlock()

	out := make(chan events.NormalizedEvent, 64)
	go a.runLoop(runCtx, client, params, q, out)
	return out, nil
}

func (a *Adapter) release(attemptID string, cancel context.CancelFunc) {
	cancel()
	a.mu.Lock()
	delete(a.active, attemptID)
	a.mu.Unlock()
}

func (a *Adapter) Cancel(attemptID string) {
	a.mu.Lock()
	q, ok := a.active[attemptID]
	a.mu.Unlock()
	if ok {
		q.cancel()
	}
}

func (a *Adapter) CancelAll() {
	a.mu.Lock()
	queries := make([]*query, 0, len(a.active))
	for _, q := range a.active {
		queries = append(queries, q)
	}
	a.mu.Unlock()
	for _, q := range queries {
		q.cancel()
	}
}

func (a *Adapter) SessionID(attemptID string) string {
	a.mu.Lock()
	q, ok := a.active[attemptID]
	a.mu.Unlock()
	if !ok {
		return ""
	}
	return q.session()
}

func (a *Adapter) IsRunning(attemptID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.active[attemptID]
	return ok
}

func (a *Adapter) AnswerQuestion(attemptID string, answers map[string]string) bool {
	return a.hooks.Answer(attemptID, answers)
}

func (a *Adapter) CancelQuestion(attemptID string) bool {
	return a.hooks.CancelQuestion(attemptID)
}

func (a *Adapter) HasPendingQuestion(attemptID string) bool {
	return a.hooks.HasPending(attemptID)
}

// Close stops every running query and drops the API client reference. The
// client holds no connections of its own, so there is nothing further to
// release.
func (a *Adapter) Close() error {
	a.CancelAll()
	a.mu.Lock()
	a.client = nil
	a.mu.Unlock()
	return nil
}

var _ provider.Adapter = (*Adapter)(nil)
