// Package agent is the orchestration facade: it starts attempts against
// whichever backend the registry resolves, consumes their normalized event
// streams, and owns the lifecycle bookkeeping around each attempt, from
// status persistence through session continuity, checkpoints and usage.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskdeck/internal/checkpoint"
	"taskdeck/internal/events"
	"taskdeck/internal/gitstat"
	"taskdeck/internal/logging"
	"taskdeck/internal/notify"
	"taskdeck/internal/provider"
	"taskdeck/internal/session"
	"taskdeck/internal/store"
	"taskdeck/internal/usage"
)

// queryRefProvider is implemented by adapters whose running queries can
// revert file changes for a checkpoint.
type queryRefProvider interface {
	QueryRef(attemptID string) (checkpoint.QueryRef, bool)
}

// StartRequest describes one attempt to run.
type StartRequest struct {
	TaskID  string
	Prompt  string
	Workdir string

	// Provider overrides the resolution chain for this attempt only.
	Provider string
	// TaskProvider is the task-level provider setting, consulted after
	// the override.
	TaskProvider string

	Model    string
	Files    []string
	Output   *provider.StructuredOutput
	MaxTurns int

	// AutoFix enables corrupted-tail rewind when computing the resume
	// point.
	AutoFix bool
}

type attemptState struct {
	attemptID string
	taskID    string
	workdir   string
	adapter   provider.Adapter
	cancel    context.CancelFunc

	mu        sync.Mutex
	sessionID string
	cancelled bool
}

func (s *attemptState) setSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != "" {
		s.sessionID = id
	}
}

func (s *attemptState) session() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *attemptState) markCancelled() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
}

func (s *attemptState) wasCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Manager runs attempts and routes their streams.
type Manager struct {
	registry    *provider.Registry
	sessions    *session.Manager
	checkpoints *checkpoint.Manager
	tracker     *usage.Tracker
	db          *store.Store
	router      *notify.Router

	// projectProvider is the project-level setting in the resolution
	// chain.
	projectProvider string

	mu     sync.Mutex
	active map[string]*attemptState
	byTask map[string]string

	wg sync.WaitGroup
}

// NewManager wires the orchestration facade.
func NewManager(registry *provider.Registry, sessions *session.Manager, checkpoints *checkpoint.Manager, tracker *usage.Tracker, db *store.Store, router *notify.Router, projectProvider string) *Manager {
	return &Manager{
		registry:        registry,
		sessions:        sessions,
		checkpoints:     checkpoints,
		tracker:         tracker,
		db:              db,
		router:          router,
		projectProvider: projectProvider,
		active:          make(map[string]*attemptState),
		byTask:          make(map[string]string),
	}
}

// Start launches an attempt for the task. A task runs at most one attempt
// at a time: starting while one is in flight returns the running attempt's
// id untouched rather than spawning a competitor.
func (m *Manager) Start(ctx context.Context, req StartRequest) (string, error) {
	if req.TaskID == "" {
		return "", fmt.Errorf("task id required")
	}

	m.mu.Lock()
	if running, ok := m.byTask[req.TaskID]; ok {
		m.mu.Unlock()
		logging.Agent("task %s: attempt %s already running, ignoring start", req.TaskID, running)
		return running, nil
	}
	attemptID := uuid.NewString()
	m.byTask[req.TaskID] = attemptID
	m.mu.Unlock()

	adapter := m.registry.Resolve(req.Provider, req.TaskProvider, m.projectProvider)
	if adapter == nil {
		m.releaseTask(req.TaskID)
		return "", fmt.Errorf("no provider registered")
	}

	if err := m.db.UpsertAttempt(ctx, store.Attempt{
		ID:       attemptID,
		TaskID:   req.TaskID,
		Provider: adapter.ID(),
		Status:   store.StatusRunning,
	}); err != nil {
		m.releaseTask(req.TaskID)
		return "", fmt.Errorf("persist attempt: %w", err)
	}

	resume, err := m.resumeOptions(ctx, req, adapter.ID())
	if err != nil {
		logging.Get(logging.CategoryAgent).Warnf(
			"task %s: resume computation failed, starting fresh: %v", req.TaskID, err)
		resume = session.ResumeOptions{}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	state := &attemptState{
		attemptID: attemptID,
		taskID:    req.TaskID,
		workdir:   req.Workdir,
		adapter:   adapter,
		cancel:    cancel,
	}
	state.setSession(resume.SessionID)

	ch, err := adapter.Query(runCtx, provider.QueryParams{
		AttemptID: attemptID,
		TaskID:    req.TaskID,
		Workdir:   req.Workdir,
		Prompt:    req.Prompt,
		Resume:    resume,
		Files:     req.Files,
		Output:    req.Output,
		MaxTurns:  req.MaxTurns,
		Model:     req.Model,
	})
	if err != nil {
		cancel()
		m.releaseTask(req.TaskID)
		_ = m.db.UpdateAttemptStatus(context.Background(), attemptID, store.StatusFailed)
		return "", fmt.Errorf("start query on %s: %w", adapter.ID(), err)
	}

	if qp, ok := adapter.(queryRefProvider); ok {
		if ref, ok := qp.QueryRef(attemptID); ok {
			m.checkpoints.SetQueryRef(attemptID, ref)
		}
	}

	m.mu.Lock()
	m.active[attemptID] = state
	m.mu.Unlock()

	logging.Agent("task %s: attempt %s started on %s (resume=%q)",
		req.TaskID, attemptID, adapter.ID(), resume.SessionID)

	m.wg.Add(1)
	go m.consume(state, ch)
	return attemptID, nil
}

func (m *Manager) resumeOptions(ctx context.Context, req StartRequest, providerID string) (session.ResumeOptions, error) {
	if req.AutoFix {
		return m.sessions.OptionsAutoFix(ctx, req.TaskID, providerID)
	}
	return m.sessions.Options(ctx, req.TaskID, providerID)
}

// consume drains one attempt's stream and finalizes the attempt when it
// closes.
func (m *Manager) consume(state *attemptState, ch <-chan events.NormalizedEvent) {
	defer m.wg.Done()

	status := store.StatusCompleted
	exitReason := ""
	summary := ""

	for ev := range ch {
		state.setSession(ev.SessionID)
		if ev.CheckpointUUID != "" {
			m.checkpoints.CaptureUUID(state.attemptID, ev.CheckpointUUID)
		}

		if meta := ev.ProviderMeta; meta != nil {
			if meta.TrackedProcess != nil {
				m.router.OnTrackedProcess(events.TrackedProcessSignal{
					AttemptID: state.attemptID, Process: meta.TrackedProcess,
				})
			}
			if meta.BackgroundProcess != nil {
				m.router.OnBackgroundProcess(events.BackgroundProcessSignal{
					AttemptID: state.attemptID, Process: meta.BackgroundProcess,
				})
			}
		}

		switch ev.Type {
		case events.EventResult:
			m.tracker.TrackResult(state.attemptID, ev)
			if ev.Text != "" {
				summary = ev.Text
			}
			if ev.IsError {
				status = store.StatusFailed
				exitReason = ev.Error
				if exitReason == "" {
					exitReason = ev.Text
				}
			}
		case events.EventError:
			status = store.StatusFailed
			exitReason = ev.Error
			m.router.OnDiagnostic(events.DiagnosticSignal{
				AttemptID: state.attemptID, Message: ev.Error,
			})
		}

		m.router.OnEvent(state.attemptID, ev)
	}

	if state.wasCancelled() {
		status = store.StatusCancelled
	}
	m.finalize(state, status, exitReason, summary)
}

func (m *Manager) finalize(state *attemptState, status, exitReason, summary string) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelCtx()

	sessionID := state.session()
	if sessionID != "" {
		if err := m.sessions.Save(ctx, state.attemptID, sessionID); err != nil {
			logging.Get(logging.CategorySession).Warnf(
				"attempt %s: session save failed: %v", state.attemptID, err)
		}
	}

	if status == store.StatusCompleted {
		if err := m.checkpoints.Save(ctx, state.taskID, state.attemptID, sessionID, summary); err != nil {
			logging.Get(logging.CategoryCheckpoint).Warnf(
				"attempt %s: checkpoint save failed: %v", state.attemptID, err)
		}
	} else {
		m.checkpoints.ClearAttempt(ctx, state.attemptID)
	}

	if err := m.db.UpdateAttemptStatus(ctx, state.attemptID, status); err != nil {
		logging.Get(logging.CategoryStore).Warnf(
			"attempt %s: status update failed: %v", state.attemptID, err)
	}

	if state.workdir != "" {
		stats := gitstat.Snapshot(ctx, state.workdir)
		logging.Agent("attempt %s: working tree %+v", state.attemptID, stats)
	}

	code := 0
	if status != store.StatusCompleted {
		code = 1
	}
	if status == store.StatusCancelled {
		exitReason = "cancelled"
	}

	state.cancel()
	m.mu.Lock()
	delete(m.active, state.attemptID)
	if m.byTask[state.taskID] == state.attemptID {
		delete(m.byTask, state.taskID)
	}
	m.mu.Unlock()

	logging.Agent("attempt %s: finished (%s)", state.attemptID, status)
	m.router.OnExit(events.ExitSignal{AttemptID: state.attemptID, Code: code, Reason: exitReason})
	m.router.Release(state.attemptID)
}

func (m *Manager) releaseTask(taskID string) {
	m.mu.Lock()
	delete(m.byTask, taskID)
	m.mu.Unlock()
}

func (m *Manager) get(attemptID string) (*attemptState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[attemptID]
	return s, ok
}

// Cancel stops a running attempt. Any pending question is cancelled first
// so a suspended stream can unwind.
func (m *Manager) Cancel(attemptID string) bool {
	state, ok := m.get(attemptID)
	if !ok {
		return false
	}
	state.markCancelled()
	state.adapter.CancelQuestion(attemptID)
	state.adapter.Cancel(attemptID)
	state.cancel()
	logging.Agent("attempt %s: cancel requested", attemptID)
	return true
}

// CancelAll stops every running attempt and waits for their streams to
// drain.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	states := make([]*attemptState, 0, len(m.active))
	for _, s := range m.active {
		states = append(states, s)
	}
	m.mu.Unlock()

	for _, s := range states {
		s.markCancelled()
		s.adapter.CancelQuestion(s.attemptID)
		s.adapter.Cancel(s.attemptID)
		s.cancel()
	}
	m.wg.Wait()
}

// Wait blocks until every running attempt's stream has drained.
func (m *Manager) Wait() { m.wg.Wait() }

// IsRunning reports whether the attempt is in flight.
func (m *Manager) IsRunning(attemptID string) bool {
	_, ok := m.get(attemptID)
	return ok
}

// RunningAttempt returns the in-flight attempt id for a task.
func (m *Manager) RunningAttempt(taskID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byTask[taskID]
	return id, ok
}

// AnswerQuestion resumes an attempt suspended on a structured question.
func (m *Manager) AnswerQuestion(attemptID string, answers map[string]string) bool {
	state, ok := m.get(attemptID)
	if !ok {
		return false
	}
	return state.adapter.AnswerQuestion(attemptID, answers)
}

// CancelQuestion declines an attempt's pending question without stopping
// the attempt.
func (m *Manager) CancelQuestion(attemptID string) bool {
	state, ok := m.get(attemptID)
	if !ok {
		return false
	}
	return state.adapter.CancelQuestion(attemptID)
}

// HasPendingQuestion reports whether the attempt is suspended on a
// question.
func (m *Manager) HasPendingQuestion(attemptID string) bool {
	state, ok := m.get(attemptID)
	if !ok {
		return false
	}
	return state.adapter.HasPendingQuestion(attemptID)
}
