package main

import (
	"fmt"
	"path/filepath"

	"taskdeck/internal/agent"
	"taskdeck/internal/checkpoint"
	"taskdeck/internal/config"
	"taskdeck/internal/events"
	"taskdeck/internal/interceptor"
	"taskdeck/internal/mcp"
	"taskdeck/internal/notify"
	"taskdeck/internal/provider"
	"taskdeck/internal/provider/claudecli"
	"taskdeck/internal/provider/gemini"
	"taskdeck/internal/session"
	"taskdeck/internal/store"
	"taskdeck/internal/usage"
)

// app is the wired orchestration context every command runs against.
type app struct {
	cfg      *config.Config
	db       *store.Store
	registry *provider.Registry
	router   *notify.Router
	manager  *agent.Manager
	tracker  *usage.Tracker
	sessions *session.Manager
	gemini   *gemini.Adapter
	claude   *claudecli.Adapter
}

// bindWorkdir points the CLI adapter's session artifact lookup at the
// workdir an attempt runs in. Artifacts live under a per-workdir project
// directory, so the locator cannot be fixed at startup.
func (a *app) bindWorkdir(workdir string) {
	a.sessions.RegisterArtifactLocator(a.claude.ID(), a.claude.ArtifactLocatorFor(workdir))
}

// newApp wires storage, adapters, and the agent manager from config.
func newApp(cfg *config.Config) (*app, error) {
	db, err := store.Open(filepath.Join(cfg.DataDir, "taskdeck.db"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	router := notify.NewRouter()

	// Rewritten server commands drop their markers under the data dir.
	hooks := interceptor.New(router.OnQuestion)
	hooks.SetMarkerDir(filepath.Join(cfg.DataDir, interceptor.MarkerDirName))

	mcpMgr := mcp.NewManager(filepath.Join(cfg.DataDir, "mcp.yaml"))
	cacheDir := filepath.Join(cfg.DataDir, "models")

	geminiAdapter := gemini.NewAdapter(gemini.Options{
		APIKey:   cfg.Providers.Gemini.APIKey,
		Model:    cfg.Providers.Gemini.Model,
		DataDir:  cfg.DataDir,
		CacheDir: cacheDir,
	}, hooks)
	claudeAdapter := claudecli.NewAdapter(claudecli.Options{
		Binary:    cfg.Providers.ClaudeCLI.Binary,
		Model:     cfg.Providers.ClaudeCLI.Model,
		CacheDir:  cacheDir,
		MCPConfig: mcpMgr.RenderClaudeConfig,
	})

	registry := provider.NewRegistry(cfg.Providers.Default)
	registry.Register(geminiAdapter)
	registry.Register(claudeAdapter)

	sessions := session.NewManager(db)
	sessions.RegisterArtifactLocator(geminiAdapter.ID(), geminiAdapter.ArtifactLocator())

	checkpoints := checkpoint.NewManager(db)
	tracker := usage.NewTracker()
	tracker.Subscribe(func(s usage.Stats) {
		router.OnUsage(events.UsageSignal{AttemptID: s.AttemptID, Snapshot: s})
	})

	manager := agent.NewManager(registry, sessions, checkpoints, tracker, db, router,
		cfg.Providers.Project)

	return &app{
		cfg:      cfg,
		db:       db,
		registry: registry,
		router:   router,
		manager:  manager,
		tracker:  tracker,
		sessions: sessions,
		gemini:   geminiAdapter,
		claude:   claudeAdapter,
	}, nil
}

// close shuts running attempts down and releases resources.
func (a *app) close() {
	a.manager.CancelAll()
	_ = a.gemini.Close()
	_ = a.db.Close()
}
