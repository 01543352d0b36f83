package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"taskdeck/internal/agent"
	"taskdeck/internal/events"
	"taskdeck/internal/interceptor"
	"taskdeck/internal/logging"
	"taskdeck/internal/notify"
	"taskdeck/internal/provider"
	"taskdeck/internal/watch"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration server",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer app.close()

		addr := serveAddr
		if addr == "" {
			addr = cfg.Server.Addr
		}

		hub := notify.NewWSHub()
		app.router.SubscribeAll(hub)
		defer hub.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Background-process markers are global: a marker only identifies
		// the process, so route discoveries to every subscriber.
		watcher := watch.New(filepath.Join(cfg.DataDir, interceptor.MarkerDirName), func(p events.BackgroundProcess) {
			app.router.OnBackgroundProcess(events.BackgroundProcessSignal{Process: &p})
		})

		srv := &http.Server{
			Addr:              addr,
			Handler:           newServerMux(app, hub),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			err := watcher.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			logging.Agent("serving on %s", addr)
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
}

func newServerMux(app *app, hub *notify.WSHub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)

	mux.HandleFunc("GET /api/providers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, app.registry.ListWithInfo(r.Context()))
	})

	mux.HandleFunc("POST /api/attempts", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TaskID   string   `json:"task_id"`
			Prompt   string   `json:"prompt"`
			Workdir  string   `json:"workdir"`
			Provider string   `json:"provider,omitempty"`
			Model    string   `json:"model,omitempty"`
			Files    []string `json:"files,omitempty"`
			Output   string   `json:"output,omitempty"`
			MaxTurns int      `json:"max_turns,omitempty"`
			AutoFix  bool     `json:"auto_fix,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.TaskID == "" {
			http.Error(w, "task_id required", http.StatusBadRequest)
			return
		}
		if req.Workdir != "" {
			app.bindWorkdir(req.Workdir)
		}
		var output *provider.StructuredOutput
		if req.Output != "" {
			output = &provider.StructuredOutput{Format: req.Output}
		}
		attemptID, err := app.manager.Start(r.Context(), agent.StartRequest{
			TaskID:   req.TaskID,
			Prompt:   req.Prompt,
			Workdir:  req.Workdir,
			Provider: req.Provider,
			Model:    req.Model,
			Files:    req.Files,
			Output:   output,
			MaxTurns: req.MaxTurns,
			AutoFix:  req.AutoFix,
		})
		if err != nil {
			// A duplicate start is not an error path: the manager returns
			// the running attempt's id. Anything else is a server failure.
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"attempt_id": attemptID})
	})

	mux.HandleFunc("POST /api/attempts/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		if !app.manager.Cancel(r.PathValue("id")) {
			http.Error(w, "attempt not running", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/attempts/{id}/answer", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Answers map[string]string `json:"answers"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !app.manager.AnswerQuestion(r.PathValue("id"), req.Answers) {
			http.Error(w, "no pending question", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/attempts/{id}/question/cancel", func(w http.ResponseWriter, r *http.Request) {
		if !app.manager.CancelQuestion(r.PathValue("id")) {
			http.Error(w, "no pending question", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /api/attempts/{id}/usage", func(w http.ResponseWriter, r *http.Request) {
		stats, ok := app.tracker.Snapshot(r.PathValue("id"))
		if !ok {
			http.Error(w, "no usage recorded", http.StatusNotFound)
			return
		}
		writeJSON(w, stats)
	})

	mux.HandleFunc("GET /api/tasks/{id}/checkpoints", func(w http.ResponseWriter, r *http.Request) {
		cps, err := app.db.ListCheckpoints(r.Context(), r.PathValue("id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, cps)
	})

	mux.HandleFunc("POST /api/tasks/{id}/rewind", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SessionID string `json:"session_id"`
			MessageID string `json:"message_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := app.sessions.SetRewindState(r.Context(), r.PathValue("id"), req.SessionID, req.MessageID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Get(logging.CategoryNotify).Warnf("write response: %v", err)
	}
}
