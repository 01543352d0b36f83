package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"taskdeck/internal/agent"
	"taskdeck/internal/events"
	"taskdeck/internal/provider"
)

var (
	runTask     string
	runWorkdir  string
	runProvider string
	runModel    string
	runOutput   string
	runMaxTurns int
	runAutoFix  bool
	runFiles    []string
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run a single attempt and stream its output",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer app.close()

		workdir := runWorkdir
		if workdir == "" {
			workdir, _ = os.Getwd()
		}
		app.bindWorkdir(workdir)

		printer := newConsolePrinter()
		app.router.SubscribeAll(printer)

		var output *provider.StructuredOutput
		if runOutput != "" {
			output = &provider.StructuredOutput{Format: runOutput}
		}

		attemptID, err := app.manager.Start(cmd.Context(), agent.StartRequest{
			TaskID:   runTask,
			Prompt:   strings.Join(args, " "),
			Workdir:  workdir,
			Provider: runProvider,
			Model:    runModel,
			Files:    runFiles,
			Output:   output,
			MaxTurns: runMaxTurns,
			AutoFix:  runAutoFix,
		})
		if err != nil {
			return err
		}

		go answerQuestionsInteractively(cmd.Context(), app, printer)

		select {
		case sig := <-printer.exit:
			if stats, ok := app.tracker.Snapshot(attemptID); ok {
				fmt.Printf("\ntokens: %d in / %d out, context %.0f%% (%s)\n",
					stats.InputTokens, stats.OutputTokens, stats.ContextPercent, stats.Health)
			}
			if sig.Code != 0 {
				return fmt.Errorf("attempt failed: %s", sig.Reason)
			}
			return nil
		case <-cmd.Context().Done():
			app.manager.Cancel(attemptID)
			app.manager.Wait()
			return cmd.Context().Err()
		}
	},
}

func init() {
	runCmd.Flags().StringVarP(&runTask, "task", "t", "default", "task id")
	runCmd.Flags().StringVarP(&runWorkdir, "workdir", "w", "", "working directory (default: cwd)")
	runCmd.Flags().StringVarP(&runProvider, "provider", "p", "", "provider override")
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "model override")
	runCmd.Flags().StringVar(&runOutput, "output", "", "structured output format (json, yaml)")
	runCmd.Flags().IntVar(&runMaxTurns, "max-turns", 0, "turn budget (0 = provider default)")
	runCmd.Flags().BoolVar(&runAutoFix, "auto-fix", true, "rewind past corrupted session tails on resume")
	runCmd.Flags().StringSliceVar(&runFiles, "file", nil, "extra context file (repeatable)")
}

// consolePrinter renders the event stream to stdout.
type consolePrinter struct {
	questions chan events.QuestionSignal
	exit      chan events.ExitSignal
}

func newConsolePrinter() *consolePrinter {
	return &consolePrinter{
		questions: make(chan events.QuestionSignal, 4),
		exit:      make(chan events.ExitSignal, 1),
	}
}

func (p *consolePrinter) OnEvent(_ string, ev events.NormalizedEvent) {
	switch ev.Type {
	case events.EventAssistant:
		if ev.Text != "" {
			fmt.Print(ev.Text)
		}
	case events.EventToolUse:
		fmt.Printf("\n[tool] %s %s\n", ev.ToolName, ev.ToolInput)
	case events.EventToolResult:
		if ev.ToolIsError {
			fmt.Printf("[tool error] %s\n", firstLine(ev.ToolContent))
		}
	case events.EventResult:
		fmt.Println()
	case events.EventError:
		fmt.Fprintf(os.Stderr, "\nstream error: %s\n", ev.Error)
	}
}

func (p *consolePrinter) OnQuestion(sig events.QuestionSignal) {
	select {
	case p.questions <- sig:
	default:
	}
}

func (p *consolePrinter) OnBackgroundProcess(sig events.BackgroundProcessSignal) {
	fmt.Printf("\n[server] pid %d, log %s\n", sig.Process.PID, sig.Process.LogFile)
}

func (p *consolePrinter) OnTrackedProcess(events.TrackedProcessSignal) {}

func (p *consolePrinter) OnDiagnostic(sig events.DiagnosticSignal) {
	fmt.Fprintf(os.Stderr, "[diagnostic] %s\n", sig.Message)
}

func (p *consolePrinter) OnUsage(events.UsageSignal) {}

func (p *consolePrinter) OnExit(sig events.ExitSignal) {
	select {
	case p.exit <- sig:
	default:
	}
}

// answerQuestionsInteractively prompts on stdin whenever the stream
// suspends on a structured question.
func answerQuestionsInteractively(ctx context.Context, app *app, printer *consolePrinter) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-printer.questions:
			answers := make(map[string]string)
			for _, q := range sig.Payload.Questions {
				fmt.Printf("\n? %s", q.Text)
				if len(q.Options) > 0 {
					fmt.Printf(" [%s]", strings.Join(q.Options, "/"))
				}
				fmt.Print(" ")
				var answer string
				if _, err := fmt.Scanln(&answer); err != nil {
					answer = ""
				}
				answers[q.ID] = answer
			}
			if !app.manager.AnswerQuestion(sig.AttemptID, answers) {
				fmt.Fprintln(os.Stderr, "question no longer pending")
			}
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
