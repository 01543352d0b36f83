package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions <task-id>",
	Short: "Show stored sessions and checkpoints for a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer app.close()

		taskID := args[0]
		found := false
		for _, providerID := range app.registry.IDs() {
			sessionID, err := app.db.GetSession(cmd.Context(), taskID, providerID)
			if err != nil {
				return err
			}
			if sessionID == "" {
				continue
			}
			found = true
			fmt.Printf("%-12s %s\n", providerID, sessionID)
		}
		if !found {
			fmt.Println("no sessions stored")
		}

		cps, err := app.db.ListCheckpoints(cmd.Context(), taskID)
		if err != nil {
			return err
		}
		if len(cps) > 0 {
			fmt.Println("\ncheckpoints:")
			for _, cp := range cps {
				fmt.Printf("  %s  %s  messages=%d  %s\n",
					cp.CreatedAt.Format("2006-01-02 15:04"), cp.RestoreUUID,
					cp.MessageCount, firstLine(cp.Summary))
			}
		}
		return nil
	},
}
