package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List providers and their models",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer app.close()

		for _, info := range app.registry.ListWithInfo(cmd.Context()) {
			marker := " "
			if info.Default {
				marker = "*"
			}
			if !info.Available {
				fmt.Printf("%s %-12s unavailable: %s\n", marker, info.ID, info.Error)
				continue
			}
			fmt.Printf("%s %-12s available\n", marker, info.ID)
			for _, m := range info.Models {
				def := ""
				if m.Default {
					def = " (default)"
				}
				fmt.Printf("    %-28s window=%d%s\n", m.ID, m.ContextWindow, def)
			}
		}
		return nil
	},
}
