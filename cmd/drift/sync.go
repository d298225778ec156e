package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one foreground sync (push then pull)",
	Long: `Run a single push-then-pull sync pass and exit.

The outbox is drained first, then every configured collection is pulled.
Exits non-zero if the sync recorded an error.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(os.Stderr, "[drift] ", log.LstdFlags)

		s, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer s.Close()

		orch, err := buildOrchestrator(s, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		scope := configScope()
		if err := orch.StartScopeSync(cmd.Context(), scope); err != nil {
			fmt.Fprintf(os.Stderr, "Error activating scope: %v\n", err)
			os.Exit(1)
		}

		orch.TriggerForegroundSync(cmd.Context())

		status := orch.Status()
		if status.LastError != "" {
			fmt.Fprintf(os.Stderr, "Sync finished with error: %s\n", status.LastError)
			os.Exit(1)
		}
		fmt.Printf("Sync complete (%d ops still pending)\n", status.PendingOutboxOps)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
