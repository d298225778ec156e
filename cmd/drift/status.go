package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/coastline-hq/driftsync/internal/conflict"
	"github.com/coastline-hq/driftsync/internal/outbox"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local sync state",
	Long: `Show the local sync state for the configured scope: pending outbox
ops, per-collection cursors, and unresolved conflicts.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(os.Stderr, "[drift] ", log.LstdFlags)
		ctx := statusCtx()

		s, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer s.Close()

		scope := configScope()
		queue := outbox.New(s, logger)

		pending, err := queue.CountPending(ctx, scope)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting pending ops: %v\n", err)
			os.Exit(1)
		}

		conflicts, err := conflict.ListUnresolved(ctx, s, scope)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing conflicts: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Scope:                %s\n", scope.Key())
		fmt.Printf("Database:             %s\n", viper.GetString("db"))
		fmt.Printf("Pending outbox ops:   %d\n", pending)
		fmt.Printf("Unresolved conflicts: %d\n", len(conflicts))

		collections := viper.GetStringSlice("collections")
		if len(collections) > 0 {
			fmt.Println("Cursors:")
			for _, coll := range collections {
				cursor, err := s.GetCursor(ctx, scope.Key(), coll)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error reading cursor for %s: %v\n", coll, err)
					os.Exit(1)
				}
				if cursor == "" {
					cursor = "(none)"
				}
				fmt.Printf("  %-20s %s\n", coll, cursor)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
