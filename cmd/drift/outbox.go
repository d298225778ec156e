package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/coastline-hq/driftsync/internal/outbox"
)

var outboxLimit int

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect the durable outbox",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List outbox ops for the configured scope, newest first",
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

		ops, err := queue.ListOps(ctx, scope, outboxLimit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if len(ops) == 0 {
			fmt.Println("Outbox is empty")
			return
		}

		for _, op := range ops {
			line := fmt.Sprintf("%s  %-9s  %-7s  %s/%s  attempts=%d  %s",
				op.ID, op.State, op.OpType, op.EntityKey, op.EntityID,
				op.AttemptCount, op.CreatedAt.Format(time.RFC3339))
			if op.LastError != "" {
				line += "  err=" + op.LastError
			}
			fmt.Println(line)
		}
	},
}

var outboxGrepCmd = &cobra.Command{
	Use:   "grep <substring>",
	Short: "List pending ops whose payload contains a substring",
	Args:  cobra.ExactArgs(1),
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

		ops, err := queue.PendingOpsMatchingPayload(ctx, scope, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if len(ops) == 0 {
			fmt.Println("No matching pending ops")
			return
		}
		for _, op := range ops {
			fmt.Printf("%s  %-7s  %s/%s  %s\n", op.ID, op.OpType,
				op.EntityKey, op.EntityID, op.CreatedAt.Format(time.RFC3339))
		}
	},
}

func init() {
	outboxListCmd.Flags().IntVar(&outboxLimit, "limit", 50, "maximum ops to list")
	outboxCmd.AddCommand(outboxListCmd)
	outboxCmd.AddCommand(outboxGrepCmd)
	rootCmd.AddCommand(outboxCmd)
}
