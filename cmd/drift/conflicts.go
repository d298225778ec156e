package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coastline-hq/driftsync/internal/conflict"
	"github.com/coastline-hq/driftsync/internal/types"
)

var conflictsAll bool

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve sync conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflicts for the configured scope",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := statusCtx()

		s, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer s.Close()

		scope := configScope()

		var conflicts []types.Conflict
		if conflictsAll {
			all, err := conflict.List(ctx, s, scope, 100)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			conflicts = all
		} else {
			unresolved, err := conflict.ListUnresolved(ctx, s, scope)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			conflicts = unresolved
		}

		if len(conflicts) == 0 {
			fmt.Println("No conflicts")
			return
		}

		for _, c := range conflicts {
			state := "unresolved"
			if c.Resolved() {
				state = "resolved " + c.ResolvedAt.Format("2006-01-02 15:04")
			}
			fmt.Printf("%s  %s/%s  %s  (%s)\n", c.ID, c.EntityKey, c.EntityID,
				c.CreatedAt.Format("2006-01-02 15:04:05"), state)
		}
	},
}

var conflictsShowCmd = &cobra.Command{
	Use:   "show <conflict-id>",
	Short: "Show both versions of a conflict",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := statusCtx()

		s, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer s.Close()

		c, err := conflict.Get(ctx, s, args[0])
		if err != nil {
			if errors.Is(err, conflict.ErrNotFound) {
				fmt.Fprintf(os.Stderr, "Conflict %s not found\n", args[0])
			} else {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			os.Exit(1)
		}

		fmt.Printf("Conflict %s\n", c.ID)
		fmt.Printf("Entity:   %s/%s\n", c.EntityKey, c.EntityID)
		fmt.Printf("Detected: %s\n", c.CreatedAt.Format("2006-01-02 15:04:05"))
		if c.Resolved() {
			fmt.Printf("Resolved: %s\n", c.ResolvedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("\nLocal version:\n%s\n", string(c.LocalVersion))
		fmt.Printf("\nRemote version:\n%s\n", string(c.RemoteVersion))
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Mark a conflict as resolved",
	Long: `Mark a conflict as resolved.

Resolution only acknowledges the conflict; pick the winning version first
by editing the entity (a new outbox op) or leaving the remote row as is.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := statusCtx()

		s, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer s.Close()

		if err := conflict.Resolve(ctx, s, args[0]); err != nil {
			switch {
			case errors.Is(err, conflict.ErrNotFound):
				fmt.Fprintf(os.Stderr, "Conflict %s not found\n", args[0])
			case errors.Is(err, conflict.ErrAlreadyResolved):
				fmt.Fprintf(os.Stderr, "Conflict %s is already resolved\n", args[0])
			default:
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			os.Exit(1)
		}
		fmt.Printf("Resolved conflict %s\n", args[0])
	},
}

func init() {
	conflictsListCmd.Flags().BoolVar(&conflictsAll, "all", false, "include resolved conflicts")
	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsShowCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}
