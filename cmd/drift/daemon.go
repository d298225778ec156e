package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var daemonForeground bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Run the sync daemon until interrupted.

The daemon drains the outbox on a poll interval, listens for remote
change signals (when a signal adapter is configured), and pulls remote
changes in debounced delta runs. Logs rotate via the log.file settings;
with --foreground logs go to stderr instead.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := daemonLogger()

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
		if err := orch.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting daemon: %v\n", err)
			os.Exit(1)
		}
		if err := orch.StartScopeSync(cmd.Context(), scope); err != nil {
			orch.Stop()
			fmt.Fprintf(os.Stderr, "Error activating scope: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Sync daemon running (scope %s, db %s)\n", scope.Key(), viper.GetString("db"))

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		sig := <-sigCh

		logger.Printf("Received %v, shutting down", sig)
		orch.Stop()
		fmt.Println("Sync daemon stopped")
	},
}

// daemonLogger returns a rotating file logger when log.file is set,
// otherwise stderr.
func daemonLogger() *log.Logger {
	var out io.Writer = os.Stderr
	if file := viper.GetString("log.file"); file != "" && !daemonForeground {
		out = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    viper.GetInt("log.max_size_mb"),
			MaxBackups: viper.GetInt("log.max_backups"),
			MaxAge:     viper.GetInt("log.max_age_days"),
			Compress:   true,
		}
	}
	return log.New(out, "[drift] ", log.LstdFlags)
}

// statusCtx is a helper for one-shot commands: a background context is
// fine because every store call is short.
func statusCtx() context.Context {
	return context.Background()
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonForeground, "foreground", false, "log to stderr even when log.file is set")
	rootCmd.AddCommand(daemonCmd)
}
