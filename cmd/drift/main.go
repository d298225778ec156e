// Command drift is the CLI for the driftsync local-first sync engine.
//
// It manages a local SQLite database holding entity rows, the durable
// outbox, delta cursors, and the conflict log, and runs the sync daemon
// that pushes local mutations and pulls remote changes.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "drift",
	Short: "Local-first sync engine",
	Long: `drift synchronizes a local SQLite database with a remote sync API.

Local mutations are recorded in a durable outbox and pushed in the
background; remote changes are pulled in cursor-driven pages and applied
transactionally. Conflicts between un-synced local edits and incoming
remote edits are detected and surfaced for explicit resolution.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default drift.yaml in the working directory)")
	rootCmd.PersistentFlags().String("db", "", "path to the local database (default .drift/drift.db)")

	cobra.OnInitialize(initConfig)
}

// initConfig loads drift.yaml and DRIFT_* environment variables.
func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("drift")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/drift")
	}

	viper.SetEnvPrefix("DRIFT")
	viper.AutomaticEnv()

	viper.SetDefault("db", filepath.Join(".drift", "drift.db"))
	viper.SetDefault("server.url", "")
	viper.SetDefault("server.ws_url", "")
	viper.SetDefault("server.token", "")
	viper.SetDefault("scope.kind", "")
	viper.SetDefault("scope.id", "")
	viper.SetDefault("collections", []string{"default"})
	viper.SetDefault("poll_interval", "2s")
	viper.SetDefault("debounce_interval", "1s")
	viper.SetDefault("signal.mode", "none")
	viper.SetDefault("signal.dir", filepath.Join(".drift", "signals"))
	viper.SetDefault("log.file", "")
	viper.SetDefault("log.max_size_mb", 10)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age_days", 14)

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; flags, env, and defaults apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
			os.Exit(1)
		}
	}

	if db, _ := rootCmd.PersistentFlags().GetString("db"); db != "" {
		viper.Set("db", db)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
