package main

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"

	"github.com/coastline-hq/driftsync/internal/adapter/fsignal"
	"github.com/coastline-hq/driftsync/internal/adapter/httpapi"
	"github.com/coastline-hq/driftsync/internal/adapter/wsignal"
	"github.com/coastline-hq/driftsync/internal/apply"
	"github.com/coastline-hq/driftsync/internal/conflict"
	"github.com/coastline-hq/driftsync/internal/delta"
	"github.com/coastline-hq/driftsync/internal/engine"
	"github.com/coastline-hq/driftsync/internal/outbox"
	"github.com/coastline-hq/driftsync/internal/store"
	"github.com/coastline-hq/driftsync/internal/types"
)

// openStore opens the configured database and ensures the schema exists.
func openStore() (*store.Store, error) {
	s, err := store.Open(viper.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := s.InitSchema(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// configScope returns the scope configured via scope.kind / scope.id.
// Both empty means the global scope.
func configScope() types.Scope {
	return types.NewScope(viper.GetString("scope.kind"), viper.GetString("scope.id"))
}

// buildOrchestrator wires the full engine from config: store, outbox
// queue and processor, delta runner with the built-in row handler and
// conflict detector, the configured signal adapter, and the orchestrator.
func buildOrchestrator(s *store.Store, logger *log.Logger) (*engine.Orchestrator, error) {
	serverURL := viper.GetString("server.url")
	if serverURL == "" {
		return nil, fmt.Errorf("server.url is not configured")
	}

	clientConfig := httpapi.DefaultConfig(serverURL)
	clientConfig.Token = viper.GetString("server.token")
	client, err := httpapi.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create API client: %w", err)
	}

	queue := outbox.New(s, logger)

	procConfig := outbox.DefaultProcessorConfig()
	procConfig.Logger = logger
	processor, err := outbox.NewProcessor(queue, client, procConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create outbox processor: %w", err)
	}

	detector := conflict.NewDetector(queue, logger)
	applyEngine := apply.New(s, logger)

	runnerConfig := delta.DefaultConfig()
	runnerConfig.Logger = logger
	runner, err := delta.NewRunner(s, client, applyEngine, apply.NewRowHandler(), detector, runnerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create delta runner: %w", err)
	}

	signal, err := buildSignalAdapter(logger)
	if err != nil {
		return nil, err
	}

	orchConfig := engine.DefaultConfig()
	orchConfig.Logger = logger
	orchConfig.Collections = viper.GetStringSlice("collections")
	if d, err := time.ParseDuration(viper.GetString("poll_interval")); err == nil && d > 0 {
		orchConfig.PollInterval = d
	}
	if d, err := time.ParseDuration(viper.GetString("debounce_interval")); err == nil && d > 0 {
		orchConfig.DebounceInterval = d
	}

	return engine.New(s, queue, processor, runner, signal, nil, orchConfig)
}

// buildSignalAdapter returns the configured signal adapter, or nil when
// signal.mode is "none" (the poll timer still provides forward progress).
func buildSignalAdapter(logger *log.Logger) (engine.SignalAdapter, error) {
	switch mode := viper.GetString("signal.mode"); mode {
	case "", "none":
		return nil, nil

	case "ws":
		wsURL := viper.GetString("server.ws_url")
		if wsURL == "" {
			return nil, fmt.Errorf("signal.mode is ws but server.ws_url is not configured")
		}
		config := wsignal.DefaultConfig(wsURL)
		config.Token = viper.GetString("server.token")
		config.Logger = logger
		return wsignal.New(config)

	case "fs":
		return fsignal.New(viper.GetString("signal.dir"), logger)

	default:
		return nil, fmt.Errorf("unknown signal.mode %q (expected ws, fs, or none)", mode)
	}
}
