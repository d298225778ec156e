// Package fsignal provides a filesystem-backed signal adapter.
//
// Touching a trigger file inside the watched directory fires the sync
// signal for the matching scope. This is the local development and test
// analogue of the websocket adapter: another process (or a shell one-liner)
// can nudge the engine into a delta pull without any network plumbing.
//
//	touch /path/to/signals/workspace_w1.signal
package fsignal

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/coastline-hq/driftsync/internal/types"
)

// TriggerSuffix is the filename suffix a trigger file must carry.
const TriggerSuffix = ".signal"

// Adapter watches a directory of trigger files.
type Adapter struct {
	dir    string
	logger *log.Logger
}

// New creates a filesystem signal adapter watching dir. The directory is
// created if it does not exist.
func New(dir string, logger *log.Logger) (*Adapter, error) {
	if dir == "" {
		return nil, fmt.Errorf("signal directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create signal directory: %w", err)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[fsignal] ", log.LstdFlags)
	}
	return &Adapter{dir: dir, logger: logger}, nil
}

// TriggerPath returns the trigger file path for a scope. Touching this
// file fires the scope's signal.
func (a *Adapter) TriggerPath(scope types.Scope) string {
	return filepath.Join(a.dir, triggerName(scope))
}

// Attach starts watching for the scope's trigger file. onSignal fires on
// every create or write of the file; onErr reports watcher faults. The
// returned function stops the watch.
func (a *Adapter) Attach(ctx context.Context, scope types.Scope, onSignal func(), onErr func(error)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(a.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", a.dir, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	name := triggerName(scope)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-watchCtx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != name {
					continue
				}
				if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
					onSignal()
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onErr != nil {
					onErr(err)
				}
			}
		}
	}()

	a.logger.Printf("Watching %s for %s", a.dir, name)
	return cancel, nil
}

// triggerName maps a scope key to a filesystem-safe trigger file name.
func triggerName(scope types.Scope) string {
	key := strings.ReplaceAll(scope.Key(), ":", "_")
	return key + TriggerSuffix
}
