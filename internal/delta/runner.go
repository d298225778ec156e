// Package delta pulls incremental remote change pages and routes them to
// the apply engine.
//
// Progress through a remote change stream is tracked by an opaque cursor
// per (scope, collection). The cursor only advances after a page has been
// fully and successfully applied; a page with any errored change is
// retried wholesale on the next run, which is safe because application is
// idempotent.
package delta

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/coastline-hq/driftsync/internal/apply"
	"github.com/coastline-hq/driftsync/internal/store"
	"github.com/coastline-hq/driftsync/internal/types"
)

// PullAdapter retrieves one page of remote changes since the cursor.
// The empty cursor is the "from the beginning" sentinel.
type PullAdapter interface {
	PullChanges(ctx context.Context, scope types.Scope, collectionKey, cursor string) (types.Page, error)
}

// Config configures the delta runner.
type Config struct {
	// MaxPagesPerRun bounds how many pages one RunDeltaPull may consume
	// per collection before yielding.
	MaxPagesPerRun int

	// Logger for runner activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxPagesPerRun: 20,
		Logger:         log.New(os.Stderr, "[delta] ", log.LstdFlags),
	}
}

// Stats summarizes one delta pull run.
type Stats struct {
	Pages     int
	Applied   int
	Conflicts int
	Errors    int
}

// Runner pulls remote pages for collections and applies them locally.
type Runner struct {
	store    *store.Store
	adapter  PullAdapter
	engine   *apply.Engine
	handler  apply.ChangeHandler
	detector apply.ConflictDetector
	config   *Config
}

// NewRunner creates a delta runner.
//
// handler may be nil, in which case pulled pages only advance the cursor
// (useful for draining a stream without materializing it). detector may
// be nil to disable conflict checking.
func NewRunner(s *store.Store, adapter PullAdapter, engine *apply.Engine, handler apply.ChangeHandler, detector apply.ConflictDetector, config *Config) (*Runner, error) {
	if s == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if adapter == nil {
		return nil, fmt.Errorf("adapter cannot be nil")
	}
	if handler != nil && engine == nil {
		return nil, fmt.Errorf("engine cannot be nil when a handler is set")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxPagesPerRun <= 0 {
		config.MaxPagesPerRun = 20
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[delta] ", log.LstdFlags)
	}

	return &Runner{
		store:    s,
		adapter:  adapter,
		engine:   engine,
		handler:  handler,
		detector: detector,
		config:   config,
	}, nil
}

// RunDeltaPull pulls pages for one collection starting from the persisted
// cursor until the stream is drained, a page fails to apply, or the page
// limit is reached.
//
// A page with any errored change stops the run WITHOUT advancing the
// cursor, preserving at-least-once redelivery of the failed page.
func (r *Runner) RunDeltaPull(ctx context.Context, scope types.Scope, collectionKey string) (Stats, error) {
	var stats Stats

	cursor, err := r.store.GetCursor(ctx, scope.Key(), collectionKey)
	if err != nil {
		return stats, err
	}

	for stats.Pages < r.config.MaxPagesPerRun {
		page, err := r.adapter.PullChanges(ctx, scope, collectionKey, cursor)
		if err != nil {
			return stats, fmt.Errorf("pull %s/%s: %w", scope.Key(), collectionKey, err)
		}
		stats.Pages++

		if r.handler != nil && len(page.Changes) > 0 {
			result, err := r.engine.ApplyChanges(ctx, scope, page.Changes, r.handler, r.detector)
			if err != nil {
				return stats, fmt.Errorf("apply %s/%s: %w", scope.Key(), collectionKey, err)
			}
			stats.Applied += result.Applied
			stats.Conflicts += result.Conflicts
			stats.Errors += result.Errors

			if result.Errors > 0 {
				r.config.Logger.Printf("Page for %s/%s had %d errored changes; cursor not advanced",
					scope.Key(), collectionKey, result.Errors)
				return stats, nil
			}
		}

		if page.NextCursor != "" && page.NextCursor != cursor {
			if err := r.store.SetCursor(ctx, scope.Key(), collectionKey, page.NextCursor); err != nil {
				return stats, err
			}
			cursor = page.NextCursor
		}

		if !page.HasMore {
			break
		}
	}

	return stats, nil
}

// RunAll pulls each collection fully before moving to the next.
// Sequential processing bounds the peak working set and keeps apply
// transactions collection-scoped.
func (r *Runner) RunAll(ctx context.Context, scope types.Scope, collections []string) (Stats, error) {
	var total Stats
	for _, collection := range collections {
		stats, err := r.RunDeltaPull(ctx, scope, collection)
		total.Pages += stats.Pages
		total.Applied += stats.Applied
		total.Conflicts += stats.Conflicts
		total.Errors += stats.Errors
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
