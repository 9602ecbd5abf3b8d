// Package tasks wires library maintenance jobs into the scheduler.
package tasks

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/tongki078/nasvideo/internal/catalog"
	"github.com/tongki078/nasvideo/internal/enrich"
	"github.com/tongki078/nasvideo/internal/library/scanner"
	"github.com/tongki078/nasvideo/internal/progress"
	"github.com/tongki078/nasvideo/internal/scheduler"
)

// LibraryRefreshTask rescans the library tree, resolves new metadata and
// rebuilds the projection on a fixed cron.
type LibraryRefreshTask struct {
	scanner    *scanner.Scanner
	enricher   *enrich.Worker
	projection *catalog.Projection
	monitor    *progress.Monitor
	logger     zerolog.Logger
}

// NewLibraryRefreshTask creates the periodic refresh task.
func NewLibraryRefreshTask(
	sc *scanner.Scanner,
	en *enrich.Worker,
	proj *catalog.Projection,
	monitor *progress.Monitor,
	logger zerolog.Logger,
) *LibraryRefreshTask {
	return &LibraryRefreshTask{
		scanner:    sc,
		enricher:   en,
		projection: proj,
		monitor:    monitor,
		logger:     logger.With().Str("component", "library-refresh").Logger(),
	}
}

// Register adds the refresh task to the scheduler.
func (t *LibraryRefreshTask) Register(sched *scheduler.Scheduler, cron string, runOnStart bool) error {
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:         "library-refresh",
		Name:       "Library Refresh",
		Cron:       cron,
		RunOnStart: runOnStart,
		Func:       t.Run,
	})
}

// Run performs one full refresh cycle. A manually triggered task already
// holding the monitor causes the cycle to be skipped, not queued.
func (t *LibraryRefreshTask) Run(ctx context.Context) error {
	if !t.monitor.TryStart("scan") {
		t.logger.Info().Msg("another task is running, skipping scheduled refresh")
		return nil
	}

	scanErr := t.scanner.ScanAll(ctx)
	if rebuildErr := t.projection.Rebuild(ctx); rebuildErr != nil && scanErr == nil {
		scanErr = rebuildErr
	}
	t.monitor.Finish()
	if scanErr != nil {
		return scanErr
	}

	if err := t.enricher.Run(ctx, false); err != nil {
		if errors.Is(err, enrich.ErrBusy) {
			t.logger.Info().Msg("enrichment already running, skipping")
			return nil
		}
		return err
	}
	return nil
}
