package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/origamihq/conductor/internal/domain"
	"github.com/origamihq/conductor/internal/events"
	"github.com/origamihq/conductor/internal/symphony"
)

// WindowJob fires the daily execution window.
type WindowJob struct {
	runner *WindowRunner
}

// NewWindowJob wraps a window runner for the cron.
func NewWindowJob(runner *WindowRunner) *WindowJob {
	return &WindowJob{runner: runner}
}

func (j *WindowJob) Name() string { return "execution-window" }

func (j *WindowJob) Run(ctx context.Context) error {
	_, err := j.runner.Run(ctx, time.Now(), RunOptions{})
	return err
}

// WarmupJob heats the market data caches ahead of the window with the
// union of tickers across all active symphonies. A warmup failure is
// logged by the scheduler and never blocks the window.
type WarmupJob struct {
	symphonies *symphony.Repository
	data       MarketData
	events     *events.Manager
	log        zerolog.Logger
}

// NewWarmupJob wires a warmup job.
func NewWarmupJob(symphonies *symphony.Repository, data MarketData, em *events.Manager, log zerolog.Logger) *WarmupJob {
	return &WarmupJob{
		symphonies: symphonies,
		data:       data,
		events:     em,
		log:        log.With().Str("component", "warmup").Logger(),
	}
}

func (j *WarmupJob) Name() string { return "cache-warmup" }

func (j *WarmupJob) Run(ctx context.Context) error {
	start := time.Now()
	symbols, err := j.activeSymbols()
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		j.log.Debug().Msg("No active symbols to warm")
		return nil
	}

	warmed, err := j.data.Warmup(ctx, symbols)
	j.events.EmitTyped("scheduler", &events.WarmupCompletedData{
		Symbols:    len(symbols),
		Warmed:     warmed,
		Failures:   len(symbols) - warmed,
		DurationMs: time.Since(start).Milliseconds(),
	})
	if err != nil {
		return err
	}
	j.log.Info().
		Int("symbols", len(symbols)).
		Dur("elapsed", time.Since(start)).
		Msg("Caches warmed")
	return nil
}

// activeSymbols is the deduplicated manifest union over every active
// symphony. Trees that no longer parse are skipped here; the window and
// the nightly revalidation deal with them.
func (j *WarmupJob) activeSymbols() ([]string, error) {
	active, err := j.symphonies.ListActive()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate symphonies: %w", err)
	}

	seen := make(map[string]bool)
	var symbols []string
	for _, sym := range active {
		validated, err := checkTree(sym.TreeJSON)
		if err != nil {
			j.log.Warn().Err(err).Str("symphony_id", sym.ID).Msg("Skipping unparseable symphony")
			continue
		}
		for _, ticker := range validated.Manifest.Tickers {
			if !seen[ticker] {
				seen[ticker] = true
				symbols = append(symbols, ticker)
			}
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// revalidationPrefix marks errors written by the nightly revalidation.
// Only symphonies it parked itself are eligible for reactivation;
// runtime deactivations stay down until someone looks at them.
const revalidationPrefix = "failed validation: "

// MaintenanceJob is the nightly housekeeping pass: purge expired
// archive rows, checkpoint the write-ahead logs, revalidate every
// stored tree, and run the database backup.
type MaintenanceJob struct {
	symphonies *symphony.Repository
	archive    ArchiveCleaner
	databases  []Checkpointer
	backup     Backupper
	log        zerolog.Logger
}

// NewMaintenanceJob wires a maintenance job. archive and backup may be
// nil to disable those passes.
func NewMaintenanceJob(symphonies *symphony.Repository, archive ArchiveCleaner, databases []Checkpointer, backup Backupper, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		symphonies: symphonies,
		archive:    archive,
		databases:  databases,
		backup:     backup,
		log:        log.With().Str("component", "maintenance").Logger(),
	}
}

func (j *MaintenanceJob) Name() string { return "nightly-maintenance" }

// Run executes every pass even when an earlier one fails and reports
// the first failure.
func (j *MaintenanceJob) Run(ctx context.Context) error {
	var firstErr error
	fail := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	if j.archive != nil {
		if n, err := j.archive.Cleanup(); err != nil {
			j.log.Error().Err(err).Msg("Archive cleanup failed")
			fail(err)
		} else if n > 0 {
			j.log.Info().Int64("rows", n).Msg("Expired archive rows removed")
		}
	}

	for _, db := range j.databases {
		if err := db.WALCheckpoint(""); err != nil {
			j.log.Error().Err(err).Str("database", db.Name()).Msg("WAL checkpoint failed")
			fail(err)
		}
	}

	if err := j.revalidate(); err != nil {
		j.log.Error().Err(err).Msg("Revalidation failed")
		fail(err)
	}

	if j.backup != nil {
		if err := j.backup.Run(ctx); err != nil {
			j.log.Error().Err(err).Msg("Backup failed")
			fail(err)
		}
	}
	return firstErr
}

// revalidate re-checks every stored tree. Active symphonies that no
// longer validate are parked with the error; symphonies this job parked
// earlier come back once their tree validates again.
func (j *MaintenanceJob) revalidate() error {
	syms, err := j.symphonies.ListAll()
	if err != nil {
		return fmt.Errorf("failed to enumerate symphonies: %w", err)
	}

	for _, sym := range syms {
		_, verr := checkTree(sym.TreeJSON)
		switch {
		case verr != nil && sym.Status == domain.SymphonyActive:
			j.log.Warn().Err(verr).Str("symphony_id", sym.ID).Msg("Active symphony no longer validates")
			if err := j.symphonies.SetStatus(sym.ID, domain.SymphonyError, revalidationPrefix+verr.Error()); err != nil {
				j.log.Error().Err(err).Str("symphony_id", sym.ID).Msg("Failed to park symphony")
			}

		case verr == nil && sym.Status == domain.SymphonyError && strings.HasPrefix(sym.LastError, revalidationPrefix):
			j.log.Info().Str("symphony_id", sym.ID).Msg("Symphony validates again, reactivating")
			if err := j.symphonies.SetStatus(sym.ID, domain.SymphonyActive, ""); err != nil {
				j.log.Error().Err(err).Str("symphony_id", sym.ID).Msg("Failed to reactivate symphony")
			}
		}
	}
	return nil
}

func checkTree(data []byte) (*symphony.Validated, error) {
	tree, err := symphony.Parse(data)
	if err != nil {
		return nil, err
	}
	return symphony.Validate(tree)
}
