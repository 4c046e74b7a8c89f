// Package main is the conductor binary. One executable carries the
// long-running engine (serve) and the operator one-shots: run-once,
// reconcile, validate, warmup, and backup.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/origamihq/conductor/internal/config"
	"github.com/origamihq/conductor/internal/database"
	"github.com/origamihq/conductor/internal/di"
	"github.com/origamihq/conductor/internal/domain"
	"github.com/origamihq/conductor/internal/scheduler"
	"github.com/origamihq/conductor/internal/server"
	"github.com/origamihq/conductor/internal/symphony"
	"github.com/origamihq/conductor/pkg/logger"
)

// Exit codes form the contract with supervisors and cron wrappers:
// validation failures are the operator's to fix, runtime failures are
// the engine's, and deadline exits mean the work ran out of window.
const (
	exitOK         = 0
	exitValidation = 1
	exitRuntime    = 2
	exitDeadline   = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitValidation
	}
	command, args := args[0], args[1:]

	switch command {
	case "help", "-h", "--help":
		usage()
		return exitOK
	case "validate":
		// validate reads a file and reports; it must work on a machine
		// with no configuration and no databases.
		return runValidate(args)
	case "serve", "run-once", "reconcile", "warmup", "backup":
		// Engine commands, wired below.
	default:
		fmt.Fprintf(os.Stderr, "conductor: unknown command %q\n\n", command)
		usage()
		return exitValidation
	}

	cfg, err := config.Load()
	if err != nil {
		log := logger.New("info", true)
		log.Error().Err(err).Msg("Failed to load configuration")
		return exitValidation
	}
	log := logger.New(cfg.LogLevel, cfg.LogPretty)

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to wire dependencies")
		return exitRuntime
	}
	defer container.Close()

	switch command {
	case "serve":
		return runServe(cfg, container, log)
	case "run-once":
		return runOnce(args, container, log)
	case "reconcile":
		return runReconcile(container, log)
	case "warmup":
		return runWarmup(container, log)
	default:
		// Only "backup" reaches here; the first dispatch vetted the
		// command name.
		return runBackup(container, log)
	}
}

// runServe is the engine's resident mode: settle whatever the previous
// process left in flight, start the ops server and the scheduler, then
// hold until a signal.
func runServe(cfg *config.Config, container *di.Container, log zerolog.Logger) int {
	log.Info().
		Str("window_start", cfg.Window.Start).
		Str("timezone", cfg.Timezone).
		Msg("Starting conductor")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Orders that were in flight when the last process died must be
	// settled before the next window opens on top of them.
	if redriven, err := container.Recovery.RedriveIncomplete(ctx, container.ResolveBroker); err != nil {
		log.Error().Err(err).Msg("Startup redrive failed")
	} else if redriven > 0 {
		log.Info().Int("orders", redriven).Msg("Redrove orders left in flight by the previous run")
	}

	srv := server.New(server.Config{
		Log:         log,
		Port:        cfg.Port,
		DataDir:     cfg.DataDir,
		Data:        container.Data,
		Bus:         container.Bus,
		Databases:   []*database.DB{container.ConductorDB, container.CacheDB},
		Symphonies:  container.Symphonies,
		Positions:   container.Positions,
		Executions:  container.Executions,
		Performance: container.Performance,
		Backtests:   container.Backtests,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Ops server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Ops server started")

	container.Scheduler.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")

	// Cancel first so an in-flight window sees it; Stop then waits for
	// the job to return instead of abandoning it mid-submission.
	cancel()
	container.Scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ops server forced to shutdown")
	}

	log.Info().Msg("Conductor stopped")
	return exitOK
}

// runOnce replays one execution window immediately, off schedule. It
// forces past the market-open check so operators can rerun a missed
// window after hours.
func runOnce(args []string, container *di.Container, log zerolog.Logger) int {
	fs := flag.NewFlagSet("run-once", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	date := fs.String("date", "", "session date YYYY-MM-DD, defaults to the current session")
	symphonyID := fs.String("symphony", "", "restrict the run to one symphony id")
	dryRun := fs.Bool("dry-run", false, "evaluate and plan without submitting or recording anything")
	if err := fs.Parse(args); err != nil {
		return exitValidation
	}
	if *date != "" {
		if _, err := time.Parse("2006-01-02", *date); err != nil {
			log.Error().Str("date", *date).Msg("Date must be YYYY-MM-DD")
			return exitValidation
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	summary, err := container.Runner.Run(ctx, time.Now(), scheduler.RunOptions{
		Date:     *date,
		Symphony: *symphonyID,
		DryRun:   *dryRun,
		Force:    true,
	})
	if err != nil {
		log.Error().Err(err).Msg("Window run failed")
		return exitCode(err)
	}

	log.Info().
		Str("window", summary.WindowDate).
		Int("symphonies", summary.Symphonies).
		Int("executed", summary.Executed).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Int("liquidated", summary.Liquidated).
		Int64("duration_ms", summary.DurationMs).
		Msg("Window run complete")

	// Per-symphony failures never abort the window, but an operator
	// replaying it still needs to see them in the exit status.
	if summary.Failed > 0 {
		return exitRuntime
	}
	return exitOK
}

// runReconcile squares every active user's book against their broker
// account without running a window.
func runReconcile(container *di.Container, log zerolog.Logger) int {
	ctx, cancel := signalContext()
	defer cancel()

	activeUsers, err := container.Users.ListActive()
	if err != nil {
		log.Error().Err(err).Msg("Failed to enumerate users")
		return exitRuntime
	}

	var divergences, repaired, failures int
	for _, user := range activeUsers {
		// The full set, any status: paused symphonies still hold
		// positions the broker knows about.
		symphonies, err := container.Symphonies.ListByUser(user.ID)
		if err != nil {
			log.Error().Err(err).Str("user_id", user.ID).Msg("Failed to enumerate symphonies")
			failures++
			continue
		}
		if len(symphonies) == 0 {
			continue
		}

		broker, err := container.ResolveBroker(ctx, user.ID)
		if err != nil {
			log.Warn().Err(err).Str("user_id", user.ID).Msg("No working broker credentials, skipping")
			failures++
			continue
		}

		found, err := container.Reconciler.ReconcileUser(ctx, broker, symphonies)
		if err != nil {
			log.Error().Err(err).Str("user_id", user.ID).Msg("Reconciliation failed")
			failures++
			continue
		}
		divergences += len(found)
		for _, d := range found {
			if d.Repaired {
				repaired++
			}
		}
	}

	log.Info().
		Int("users", len(activeUsers)).
		Int("divergences", divergences).
		Int("repaired", repaired).
		Msg("Reconcile complete")
	if failures > 0 {
		return exitRuntime
	}
	return exitOK
}

// runValidate checks a symphony tree file and reports what the engine
// would see. Output goes to plain stdout/stderr because this command
// runs without configuration, often in a pipeline.
func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return exitValidation
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: conductor validate <file.json>")
		return exitValidation
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		return exitRuntime
	}

	tree, err := symphony.Parse(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid (%s): %v\n", domain.KindOf(err), err)
		return exitValidation
	}
	validated, err := symphony.Validate(tree)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid (%s): %v\n", domain.KindOf(err), err)
		return exitValidation
	}

	fmt.Printf("valid: %d steps, depth %d, %d assets, %d tickers, max lookback %d days\n",
		validated.Complexity.Steps,
		validated.Complexity.Depth,
		len(validated.Manifest.Assets),
		len(validated.Manifest.Tickers),
		validated.Manifest.MaxWindow,
	)
	return exitOK
}

// runWarmup performs the same cache heat the scheduled T-minus-lead job
// does, on demand.
func runWarmup(container *di.Container, log zerolog.Logger) int {
	ctx, cancel := signalContext()
	defer cancel()

	if err := container.WarmupJob.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Warmup failed")
		return exitCode(err)
	}
	return exitOK
}

// runBackup archives the databases to the configured object store.
func runBackup(container *di.Container, log zerolog.Logger) int {
	if container.Backup == nil {
		log.Error().Msg("Backup storage is not configured, set BACKUP_S3_BUCKET and its credentials")
		return exitValidation
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := container.Backup.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Backup failed")
		return exitCode(err)
	}
	return exitOK
}

// signalContext cancels on SIGINT or SIGTERM so one-shot commands can
// unwind instead of dying mid-write.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// exitCode distinguishes deadline exhaustion from other failures so a
// wrapper can tell a slow window from a broken one.
func exitCode(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return exitDeadline
	}
	return exitRuntime
}

func usage() {
	fmt.Fprint(os.Stderr, `conductor runs symphony portfolios against the daily execution window.

Usage:
  conductor <command> [flags]

Commands:
  serve       run the scheduler and the ops HTTP server
  run-once    execute one window now [--date YYYY-MM-DD] [--symphony ID] [--dry-run]
  reconcile   square every user's book against their broker account
  validate    check a symphony tree file: validate <file.json>
  warmup      heat the market data caches for all active symphonies
  backup      archive the databases to the configured object store

Exit codes: 0 success, 1 validation error, 2 runtime error, 3 deadline exceeded.
`)
}
