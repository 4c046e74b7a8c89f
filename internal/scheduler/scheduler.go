// Package scheduler drives the engine's clock. A thin cron shell fires
// three jobs in the exchange timezone: the pre-window cache warmup, the
// daily execution window, and nightly maintenance. All real work lives
// in the window runner and the packages it orchestrates; jobs only
// decide when that work starts.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a named unit of scheduled work. Run receives the context the
// scheduler was started with; long jobs must honour its cancellation.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler dispatches jobs on five-field cron expressions interpreted
// in a fixed location.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu  sync.Mutex
	ctx context.Context
}

// New creates a scheduler whose cron expressions run in loc.
func New(loc *time.Location, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithLocation(loc)),
		log:  log.With().Str("component", "scheduler").Logger(),
		ctx:  context.Background(),
	}
}

// AddJob registers a job. The expression uses the standard five fields
// (minute, hour, day of month, month, day of week).
func (s *Scheduler) AddJob(spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.runJob(job)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", job.Name(), err)
	}
	s.log.Info().Str("job", job.Name()).Str("schedule", spec).Msg("Job scheduled")
	return nil
}

// Start begins dispatching. ctx is handed to every job run; cancel it
// to stop in-flight work, call Stop to halt the dispatcher itself.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.cron.Entries())).Msg("Scheduler started")
}

// Stop halts dispatch and waits for any running job to return.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	<-done.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// RunNow executes a job immediately, outside its schedule. Used by the
// run-once and warmup commands.
func (s *Scheduler) RunNow(job Job) error {
	log := s.log.With().Str("job", job.Name()).Logger()
	log.Info().Msg("Running job on demand")
	if err := job.Run(s.context()); err != nil {
		log.Error().Err(err).Msg("Job failed")
		return err
	}
	return nil
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) runJob(job Job) {
	log := s.log.With().Str("job", job.Name()).Logger()
	log.Debug().Msg("Job starting")
	start := time.Now()
	if err := job.Run(s.context()); err != nil {
		log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("Job failed")
		return
	}
	log.Debug().Dur("elapsed", time.Since(start)).Msg("Job finished")
}

// WeekdaySpec renders a cron expression firing at the given wall-clock
// time Monday through Friday. Holidays are not the cron's problem; the
// window runner checks the trading calendar itself.
func WeekdaySpec(hour, minute int) string {
	return fmt.Sprintf("%d %d * * MON-FRI", minute, hour)
}

// DailySpec renders a cron expression firing every day.
func DailySpec(hour, minute int) string {
	return fmt.Sprintf("%d %d * * *", minute, hour)
}

// Lead shifts a wall-clock time earlier by lead minutes, wrapping at
// midnight. The warmup trigger is derived from the window start this
// way.
func Lead(hour, minute, lead int) (int, int) {
	total := hour*60 + minute - lead
	for total < 0 {
		total += 24 * 60
	}
	return total / 60, total % 60
}
