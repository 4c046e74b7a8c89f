package di

import (
	"github.com/rs/zerolog"

	"github.com/origamihq/conductor/internal/config"
	"github.com/origamihq/conductor/internal/scheduler"
)

// Maintenance runs nightly at 03:30 exchange time: long after the
// session and the backup window of most brokers, well before any
// pre-market data is worth caching.
const (
	maintenanceHour   = 3
	maintenanceMinute = 30
)

// RegisterJobs builds the three scheduled jobs and the cron that fires
// them: warmup leading the window by the configured minutes, the
// execution window itself on weekdays, and nightly maintenance.
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) error {
	container.WindowJob = scheduler.NewWindowJob(container.Runner)
	container.WarmupJob = scheduler.NewWarmupJob(container.Symphonies, container.Data, container.Events, log)

	// A nil *backup.Service must stay a nil interface or the job's
	// nil check would pass and the backup pass would panic.
	var backupper scheduler.Backupper
	if container.Backup != nil {
		backupper = container.Backup
	}
	container.Maintenance = scheduler.NewMaintenanceJob(
		container.Symphonies,
		container.Archive,
		[]scheduler.Checkpointer{container.ConductorDB, container.CacheDB},
		backupper,
		log,
	)

	hour, minute, err := cfg.WindowStartClock()
	if err != nil {
		return err
	}
	warmupHour, warmupMinute := scheduler.Lead(hour, minute, cfg.Window.WarmupLeadMinutes)

	sched := scheduler.New(cfg.Location(), log)
	if err := sched.AddJob(scheduler.WeekdaySpec(warmupHour, warmupMinute), container.WarmupJob); err != nil {
		return err
	}
	if err := sched.AddJob(scheduler.WeekdaySpec(hour, minute), container.WindowJob); err != nil {
		return err
	}
	if err := sched.AddJob(scheduler.DailySpec(maintenanceHour, maintenanceMinute), container.Maintenance); err != nil {
		return err
	}

	container.Scheduler = sched
	return nil
}
