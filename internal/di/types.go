package di

import (
	"errors"

	"github.com/origamihq/conductor/internal/audit"
	"github.com/origamihq/conductor/internal/backup"
	"github.com/origamihq/conductor/internal/calendar"
	"github.com/origamihq/conductor/internal/clients/alpaca"
	"github.com/origamihq/conductor/internal/database"
	"github.com/origamihq/conductor/internal/evaluator"
	"github.com/origamihq/conductor/internal/events"
	"github.com/origamihq/conductor/internal/executor"
	"github.com/origamihq/conductor/internal/marketdata"
	"github.com/origamihq/conductor/internal/planner"
	"github.com/origamihq/conductor/internal/portfolio"
	"github.com/origamihq/conductor/internal/rebalance"
	"github.com/origamihq/conductor/internal/recovery"
	"github.com/origamihq/conductor/internal/scheduler"
	"github.com/origamihq/conductor/internal/symphony"
	"github.com/origamihq/conductor/internal/users"
)

// Container holds every wired dependency. Wire builds it in four
// phases (databases, repositories, services, jobs) and the commands
// pick what they need off it.
type Container struct {
	// Databases. conductor.db carries every durable table; cache.db is
	// rebuildable from upstream and can be deleted without losing state.
	ConductorDB *database.DB
	CacheDB     *database.DB

	// Repositories over conductor.db, plus the bar archive on cache.db.
	Symphonies   *symphony.Repository
	Users        *users.Repository
	Orders       *portfolio.OrderRepository
	Positions    *portfolio.PositionRepository
	Trades       *portfolio.TradeRepository
	Executions   *audit.ExecutionRepository
	Performance  *audit.PerformanceRepository
	Backtests    *audit.BacktestRepository
	Liquidations *audit.LiquidationRepository
	Archive      *marketdata.BarArchive

	// Events.
	Bus    *events.Bus
	Events *events.Manager

	// Market data.
	Calendar *calendar.Calendar
	Data     *marketdata.Service

	// Broker access. Broker holds the service credentials; per-user
	// clients are derived from it with each user's access token.
	Broker        *alpaca.Client
	Tokens        *users.TokenManager
	ResolveBroker recovery.BrokerResolver

	// Engine.
	Evaluator  *evaluator.Evaluator
	Planner    *planner.Planner
	Executor   *executor.Executor
	Reconciler *portfolio.Reconciler
	Arbiter    *rebalance.Arbiter
	Recovery   *recovery.Handler
	Runner     *scheduler.WindowRunner

	// Scheduled work. Backup is nil when no object store is configured;
	// the maintenance job skips its backup pass in that case.
	Backup      *backup.Service
	WindowJob   *scheduler.WindowJob
	WarmupJob   *scheduler.WarmupJob
	Maintenance *scheduler.MaintenanceJob
	Scheduler   *scheduler.Scheduler
}

// Close releases the database handles. Safe to call on a partially
// built container.
func (c *Container) Close() error {
	var errs []error
	if c.CacheDB != nil {
		errs = append(errs, c.CacheDB.Close())
	}
	if c.ConductorDB != nil {
		errs = append(errs, c.ConductorDB.Close())
	}
	return errors.Join(errs...)
}
