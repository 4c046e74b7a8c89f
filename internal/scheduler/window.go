package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/origamihq/conductor/internal/audit"
	"github.com/origamihq/conductor/internal/config"
	"github.com/origamihq/conductor/internal/domain"
	"github.com/origamihq/conductor/internal/evaluator"
	"github.com/origamihq/conductor/internal/events"
	"github.com/origamihq/conductor/internal/executor"
	"github.com/origamihq/conductor/internal/planner"
	"github.com/origamihq/conductor/internal/portfolio"
	"github.com/origamihq/conductor/internal/rebalance"
	"github.com/origamihq/conductor/internal/recovery"
	"github.com/origamihq/conductor/internal/symphony"
	"github.com/origamihq/conductor/internal/users"
)

// WindowDeps bundles everything the window runner orchestrates.
type WindowDeps struct {
	Symphonies  *symphony.Repository
	Users       *users.Repository
	Positions   *portfolio.PositionRepository
	Executions  *audit.ExecutionRepository
	Performance *audit.PerformanceRepository
	Reconciler  *portfolio.Reconciler
	Arbiter     *rebalance.Arbiter
	Evaluator   *evaluator.Evaluator
	Planner     *planner.Planner
	Executor    *executor.Executor
	Recovery    *recovery.Handler
	Data        MarketData
	Tokens      TokenSource
	Brokers     BrokerFactory
	Events      *events.Manager
}

// RunOptions adjust a single window run. The zero value is the normal
// scheduled behaviour.
type RunOptions struct {
	// Date overrides the session date stamped on records. Empty uses
	// the calendar's current session.
	Date string
	// Symphony restricts the run to one symphony id.
	Symphony string
	// DryRun stops each symphony after planning: nothing is submitted,
	// recorded, or repaired.
	DryRun bool
	// Force skips the market-open check. run-once uses it to replay a
	// window off-hours.
	Force bool
}

// Summary is the outcome tally of one execution window.
type Summary struct {
	WindowDate string
	Symphonies int
	Executed   int
	Skipped    int
	Failed     int
	Liquidated int
	DurationMs int64
}

func (s *Summary) tally(status domain.ExecutionStatus) {
	switch status {
	case domain.ExecutionStatusCompleted, domain.ExecutionStatusPartial:
		s.Executed++
	case domain.ExecutionStatusSkipped:
		s.Skipped++
	case domain.ExecutionStatusLiquidated:
		s.Liquidated++
	default:
		s.Failed++
	}
}

// WindowRunner executes one full window: enumerate active symphonies,
// run each through evaluate, plan, and execute in bounded batches, then
// reconcile the book and record daily performance. One symphony's
// failure never aborts another; the failure handler decides what each
// failure means.
type WindowRunner struct {
	symphonies  *symphony.Repository
	users       *users.Repository
	positions   *portfolio.PositionRepository
	executions  *audit.ExecutionRepository
	performance *audit.PerformanceRepository
	reconciler  *portfolio.Reconciler
	arbiter     *rebalance.Arbiter
	eval        *evaluator.Evaluator
	planner     *planner.Planner
	exec        *executor.Executor
	recovery    *recovery.Handler
	data        MarketData
	tokens      TokenSource
	brokers     BrokerFactory
	events      *events.Manager
	window      config.WindowConfig
	log         zerolog.Logger
}

// NewWindowRunner wires a window runner.
func NewWindowRunner(deps WindowDeps, window config.WindowConfig, log zerolog.Logger) *WindowRunner {
	return &WindowRunner{
		symphonies:  deps.Symphonies,
		users:       deps.Users,
		positions:   deps.Positions,
		executions:  deps.Executions,
		performance: deps.Performance,
		reconciler:  deps.Reconciler,
		arbiter:     deps.Arbiter,
		eval:        deps.Evaluator,
		planner:     deps.Planner,
		exec:        deps.Executor,
		recovery:    deps.Recovery,
		data:        deps.Data,
		tokens:      deps.Tokens,
		brokers:     deps.Brokers,
		events:      deps.Events,
		window:      window,
		log:         log.With().Str("component", "window").Logger(),
	}
}

// symphonyRun is one symphony's slot in the window: the symphony itself
// and the broker client resolved for its owner, or the credential error
// that prevented resolving one.
type symphonyRun struct {
	sym     *domain.Symphony
	broker  domain.BrokerClient
	credErr error
}

// windowState is the shared, window-scoped context every worker sees.
type windowState struct {
	date     string
	start    time.Time
	deadline time.Time
	dryRun   bool

	mu     sync.Mutex
	halted map[string]bool
}

// haltUser stops any not-yet-started symphony of the user from running
// this window. Set after a user-level critical failure.
func (ws *windowState) haltUser(userID string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.halted[userID] = true
}

func (ws *windowState) userHalted(userID string) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.halted[userID]
}

// Run executes one window at now. It returns the tally and an error
// only for failures of the window itself; per-symphony failures are
// absorbed into the tally and the audit trail.
func (w *WindowRunner) Run(ctx context.Context, now time.Time, opts RunOptions) (*Summary, error) {
	began := time.Now()
	status := w.data.MarketStatus(now)
	date := opts.Date
	if date == "" {
		date = status.SessionDate
	}
	sum := &Summary{WindowDate: date}

	if !status.Open && !opts.Force {
		reason := "market closed"
		if status.Holiday != "" {
			reason = "holiday: " + status.Holiday
		}
		w.log.Info().Str("window", date).Str("reason", reason).Msg("Execution window skipped")
		return sum, nil
	}

	active, err := w.symphonies.ListActive()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate symphonies: %w", err)
	}
	if opts.Symphony != "" {
		kept := active[:0]
		for _, sym := range active {
			if sym.ID == opts.Symphony {
				kept = append(kept, sym)
			}
		}
		active = kept
	}
	sum.Symphonies = len(active)

	deadline := now.Add(time.Duration(w.window.LengthMinutes) * time.Minute)
	runs := w.resolve(ctx, active)

	w.events.EmitTyped("scheduler", &events.ExecutionStartedData{
		WindowDate: date,
		Symphonies: len(runs),
		DeadlineAt: deadline.Format(time.RFC3339),
	})
	w.log.Info().
		Str("window", date).
		Int("symphonies", len(runs)).
		Time("deadline", deadline).
		Msg("Execution window open")

	ws := &windowState{
		date:     date,
		start:    now,
		deadline: deadline,
		dryRun:   opts.DryRun,
		halted:   make(map[string]bool),
	}

	wctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	g, gctx := errgroup.WithContext(wctx)
	g.SetLimit(w.concurrency())
	var mu sync.Mutex
	for _, sr := range runs {
		sr := sr
		g.Go(func() error {
			// Recovery work runs on the parent context: liquidation is
			// allowed a grace period past the window deadline.
			outcome := w.runSymphony(gctx, ctx, ws, sr)
			mu.Lock()
			sum.tally(outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if !opts.DryRun {
		w.reconcile(ctx, runs)
		w.recordPerformance(ctx, date, runs)
	}

	sum.DurationMs = time.Since(began).Milliseconds()
	w.events.EmitTyped("scheduler", &events.WindowClosedData{
		WindowDate: date,
		Executed:   sum.Executed,
		Skipped:    sum.Skipped,
		Failed:     sum.Failed,
		Liquidated: sum.Liquidated,
		DurationMs: sum.DurationMs,
	})
	w.log.Info().
		Str("window", date).
		Int("executed", sum.Executed).
		Int("skipped", sum.Skipped).
		Int("failed", sum.Failed).
		Int("liquidated", sum.Liquidated).
		Dur("elapsed", time.Since(began)).
		Msg("Execution window closed")
	return sum, nil
}

func (w *WindowRunner) concurrency() int {
	if w.window.Concurrency > 0 {
		return w.window.Concurrency
	}
	return 8
}

// resolve pairs each symphony with a broker client for its owner. The
// token is refreshed once per user; a credential failure marks every
// symphony of that user instead of dropping it silently.
func (w *WindowRunner) resolve(ctx context.Context, syms []*domain.Symphony) []*symphonyRun {
	brokers := make(map[string]domain.BrokerClient)
	failures := make(map[string]error)

	runs := make([]*symphonyRun, 0, len(syms))
	for _, sym := range syms {
		sr := &symphonyRun{sym: sym}
		runs = append(runs, sr)

		if err, bad := failures[sym.UserID]; bad {
			sr.credErr = err
			continue
		}
		if broker, ok := brokers[sym.UserID]; ok {
			sr.broker = broker
			continue
		}

		broker, err := w.resolveUser(ctx, sym.UserID)
		if err != nil {
			w.log.Warn().Err(err).Str("user_id", sym.UserID).Msg("No working broker credentials")
			failures[sym.UserID] = err
			sr.credErr = err
			continue
		}
		brokers[sym.UserID] = broker
		sr.broker = broker
	}
	return runs
}

func (w *WindowRunner) resolveUser(ctx context.Context, userID string) (domain.BrokerClient, error) {
	user, err := w.users.Get(userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, domain.E(domain.KindBrokerAuth, "user %s not found", userID)
	}
	if !user.Active {
		return nil, domain.E(domain.KindBrokerAuth, "user %s is deactivated", userID)
	}
	token, err := w.tokens.EnsureFresh(ctx, user)
	if err != nil {
		return nil, err
	}
	return w.brokers(token), nil
}

// reconcile squares each user's book against their broker account once,
// after all of the user's symphonies finished.
func (w *WindowRunner) reconcile(ctx context.Context, runs []*symphonyRun) {
	seen := make(map[string]bool)
	for _, sr := range runs {
		if sr.broker == nil || seen[sr.sym.UserID] {
			continue
		}
		seen[sr.sym.UserID] = true

		// The full set, any status: a symphony left out makes its
		// holdings look like account-level surplus.
		all, err := w.symphonies.ListByUser(sr.sym.UserID)
		if err != nil {
			w.log.Error().Err(err).Str("user_id", sr.sym.UserID).Msg("Failed to enumerate symphonies for reconcile")
			continue
		}
		divergences, err := w.reconciler.ReconcileUser(ctx, sr.broker, all)
		if err != nil {
			w.log.Error().Err(err).Str("user_id", sr.sym.UserID).Msg("Reconciliation failed")
			continue
		}
		for _, d := range divergences {
			action := "flagged"
			if d.Repaired {
				action = "repaired"
			}
			w.events.EmitTyped("scheduler", &events.ReconcileDivergenceData{
				Ticker:    d.Ticker,
				LocalQty:  d.LocalQty.String(),
				BrokerQty: d.BrokerQty.String(),
				Action:    action,
			})
		}
	}
}

// recordPerformance appends today's value snapshot for every symphony
// that was in the window, valued at cached quotes with average cost as
// the fallback mark.
func (w *WindowRunner) recordPerformance(ctx context.Context, date string, runs []*symphonyRun) {
	for _, sr := range runs {
		if err := w.recordSnapshot(ctx, date, sr.sym); err != nil {
			w.log.Warn().Err(err).Str("symphony_id", sr.sym.ID).Msg("Performance snapshot failed")
		}
	}
}

func (w *WindowRunner) recordSnapshot(ctx context.Context, date string, sym *domain.Symphony) error {
	positions, err := w.positions.ListBySymphony(sym.ID)
	if err != nil {
		return err
	}

	value := decimal.Zero
	held := 0
	if len(positions) > 0 {
		tickers := make([]string, 0, len(positions))
		for _, p := range positions {
			tickers = append(tickers, p.Ticker)
		}
		quotes, _, err := w.data.BatchQuotes(ctx, tickers)
		if err != nil {
			return err
		}
		for _, p := range positions {
			if p.Quantity.IsZero() {
				continue
			}
			held++
			price := p.AvgPrice
			if q := quotes[p.Ticker]; q != nil && q.Price > 0 {
				price = decimal.NewFromFloat(q.Price)
			}
			value = value.Add(p.Quantity.Mul(price))
		}
	}

	snap := &domain.PerformanceSnapshot{
		SymphonyID:    sym.ID,
		Date:          date,
		MarketValue:   value,
		PositionCount: held,
	}
	if prev, err := w.performance.Latest(sym.ID, date); err == nil && prev != nil && prev.MarketValue.IsPositive() {
		snap.DailyReturn = value.Sub(prev.MarketValue).Div(prev.MarketValue).InexactFloat64()
	}
	if first, err := w.performance.First(sym.ID); err == nil && first != nil && first.MarketValue.IsPositive() {
		snap.TotalReturn = value.Sub(first.MarketValue).Div(first.MarketValue).InexactFloat64()
	}
	return w.performance.Record(snap)
}
