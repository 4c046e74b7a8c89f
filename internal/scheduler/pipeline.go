package scheduler

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/origamihq/conductor/internal/domain"
	"github.com/origamihq/conductor/internal/evaluator"
	"github.com/origamihq/conductor/internal/events"
	"github.com/origamihq/conductor/internal/executor"
	"github.com/origamihq/conductor/internal/symphony"
)

// runSymphony drives one symphony through the window, retrying once
// when the failure handler asks for it, and settles the execution
// record. ctx is bound to the window deadline; recoverCtx is not, so
// liquidation can use its grace period.
func (w *WindowRunner) runSymphony(ctx, recoverCtx context.Context, ws *windowState, sr *symphonyRun) domain.ExecutionStatus {
	sym := sr.sym
	rec := &domain.ExecutionRecord{
		SymphonyID: sym.ID,
		WindowDate: ws.date,
		StartedAt:  time.Now(),
	}

	if sr.credErr != nil {
		w.recordSymphonyError(sym.ID, sr.credErr)
		return w.finish(ws, rec, domain.ExecutionStatusFailed, "", sr.credErr)
	}
	if ws.userHalted(sym.UserID) {
		return w.finish(ws, rec, domain.ExecutionStatusSkipped, "user halted after critical failure", nil)
	}

	sctx := ctx
	if w.window.SymphonyTimeoutSec > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, time.Duration(w.window.SymphonyTimeoutSec)*time.Second)
		defer cancel()
	}

	for attempt := 0; ; attempt++ {
		status, reason, err := w.attempt(sctx, ws, sr, rec, attempt)
		if err == nil {
			if status == domain.ExecutionStatusCompleted && !ws.dryRun {
				if rerr := w.symphonies.RecordExecution(sym.ID, time.Now()); rerr != nil {
					w.log.Warn().Err(rerr).Str("symphony_id", sym.ID).Msg("Failed to bump execution count")
				}
			}
			return w.finish(ws, rec, status, reason, nil)
		}

		decision := w.recovery.HandleFailure(recoverCtx, sr.broker, sym, ws.start, ws.deadline, attempt, err)
		if decision.Retry {
			if time.Now().Add(decision.RetryAfter).Before(ws.deadline) && sleepCtx(sctx, decision.RetryAfter) {
				continue
			}
			return w.finish(ws, rec, domain.ExecutionStatusFailed, "no time left to retry", err)
		}
		if decision.EscalateUser {
			ws.haltUser(sym.UserID)
			if lerr := w.recovery.LiquidateUser(recoverCtx, sr.broker, sym.UserID, ws.deadline, err); lerr != nil {
				w.log.Error().Err(lerr).Str("user_id", sym.UserID).Msg("User liquidation incomplete")
			}
		}

		status = domain.ExecutionStatusFailed
		switch {
		case decision.Liquidated || decision.EscalateUser:
			status = domain.ExecutionStatusLiquidated
		case decision.Kind == domain.KindTimeout && rec.OrdersPlaced > 0:
			status = domain.ExecutionStatusPartial
		}
		return w.finish(ws, rec, status, "", err)
	}
}

// attempt is one pass through parse, validate, arbiter, fetch,
// evaluate, plan, execute. A skip ruling returns a nil error with the
// skipped status; everything else that goes wrong returns the error for
// the failure handler to classify.
func (w *WindowRunner) attempt(ctx context.Context, ws *windowState, sr *symphonyRun, rec *domain.ExecutionRecord, attempt int) (domain.ExecutionStatus, string, error) {
	sym := sr.sym
	log := w.log.With().Str("symphony_id", sym.ID).Int("attempt", attempt).Logger()

	tree, err := symphony.Parse(sym.TreeJSON)
	if err != nil {
		return "", "", err
	}
	validated, err := symphony.Validate(tree)
	if err != nil {
		return "", "", err
	}

	if ruling := w.arbiter.Preflight(sym, ws.start); !ruling.Execute {
		log.Debug().Str("reason", ruling.Reason).Msg("Preflight skip")
		return domain.ExecutionStatusSkipped, ruling.Reason, nil
	}

	snapshots, err := w.fetchSnapshots(ctx, validated.Manifest, ws.start)
	if err != nil {
		return "", "", err
	}

	evalStart := time.Now()
	result, err := w.eval.Evaluate(evaluator.NewContext(sym.ID, ws.date, snapshots), validated.Tree)
	if err != nil {
		return "", "", err
	}
	rec.Targets = result.Allocation
	w.events.EmitTyped("scheduler", &events.SymphonyEvaluatedData{
		SymphonyID: sym.ID,
		Targets:    result.Allocation,
		DurationMs: time.Since(evalStart).Milliseconds(),
	})

	positions, err := w.positions.ListBySymphony(sym.ID)
	if err != nil {
		return "", "", err
	}
	marks := marksFrom(snapshots)

	if ruling := w.arbiter.Decide(sym, positions, marks, result.Allocation, ws.start); !ruling.Execute {
		log.Debug().Str("reason", ruling.Reason).Msg("Arbiter skip")
		return domain.ExecutionStatusSkipped, ruling.Reason, nil
	}

	account, err := sr.broker.GetAccount(ctx)
	if err != nil {
		return "", "", err
	}
	if account.Blocked {
		w.recordSymphonyError(sym.ID, domain.E(domain.KindBrokerRejected, "broker account is blocked"))
		return domain.ExecutionStatusSkipped, "broker account blocked", nil
	}

	plan, err := w.planner.Plan(account.Equity, positions, marks, result.Allocation, account.BuyingPower)
	if err != nil {
		return "", "", err
	}

	if ws.dryRun {
		log.Info().Int("intents", len(plan.Intents)).Msg("Dry run, stopping before execution")
		return domain.ExecutionStatusSkipped, "dry run", nil
	}
	if plan.IsEmpty() {
		return domain.ExecutionStatusCompleted, "already on target", nil
	}

	res, err := w.exec.Execute(ctx, sr.broker, executor.Request{
		SymphonyID: sym.ID,
		Plan:       plan,
		Deadline:   ws.deadline,
	})
	if res != nil {
		rec.OrdersPlaced = res.Placed
		rec.OrdersFilled = res.Filled
	}
	if err != nil {
		return "", "", err
	}
	return domain.ExecutionStatusCompleted, "", nil
}

// finish stamps and persists the execution record and emits the
// terminal event. Dry runs settle the tally without touching the audit
// trail.
func (w *WindowRunner) finish(ws *windowState, rec *domain.ExecutionRecord, status domain.ExecutionStatus, reason string, cause error) domain.ExecutionStatus {
	rec.FinishedAt = time.Now()
	rec.Status = status
	rec.Reason = reason
	if cause != nil {
		rec.ErrorKind = string(domain.KindOf(cause))
		rec.ErrorDetail = cause.Error()
	}
	if ws.dryRun {
		return status
	}

	if err := w.executions.Insert(rec); err != nil {
		w.log.Error().Err(err).Str("symphony_id", rec.SymphonyID).Msg("Failed to record execution")
	}

	eventReason := rec.Reason
	if eventReason == "" {
		eventReason = rec.ErrorDetail
	}
	w.events.EmitTyped("scheduler", &events.SymphonyCompletedData{
		SymphonyID:   rec.SymphonyID,
		Status:       string(status),
		Reason:       eventReason,
		OrdersPlaced: rec.OrdersPlaced,
		OrdersFilled: rec.OrdersFilled,
	})
	return status
}

func (w *WindowRunner) recordSymphonyError(symphonyID string, cause error) {
	if err := w.symphonies.RecordError(symphonyID, cause.Error()); err != nil {
		w.log.Error().Err(err).Str("symphony_id", symphonyID).Msg("Failed to record symphony error")
	}
}

// marksFrom prices the book off the snapshots the symphony already
// fetched. Tickers without a snapshot fall back to average cost inside
// the arbiter and planner.
func marksFrom(snapshots map[string]*domain.AssetSnapshot) map[string]decimal.Decimal {
	marks := make(map[string]decimal.Decimal, len(snapshots))
	for ticker, snap := range snapshots {
		if snap != nil && snap.Price > 0 {
			marks[ticker] = decimal.NewFromFloat(snap.Price)
		}
	}
	return marks
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
