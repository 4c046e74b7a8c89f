// Package recovery applies the failure policy when a symphony's run
// goes wrong. Each error kind maps to a fixed response: retry, suspend,
// deactivate, escalate to the user level, or liquidate the symphony's
// positions back to cash.
//
// Liquidations are recorded before any closing order is sent, so a
// crash mid-liquidation leaves an incomplete audit row that the startup
// re-drive finishes.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/origamihq/conductor/internal/audit"
	"github.com/origamihq/conductor/internal/domain"
	"github.com/origamihq/conductor/internal/events"
	"github.com/origamihq/conductor/internal/executor"
	"github.com/origamihq/conductor/internal/planner"
	"github.com/origamihq/conductor/internal/portfolio"
	"github.com/origamihq/conductor/internal/symphony"
)

const (
	// rejectionLimit is how many same-symphony rejections in one window
	// escalate to liquidation.
	defaultRejectionLimit = 3
	// retryDelay is the wait before the single data-unavailable retry.
	defaultRetryDelay = 30 * time.Second
	// Liquidation submissions retry on an unreachable broker with
	// doubling delays.
	defaultBackoffBase     = 2 * time.Second
	defaultBackoffAttempts = 3
	// grace is how much room a liquidation gets past an already-expired
	// window deadline. Must exceed the executor's submit cutoff.
	defaultGrace = 2 * time.Minute
)

// Decision reports what the handler did about a failure and what the
// caller should do next.
type Decision struct {
	Kind domain.Kind

	// Liquidated is set when the policy called for liquidation. The
	// liquidation itself may still be incomplete; the audit row tracks
	// that separately.
	Liquidated bool

	// Retry asks the caller to run the symphony once more after
	// RetryAfter. Never set on a second attempt.
	Retry      bool
	RetryAfter time.Duration

	// NewStatus is the lifecycle state the symphony was moved to, empty
	// when unchanged.
	NewStatus domain.SymphonyStatus

	// EscalateUser marks a user-level critical failure. The caller
	// should stop running this user's symphonies and liquidate them.
	EscalateUser bool
}

// BrokerResolver returns the broker client for one user. The startup
// re-drive uses it because liquidations outlive the window that had a
// client in hand.
type BrokerResolver func(ctx context.Context, userID string) (domain.BrokerClient, error)

// Handler applies the recovery policy.
type Handler struct {
	symphonies   *symphony.Repository
	orders       *portfolio.OrderRepository
	positions    *portfolio.PositionRepository
	liquidations *audit.LiquidationRepository
	exec         *executor.Executor
	events       *events.Manager
	log          zerolog.Logger

	rejectionLimit  int
	retryDelay      time.Duration
	backoffBase     time.Duration
	backoffAttempts int
	grace           time.Duration
}

// NewHandler wires a recovery handler with the policy defaults.
func NewHandler(symphonies *symphony.Repository, orders *portfolio.OrderRepository, positions *portfolio.PositionRepository, liquidations *audit.LiquidationRepository, exec *executor.Executor, em *events.Manager, log zerolog.Logger) *Handler {
	return &Handler{
		symphonies:      symphonies,
		orders:          orders,
		positions:       positions,
		liquidations:    liquidations,
		exec:            exec,
		events:          em,
		log:             log.With().Str("component", "recovery").Logger(),
		rejectionLimit:  defaultRejectionLimit,
		retryDelay:      defaultRetryDelay,
		backoffBase:     defaultBackoffBase,
		backoffAttempts: defaultBackoffAttempts,
		grace:           defaultGrace,
	}
}

// WithTimings overrides the data-unavailable retry delay and the
// liquidation backoff base, mostly for tests.
func (h *Handler) WithTimings(retryDelay, backoffBase time.Duration) *Handler {
	if retryDelay > 0 {
		h.retryDelay = retryDelay
	}
	if backoffBase > 0 {
		h.backoffBase = backoffBase
	}
	return h
}

// HandleFailure classifies cause and applies the policy row for its
// kind. attempt is how many times the symphony already ran in this
// window; windowStart bounds the rejection counter; deadline is the
// window's hard end, extended internally when liquidation needs room.
func (h *Handler) HandleFailure(ctx context.Context, broker domain.BrokerClient, sym *domain.Symphony, windowStart, deadline time.Time, attempt int, cause error) Decision {
	kind := domain.KindOf(cause)
	d := Decision{Kind: kind}
	log := h.log.With().Str("symphony_id", sym.ID).Str("kind", string(kind)).Logger()

	switch kind {
	case domain.KindDataUnavailable:
		if attempt == 0 {
			h.recordError(sym.ID, cause)
			d.Retry = true
			d.RetryAfter = h.retryDelay
			log.Warn().Err(cause).Dur("retry_after", d.RetryAfter).Msg("Data unavailable, retrying once")
			return d
		}
		h.liquidate(ctx, broker, sym, deadline, cause, log)
		d.Liquidated = true
		d.NewStatus = domain.SymphonyInactive
		h.setStatus(sym.ID, d.NewStatus, "suspended pending data validation: "+cause.Error())

	case domain.KindParse, domain.KindStructure, domain.KindBounds,
		domain.KindMetric, domain.KindCycle, domain.KindEvalError:
		h.liquidate(ctx, broker, sym, deadline, cause, log)
		d.Liquidated = true
		d.NewStatus = domain.SymphonyError
		h.setStatus(sym.ID, d.NewStatus, "deactivated after evaluation failure: "+cause.Error())

	case domain.KindPlanOverBudget:
		h.recordError(sym.ID, cause)
		if attempt == 0 {
			d.Retry = true
			log.Warn().Err(cause).Msg("Plan over budget, retrying with scaled buys")
		}

	case domain.KindBrokerRejected:
		h.recordError(sym.ID, cause)
		n, err := h.orders.CountRejectedSince(sym.ID, windowStart)
		if err != nil {
			log.Error().Err(err).Msg("Failed to count rejections")
		}
		if n >= h.rejectionLimit {
			h.liquidate(ctx, broker, sym, deadline,
				domain.E(domain.KindBrokerRejected, "%d rejected orders this window, last: %v", n, cause), log)
			d.Liquidated = true
		} else {
			log.Warn().Err(cause).Int("rejections", n).Msg("Order rejected, continuing")
		}

	case domain.KindBrokerAuth:
		h.recordError(sym.ID, cause)
		d.EscalateUser = true
		log.Error().Err(cause).Msg("Broker authentication failed, escalating to user level")

	case domain.KindBrokerUnreachable:
		h.recordError(sym.ID, cause)
		h.liquidate(ctx, broker, sym, deadline, cause, log)
		d.Liquidated = true

	case domain.KindTimeout:
		// Partial fills were already recorded by the executor.
		h.recordError(sym.ID, cause)
		log.Warn().Err(cause).Msg("Window deadline reached, partial state recorded")

	default:
		h.recordError(sym.ID, cause)
		log.Error().Err(cause).Msg("Unclassified failure, recorded without further action")
	}
	return d
}

// Liquidate closes every position the symphony holds. It cancels the
// symphony's in-flight orders first, then market-sells each non-zero
// position and polls the sells to settlement. An unreachable broker is
// retried with exponential backoff; if the close still fails, the
// audit row stays incomplete for the startup re-drive.
func (h *Handler) Liquidate(ctx context.Context, broker domain.BrokerClient, sym *domain.Symphony, deadline time.Time, cause error) error {
	kind := domain.KindOf(cause)
	log := h.log.With().Str("symphony_id", sym.ID).Logger()
	log.Warn().Str("kind", string(kind)).Err(cause).Msg("Liquidating symphony")

	event := &domain.LiquidationEvent{
		SymphonyID: sym.ID,
		UserID:     sym.UserID,
		Reason:     cause.Error(),
		ErrorKind:  string(kind),
	}
	if err := h.liquidations.Insert(event); err != nil {
		return fmt.Errorf("failed to record liquidation: %w", err)
	}

	deadline = h.extend(deadline)

	var res *executor.Result
	var err error
	delay := h.backoffBase
	for attempt := 0; attempt < h.backoffAttempts; attempt++ {
		if attempt > 0 {
			log.Warn().Dur("backoff", delay).Int("attempt", attempt+1).Msg("Retrying liquidation")
			if !sleepCtx(ctx, delay) {
				break
			}
			delay *= 2
		}
		res, err = h.close(ctx, broker, sym, deadline)
		if err == nil || !domain.IsKind(err, domain.KindBrokerUnreachable) {
			break
		}
	}

	data := &events.LiquidationData{
		SymphonyID: sym.ID,
		UserID:     sym.UserID,
		Reason:     cause.Error(),
		ErrorKind:  string(kind),
	}
	if err != nil {
		h.events.EmitTyped("recovery", data)
		log.Error().Err(err).Msg("Liquidation incomplete")
		return err
	}

	ids, value := closingSummary(res)
	if completeErr := h.liquidations.Complete(event.ID, ids, value); completeErr != nil {
		log.Error().Err(completeErr).Msg("Failed to mark liquidation complete")
	}
	data.Orders = len(ids)
	data.ClosedValue = value.StringFixed(2)
	h.events.EmitTyped("recovery", data)
	log.Info().Int("orders", len(ids)).Str("closed_value", value.StringFixed(2)).Msg("Liquidation complete")
	return nil
}

// LiquidateUser liquidates every active symphony the user owns. Used
// for user-level critical failures such as revoked broker credentials.
func (h *Handler) LiquidateUser(ctx context.Context, broker domain.BrokerClient, userID string, deadline time.Time, cause error) error {
	syms, err := h.symphonies.ListByUser(userID)
	if err != nil {
		return fmt.Errorf("failed to list symphonies for user %s: %w", userID, err)
	}

	var firstErr error
	n := 0
	for _, sym := range syms {
		if !sym.IsActive() {
			continue
		}
		n++
		if err := h.Liquidate(ctx, broker, sym, deadline, cause); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	h.log.Warn().Str("user_id", userID).Int("symphonies", n).Err(cause).Msg("User-level liquidation")
	return firstErr
}

// RedriveIncomplete finishes liquidations that never completed, usually
// after a crash or an unreachable broker. Returns how many completed.
func (h *Handler) RedriveIncomplete(ctx context.Context, resolve BrokerResolver) (int, error) {
	incomplete, err := h.liquidations.ListIncomplete()
	if err != nil {
		return 0, fmt.Errorf("failed to list incomplete liquidations: %w", err)
	}

	done := 0
	for i := range incomplete {
		ev := &incomplete[i]
		log := h.log.With().Int64("liquidation_id", ev.ID).Str("symphony_id", ev.SymphonyID).Logger()

		sym, err := h.symphonies.Get(ev.SymphonyID)
		if err != nil {
			log.Error().Err(err).Msg("Failed to load symphony")
			continue
		}
		if sym == nil {
			// The symphony is gone; there is nothing left to close.
			if err := h.liquidations.Complete(ev.ID, ev.OrderIDs, ev.ClosedValue); err != nil {
				log.Error().Err(err).Msg("Failed to close orphaned liquidation")
				continue
			}
			done++
			continue
		}

		broker, err := resolve(ctx, sym.UserID)
		if err != nil {
			log.Warn().Err(err).Msg("No broker for user, liquidation stays incomplete")
			continue
		}

		res, err := h.close(ctx, broker, sym, h.extend(time.Now()))
		if err != nil {
			log.Error().Err(err).Msg("Re-driven liquidation still incomplete")
			continue
		}
		ids, value := closingSummary(res)
		if err := h.liquidations.Complete(ev.ID, append(ev.OrderIDs, ids...), ev.ClosedValue.Add(value)); err != nil {
			log.Error().Err(err).Msg("Failed to mark liquidation complete")
			continue
		}
		done++
		log.Info().Int("orders", len(ids)).Msg("Liquidation completed on re-drive")
	}
	return done, nil
}

// close cancels the symphony's in-flight orders and sells every
// non-zero position it holds.
func (h *Handler) close(ctx context.Context, broker domain.BrokerClient, sym *domain.Symphony, deadline time.Time) (*executor.Result, error) {
	h.cancelInFlight(ctx, broker, sym.ID)

	held, err := h.positions.ListBySymphony(sym.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}

	intents := make([]planner.Intent, 0, len(held))
	for _, p := range held {
		if p.Quantity.IsZero() {
			continue
		}
		intents = append(intents, planner.Intent{
			Ticker:   p.Ticker,
			Quantity: p.Quantity.Neg(),
			Price:    p.AvgPrice,
			Delta:    p.Quantity.Mul(p.AvgPrice).Neg(),
		})
	}
	if len(intents) == 0 {
		return &executor.Result{}, nil
	}

	return h.exec.Execute(ctx, broker, executor.Request{
		SymphonyID: sym.ID,
		Plan:       &planner.Plan{Intents: intents},
		Deadline:   deadline,
	})
}

// cancelInFlight cancels the symphony's open orders at the broker and
// marks them cancelled locally. Best effort: a failed cancel leaves the
// local row open so its outcome can still be observed.
func (h *Handler) cancelInFlight(ctx context.Context, broker domain.BrokerClient, symphonyID string) {
	open, err := h.orders.ListOpen()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list open orders")
		return
	}
	for _, o := range open {
		if o.SymphonyID != symphonyID {
			continue
		}
		if o.BrokerOrderID != "" {
			if err := broker.CancelOrder(ctx, o.BrokerOrderID); err != nil {
				h.log.Warn().Err(err).Str("ticker", o.Ticker).Msg("Failed to cancel order")
				continue
			}
		}
		if err := h.orders.MarkFailed(o.ClientOrderID, domain.OrderStatusCanceled, "cancelled by liquidation"); err != nil {
			h.log.Error().Err(err).Str("ticker", o.Ticker).Msg("Failed to record cancellation")
		}
	}
}

// liquidate runs Liquidate and keeps policy handling going when it
// fails; the incomplete audit row carries the follow-up.
func (h *Handler) liquidate(ctx context.Context, broker domain.BrokerClient, sym *domain.Symphony, deadline time.Time, cause error, log zerolog.Logger) {
	if err := h.Liquidate(ctx, broker, sym, deadline, cause); err != nil {
		log.Error().Err(err).Msg("Liquidation did not finish")
	}
}

func (h *Handler) recordError(symphonyID string, cause error) {
	if err := h.symphonies.RecordError(symphonyID, cause.Error()); err != nil {
		h.log.Error().Err(err).Str("symphony_id", symphonyID).Msg("Failed to record symphony error")
	}
}

func (h *Handler) setStatus(symphonyID string, status domain.SymphonyStatus, reason string) {
	if err := h.symphonies.SetStatus(symphonyID, status, reason); err != nil {
		h.log.Error().Err(err).Str("symphony_id", symphonyID).Msg("Failed to set symphony status")
	}
}

// extend pushes an expired or nearly-expired deadline far enough out
// for closing orders to clear the executor's submit cutoff.
func (h *Handler) extend(deadline time.Time) time.Time {
	if min := time.Now().Add(h.grace); deadline.Before(min) {
		return min
	}
	return deadline
}

func closingSummary(res *executor.Result) ([]string, decimal.Decimal) {
	ids := make([]string, 0, len(res.Orders))
	value := decimal.Zero
	for _, o := range res.Orders {
		ids = append(ids, o.ClientOrderID)
		value = value.Add(o.FilledQuantity.Mul(o.FilledAvgPrice))
	}
	return ids, value
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
