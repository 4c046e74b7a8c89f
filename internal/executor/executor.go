// Package executor turns rebalance plans into broker orders and tracks
// every order to a terminal state before the execution window closes.
//
// Sells always run before buys so their proceeds fund the buy side.
// When sells realize less cash than planned, the buy side is downsized
// to the realized budget before submission. Every order is persisted
// before it is sent so a crash between insert and acknowledgement can
// be resolved through the client order id.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/origamihq/conductor/internal/config"
	"github.com/origamihq/conductor/internal/domain"
	"github.com/origamihq/conductor/internal/events"
	"github.com/origamihq/conductor/internal/planner"
	"github.com/origamihq/conductor/internal/portfolio"
)

// maxPollFailures is how many consecutive failed status polls we
// tolerate before declaring the broker unreachable.
const maxPollFailures = 5

// Request is one plan to execute for one symphony.
type Request struct {
	SymphonyID string
	Plan       *planner.Plan
	// Deadline is the hard end of the execution window. No order is
	// submitted within the cutoff before it, and polling stops at it.
	Deadline time.Time
}

// Result summarizes what happened to a plan's orders.
type Result struct {
	// Orders holds the final persisted state of every order created
	// for this request, in submission order.
	Orders []domain.Order

	Placed          int // accepted live by the broker
	Filled          int // fully filled
	Partial         int // partially filled when the window closed
	Failed          int // rejected, cancelled, expired, or lost
	SkippedAtCutoff int // never submitted, too close to the deadline

	// Downsized reports that buys were rescaled because sells realized
	// less cash than the plan assumed.
	Downsized bool
}

// Executor submits plans against a broker and records fills, trades,
// and position changes as they settle.
type Executor struct {
	orders    *portfolio.OrderRepository
	positions *portfolio.PositionRepository
	trades    *portfolio.TradeRepository
	planner   *planner.Planner
	events    *events.Manager
	log       zerolog.Logger

	pollInterval time.Duration
	submitCutoff time.Duration
}

// New wires an executor. The submit cutoff comes from the window
// configuration and defaults to thirty seconds.
func New(orders *portfolio.OrderRepository, positions *portfolio.PositionRepository, trades *portfolio.TradeRepository, pl *planner.Planner, em *events.Manager, window config.WindowConfig, log zerolog.Logger) *Executor {
	cutoff := time.Duration(window.SubmitCutoffSec) * time.Second
	if cutoff <= 0 {
		cutoff = 30 * time.Second
	}
	return &Executor{
		orders:       orders,
		positions:    positions,
		trades:       trades,
		planner:      pl,
		events:       em,
		log:          log.With().Str("component", "executor").Logger(),
		pollInterval: time.Second,
		submitCutoff: cutoff,
	}
}

// WithPollInterval overrides the one second status poll. Zero and
// negative values are ignored.
func (e *Executor) WithPollInterval(d time.Duration) *Executor {
	if d > 0 {
		e.pollInterval = d
	}
	return e
}

// tracked follows one order from submission to settlement. filledQty
// and filledPrice hold the latest observed fill so a partial order can
// be recorded when the window closes on it.
type tracked struct {
	clientOrderID string
	brokerOrderID string
	symphonyID    string
	ticker        string
	side          domain.OrderSide
	quantity      decimal.Decimal

	filledQty   decimal.Decimal
	filledPrice decimal.Decimal
	done        bool
}

// Execute runs one plan. Sells are submitted and settled first, then
// buys, each side polled until terminal or until the deadline.
//
// The returned error classifies the worst outcome: a broker that
// cannot be reached aborts the run, rejections surface after every
// other order has been given its chance, and orders still unfilled at
// the deadline surface as a timeout. A nil error means every order
// filled completely.
func (e *Executor) Execute(ctx context.Context, broker domain.BrokerClient, req Request) (*Result, error) {
	res := &Result{}
	if req.Plan == nil || req.Plan.IsEmpty() {
		return res, nil
	}
	log := e.log.With().Str("symphony_id", req.SymphonyID).Logger()
	log.Info().
		Int("sells", len(req.Plan.Sells())).
		Int("buys", len(req.Plan.Buys())).
		Time("deadline", req.Deadline).
		Msg("Executing plan")

	var all []*tracked
	rejections := 0

	sells, rej, err := e.submitPhase(ctx, broker, req, req.Plan.Sells(), res, log)
	all = append(all, sells...)
	rejections += rej
	if err != nil {
		return e.finish(all, res, rejections, err, log)
	}
	if err := e.pollToSettled(ctx, broker, req.Deadline, sells, res, log); err != nil {
		return e.finish(all, res, rejections, err, log)
	}

	buys := req.Plan.Buys()
	planned := req.Plan.SellValue()
	shortfall := planned.Sub(realizedProceeds(sells))
	if shortfall.IsPositive() && len(buys) > 0 {
		budget := req.Plan.BuyValue().Sub(shortfall)
		buys = e.planner.DownsizeBuys(buys, budget)
		res.Downsized = true
		log.Warn().
			Str("planned_proceeds", planned.StringFixed(2)).
			Str("shortfall", shortfall.StringFixed(2)).
			Int("buys_left", len(buys)).
			Msg("Sell proceeds short of plan, buys downsized")
	}

	bought, rej, err := e.submitPhase(ctx, broker, req, buys, res, log)
	all = append(all, bought...)
	rejections += rej
	if err != nil {
		return e.finish(all, res, rejections, err, log)
	}
	if err := e.pollToSettled(ctx, broker, req.Deadline, bought, res, log); err != nil {
		return e.finish(all, res, rejections, err, log)
	}

	return e.finish(all, res, rejections, nil, log)
}

// submitPhase submits one side of the plan in order. Rejections are
// recorded and counted but do not stop the remaining intents; any
// other submission failure aborts the phase.
func (e *Executor) submitPhase(ctx context.Context, broker domain.BrokerClient, req Request, intents []planner.Intent, res *Result, log zerolog.Logger) ([]*tracked, int, error) {
	var ts []*tracked
	rejections := 0
	cutoff := req.Deadline.Add(-e.submitCutoff)

	for i, intent := range intents {
		if ctx.Err() != nil || !time.Now().Before(cutoff) {
			skipped := len(intents) - i
			res.SkippedAtCutoff += skipped
			log.Warn().
				Int("skipped", skipped).
				Time("cutoff", cutoff).
				Msg("Submit cutoff reached, remaining orders skipped")
			break
		}

		t, err := e.submitOne(ctx, broker, req.SymphonyID, intent, res, log)
		if t != nil {
			ts = append(ts, t)
		}
		if err != nil {
			if domain.IsKind(err, domain.KindBrokerRejected) {
				rejections++
				continue
			}
			return ts, rejections, err
		}
		res.Placed++
	}
	return ts, rejections, nil
}

// submitOne persists a pending order, submits it, and records the
// acknowledgement. A transport failure is resolved through the client
// order id before being treated as fatal, since the submission may
// have landed even though the response was lost.
func (e *Executor) submitOne(ctx context.Context, broker domain.BrokerClient, symphonyID string, intent planner.Intent, res *Result, log zerolog.Logger) (*tracked, error) {
	qty := intent.Quantity.Abs()
	t := &tracked{
		clientOrderID: uuid.NewString(),
		symphonyID:    symphonyID,
		ticker:        intent.Ticker,
		side:          intent.Side(),
		quantity:      qty,
	}

	if err := e.orders.Insert(&domain.Order{
		ClientOrderID: t.clientOrderID,
		SymphonyID:    symphonyID,
		Ticker:        t.ticker,
		Side:          t.side,
		Quantity:      qty,
		Status:        domain.OrderStatusPending,
	}); err != nil {
		return nil, fmt.Errorf("failed to persist order for %s: %w", t.ticker, err)
	}

	bo, err := broker.SubmitOrder(ctx, domain.OrderRequest{
		ClientOrderID: t.clientOrderID,
		Symbol:        t.ticker,
		Side:          t.side,
		Quantity:      qty,
		Type:          domain.OrderTypeMarket,
		TimeInForce:   domain.TimeInForceDay,
	})
	if err != nil {
		switch {
		case domain.IsKind(err, domain.KindBrokerUnreachable) || domain.IsKind(err, domain.KindTimeout):
			found, lookupErr := broker.GetOrderByClientID(ctx, t.clientOrderID)
			if lookupErr != nil {
				e.settleFailure(t, domain.OrderStatusFailed, err.Error(), res, log)
				return t, err
			}
			bo = found
		case domain.IsKind(err, domain.KindBrokerAuth):
			e.settleFailure(t, domain.OrderStatusFailed, err.Error(), res, log)
			return t, err
		default:
			e.settleFailure(t, domain.OrderStatusRejected, err.Error(), res, log)
			return t, domain.Wrap(domain.KindBrokerRejected, err)
		}
	}

	t.brokerOrderID = bo.ID
	if err := e.orders.MarkSubmitted(t.clientOrderID, bo.ID, bo.SubmittedAt); err != nil {
		log.Error().Err(err).Str("ticker", t.ticker).Msg("Failed to record submission")
	}

	// Some acknowledgements already carry the outcome.
	if bo.Status == domain.OrderStatusRejected {
		e.observe(t, bo, res, log)
		return t, domain.E(domain.KindBrokerRejected, "order for %s rejected: %s", t.ticker, failureReason(bo))
	}

	e.events.EmitTyped("executor", &events.OrderPlacedData{
		SymphonyID:    symphonyID,
		ClientOrderID: t.clientOrderID,
		Ticker:        t.ticker,
		Side:          string(t.side),
		Quantity:      qty.String(),
	})
	log.Info().
		Str("ticker", t.ticker).
		Str("side", string(t.side)).
		Str("qty", qty.String()).
		Str("broker_order_id", bo.ID).
		Msg("Order submitted")

	e.observe(t, bo, res, log)
	return t, nil
}

// pollToSettled polls every live order until it settles or the window
// deadline arrives. Orders still partially filled at the deadline get
// their fill portion recorded; untouched orders stay open for
// reconciliation. Five consecutive failed polls abort the run.
func (e *Executor) pollToSettled(ctx context.Context, broker domain.BrokerClient, deadline time.Time, ts []*tracked, res *Result, log zerolog.Logger) error {
	consecutive := 0
	for undone(ts) > 0 {
		now := time.Now()
		if !now.Before(deadline) {
			break
		}
		wait := e.pollInterval
		if remaining := deadline.Sub(now); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			e.flush(ts, res, log)
			return nil
		case <-time.After(wait):
		}

		for _, t := range ts {
			if t.done {
				continue
			}
			bo, err := broker.GetOrder(ctx, t.brokerOrderID)
			if err != nil {
				consecutive++
				log.Warn().
					Err(err).
					Str("ticker", t.ticker).
					Int("consecutive", consecutive).
					Msg("Order poll failed")
				if consecutive >= maxPollFailures {
					e.flush(ts, res, log)
					return domain.Wrap(domain.KindBrokerUnreachable, err)
				}
				continue
			}
			consecutive = 0
			e.observe(t, bo, res, log)
		}
	}
	e.flush(ts, res, log)
	return nil
}

// observe applies one broker snapshot to a tracked order. Fills settle
// immediately, partials are remembered for the window-close flush, and
// terminal failures keep whatever portion filled before they died.
func (e *Executor) observe(t *tracked, bo *domain.BrokerOrder, res *Result, log zerolog.Logger) {
	if t.done {
		return
	}
	switch {
	case bo.Status == domain.OrderStatusFilled:
		filledAt := time.Now()
		if bo.FilledAt != nil {
			filledAt = *bo.FilledAt
		}
		e.settleFill(t, bo.FilledQuantity, bo.FilledAvgPrice, filledAt, false, res, log)
	case bo.Status == domain.OrderStatusPartial:
		t.filledQty = bo.FilledQuantity
		t.filledPrice = bo.FilledAvgPrice
	case bo.Status.Terminal():
		if bo.FilledQuantity.IsPositive() {
			if err := e.orders.UpdateFill(t.clientOrderID, bo.Status, bo.FilledQuantity, bo.FilledAvgPrice); err != nil {
				log.Error().Err(err).Str("ticker", t.ticker).Msg("Failed to record fill")
			}
			e.applyFill(t, bo.FilledQuantity, bo.FilledAvgPrice, time.Now(), log)
		}
		e.settleFailure(t, bo.Status, failureReason(bo), res, log)
	}
}

// flush records the fill portion of every order still live when
// polling stops. Orders with no fill keep their open status so the
// reconciler finds them later.
func (e *Executor) flush(ts []*tracked, res *Result, log zerolog.Logger) {
	for _, t := range ts {
		if t.done || !t.filledQty.IsPositive() {
			continue
		}
		e.settleFill(t, t.filledQty, t.filledPrice, time.Now(), true, res, log)
	}
}

// settleFill records a fill, applies it to the symphony's position,
// and emits the fill event. partial marks window-close partials.
func (e *Executor) settleFill(t *tracked, qty, price decimal.Decimal, filledAt time.Time, partial bool, res *Result, log zerolog.Logger) {
	status := domain.OrderStatusFilled
	if partial {
		status = domain.OrderStatusPartial
	}
	if err := e.orders.UpdateFill(t.clientOrderID, status, qty, price); err != nil {
		log.Error().Err(err).Str("ticker", t.ticker).Msg("Failed to record fill")
	}
	e.applyFill(t, qty, price, filledAt, log)
	e.events.EmitTyped("executor", &events.OrderFilledData{
		SymphonyID:    t.symphonyID,
		ClientOrderID: t.clientOrderID,
		Ticker:        t.ticker,
		Side:          string(t.side),
		FilledQty:     qty.String(),
		AvgPrice:      price.String(),
		Partial:       partial,
	})
	t.done = true
	if partial {
		res.Partial++
	} else {
		res.Filled++
	}
	log.Info().
		Str("ticker", t.ticker).
		Str("qty", qty.String()).
		Str("price", price.String()).
		Bool("partial", partial).
		Msg("Order filled")
}

// applyFill moves the fill into the position book and the trade log.
// Callers guarantee it runs at most once per order.
func (e *Executor) applyFill(t *tracked, qty, price decimal.Decimal, executedAt time.Time, log zerolog.Logger) {
	if !qty.IsPositive() {
		return
	}
	if err := e.positions.ApplyFill(t.symphonyID, t.ticker, t.side, qty, price); err != nil {
		log.Error().Err(err).Str("ticker", t.ticker).Msg("Failed to apply fill to position")
	}
	if err := e.trades.Insert(&domain.Trade{
		SymphonyID:    t.symphonyID,
		ClientOrderID: t.clientOrderID,
		Ticker:        t.ticker,
		Side:          t.side,
		Quantity:      qty,
		Price:         price,
		ExecutedAt:    executedAt,
	}); err != nil {
		log.Error().Err(err).Str("ticker", t.ticker).Msg("Failed to record trade")
	}
	t.filledQty = qty
	t.filledPrice = price
}

// settleFailure marks an order terminally failed and emits the
// failure event.
func (e *Executor) settleFailure(t *tracked, status domain.OrderStatus, reason string, res *Result, log zerolog.Logger) {
	if err := e.orders.MarkFailed(t.clientOrderID, status, reason); err != nil {
		log.Error().Err(err).Str("ticker", t.ticker).Msg("Failed to record order failure")
	}
	e.events.EmitTyped("executor", &events.OrderFailedData{
		SymphonyID:    t.symphonyID,
		ClientOrderID: t.clientOrderID,
		Ticker:        t.ticker,
		Side:          string(t.side),
		Status:        string(status),
		Reason:        reason,
	})
	t.done = true
	res.Failed++
	log.Warn().
		Str("ticker", t.ticker).
		Str("status", string(status)).
		Str("reason", reason).
		Msg("Order failed")
}

// finish loads final order rows and translates the run's counters into
// the error the recovery policy keys on.
func (e *Executor) finish(ts []*tracked, res *Result, rejections int, abort error, log zerolog.Logger) (*Result, error) {
	res.Orders = e.loadOrders(ts)
	unsettled := undone(ts) + res.SkippedAtCutoff

	log.Info().
		Int("placed", res.Placed).
		Int("filled", res.Filled).
		Int("partial", res.Partial).
		Int("failed", res.Failed).
		Int("unsettled", unsettled).
		Bool("downsized", res.Downsized).
		Msg("Execution finished")

	switch {
	case abort != nil:
		return res, abort
	case rejections > 0:
		return res, domain.E(domain.KindBrokerRejected, "broker rejected %d orders", rejections)
	case res.Partial > 0 || unsettled > 0:
		return res, domain.E(domain.KindTimeout, "window closed with %d orders not fully filled", res.Partial+unsettled)
	case res.Failed > 0:
		return res, domain.E(domain.KindTimeout, "%d orders ended without filling", res.Failed)
	}
	return res, nil
}

func (e *Executor) loadOrders(ts []*tracked) []domain.Order {
	out := make([]domain.Order, 0, len(ts))
	for _, t := range ts {
		o, err := e.orders.GetByClientID(t.clientOrderID)
		if err != nil || o == nil {
			continue
		}
		out = append(out, *o)
	}
	return out
}

func realizedProceeds(ts []*tracked) decimal.Decimal {
	total := decimal.Zero
	for _, t := range ts {
		total = total.Add(t.filledQty.Mul(t.filledPrice))
	}
	return total
}

func undone(ts []*tracked) int {
	n := 0
	for _, t := range ts {
		if !t.done {
			n++
		}
	}
	return n
}

func failureReason(bo *domain.BrokerOrder) string {
	if bo.Reason != "" {
		return bo.Reason
	}
	return "order " + string(bo.Status) + " at broker"
}
