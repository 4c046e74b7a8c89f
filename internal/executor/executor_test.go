package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/origamihq/conductor/internal/config"
	"github.com/origamihq/conductor/internal/domain"
	"github.com/origamihq/conductor/internal/events"
	"github.com/origamihq/conductor/internal/planner"
	"github.com/origamihq/conductor/internal/portfolio"
	"github.com/origamihq/conductor/internal/testkit"
)

var quiet = zerolog.New(nil).Level(zerolog.Disabled)

const testSymphony = "sym-1"

type fixture struct {
	exec      *Executor
	broker    *testkit.MockBroker
	orders    *portfolio.OrderRepository
	positions *portfolio.PositionRepository
	trades    *portfolio.TradeRepository
	bus       *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testkit.NewDB(t)

	orders := portfolio.NewOrderRepository(db, quiet)
	require.NoError(t, orders.InitSchema())
	positions := portfolio.NewPositionRepository(db, quiet)
	require.NoError(t, positions.InitSchema())
	trades := portfolio.NewTradeRepository(db, quiet)
	require.NoError(t, trades.InitSchema())

	bus := events.NewBus()
	pl := planner.New(config.PlannerConfig{MinOrderDollars: 1}, quiet)
	exec := New(orders, positions, trades, pl, events.NewManager(bus, quiet), config.WindowConfig{SubmitCutoffSec: 30}, quiet)
	exec.pollInterval = time.Millisecond

	return &fixture{
		exec:      exec,
		broker:    testkit.NewMockBroker(),
		orders:    orders,
		positions: positions,
		trades:    trades,
		bus:       bus,
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func buy(ticker, qty, price string) planner.Intent {
	return planner.Intent{Ticker: ticker, Quantity: dec(qty), Price: dec(price), Delta: dec(qty).Mul(dec(price))}
}

func sell(ticker, qty, price string) planner.Intent {
	q := dec(qty).Neg()
	return planner.Intent{Ticker: ticker, Quantity: q, Price: dec(price), Delta: q.Mul(dec(price))}
}

func request(intents ...planner.Intent) Request {
	return Request{
		SymphonyID: testSymphony,
		Plan:       &planner.Plan{Intents: intents},
		Deadline:   time.Now().Add(time.Minute),
	}
}

func TestExecuteEmptyPlan(t *testing.T) {
	f := newFixture(t)

	res, err := f.exec.Execute(context.Background(), f.broker, Request{SymphonyID: testSymphony})
	require.NoError(t, err)
	assert.Zero(t, res.Placed)

	res, err = f.exec.Execute(context.Background(), f.broker, request())
	require.NoError(t, err)
	assert.Zero(t, res.Placed)
	assert.Equal(t, 0, f.broker.OrderCount())
}

func TestExecuteFillsAllOrders(t *testing.T) {
	f := newFixture(t)

	res, err := f.exec.Execute(context.Background(), f.broker, request(
		buy("SPY", "10", "100"),
		buy("QQQ", "5", "200"),
	))
	require.NoError(t, err)

	assert.Equal(t, 2, res.Placed)
	assert.Equal(t, 2, res.Filled)
	assert.Zero(t, res.Partial)
	assert.Zero(t, res.Failed)
	assert.False(t, res.Downsized)

	require.Len(t, res.Orders, 2)
	for _, o := range res.Orders {
		assert.Equal(t, domain.OrderStatusFilled, o.Status)
		assert.True(t, o.Quantity.Equal(o.FilledQuantity), "order %s not fully filled", o.Ticker)
		assert.NotEmpty(t, o.BrokerOrderID)
	}

	pos, err := f.positions.Get(testSymphony, "SPY")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, pos.Quantity.Equal(dec("10")))

	trades, err := f.trades.ListBySymphony(testSymphony, 10)
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

func TestPersistsOrderBeforeSubmitting(t *testing.T) {
	f := newFixture(t)
	peek := &peekBroker{MockBroker: f.broker, orders: f.orders}

	_, err := f.exec.Execute(context.Background(), peek, request(buy("SPY", "1", "100")))
	require.NoError(t, err)
	assert.True(t, peek.sawPending, "order was not persisted before submission")
}

func TestSellsSubmittedBeforeBuys(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.positions.Upsert(&domain.Position{
		SymphonyID: testSymphony, Ticker: "AGG", Quantity: dec("5"), AvgPrice: dec("100"),
	}))

	// Intent order in the plan deliberately lists the buy first.
	res, err := f.exec.Execute(context.Background(), f.broker, request(
		buy("SPY", "4", "100"),
		sell("AGG", "5", "100"),
	))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Filled)

	require.Len(t, f.broker.Submitted, 2)
	assert.Equal(t, "AGG", f.broker.Submitted[0].Symbol)
	assert.Equal(t, domain.OrderSideSell, f.broker.Submitted[0].Side)
	assert.Equal(t, "SPY", f.broker.Submitted[1].Symbol)
	assert.Equal(t, domain.OrderSideBuy, f.broker.Submitted[1].Side)

	// Selling the whole holding removes the position row.
	pos, err := f.positions.Get(testSymphony, "AGG")
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestRejectedOrderContinuesOthers(t *testing.T) {
	f := newFixture(t)
	f.broker.Script("SPY", testkit.OrderScript{RejectReason: "symbol halted"})

	res, err := f.exec.Execute(context.Background(), f.broker, request(
		buy("SPY", "10", "100"),
		buy("QQQ", "5", "200"),
	))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindBrokerRejected))

	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Filled)

	spy, err := f.orders.GetByClientID(findOrder(t, res, "SPY").ClientOrderID)
	require.NoError(t, err)
	require.NotNil(t, spy)
	assert.Equal(t, domain.OrderStatusRejected, spy.Status)
	assert.Equal(t, "symbol halted", spy.Error)

	// The rejection is queryable for the escalation counter.
	n, err := f.orders.CountRejectedSince(testSymphony, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRejectedSellDropsUnfundedBuys(t *testing.T) {
	f := newFixture(t)
	f.broker.Script("AGG", testkit.OrderScript{RejectReason: "not tradable"})

	res, err := f.exec.Execute(context.Background(), f.broker, request(
		sell("AGG", "10", "100"),
		buy("SPY", "10", "100"),
	))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindBrokerRejected))

	// The buy side depended entirely on the sell's proceeds.
	assert.True(t, res.Downsized)
	assert.Equal(t, 1, f.broker.OrderCount())
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, res.Filled)
}

func TestSellShortfallDownsizesBuys(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.positions.Upsert(&domain.Position{
		SymphonyID: testSymphony, Ticker: "AGG", Quantity: dec("10"), AvgPrice: dec("110"),
	}))

	// The plan prices AGG at 120 but the broker fills at its 100 mark,
	// so realized proceeds come up two hundred dollars short.
	res, err := f.exec.Execute(context.Background(), f.broker, request(
		sell("AGG", "10", "120"),
		buy("SPY", "10", "100"),
	))
	require.NoError(t, err)

	assert.True(t, res.Downsized)
	require.Len(t, f.broker.Submitted, 2)
	assert.Equal(t, "SPY", f.broker.Submitted[1].Symbol)
	assert.True(t, f.broker.Submitted[1].Quantity.Equal(dec("8")),
		"buy should shrink to the 800 dollar budget, got %s", f.broker.Submitted[1].Quantity)

	pos, err := f.positions.Get(testSymphony, "SPY")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, pos.Quantity.Equal(dec("8")))
}

func TestPartialFillAtDeadline(t *testing.T) {
	f := newFixture(t)
	f.exec.submitCutoff = 10 * time.Millisecond
	f.broker.Script("SPY", testkit.OrderScript{PartialQuantity: dec("4")})

	req := request(buy("SPY", "10", "100"))
	req.Deadline = time.Now().Add(100 * time.Millisecond)

	res, err := f.exec.Execute(context.Background(), f.broker, req)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindTimeout))

	assert.Equal(t, 1, res.Partial)
	assert.Zero(t, res.Filled)

	require.Len(t, res.Orders, 1)
	assert.Equal(t, domain.OrderStatusPartial, res.Orders[0].Status)
	assert.True(t, res.Orders[0].FilledQuantity.Equal(dec("4")))

	// The filled portion lands in the book even though the order died.
	pos, err := f.positions.Get(testSymphony, "SPY")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, pos.Quantity.Equal(dec("4")))

	trades, err := f.trades.ListBySymphony(testSymphony, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Quantity.Equal(dec("4")))
}

func TestUnfilledOrderStaysOpenAtDeadline(t *testing.T) {
	f := newFixture(t)
	f.exec.submitCutoff = 10 * time.Millisecond
	f.broker.Script("SPY", testkit.OrderScript{FillAfterPolls: 100000})

	req := request(buy("SPY", "10", "100"))
	req.Deadline = time.Now().Add(60 * time.Millisecond)

	res, err := f.exec.Execute(context.Background(), f.broker, req)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindTimeout))
	assert.Zero(t, res.Filled)
	assert.Zero(t, res.Partial)

	open, err := f.orders.ListOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, domain.OrderStatusSubmitted, open[0].Status)
}

func TestSubmitCutoffSkipsLateOrders(t *testing.T) {
	f := newFixture(t)

	// Thirty second cutoff, twenty seconds of window left.
	req := request(buy("SPY", "10", "100"), buy("QQQ", "5", "200"))
	req.Deadline = time.Now().Add(20 * time.Second)

	res, err := f.exec.Execute(context.Background(), f.broker, req)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindTimeout))

	assert.Equal(t, 2, res.SkippedAtCutoff)
	assert.Zero(t, res.Placed)
	assert.Equal(t, 0, f.broker.OrderCount())
}

func TestSubmitTransportFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.broker.Script("SPY", testkit.OrderScript{
		SubmitErr: domain.E(domain.KindBrokerUnreachable, "connection refused"),
	})

	res, err := f.exec.Execute(context.Background(), f.broker, request(
		buy("SPY", "10", "100"),
		buy("QQQ", "5", "200"),
	))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindBrokerUnreachable))

	// The run aborts before QQQ is attempted.
	assert.Equal(t, 0, f.broker.OrderCount())
	assert.Equal(t, 1, res.Failed)

	row, err := f.orders.GetByClientID(res.Orders[0].ClientOrderID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, domain.OrderStatusFailed, row.Status)
}

func TestLostSubmitResponseResolvedByClientID(t *testing.T) {
	f := newFixture(t)
	lossy := &lostAckBroker{MockBroker: f.broker, losses: 1}

	res, err := f.exec.Execute(context.Background(), lossy, request(buy("SPY", "10", "100")))
	require.NoError(t, err)

	// The submission landed despite the lost response, so no duplicate
	// order exists and the fill is recorded normally.
	assert.Equal(t, 1, f.broker.OrderCount())
	assert.Equal(t, 1, res.Filled)
	assert.Zero(t, res.Failed)
}

func TestUnreachableDuringPollingAborts(t *testing.T) {
	f := newFixture(t)
	f.broker.Script("SPY", testkit.OrderScript{FillAfterPolls: 100000})

	res, err := f.exec.Execute(context.Background(), &downBroker{f.broker}, request(buy("SPY", "10", "100")))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindBrokerUnreachable))

	assert.Equal(t, 1, res.Placed)
	assert.Zero(t, res.Filled)

	// The order stays open for reconciliation to pick up.
	open, err := f.orders.ListOpen()
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestEmitsLifecycleEvents(t *testing.T) {
	f := newFixture(t)
	f.broker.Script("QQQ", testkit.OrderScript{RejectReason: "halted"})

	var mu sync.Mutex
	var seen []*events.Event
	record := func(ev *events.Event) {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
	}
	f.bus.Subscribe(events.OrderPlaced, record)
	f.bus.Subscribe(events.OrderFilled, record)
	f.bus.Subscribe(events.OrderFailed, record)

	_, err := f.exec.Execute(context.Background(), f.broker, request(
		buy("SPY", "10", "100"),
		buy("QQQ", "5", "200"),
	))
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	byType := map[events.EventType][]*events.Event{}
	for _, ev := range seen {
		byType[ev.Type] = append(byType[ev.Type], ev)
	}

	require.Len(t, byType[events.OrderPlaced], 1)
	assert.Equal(t, "SPY", byType[events.OrderPlaced][0].Data["ticker"])

	require.Len(t, byType[events.OrderFilled], 1)
	assert.Equal(t, false, byType[events.OrderFilled][0].Data["partial"])

	require.Len(t, byType[events.OrderFailed], 1)
	assert.Equal(t, "halted", byType[events.OrderFailed][0].Data["reason"])
	assert.Equal(t, "executor", byType[events.OrderFailed][0].Module)
}

func findOrder(t *testing.T, res *Result, ticker string) domain.Order {
	t.Helper()
	for _, o := range res.Orders {
		if o.Ticker == ticker {
			return o
		}
	}
	t.Fatalf("no order for %s in result", ticker)
	return domain.Order{}
}

// peekBroker checks that the order row exists before the broker ever
// sees the submission.
type peekBroker struct {
	*testkit.MockBroker
	orders     *portfolio.OrderRepository
	sawPending bool
}

func (b *peekBroker) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.BrokerOrder, error) {
	if o, err := b.orders.GetByClientID(req.ClientOrderID); err == nil && o != nil && o.Status == domain.OrderStatusPending {
		b.sawPending = true
	}
	return b.MockBroker.SubmitOrder(ctx, req)
}

// lostAckBroker lets the submission land at the broker but loses the
// response on the way back.
type lostAckBroker struct {
	*testkit.MockBroker
	losses int
}

func (b *lostAckBroker) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.BrokerOrder, error) {
	order, err := b.MockBroker.SubmitOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	if b.losses > 0 {
		b.losses--
		return nil, domain.E(domain.KindBrokerUnreachable, "response lost")
	}
	return order, nil
}

// downBroker accepts submissions but never answers a status poll.
type downBroker struct {
	*testkit.MockBroker
}

func (b *downBroker) GetOrder(ctx context.Context, brokerOrderID string) (*domain.BrokerOrder, error) {
	return nil, domain.E(domain.KindBrokerUnreachable, "gateway timeout")
}
