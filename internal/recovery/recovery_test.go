package recovery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/origamihq/conductor/internal/audit"
	"github.com/origamihq/conductor/internal/config"
	"github.com/origamihq/conductor/internal/domain"
	"github.com/origamihq/conductor/internal/events"
	"github.com/origamihq/conductor/internal/executor"
	"github.com/origamihq/conductor/internal/planner"
	"github.com/origamihq/conductor/internal/portfolio"
	"github.com/origamihq/conductor/internal/symphony"
	"github.com/origamihq/conductor/internal/testkit"
)

var quiet = zerolog.New(nil).Level(zerolog.Disabled)

type fixture struct {
	handler      *Handler
	broker       *testkit.MockBroker
	symphonies   *symphony.Repository
	orders       *portfolio.OrderRepository
	positions    *portfolio.PositionRepository
	liquidations *audit.LiquidationRepository
	bus          *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testkit.NewDB(t)

	symphonies := symphony.NewRepository(db, quiet)
	require.NoError(t, symphonies.InitSchema())
	orders := portfolio.NewOrderRepository(db, quiet)
	require.NoError(t, orders.InitSchema())
	positions := portfolio.NewPositionRepository(db, quiet)
	require.NoError(t, positions.InitSchema())
	trades := portfolio.NewTradeRepository(db, quiet)
	require.NoError(t, trades.InitSchema())
	liquidations := audit.NewLiquidationRepository(db, quiet)
	require.NoError(t, liquidations.InitSchema())

	bus := events.NewBus()
	em := events.NewManager(bus, quiet)
	pl := planner.New(config.PlannerConfig{MinOrderDollars: 1}, quiet)
	exec := executor.New(orders, positions, trades, pl, em, config.WindowConfig{SubmitCutoffSec: 30}, quiet).
		WithPollInterval(time.Millisecond)

	h := NewHandler(symphonies, orders, positions, liquidations, exec, em, quiet)
	h.retryDelay = time.Millisecond
	h.backoffBase = time.Millisecond

	return &fixture{
		handler:      h,
		broker:       testkit.NewMockBroker(),
		symphonies:   symphonies,
		orders:       orders,
		positions:    positions,
		liquidations: liquidations,
		bus:          bus,
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedSymphony(t *testing.T, f *fixture, id, userID string, status domain.SymphonyStatus) *domain.Symphony {
	t.Helper()
	sym := &domain.Symphony{
		ID:        id,
		UserID:    userID,
		Name:      "Test " + id,
		TreeJSON:  []byte(`{"step":"root"}`),
		Rebalance: domain.RebalancePolicy{Frequency: domain.RebalanceDaily},
		Status:    status,
	}
	require.NoError(t, f.symphonies.Create(sym))
	return sym
}

func seedPosition(t *testing.T, f *fixture, symphonyID, ticker, qty, avgPrice string) {
	t.Helper()
	require.NoError(t, f.positions.Upsert(&domain.Position{
		SymphonyID: symphonyID,
		Ticker:     ticker,
		Quantity:   dec(qty),
		AvgPrice:   dec(avgPrice),
	}))
}

func seedRejectedOrder(t *testing.T, f *fixture, symphonyID, clientID string) {
	t.Helper()
	require.NoError(t, f.orders.Insert(&domain.Order{
		ClientOrderID: clientID,
		SymphonyID:    symphonyID,
		Ticker:        "SPY",
		Side:          domain.OrderSideBuy,
		Quantity:      dec("1"),
	}))
	require.NoError(t, f.orders.MarkFailed(clientID, domain.OrderStatusRejected, "rejected by broker"))
}

func handle(f *fixture, sym *domain.Symphony, attempt int, cause error) Decision {
	windowStart := time.Now().Add(-5 * time.Minute)
	deadline := time.Now().Add(time.Minute)
	return f.handler.HandleFailure(context.Background(), f.broker, sym, windowStart, deadline, attempt, cause)
}

func reload(t *testing.T, f *fixture, id string) *domain.Symphony {
	t.Helper()
	sym, err := f.symphonies.Get(id)
	require.NoError(t, err)
	require.NotNil(t, sym)
	return sym
}

func TestDataUnavailableRetriesThenSuspends(t *testing.T) {
	f := newFixture(t)
	sym := seedSymphony(t, f, "sym-1", "user-1", domain.SymphonyActive)
	seedPosition(t, f, sym.ID, "SPY", "10", "95")
	cause := domain.E(domain.KindDataUnavailable, "no close for SPY on 2026-08-24")

	d := handle(f, sym, 0, cause)
	assert.True(t, d.Retry)
	assert.Equal(t, f.handler.retryDelay, d.RetryAfter)
	assert.False(t, d.Liquidated)
	got := reload(t, f, sym.ID)
	assert.Equal(t, domain.SymphonyActive, got.Status)
	assert.Contains(t, got.LastError, "no close for SPY")

	d = handle(f, sym, 1, cause)
	assert.False(t, d.Retry)
	assert.True(t, d.Liquidated)
	assert.Equal(t, domain.SymphonyInactive, d.NewStatus)

	got = reload(t, f, sym.ID)
	assert.Equal(t, domain.SymphonyInactive, got.Status)
	assert.True(t, strings.HasPrefix(got.LastError, "suspended pending data validation:"), got.LastError)

	held, err := f.positions.ListBySymphony(sym.ID)
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestEvalErrorDeactivatesAndLiquidates(t *testing.T) {
	f := newFixture(t)
	sym := seedSymphony(t, f, "sym-1", "user-1", domain.SymphonyActive)
	seedPosition(t, f, sym.ID, "SPY", "10", "95")

	var mu sync.Mutex
	var seen []*events.Event
	f.bus.Subscribe(events.LiquidationTriggered, func(e *events.Event) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
	})

	d := handle(f, sym, 0, domain.E(domain.KindEvalError, "allocation sums to zero"))
	assert.True(t, d.Liquidated)
	assert.Equal(t, domain.SymphonyError, d.NewStatus)

	got := reload(t, f, sym.ID)
	assert.Equal(t, domain.SymphonyError, got.Status)
	assert.True(t, strings.HasPrefix(got.LastError, "deactivated after evaluation failure:"), got.LastError)

	// 10 shares at the broker's 100 mark.
	recorded, err := f.liquidations.ListBySymphony(sym.ID, 5)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.True(t, recorded[0].Completed)
	assert.Equal(t, string(domain.KindEvalError), recorded[0].ErrorKind)
	assert.Len(t, recorded[0].OrderIDs, 1)
	assert.True(t, recorded[0].ClosedValue.Equal(dec("1000")), recorded[0].ClosedValue.String())

	held, err := f.positions.ListBySymphony(sym.ID)
	require.NoError(t, err)
	assert.Empty(t, held)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, "recovery", seen[0].Module)
	assert.Equal(t, "EVAL_ERROR", seen[0].Data["error_kind"])
	assert.Equal(t, "1000.00", seen[0].Data["closed_value"])
}

func TestParseErrorDeactivates(t *testing.T) {
	f := newFixture(t)
	sym := seedSymphony(t, f, "sym-1", "user-1", domain.SymphonyActive)

	d := handle(f, sym, 0, domain.E(domain.KindParse, "unknown step %q", "wt-banana"))
	assert.True(t, d.Liquidated)
	assert.Equal(t, domain.SymphonyError, reload(t, f, sym.ID).Status)

	// Nothing held, so the audit row completes with no orders.
	recorded, err := f.liquidations.ListBySymphony(sym.ID, 5)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.True(t, recorded[0].Completed)
	assert.Empty(t, recorded[0].OrderIDs)
}

func TestPlanOverBudgetRetriesOnce(t *testing.T) {
	f := newFixture(t)
	sym := seedSymphony(t, f, "sym-1", "user-1", domain.SymphonyActive)
	cause := domain.E(domain.KindPlanOverBudget, "buys exceed buying power by 120.00")

	d := handle(f, sym, 0, cause)
	assert.True(t, d.Retry)
	assert.False(t, d.Liquidated)
	assert.Equal(t, domain.SymphonyActive, reload(t, f, sym.ID).Status)

	d = handle(f, sym, 1, cause)
	assert.False(t, d.Retry)
	assert.False(t, d.Liquidated)
	assert.Equal(t, domain.SymphonyActive, reload(t, f, sym.ID).Status)
}

func TestSingleRejectionOnlyCounts(t *testing.T) {
	f := newFixture(t)
	sym := seedSymphony(t, f, "sym-1", "user-1", domain.SymphonyActive)
	seedPosition(t, f, sym.ID, "SPY", "10", "95")
	seedRejectedOrder(t, f, sym.ID, "ord-1")

	d := handle(f, sym, 0, domain.E(domain.KindBrokerRejected, "broker rejected 1 orders"))
	assert.False(t, d.Liquidated)
	assert.False(t, d.Retry)
	assert.Equal(t, domain.SymphonyActive, reload(t, f, sym.ID).Status)

	recorded, err := f.liquidations.ListBySymphony(sym.ID, 5)
	require.NoError(t, err)
	assert.Empty(t, recorded)
}

func TestRepeatedRejectionsLiquidate(t *testing.T) {
	f := newFixture(t)
	sym := seedSymphony(t, f, "sym-1", "user-1", domain.SymphonyActive)
	seedPosition(t, f, sym.ID, "SPY", "10", "95")
	seedRejectedOrder(t, f, sym.ID, "ord-1")
	seedRejectedOrder(t, f, sym.ID, "ord-2")
	seedRejectedOrder(t, f, sym.ID, "ord-3")

	d := handle(f, sym, 0, domain.E(domain.KindBrokerRejected, "broker rejected 1 orders"))
	assert.True(t, d.Liquidated)
	// Repeated rejections close positions but leave the symphony active.
	assert.Empty(t, d.NewStatus)
	assert.Equal(t, domain.SymphonyActive, reload(t, f, sym.ID).Status)

	recorded, err := f.liquidations.ListBySymphony(sym.ID, 5)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.True(t, recorded[0].Completed)

	held, err := f.positions.ListBySymphony(sym.ID)
	require.NoError(t, err)
	assert.Empty(t, held)
}

// flakyBroker fails order submission with an unreachable error until the
// counter runs out, then behaves normally.
type flakyBroker struct {
	*testkit.MockBroker
	mu          sync.Mutex
	failSubmits int
}

func (b *flakyBroker) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.BrokerOrder, error) {
	b.mu.Lock()
	failing := b.failSubmits > 0
	if failing {
		b.failSubmits--
	}
	b.mu.Unlock()
	if failing {
		return nil, domain.E(domain.KindBrokerUnreachable, "connection refused")
	}
	return b.MockBroker.SubmitOrder(ctx, req)
}

func TestBrokerUnreachableRetriesWithBackoff(t *testing.T) {
	f := newFixture(t)
	sym := seedSymphony(t, f, "sym-1", "user-1", domain.SymphonyActive)
	seedPosition(t, f, sym.ID, "SPY", "10", "95")
	broker := &flakyBroker{MockBroker: f.broker, failSubmits: 1}

	windowStart := time.Now().Add(-5 * time.Minute)
	deadline := time.Now().Add(time.Minute)
	cause := domain.E(domain.KindBrokerUnreachable, "5 poll cycles without contact")
	d := f.handler.HandleFailure(context.Background(), broker, sym, windowStart, deadline, 0, cause)
	assert.True(t, d.Liquidated)
	assert.False(t, d.Retry)

	recorded, err := f.liquidations.ListBySymphony(sym.ID, 5)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.True(t, recorded[0].Completed, "close should succeed on the backoff retry")

	held, err := f.positions.ListBySymphony(sym.ID)
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestBrokerUnreachableExhaustsBackoff(t *testing.T) {
	f := newFixture(t)
	sym := seedSymphony(t, f, "sym-1", "user-1", domain.SymphonyActive)
	seedPosition(t, f, sym.ID, "SPY", "10", "95")
	broker := &flakyBroker{MockBroker: f.broker, failSubmits: 1000}

	err := f.handler.Liquidate(context.Background(), broker, sym, time.Now().Add(time.Minute),
		domain.E(domain.KindBrokerUnreachable, "connection refused"))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindBrokerUnreachable))

	// The audit row stays open for the startup re-drive and the
	// position is untouched.
	incomplete, err := f.liquidations.ListIncomplete()
	require.NoError(t, err)
	require.Len(t, incomplete, 1)
	assert.Equal(t, sym.ID, incomplete[0].SymphonyID)

	held, err := f.positions.ListBySymphony(sym.ID)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.True(t, held[0].Quantity.Equal(dec("10")))
}

func TestTimeoutRecordsAndContinues(t *testing.T) {
	f := newFixture(t)
	sym := seedSymphony(t, f, "sym-1", "user-1", domain.SymphonyActive)

	d := handle(f, sym, 0, domain.E(domain.KindTimeout, "window closed with 2 orders not fully filled"))
	assert.False(t, d.Retry)
	assert.False(t, d.Liquidated)
	assert.False(t, d.EscalateUser)

	got := reload(t, f, sym.ID)
	assert.Equal(t, domain.SymphonyActive, got.Status)
	assert.Contains(t, got.LastError, "not fully filled")
}

func TestAuthFailureEscalatesToUser(t *testing.T) {
	f := newFixture(t)
	sym := seedSymphony(t, f, "sym-1", "user-1", domain.SymphonyActive)

	d := handle(f, sym, 0, domain.E(domain.KindBrokerAuth, "token expired"))
	assert.True(t, d.EscalateUser)
	assert.False(t, d.Liquidated)

	recorded, err := f.liquidations.ListBySymphony(sym.ID, 5)
	require.NoError(t, err)
	assert.Empty(t, recorded)
}

func TestUnknownErrorOnlyRecorded(t *testing.T) {
	f := newFixture(t)
	sym := seedSymphony(t, f, "sym-1", "user-1", domain.SymphonyActive)

	d := handle(f, sym, 0, errors.New("disk on fire"))
	assert.Equal(t, domain.KindUnknown, d.Kind)
	assert.False(t, d.Retry)
	assert.False(t, d.Liquidated)
	assert.False(t, d.EscalateUser)
	assert.Contains(t, reload(t, f, sym.ID).LastError, "disk on fire")
}

func TestLiquidateUserClosesAllActive(t *testing.T) {
	f := newFixture(t)
	symA := seedSymphony(t, f, "sym-1", "user-1", domain.SymphonyActive)
	symB := seedSymphony(t, f, "sym-2", "user-1", domain.SymphonyActive)
	stopped := seedSymphony(t, f, "sym-3", "user-1", domain.SymphonyStopped)
	seedPosition(t, f, symA.ID, "SPY", "10", "95")
	seedPosition(t, f, symB.ID, "QQQ", "4", "300")
	seedPosition(t, f, stopped.ID, "AGG", "50", "100")

	err := f.handler.LiquidateUser(context.Background(), f.broker, "user-1", time.Now().Add(time.Minute),
		domain.E(domain.KindBrokerAuth, "refresh token revoked"))
	require.NoError(t, err)

	for _, id := range []string{symA.ID, symB.ID} {
		recorded, err := f.liquidations.ListBySymphony(id, 5)
		require.NoError(t, err)
		require.Len(t, recorded, 1, id)
		assert.True(t, recorded[0].Completed)

		held, err := f.positions.ListBySymphony(id)
		require.NoError(t, err)
		assert.Empty(t, held, id)
	}

	// Stopped symphonies are not touched.
	recorded, err := f.liquidations.ListBySymphony(stopped.ID, 5)
	require.NoError(t, err)
	assert.Empty(t, recorded)
	held, err := f.positions.ListBySymphony(stopped.ID)
	require.NoError(t, err)
	require.Len(t, held, 1)
}

func TestLiquidationCancelsInFlightOrders(t *testing.T) {
	f := newFixture(t)
	sym := seedSymphony(t, f, "sym-1", "user-1", domain.SymphonyActive)
	seedPosition(t, f, sym.ID, "SPY", "10", "95")

	// A buy that will never fill is live at the broker when the
	// liquidation starts.
	f.broker.Script("QQQ", testkit.OrderScript{FillAfterPolls: 1 << 20})
	bo, err := f.broker.SubmitOrder(context.Background(), domain.OrderRequest{
		ClientOrderID: "live-1",
		Symbol:        "QQQ",
		Side:          domain.OrderSideBuy,
		Quantity:      dec("5"),
		Type:          domain.OrderTypeMarket,
		TimeInForce:   domain.TimeInForceDay,
	})
	require.NoError(t, err)
	require.NoError(t, f.orders.Insert(&domain.Order{
		ClientOrderID: "live-1",
		SymphonyID:    sym.ID,
		Ticker:        "QQQ",
		Side:          domain.OrderSideBuy,
		Quantity:      dec("5"),
	}))
	require.NoError(t, f.orders.MarkSubmitted("live-1", bo.ID, time.Now()))

	err = f.handler.Liquidate(context.Background(), f.broker, sym, time.Now().Add(time.Minute),
		domain.E(domain.KindEvalError, "allocation sums to zero"))
	require.NoError(t, err)

	cancelled, err := f.orders.GetByClientID("live-1")
	require.NoError(t, err)
	require.NotNil(t, cancelled)
	assert.Equal(t, domain.OrderStatusCanceled, cancelled.Status)
	assert.Equal(t, "cancelled by liquidation", cancelled.Error)

	atBroker, err := f.broker.GetOrder(context.Background(), bo.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, atBroker.Status)

	held, err := f.positions.ListBySymphony(sym.ID)
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestRedriveIncompleteFinishesLiquidation(t *testing.T) {
	f := newFixture(t)
	sym := seedSymphony(t, f, "sym-1", "user-1", domain.SymphonyActive)
	seedPosition(t, f, sym.ID, "SPY", "10", "95")
	require.NoError(t, f.liquidations.Insert(&domain.LiquidationEvent{
		SymphonyID: sym.ID,
		UserID:     sym.UserID,
		Reason:     "connection refused",
		ErrorKind:  string(domain.KindBrokerUnreachable),
	}))

	resolved := 0
	done, err := f.handler.RedriveIncomplete(context.Background(), func(ctx context.Context, userID string) (domain.BrokerClient, error) {
		resolved++
		assert.Equal(t, "user-1", userID)
		return f.broker, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Equal(t, 1, resolved)

	incomplete, err := f.liquidations.ListIncomplete()
	require.NoError(t, err)
	assert.Empty(t, incomplete)

	recorded, err := f.liquidations.ListBySymphony(sym.ID, 5)
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.True(t, recorded[0].Completed)
	assert.Len(t, recorded[0].OrderIDs, 1)
	assert.True(t, recorded[0].ClosedValue.Equal(dec("1000")), recorded[0].ClosedValue.String())

	held, err := f.positions.ListBySymphony(sym.ID)
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestRedriveCompletesOrphanedEvent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.liquidations.Insert(&domain.LiquidationEvent{
		SymphonyID: "sym-gone",
		UserID:     "user-1",
		Reason:     "connection refused",
		ErrorKind:  string(domain.KindBrokerUnreachable),
	}))

	done, err := f.handler.RedriveIncomplete(context.Background(), func(ctx context.Context, userID string) (domain.BrokerClient, error) {
		t.Fatal("no broker should be resolved for a deleted symphony")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, done)

	incomplete, err := f.liquidations.ListIncomplete()
	require.NoError(t, err)
	assert.Empty(t, incomplete)
}

func TestRedriveKeepsEventWhenBrokerUnresolved(t *testing.T) {
	f := newFixture(t)
	sym := seedSymphony(t, f, "sym-1", "user-1", domain.SymphonyActive)
	require.NoError(t, f.liquidations.Insert(&domain.LiquidationEvent{
		SymphonyID: sym.ID,
		UserID:     sym.UserID,
		Reason:     "connection refused",
		ErrorKind:  string(domain.KindBrokerUnreachable),
	}))

	done, err := f.handler.RedriveIncomplete(context.Background(), func(ctx context.Context, userID string) (domain.BrokerClient, error) {
		return nil, domain.E(domain.KindBrokerAuth, "no credentials on file")
	})
	require.NoError(t, err)
	assert.Equal(t, 0, done)

	incomplete, err := f.liquidations.ListIncomplete()
	require.NoError(t, err)
	require.Len(t, incomplete, 1)
}
