package portfolio

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/origamihq/conductor/internal/domain"
	"github.com/origamihq/conductor/internal/testkit"
)

func setupOrders(t *testing.T) *OrderRepository {
	t.Helper()
	repo := NewOrderRepository(testkit.NewDB(t), zerolog.New(nil).Level(zerolog.Disabled))
	require.NoError(t, repo.InitSchema())
	return repo
}

func pendingOrder(clientID, symphonyID, ticker string, side domain.OrderSide, qty string) *domain.Order {
	return &domain.Order{
		ClientOrderID: clientID,
		SymphonyID:    symphonyID,
		Ticker:        ticker,
		Side:          side,
		Quantity:      dec(qty),
	}
}

func TestOrderLifecycle(t *testing.T) {
	repo := setupOrders(t)

	o := pendingOrder("c-1", "sym-1", "SPY", domain.OrderSideBuy, "10")
	require.NoError(t, repo.Insert(o))
	assert.NotZero(t, o.ID)
	assert.Equal(t, domain.OrderStatusPending, o.Status)

	submittedAt := time.Now()
	require.NoError(t, repo.MarkSubmitted("c-1", "broker-77", submittedAt))

	got, err := repo.GetByClientID("c-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.OrderStatusSubmitted, got.Status)
	assert.Equal(t, "broker-77", got.BrokerOrderID)
	assert.Equal(t, submittedAt.Unix(), got.SubmittedAt.Unix())

	require.NoError(t, repo.UpdateFill("c-1", domain.OrderStatusPartial, dec("4"), dec("412.5")))
	got, err = repo.GetByClientID("c-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPartial, got.Status)
	assert.True(t, got.FilledQuantity.Equal(dec("4")))
	assert.True(t, got.Remaining().Equal(dec("6")))

	require.NoError(t, repo.UpdateFill("c-1", domain.OrderStatusFilled, dec("10"), dec("412.8")))
	got, err = repo.GetByClientID("c-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.True(t, got.FilledAvgPrice.Equal(dec("412.8")))
}

func TestOrderInsertRequiresClientID(t *testing.T) {
	repo := setupOrders(t)
	err := repo.Insert(&domain.Order{SymphonyID: "sym-1", Ticker: "SPY"})
	assert.Error(t, err)
}

func TestMarkFailedStoresReason(t *testing.T) {
	repo := setupOrders(t)
	require.NoError(t, repo.Insert(pendingOrder("c-1", "sym-1", "SPY", domain.OrderSideBuy, "10")))

	err := repo.MarkFailed("c-1", domain.OrderStatusSubmitted, "nope")
	assert.Error(t, err, "non-terminal status must be refused")

	require.NoError(t, repo.MarkFailed("c-1", domain.OrderStatusRejected, "insufficient buying power"))
	got, err := repo.GetByClientID("c-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRejected, got.Status)
	assert.Equal(t, "insufficient buying power", got.Error)
}

func TestListOpenSkipsTerminal(t *testing.T) {
	repo := setupOrders(t)

	require.NoError(t, repo.Insert(pendingOrder("c-1", "sym-1", "AAA", domain.OrderSideBuy, "1")))
	require.NoError(t, repo.Insert(pendingOrder("c-2", "sym-1", "BBB", domain.OrderSideBuy, "1")))
	require.NoError(t, repo.MarkSubmitted("c-2", "b-2", time.Now()))
	require.NoError(t, repo.Insert(pendingOrder("c-3", "sym-2", "CCC", domain.OrderSideSell, "1")))
	require.NoError(t, repo.UpdateFill("c-3", domain.OrderStatusPartial, dec("0.5"), dec("10")))
	require.NoError(t, repo.Insert(pendingOrder("c-4", "sym-2", "DDD", domain.OrderSideBuy, "1")))
	require.NoError(t, repo.UpdateFill("c-4", domain.OrderStatusFilled, dec("1"), dec("10")))
	require.NoError(t, repo.Insert(pendingOrder("c-5", "sym-2", "EEE", domain.OrderSideBuy, "1")))
	require.NoError(t, repo.MarkFailed("c-5", domain.OrderStatusRejected, "no"))

	open, err := repo.ListOpen()
	require.NoError(t, err)
	require.Len(t, open, 3)
	assert.Equal(t, "c-1", open[0].ClientOrderID)
	assert.Equal(t, "c-2", open[1].ClientOrderID)
	assert.Equal(t, "c-3", open[2].ClientOrderID)
}

func TestListBySymphonyNewestFirst(t *testing.T) {
	repo := setupOrders(t)
	require.NoError(t, repo.Insert(pendingOrder("c-1", "sym-1", "AAA", domain.OrderSideBuy, "1")))
	require.NoError(t, repo.Insert(pendingOrder("c-2", "sym-1", "BBB", domain.OrderSideBuy, "1")))
	require.NoError(t, repo.Insert(pendingOrder("c-3", "sym-2", "CCC", domain.OrderSideBuy, "1")))

	orders, err := repo.ListBySymphony("sym-1", 0)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "c-2", orders[0].ClientOrderID)
	assert.Equal(t, "c-1", orders[1].ClientOrderID)

	one, err := repo.ListBySymphony("sym-1", 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestCountRejectedSince(t *testing.T) {
	repo := setupOrders(t)

	for _, id := range []string{"c-1", "c-2", "c-3"} {
		require.NoError(t, repo.Insert(pendingOrder(id, "sym-1", "AAA", domain.OrderSideBuy, "1")))
		require.NoError(t, repo.MarkFailed(id, domain.OrderStatusRejected, "rejected"))
	}
	require.NoError(t, repo.Insert(pendingOrder("c-4", "sym-2", "AAA", domain.OrderSideBuy, "1")))
	require.NoError(t, repo.MarkFailed("c-4", domain.OrderStatusRejected, "rejected"))

	count, err := repo.CountRejectedSince("sym-1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = repo.CountRejectedSince("sym-1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
