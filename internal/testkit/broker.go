package testkit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/origamihq/conductor/internal/domain"
)

// OrderScript controls how the mock broker treats orders for one ticker.
// The zero value fills the full quantity on the first poll.
type OrderScript struct {
	// SubmitErr is returned from SubmitOrder instead of an order.
	SubmitErr error
	// RejectReason makes the broker acknowledge the order as rejected.
	RejectReason string
	// FillAfterPolls delays the fill for that many GetOrder calls.
	FillAfterPolls int
	// PartialQuantity, when positive, fills only that much and leaves
	// the order partial forever.
	PartialQuantity decimal.Decimal
}

// MockBroker is a scriptable in-memory domain.BrokerClient. Orders fill
// on poll, not on submit, so executor tests exercise the real lifecycle.
type MockBroker struct {
	mu        sync.Mutex
	account   domain.Account
	positions []domain.BrokerPosition
	clock     domain.MarketClock

	orders   map[string]*mockOrder // by broker order id
	byClient map[string]string     // client order id -> broker order id
	scripts  map[string]OrderScript
	nextID   int

	accountErr error
	listErr    error

	// Submitted records every accepted order request in order.
	Submitted []domain.OrderRequest
}

type mockOrder struct {
	order     domain.BrokerOrder
	pollsLeft int
	partial   decimal.Decimal
}

// NewMockBroker returns a broker with a funded, unblocked account and an
// open market.
func NewMockBroker() *MockBroker {
	now := time.Now()
	return &MockBroker{
		account: domain.Account{
			ID:          "test-account",
			Currency:    "USD",
			Equity:      decimal.NewFromInt(100000),
			Cash:        decimal.NewFromInt(100000),
			BuyingPower: decimal.NewFromInt(100000),
		},
		clock: domain.MarketClock{
			Timestamp: now,
			IsOpen:    true,
			NextOpen:  now.Add(18 * time.Hour),
			NextClose: now.Add(2 * time.Hour),
		},
		orders:   make(map[string]*mockOrder),
		byClient: make(map[string]string),
		scripts:  make(map[string]OrderScript),
	}
}

// SetAccount replaces the account snapshot.
func (m *MockBroker) SetAccount(a domain.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account = a
}

// SetAccountErr makes GetAccount fail.
func (m *MockBroker) SetAccountErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accountErr = err
}

// SetPositions replaces the account's holdings.
func (m *MockBroker) SetPositions(positions []domain.BrokerPosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = positions
}

// SetPositionsErr makes ListPositions fail.
func (m *MockBroker) SetPositionsErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr = err
}

// SetClock replaces the market clock.
func (m *MockBroker) SetClock(c domain.MarketClock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = c
}

// Script installs per-ticker order behaviour.
func (m *MockBroker) Script(ticker string, s OrderScript) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[ticker] = s
}

// OrderCount returns how many orders the broker accepted.
func (m *MockBroker) OrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

// GetAccount implements domain.BrokerClient.
func (m *MockBroker) GetAccount(ctx context.Context) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accountErr != nil {
		return nil, m.accountErr
	}
	a := m.account
	return &a, nil
}

// ListPositions implements domain.BrokerClient.
func (m *MockBroker) ListPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]domain.BrokerPosition, len(m.positions))
	copy(out, m.positions)
	return out, nil
}

// SubmitOrder implements domain.BrokerClient. Resubmitting a known
// client order id returns the existing order unchanged.
func (m *MockBroker) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.BrokerOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byClient[req.ClientOrderID]; ok {
		o := m.orders[id].order
		return &o, nil
	}

	script := m.scripts[req.Symbol]
	if script.SubmitErr != nil {
		return nil, script.SubmitErr
	}

	m.nextID++
	brokerID := fmt.Sprintf("broker-%04d", m.nextID)
	order := domain.BrokerOrder{
		ID:            brokerID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Status:        domain.OrderStatusSubmitted,
		SubmittedAt:   time.Now(),
	}
	if script.RejectReason != "" {
		order.Status = domain.OrderStatusRejected
		order.Reason = script.RejectReason
	}

	m.orders[brokerID] = &mockOrder{
		order:     order,
		pollsLeft: script.FillAfterPolls,
		partial:   script.PartialQuantity,
	}
	m.byClient[req.ClientOrderID] = brokerID
	m.Submitted = append(m.Submitted, req)

	o := order
	return &o, nil
}

// GetOrder implements domain.BrokerClient. Each poll advances scripted
// fills.
func (m *MockBroker) GetOrder(ctx context.Context, brokerOrderID string) (*domain.BrokerOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mo, ok := m.orders[brokerOrderID]
	if !ok {
		return nil, domain.E(domain.KindBrokerRejected, "unknown order %s", brokerOrderID)
	}
	m.advance(mo)
	o := mo.order
	return &o, nil
}

// GetOrderByClientID implements domain.BrokerClient.
func (m *MockBroker) GetOrderByClientID(ctx context.Context, clientOrderID string) (*domain.BrokerOrder, error) {
	m.mu.Lock()
	brokerID, ok := m.byClient[clientOrderID]
	m.mu.Unlock()
	if !ok {
		return nil, domain.E(domain.KindBrokerRejected, "unknown client order %s", clientOrderID)
	}
	return m.GetOrder(ctx, brokerID)
}

// advance moves a live order toward its scripted outcome. Fill prices
// come from the account's position marks when available, else 100.
func (m *MockBroker) advance(mo *mockOrder) {
	if mo.order.Status.Terminal() || mo.order.Status == domain.OrderStatusPartial {
		return
	}
	if mo.pollsLeft > 0 {
		mo.pollsLeft--
		return
	}

	price := m.markFor(mo.order.Symbol)
	now := time.Now()
	if mo.partial.IsPositive() && mo.partial.LessThan(mo.order.Quantity) {
		mo.order.FilledQuantity = mo.partial
		mo.order.FilledAvgPrice = price
		mo.order.Status = domain.OrderStatusPartial
		return
	}
	mo.order.FilledQuantity = mo.order.Quantity
	mo.order.FilledAvgPrice = price
	mo.order.Status = domain.OrderStatusFilled
	mo.order.FilledAt = &now
}

func (m *MockBroker) markFor(symbol string) decimal.Decimal {
	for _, p := range m.positions {
		if p.Symbol == symbol && p.CurrentPrice.IsPositive() {
			return p.CurrentPrice
		}
	}
	return decimal.NewFromInt(100)
}

// CancelOrder implements domain.BrokerClient. Cancelling keeps any
// partial fill already recorded.
func (m *MockBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mo, ok := m.orders[brokerOrderID]
	if !ok {
		return domain.E(domain.KindBrokerRejected, "unknown order %s", brokerOrderID)
	}
	if !mo.order.Status.Terminal() {
		mo.order.Status = domain.OrderStatusCanceled
	}
	return nil
}

// ClosePosition implements domain.BrokerClient with an immediate fill.
func (m *MockBroker) ClosePosition(ctx context.Context, symbol string) (*domain.BrokerOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, p := range m.positions {
		if p.Symbol != symbol {
			continue
		}
		m.nextID++
		now := time.Now()
		order := domain.BrokerOrder{
			ID:             fmt.Sprintf("broker-%04d", m.nextID),
			ClientOrderID:  fmt.Sprintf("close-%s-%04d", symbol, m.nextID),
			Symbol:         symbol,
			Side:           domain.OrderSideSell,
			Quantity:       p.Quantity,
			FilledQuantity: p.Quantity,
			FilledAvgPrice: m.markFor(symbol),
			Status:         domain.OrderStatusFilled,
			SubmittedAt:    now,
			FilledAt:       &now,
		}
		m.orders[order.ID] = &mockOrder{order: order}
		m.byClient[order.ClientOrderID] = order.ID
		m.positions = append(m.positions[:i], m.positions[i+1:]...)
		return &order, nil
	}
	return nil, domain.E(domain.KindBrokerRejected, "no position in %s", symbol)
}

// CloseAllPositions implements domain.BrokerClient.
func (m *MockBroker) CloseAllPositions(ctx context.Context) ([]domain.BrokerOrder, error) {
	m.mu.Lock()
	symbols := make([]string, 0, len(m.positions))
	for _, p := range m.positions {
		symbols = append(symbols, p.Symbol)
	}
	m.mu.Unlock()

	var out []domain.BrokerOrder
	for _, s := range symbols {
		o, err := m.ClosePosition(ctx, s)
		if err != nil {
			return out, err
		}
		out = append(out, *o)
	}
	return out, nil
}

// GetClock implements domain.BrokerClient.
func (m *MockBroker) GetClock(ctx context.Context) (*domain.MarketClock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.clock
	return &c, nil
}
