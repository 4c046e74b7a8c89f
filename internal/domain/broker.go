package domain

// Broker-agnostic trading types. The executor, planner, and recovery
// handler only ever see these; broker specifics stay inside the client
// adapters.

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Account is the broker account state the planner budgets against.
type Account struct {
	ID          string
	Currency    string
	Equity      decimal.Decimal
	Cash        decimal.Decimal
	BuyingPower decimal.Decimal
	Blocked     bool
}

// BrokerPosition is a holding as the broker reports it. The reconciler
// compares these against the engine's book.
type BrokerPosition struct {
	Symbol       string
	Quantity     decimal.Decimal
	AvgPrice     decimal.Decimal
	CurrentPrice decimal.Decimal
	MarketValue  decimal.Decimal
}

// OrderType is the broker order type. The engine only submits market
// orders during the execution window.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
)

// TimeInForce controls how long an order rests at the broker.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
)

// OrderRequest is a new-order submission. ClientOrderID must be unique
// per order and is the idempotency key for retries.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Quantity      decimal.Decimal
	Type          OrderType
	TimeInForce   TimeInForce
}

// BrokerOrder is an order as the broker reports it. Reason carries the
// broker's explanation for a rejection when the API exposes one.
type BrokerOrder struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Side           OrderSide
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	FilledAvgPrice decimal.Decimal
	Status         OrderStatus
	Reason         string
	SubmittedAt    time.Time
	FilledAt       *time.Time
}

// MarketClock is the broker's view of the trading session.
type MarketClock struct {
	Timestamp time.Time
	IsOpen    bool
	NextOpen  time.Time
	NextClose time.Time
}

// BrokerClient is the trading port. Implementations must classify
// transport and API failures with Wrap/E so the recovery policy table
// can act on the Kind (KindBrokerRejected, KindBrokerUnreachable,
// KindBrokerAuth).
type BrokerClient interface {
	// GetAccount returns current equity, cash, and buying power.
	GetAccount(ctx context.Context) (*Account, error)

	// ListPositions returns every open position in the account.
	ListPositions(ctx context.Context) ([]BrokerPosition, error)

	// SubmitOrder places a new order. Submitting the same ClientOrderID
	// twice must not create a second order.
	SubmitOrder(ctx context.Context, req OrderRequest) (*BrokerOrder, error)

	// GetOrder fetches an order by the broker's own id.
	GetOrder(ctx context.Context, brokerOrderID string) (*BrokerOrder, error)

	// GetOrderByClientID fetches an order by the engine's idempotency key.
	// Used to resolve the outcome of a submission whose response was lost.
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*BrokerOrder, error)

	// CancelOrder requests cancellation of a resting order.
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// ClosePosition submits a market order flattening the full broker
	// position in symbol. Used for account-level liquidation only;
	// symphony-scoped liquidation sells the symphony's own book instead.
	ClosePosition(ctx context.Context, symbol string) (*BrokerOrder, error)

	// CloseAllPositions flattens the whole account.
	CloseAllPositions(ctx context.Context) ([]BrokerOrder, error)

	// GetClock returns the broker's market clock.
	GetClock(ctx context.Context) (*MarketClock, error)
}
