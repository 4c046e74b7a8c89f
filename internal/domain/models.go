// Package domain defines the core types shared across conductor's modules:
// symphonies and their rebalance policies, positions, orders, execution
// records, market data values, and the taxonomy of engine errors. Packages
// communicate through these types so none of them needs to import another
// module's internals.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CashTicker is the pseudo-ticker used for the uninvested remainder of an
// allocation. It never reaches the order planner as a tradable symbol.
const CashTicker = "$CASH"

// RebalanceFrequency enumerates the time-based rebalance cadences plus the
// drift-threshold mode.
type RebalanceFrequency string

const (
	RebalanceDaily     RebalanceFrequency = "daily"
	RebalanceWeekly    RebalanceFrequency = "weekly"
	RebalanceMonthly   RebalanceFrequency = "monthly"
	RebalanceQuarterly RebalanceFrequency = "quarterly"
	RebalanceYearly    RebalanceFrequency = "yearly"
	RebalanceThreshold RebalanceFrequency = "threshold"
)

// Valid reports whether f is one of the recognized cadence tokens.
func (f RebalanceFrequency) Valid() bool {
	switch f {
	case RebalanceDaily, RebalanceWeekly, RebalanceMonthly,
		RebalanceQuarterly, RebalanceYearly, RebalanceThreshold:
		return true
	}
	return false
}

// RebalancePolicy is the root-level rebalance setting of a symphony.
// Corridor is only meaningful for RebalanceThreshold and must lie in (0,1].
type RebalancePolicy struct {
	Frequency RebalanceFrequency `json:"frequency"`
	Corridor  float64            `json:"corridor,omitempty"`
}

// SymphonyStatus is the lifecycle state of a stored symphony. Only
// active symphonies enter the execution window. Stopped means the user
// halted it; error means the engine deactivated it (failed validation
// or a liquidation) and recorded why in LastError.
type SymphonyStatus string

const (
	SymphonyActive   SymphonyStatus = "active"
	SymphonyInactive SymphonyStatus = "inactive"
	SymphonyStopped  SymphonyStatus = "stopped"
	SymphonyError    SymphonyStatus = "error"
)

// Valid reports whether s is a recognized lifecycle state.
func (s SymphonyStatus) Valid() bool {
	switch s {
	case SymphonyActive, SymphonyInactive, SymphonyStopped, SymphonyError:
		return true
	}
	return false
}

// Symphony is a user strategy. The tree is stored as raw JSON and parsed
// on demand; a published tree is immutable, an edit creates a new value.
type Symphony struct {
	ID             string
	UserID         string
	Name           string
	TreeJSON       []byte
	Rebalance      RebalancePolicy
	Status         SymphonyStatus
	LastExecutedAt *time.Time
	ExecutionCount int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsActive reports whether the symphony should be picked up by the
// execution window.
func (s *Symphony) IsActive() bool {
	return s.Status == SymphonyActive
}

// Allocation maps tickers to target portfolio weights. Weights are
// fractions rounded to four decimal places; CashTicker carries the
// uninvested remainder when a cash buffer is configured.
type Allocation map[string]float64

// Position is the engine's book entry for one ticker held by one symphony.
// Quantities are exact decimals because brokers fill fractional shares.
type Position struct {
	ID         int64
	SymphonyID string
	Ticker     string
	Quantity   decimal.Decimal
	AvgPrice   decimal.Decimal
	UpdatedAt  time.Time
}

// MarketValue prices the position at the given reference price.
func (p Position) MarketValue(price decimal.Decimal) decimal.Decimal {
	return p.Quantity.Mul(price)
}

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderStatus tracks an order through its lifecycle. Orders move
// pending → submitted → (partial) → one of the terminal states. An
// order closed at the window deadline with a partial fill stays
// "partial"; that is deliberately non-terminal so reconciliation picks
// it up after the window.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusSubmitted OrderStatus = "submitted"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusCanceled  OrderStatus = "cancelled"
	OrderStatusExpired   OrderStatus = "expired"
	OrderStatusFailed    OrderStatus = "failed"
)

// Terminal reports whether the status ends the order lifecycle.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCanceled,
		OrderStatusExpired, OrderStatusFailed:
		return true
	}
	return false
}

// Order is the engine's record of a broker order. ClientOrderID is
// generated before submission and makes retries idempotent. Error holds
// the broker's reason when the order ends rejected, cancelled, or failed.
type Order struct {
	ID             int64
	ClientOrderID  string
	BrokerOrderID  string
	SymphonyID     string
	Ticker         string
	Side           OrderSide
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	FilledAvgPrice decimal.Decimal
	Status         OrderStatus
	Error          string
	SubmittedAt    time.Time
	UpdatedAt      time.Time
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// Trade is an immutable fill record written when an order reaches a fill.
type Trade struct {
	ID            int64
	SymphonyID    string
	ClientOrderID string
	Ticker        string
	Side          OrderSide
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	ExecutedAt    time.Time
}

// ExecutionStatus summarizes how a symphony's daily run ended.
type ExecutionStatus string

const (
	ExecutionStatusCompleted  ExecutionStatus = "completed"
	ExecutionStatusPartial    ExecutionStatus = "partial"
	ExecutionStatusSkipped    ExecutionStatus = "skipped"
	ExecutionStatusFailed     ExecutionStatus = "failed"
	ExecutionStatusLiquidated ExecutionStatus = "liquidated"
)

// ExecutionRecord is the audit entry for one symphony in one execution
// window. Targets holds the allocation the evaluator produced, empty when
// the run was skipped or failed before evaluation.
type ExecutionRecord struct {
	ID           int64
	SymphonyID   string
	WindowDate   string
	StartedAt    time.Time
	FinishedAt   time.Time
	Status       ExecutionStatus
	Reason       string
	Targets      Allocation
	OrdersPlaced int
	OrdersFilled int
	ErrorKind    string
	ErrorDetail  string
}

// LiquidationEvent records a forced move to cash, whether for a single
// symphony or a whole account.
type LiquidationEvent struct {
	ID          int64
	SymphonyID  string
	UserID      string
	Reason      string
	ErrorKind   string
	OrderIDs    []string
	ClosedValue decimal.Decimal
	TriggeredAt time.Time
	Completed   bool
}

// User owns symphonies and carries broker credentials. Tokens are
// refreshed by the token manager before they expire.
type User struct {
	ID                 string
	Email              string
	BrokerAccountID    string
	BrokerAccessToken  string
	BrokerRefreshToken string
	TokenExpiresAt     time.Time
	Active             bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Quote is a real-time or delayed price observation from a market data
// provider. Source names the provider that produced it.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	PrevClose float64   `json:"prev_close"`
	Change    float64   `json:"change"`
	ChangePct float64   `json:"change_pct"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Bar is one OHLCV observation. Daily bars carry the session date at
// midnight UTC; intraday bars carry the interval start.
type Bar struct {
	Time     time.Time `json:"time" msgpack:"t"`
	Open     float64   `json:"open" msgpack:"o"`
	High     float64   `json:"high" msgpack:"h"`
	Low      float64   `json:"low" msgpack:"l"`
	Close    float64   `json:"close" msgpack:"c"`
	AdjClose float64   `json:"adj_close" msgpack:"a"`
	Volume   int64     `json:"volume" msgpack:"v"`
}

// SymbolMatch is one result of a provider symbol search.
type SymbolMatch struct {
	Symbol   string  `json:"symbol"`
	Name     string  `json:"name"`
	Exchange string  `json:"exchange"`
	Type     string  `json:"type"`
	Currency string  `json:"currency"`
	Score    float64 `json:"score"`
}

// Fundamentals is the slow-moving per-company data used by weighting
// steps, primarily market capitalization.
type Fundamentals struct {
	Symbol    string    `json:"symbol"`
	Name      string    `json:"name"`
	Exchange  string    `json:"exchange"`
	MarketCap float64   `json:"market_cap"`
	Sector    string    `json:"sector"`
	AsOf      time.Time `json:"as_of"`
}

// AssetSnapshot is the frozen per-ticker view handed to the evaluator:
// the latest price and an adjusted close series ordered newest first.
// Once built for a window it never changes, which keeps evaluation
// deterministic.
type AssetSnapshot struct {
	Ticker    string
	AsOf      time.Time
	Price     float64
	Closes    []float64
	Volume    int64
	MarketCap float64
}

// PerformanceSnapshot is one row of the append-only per-symphony
// performance series recorded after each execution window.
type PerformanceSnapshot struct {
	ID            int64
	SymphonyID    string
	Date          string
	MarketValue   decimal.Decimal
	PositionCount int
	DailyReturn   float64
	TotalReturn   float64
	RecordedAt    time.Time
}

// BacktestResult is an externally computed backtest summary attached to
// a symphony. The engine stores and serves these; it does not replay
// strategies itself.
type BacktestResult struct {
	ID          int64
	SymphonyID  string
	RangeStart  string
	RangeEnd    string
	TotalReturn float64
	MaxDrawdown float64
	Sharpe      float64
	DetailJSON  []byte
	CreatedAt   time.Time
}
