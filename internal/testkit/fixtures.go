package testkit

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/origamihq/conductor/internal/domain"
)

// SimpleDailyJSON is a daily-rebalance tree splitting equally between
// SPY and AGG.
const SimpleDailyJSON = `{
	"id": "root-1", "step": "root", "name": "Sixty forty", "rebalance": "daily",
	"children": [{
		"id": "wt-1", "step": "wt-cash-equal",
		"children": [
			{"id": "a-1", "step": "asset", "ticker": "SPY", "exchange": "ARCA"},
			{"id": "a-2", "step": "asset", "ticker": "AGG", "exchange": "ARCA"}
		]
	}]
}`

// ThresholdJSON is a threshold-rebalance tree with a 5% corridor holding
// a single asset.
const ThresholdJSON = `{
	"id": "root-2", "step": "root", "name": "Drift watcher",
	"rebalance": {"corridor-width": 0.05},
	"children": [
		{"id": "a-3", "step": "asset", "ticker": "QQQ", "exchange": "NASDAQ"}
	]
}`

// MomentumJSON is a weekly tree that keeps the top pick of three by
// 20-day cumulative return.
const MomentumJSON = `{
	"id": "root-3", "step": "root", "name": "Momentum", "rebalance": "weekly",
	"children": [{
		"id": "wt-2", "step": "wt-cash-equal",
		"children": [{
			"id": "f-1", "step": "filter",
			"sort-by-fn": "cumulative-return", "sort-by-fn-params": {"window": 20},
			"select-fn": "top", "select-n": 1,
			"children": [
				{"id": "a-4", "step": "asset", "ticker": "AAA", "exchange": "ARCA"},
				{"id": "a-5", "step": "asset", "ticker": "BBB", "exchange": "ARCA"},
				{"id": "a-6", "step": "asset", "ticker": "CCC", "exchange": "ARCA"}
			]
		}]
	}]
}`

// Symphony builds a stored symphony around the given tree JSON.
func Symphony(id, userID, treeJSON string) *domain.Symphony {
	return &domain.Symphony{
		ID:        id,
		UserID:    userID,
		Name:      "Fixture " + id,
		TreeJSON:  []byte(treeJSON),
		Rebalance: domain.RebalancePolicy{Frequency: domain.RebalanceDaily},
		Status:    domain.SymphonyActive,
	}
}

// User builds an active user with non-expired broker tokens.
func User(id string) *domain.User {
	return &domain.User{
		ID:                 id,
		Email:              fmt.Sprintf("%s@example.com", id),
		BrokerAccountID:    "acct-" + id,
		BrokerAccessToken:  "access-" + id,
		BrokerRefreshToken: "refresh-" + id,
		TokenExpiresAt:     time.Now().Add(12 * time.Hour),
		Active:             true,
	}
}

// BrokerPosition builds a broker holding priced at the given mark.
func BrokerPosition(symbol string, qty, price int64) domain.BrokerPosition {
	q := decimal.NewFromInt(qty)
	p := decimal.NewFromInt(price)
	return domain.BrokerPosition{
		Symbol:       symbol,
		Quantity:     q,
		AvgPrice:     p,
		CurrentPrice: p,
		MarketValue:  q.Mul(p),
	}
}

// Snapshot builds an asset snapshot from newest-first closes. Price is
// the first close.
func Snapshot(ticker string, closes ...float64) *domain.AssetSnapshot {
	price := 0.0
	if len(closes) > 0 {
		price = closes[0]
	}
	return &domain.AssetSnapshot{
		Ticker: ticker,
		AsOf:   time.Now(),
		Price:  price,
		Closes: closes,
		Volume: 1000000,
	}
}
