package evaluator

import (
	"github.com/origamihq/conductor/internal/domain"
	"github.com/origamihq/conductor/internal/symphony"
	"github.com/origamihq/conductor/pkg/indicators"
)

// DefaultRiskFreeRate is the annual risk-free rate used by Sharpe and
// alpha when the caller does not override it.
const DefaultRiskFreeRate = 0.02

// metricKey identifies one memoised metric invocation.
type metricKey struct {
	ticker    string
	fn        symphony.MetricFn
	window    int
	benchmark string
}

// Context is the frozen data environment one evaluation runs against:
// the session date, one snapshot per ticker, and a memo of computed
// metric values. A Context is built once per symphony per window and
// never mutated afterwards except through the memo, so evaluating the
// same tree against the same Context always produces the same result.
type Context struct {
	SymphonyID   string
	Date         string // session date, YYYY-MM-DD
	RiskFreeRate float64

	snapshots map[string]*domain.AssetSnapshot
	memo      map[metricKey]*float64
}

// NewContext builds an evaluation context over the given snapshots.
func NewContext(symphonyID, date string, snapshots map[string]*domain.AssetSnapshot) *Context {
	return &Context{
		SymphonyID:   symphonyID,
		Date:         date,
		RiskFreeRate: DefaultRiskFreeRate,
		snapshots:    snapshots,
		memo:         make(map[metricKey]*float64),
	}
}

// Snapshot returns the ticker's snapshot, or nil when the context has
// none. A snapshot without a positive price counts as missing; it
// cannot be traded or measured.
func (c *Context) Snapshot(ticker string) *domain.AssetSnapshot {
	snap, ok := c.snapshots[ticker]
	if !ok || snap == nil || snap.Price <= 0 {
		return nil
	}
	return snap
}

// Tickers returns how many snapshots the context holds.
func (c *Context) Tickers() int {
	return len(c.snapshots)
}

// Metric computes one metric value for a ticker, memoised per
// (ticker, fn, window, benchmark). nil means no value: missing
// snapshot, missing benchmark, or insufficient history. Callers treat
// nil as condition-false or drop-asset, never as zero.
func (c *Context) Metric(ticker string, fn symphony.MetricFn, params symphony.MetricParams) *float64 {
	key := metricKey{ticker: ticker, fn: fn, window: params.Window, benchmark: params.Benchmark}
	if v, ok := c.memo[key]; ok {
		return v
	}
	v := c.compute(ticker, fn, params)
	c.memo[key] = v
	return v
}

func (c *Context) compute(ticker string, fn symphony.MetricFn, params symphony.MetricParams) *float64 {
	snap := c.Snapshot(ticker)
	if snap == nil {
		return nil
	}

	if fn == symphony.MetricCurrentPrice {
		price := snap.Price
		return &price
	}

	closes := snap.Closes
	w := params.Window

	switch fn {
	case symphony.MetricCumReturn:
		return indicators.CumulativeReturn(closes, w)
	case symphony.MetricEMAPrice:
		return indicators.EMA(closes, w)
	case symphony.MetricMaxDrawdown:
		return indicators.MaxDrawdown(closes, w)
	case symphony.MetricSMAPrice:
		return indicators.SMA(closes, w)
	case symphony.MetricSMAReturn:
		return indicators.MovingAverageReturn(closes, w)
	case symphony.MetricRSI:
		return indicators.RSI(closes, w)
	case symphony.MetricStdevPrice:
		return indicators.StdevPrice(closes, w)
	case symphony.MetricStdevReturn:
		return indicators.StdevReturn(closes, w)
	case symphony.MetricSharpe:
		return indicators.Sharpe(closes, w, c.RiskFreeRate)
	case symphony.MetricVolatility:
		return indicators.Volatility(closes, w)
	case symphony.MetricBeta, symphony.MetricAlpha, symphony.MetricCorrelation:
		bench := c.Snapshot(params.Benchmark)
		if bench == nil {
			return nil
		}
		switch fn {
		case symphony.MetricBeta:
			return indicators.Beta(closes, bench.Closes, w)
		case symphony.MetricAlpha:
			return indicators.Alpha(closes, bench.Closes, w, c.RiskFreeRate)
		default:
			return indicators.Correlation(closes, bench.Closes, w)
		}
	}
	return nil
}
