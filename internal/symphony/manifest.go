package symphony

import "sort"

// MetricRequirement is one (ticker, metric, window) triple a tree needs
// computed before it can evaluate. Benchmark is set for beta, alpha,
// and correlation.
type MetricRequirement struct {
	Ticker    string
	Fn        MetricFn
	Window    int
	Benchmark string
}

// Manifest is the union of data requirements for a whole tree. The
// evaluator's callers use it to pre-fetch quotes and history once per
// window instead of discovering needs mid-evaluation.
type Manifest struct {
	// Tickers that need a snapshot: tradable assets, condition and
	// benchmark tickers alike. Sorted ascending.
	Tickers []string
	// Assets is the subset of Tickers that can end up in an allocation.
	Assets []string
	// Metrics lists every metric invocation, deduplicated and sorted.
	Metrics []MetricRequirement
	// MarketCapTickers need fundamentals, not just prices.
	MarketCapTickers []string
	// MaxWindow is the deepest lookback any requirement carries; the
	// prefetcher requests MaxWindow+1 closes to cover return-based
	// metrics.
	MaxWindow int
}

// collector accumulates requirements during the validation walk.
type collector struct {
	tickers    map[string]struct{}
	assets     map[string]struct{}
	metrics    map[MetricRequirement]struct{}
	marketCaps map[string]struct{}
	maxWindow  int
}

func newCollector() *collector {
	return &collector{
		tickers:    make(map[string]struct{}),
		assets:     make(map[string]struct{}),
		metrics:    make(map[MetricRequirement]struct{}),
		marketCaps: make(map[string]struct{}),
	}
}

func (c *collector) addAsset(ticker string) {
	if ticker == "" {
		return
	}
	c.assets[ticker] = struct{}{}
	c.tickers[ticker] = struct{}{}
}

func (c *collector) addMetric(req MetricRequirement) {
	if req.Ticker == "" {
		return
	}
	c.tickers[req.Ticker] = struct{}{}
	if req.Benchmark != "" {
		c.tickers[req.Benchmark] = struct{}{}
	}
	c.metrics[req] = struct{}{}
	if req.Window > c.maxWindow {
		c.maxWindow = req.Window
	}
}

func (c *collector) addOperand(op Operand) {
	if op.IsFixed {
		return
	}
	c.addMetric(MetricRequirement{
		Ticker:    op.Ticker,
		Fn:        op.Fn,
		Window:    op.Params.Window,
		Benchmark: op.Params.Benchmark,
	})
}

func (c *collector) addMarketCap(ticker string) {
	if ticker == "" {
		return
	}
	c.marketCaps[ticker] = struct{}{}
	c.tickers[ticker] = struct{}{}
}

func (c *collector) manifest() *Manifest {
	m := &Manifest{
		Tickers:          sortedKeys(c.tickers),
		Assets:           sortedKeys(c.assets),
		MarketCapTickers: sortedKeys(c.marketCaps),
		MaxWindow:        c.maxWindow,
	}

	m.Metrics = make([]MetricRequirement, 0, len(c.metrics))
	for req := range c.metrics {
		m.Metrics = append(m.Metrics, req)
	}
	sort.Slice(m.Metrics, func(i, j int) bool {
		a, b := m.Metrics[i], m.Metrics[j]
		if a.Ticker != b.Ticker {
			return a.Ticker < b.Ticker
		}
		if a.Fn != b.Fn {
			return a.Fn < b.Fn
		}
		if a.Window != b.Window {
			return a.Window < b.Window
		}
		return a.Benchmark < b.Benchmark
	})
	return m
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// assetsUnder returns the tickers of all asset steps in the subtree,
// in first-appearance order.
func assetsUnder(step *Step) []string {
	var out []string
	seen := make(map[string]struct{})
	_ = step.Walk(func(s *Step, _ int, _ string) error {
		if s.Type == StepAsset && s.Ticker != "" {
			if _, dup := seen[s.Ticker]; !dup {
				seen[s.Ticker] = struct{}{}
				out = append(out, s.Ticker)
			}
		}
		return nil
	})
	return out
}
