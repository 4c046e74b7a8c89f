package symphony

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/origamihq/conductor/internal/domain"
)

func mustParse(t *testing.T, data string) *Step {
	t.Helper()
	tree, err := Parse([]byte(data))
	require.NoError(t, err)
	return tree
}

func TestValidateConditionalTree(t *testing.T) {
	tree := mustParse(t, conditionalTree)

	v, err := Validate(tree)
	require.NoError(t, err)

	assert.Equal(t, 9, v.Complexity.Steps)
	assert.Equal(t, 5, v.Complexity.Depth)
	assert.Equal(t, 4, v.Complexity.Assets)
	assert.Equal(t, 1, v.Complexity.Conditionals)
	assert.Equal(t, 1, v.Complexity.Filters)

	m := v.Manifest
	assert.Equal(t, []string{"AAA", "BBB", "CCC", "SPY", "UVXY"}, m.Tickers)
	assert.Equal(t, []string{"AAA", "BBB", "CCC", "UVXY"}, m.Assets)
	assert.Equal(t, 21, m.MaxWindow)

	assert.Contains(t, m.Metrics, MetricRequirement{Ticker: "SPY", Fn: MetricRSI, Window: 10})
	assert.Contains(t, m.Metrics, MetricRequirement{Ticker: "AAA", Fn: MetricCumReturn, Window: 21})
	assert.Contains(t, m.Metrics, MetricRequirement{Ticker: "BBB", Fn: MetricCumReturn, Window: 21})
	assert.Contains(t, m.Metrics, MetricRequirement{Ticker: "CCC", Fn: MetricCumReturn, Window: 21})
}

func TestValidateBenchmarkMetrics(t *testing.T) {
	data := `{
		"step": "root",
		"rebalance": "monthly",
		"children": [
			{
				"step": "filter",
				"sort-by-fn": "beta",
				"sort-by-fn-params": {"window": 60, "benchmark": "SPY"},
				"select-fn": "bottom",
				"select-n": 1,
				"children": [
					{"step": "asset", "ticker": "AAA"},
					{"step": "asset", "ticker": "BBB"}
				]
			}
		]
	}`
	v, err := Validate(mustParse(t, data))
	require.NoError(t, err)

	assert.Contains(t, v.Manifest.Tickers, "SPY", "benchmark needs a snapshot too")
	assert.NotContains(t, v.Manifest.Assets, "SPY")
	assert.Contains(t, v.Manifest.Metrics, MetricRequirement{Ticker: "AAA", Fn: MetricBeta, Window: 60, Benchmark: "SPY"})
	assert.Equal(t, 60, v.Manifest.MaxWindow)
}

func TestValidateVolatilityWeighting(t *testing.T) {
	data := `{
		"step": "root",
		"rebalance": "weekly",
		"children": [
			{
				"step": "wt-inverse-vol",
				"window-days": 30,
				"children": [
					{"step": "asset", "ticker": "AAA"},
					{"step": "asset", "ticker": "BBB"}
				]
			}
		]
	}`
	v, err := Validate(mustParse(t, data))
	require.NoError(t, err)

	assert.Contains(t, v.Manifest.Metrics, MetricRequirement{Ticker: "AAA", Fn: MetricStdevReturn, Window: 30})
	assert.Contains(t, v.Manifest.Metrics, MetricRequirement{Ticker: "BBB", Fn: MetricStdevReturn, Window: 30})
}

func TestValidateMarketCapWeighting(t *testing.T) {
	data := `{
		"step": "root",
		"rebalance": "quarterly",
		"children": [
			{
				"step": "wt-market-cap",
				"children": [
					{"step": "asset", "ticker": "AAA"},
					{"step": "asset", "ticker": "BBB"}
				]
			}
		]
	}`
	v, err := Validate(mustParse(t, data))
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA", "BBB"}, v.Manifest.MarketCapTickers)
}

func TestValidateStructureErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		kind domain.Kind
	}{
		{
			"top level not root",
			`{"step": "asset", "ticker": "AAA"}`,
			domain.KindStructure,
		},
		{
			"root without children",
			`{"step": "root", "rebalance": "daily", "children": []}`,
			domain.KindStructure,
		},
		{
			"root without rebalance",
			`{"step": "root", "children": [{"step": "asset", "ticker": "AAA"}]}`,
			domain.KindStructure,
		},
		{
			"asset without ticker",
			`{"step": "root", "rebalance": "daily", "children": [{"step": "asset"}]}`,
			domain.KindStructure,
		},
		{
			"asset with children",
			`{"step": "root", "rebalance": "daily", "children": [
				{"step": "asset", "ticker": "AAA", "children": [{"step": "asset", "ticker": "BBB"}]}
			]}`,
			domain.KindStructure,
		},
		{
			"if with one branch",
			`{"step": "root", "rebalance": "daily", "children": [
				{"step": "if", "children": [
					{"step": "if-child", "lhs-fn": "current-price", "lhs-val": "A", "comparator": "gt",
					 "rhs-fixed-value?": true, "rhs-val": 1}
				]}
			]}`,
			domain.KindStructure,
		},
		{
			"if without else",
			`{"step": "root", "rebalance": "daily", "children": [
				{"step": "if", "children": [
					{"step": "if-child", "lhs-fn": "current-price", "lhs-val": "A", "comparator": "gt",
					 "rhs-fixed-value?": true, "rhs-val": 1},
					{"step": "if-child", "lhs-fn": "current-price", "lhs-val": "B", "comparator": "lt",
					 "rhs-fixed-value?": true, "rhs-val": 1}
				]}
			]}`,
			domain.KindStructure,
		},
		{
			"if-child outside if",
			`{"step": "root", "rebalance": "daily", "children": [
				{"step": "if-child", "is-else-condition?": true}
			]}`,
			domain.KindStructure,
		},
		{
			"non if-child under if",
			`{"step": "root", "rebalance": "daily", "children": [
				{"step": "if", "children": [
					{"step": "asset", "ticker": "AAA"},
					{"step": "if-child", "is-else-condition?": true}
				]}
			]}`,
			domain.KindStructure,
		},
		{
			"filter with group child",
			`{"step": "root", "rebalance": "daily", "children": [
				{"step": "filter", "sort-by-fn": "volatility", "select-fn": "top", "select-n": 1, "children": [
					{"step": "group", "children": [{"step": "asset", "ticker": "AAA"}]}
				]}
			]}`,
			domain.KindStructure,
		},
		{
			"filter missing select-n",
			`{"step": "root", "rebalance": "daily", "children": [
				{"step": "filter", "sort-by-fn": "volatility", "select-fn": "top", "children": [
					{"step": "asset", "ticker": "AAA"}
				]}
			]}`,
			domain.KindStructure,
		},
		{
			"select-n exceeds children",
			`{"step": "root", "rebalance": "daily", "children": [
				{"step": "filter", "sort-by-fn": "volatility", "select-fn": "top", "select-n": 5, "children": [
					{"step": "asset", "ticker": "AAA"},
					{"step": "asset", "ticker": "BBB"}
				]}
			]}`,
			domain.KindStructure,
		},
		{
			"unknown comparator",
			`{"step": "root", "rebalance": "daily", "children": [
				{"step": "if", "children": [
					{"step": "if-child", "lhs-fn": "current-price", "lhs-val": "A", "comparator": "above",
					 "rhs-fixed-value?": true, "rhs-val": 1, "children": [{"step": "asset", "ticker": "AAA"}]},
					{"step": "if-child", "is-else-condition?": true, "children": [{"step": "asset", "ticker": "BBB"}]}
				]}
			]}`,
			domain.KindStructure,
		},
		{
			"specified weights off by too much",
			`{"step": "root", "rebalance": "daily", "children": [
				{"step": "wt-cash-specified", "children": [
					{"step": "asset", "ticker": "AAA", "weight": {"num": 1, "den": 2}},
					{"step": "asset", "ticker": "BBB", "weight": {"num": 1, "den": 4}}
				]}
			]}`,
			domain.KindStructure,
		},
		{
			"specified child without weight",
			`{"step": "root", "rebalance": "daily", "children": [
				{"step": "wt-cash-specified", "children": [
					{"step": "asset", "ticker": "AAA"}
				]}
			]}`,
			domain.KindStructure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(mustParse(t, tt.data))
			require.Error(t, err)
			assert.Equal(t, tt.kind, domain.KindOf(err), "got: %v", err)
		})
	}
}

func TestValidateMetricErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{
			"unknown sort metric",
			`{"step": "root", "rebalance": "daily", "children": [
				{"step": "filter", "sort-by-fn": "astrology", "select-fn": "top", "select-n": 1, "children": [
					{"step": "asset", "ticker": "AAA"}
				]}
			]}`,
		},
		{
			"beta without benchmark",
			`{"step": "root", "rebalance": "daily", "children": [
				{"step": "filter", "sort-by-fn": "beta", "sort-by-fn-params": {"window": 60}, "select-fn": "top", "select-n": 1, "children": [
					{"step": "asset", "ticker": "AAA"}
				]}
			]}`,
		},
		{
			"unknown condition metric",
			`{"step": "root", "rebalance": "daily", "children": [
				{"step": "if", "children": [
					{"step": "if-child", "lhs-fn": "mood", "lhs-val": "A", "comparator": "gt",
					 "rhs-fixed-value?": true, "rhs-val": 1, "children": [{"step": "asset", "ticker": "AAA"}]},
					{"step": "if-child", "is-else-condition?": true, "children": [{"step": "asset", "ticker": "BBB"}]}
				]}
			]}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(mustParse(t, tt.data))
			require.Error(t, err)
			assert.Equal(t, domain.KindMetric, domain.KindOf(err), "got: %v", err)
		})
	}
}

func TestValidateWindowBounds(t *testing.T) {
	// A 300-day window is out of range and must deactivate the tree
	// before any order is planned.
	data := `{"step": "root", "rebalance": "daily", "children": [
		{"step": "if", "children": [
			{"step": "if-child", "lhs-fn": "moving-average-price", "lhs-fn-params": {"window": 300},
			 "lhs-val": "SPY", "comparator": "gt", "rhs-fixed-value?": true, "rhs-val": 100,
			 "children": [{"step": "asset", "ticker": "AAA"}]},
			{"step": "if-child", "is-else-condition?": true, "children": [{"step": "asset", "ticker": "BBB"}]}
		]}
	]}`
	_, err := Validate(mustParse(t, data))
	require.Error(t, err)
	assert.Equal(t, domain.KindBounds, domain.KindOf(err))

	zero := `{"step": "root", "rebalance": "daily", "children": [
		{"step": "filter", "sort-by-fn": "volatility", "sort-by-fn-params": {"window": 0},
		 "select-fn": "top", "select-n": 1, "children": [{"step": "asset", "ticker": "AAA"}]}
	]}`
	_, err = Validate(mustParse(t, zero))
	require.Error(t, err)
	assert.Equal(t, domain.KindBounds, domain.KindOf(err))
}

func TestValidateDepthBound(t *testing.T) {
	var b strings.Builder
	b.WriteString(`{"step": "root", "rebalance": "daily", "children": [`)
	for i := 0; i < 21; i++ {
		b.WriteString(`{"step": "group", "children": [`)
	}
	b.WriteString(`{"step": "asset", "ticker": "AAA"}`)
	for i := 0; i < 21; i++ {
		b.WriteString(`]}`)
	}
	b.WriteString(`]}`)

	_, err := Validate(mustParse(t, b.String()))
	require.Error(t, err)
	assert.Equal(t, domain.KindBounds, domain.KindOf(err))
}

func TestValidateAssetBound(t *testing.T) {
	var b strings.Builder
	b.WriteString(`{"step": "root", "rebalance": "daily", "children": [{"step": "wt-cash-equal", "children": [`)
	for i := 0; i < 101; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"step": "asset", "ticker": "T%03d"}`, i)
	}
	b.WriteString(`]}]}`)

	_, err := Validate(mustParse(t, b.String()))
	require.Error(t, err)
	assert.Equal(t, domain.KindBounds, domain.KindOf(err))
}

func TestValidateDuplicateIDs(t *testing.T) {
	data := `{"step": "root", "rebalance": "daily", "children": [
		{"id": "n1", "step": "asset", "ticker": "AAA"},
		{"id": "n1", "step": "asset", "ticker": "BBB"}
	]}`
	_, err := Validate(mustParse(t, data))
	require.Error(t, err)
	assert.Equal(t, domain.KindCycle, domain.KindOf(err))
}

func TestValidateCorridorOnWrongFrequency(t *testing.T) {
	tree := &Step{
		Type:      StepRoot,
		Rebalance: &domain.RebalancePolicy{Frequency: domain.RebalanceDaily, Corridor: 0.05},
		Children:  []*Step{{Type: StepAsset, Ticker: "SPY"}},
	}
	_, err := Validate(tree)
	require.Error(t, err)
	assert.Equal(t, domain.KindStructure, domain.KindOf(err))
}

func TestValidateErrorCarriesPath(t *testing.T) {
	data := `{"step": "root", "rebalance": "daily", "children": [
		{"step": "group", "children": [{"step": "asset"}]}
	]}`
	_, err := Validate(mustParse(t, data))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "root.children[0].children[0]")
}
