// Package symphony implements the strategy tree: the typed step model,
// the two-phase JSON parser, structural validation with the requirement
// manifest, and the sqlite-backed symphony store. The evaluator consumes
// the typed tree produced here and never touches raw JSON.
package symphony

import (
	"github.com/origamihq/conductor/internal/domain"
)

// StepType discriminates the tree node variants. Values match the
// ingest JSON tokens exactly.
type StepType string

const (
	StepRoot             StepType = "root"
	StepAsset            StepType = "asset"
	StepGroup            StepType = "group"
	StepIf               StepType = "if"
	StepIfChild          StepType = "if-child"
	StepFilter           StepType = "filter"
	StepWeightEqual      StepType = "wt-cash-equal"
	StepWeightSpecified  StepType = "wt-cash-specified"
	StepWeightInverseVol StepType = "wt-inverse-vol"
	StepWeightMarketCap  StepType = "wt-market-cap"
	StepWeightRiskParity StepType = "wt-risk-parity"
)

// Valid reports whether t is a recognized step token.
func (t StepType) Valid() bool {
	switch t {
	case StepRoot, StepAsset, StepGroup, StepIf, StepIfChild, StepFilter,
		StepWeightEqual, StepWeightSpecified, StepWeightInverseVol,
		StepWeightMarketCap, StepWeightRiskParity:
		return true
	}
	return false
}

// IsWeighting reports whether t assigns weights to the asset set
// produced by its children.
func (t StepType) IsWeighting() bool {
	switch t {
	case StepWeightEqual, StepWeightSpecified, StepWeightInverseVol,
		StepWeightMarketCap, StepWeightRiskParity:
		return true
	}
	return false
}

// Comparator is a condition operator token.
type Comparator string

const (
	CompGT  Comparator = "gt"
	CompLT  Comparator = "lt"
	CompGTE Comparator = "gte"
	CompLTE Comparator = "lte"
	CompEQ  Comparator = "eq"
	CompNEQ Comparator = "neq"
)

// Valid reports whether c is a recognized comparator token.
func (c Comparator) Valid() bool {
	switch c {
	case CompGT, CompLT, CompGTE, CompLTE, CompEQ, CompNEQ:
		return true
	}
	return false
}

// Compare applies the comparator to two operand values.
func (c Comparator) Compare(lhs, rhs float64) bool {
	switch c {
	case CompGT:
		return lhs > rhs
	case CompLT:
		return lhs < rhs
	case CompGTE:
		return lhs >= rhs
	case CompLTE:
		return lhs <= rhs
	case CompEQ:
		return lhs == rhs
	case CompNEQ:
		return lhs != rhs
	}
	return false
}

// SelectFn is a filter selector token.
type SelectFn string

const (
	SelectTop    SelectFn = "top"
	SelectBottom SelectFn = "bottom"
	SelectAll    SelectFn = "all"
	SelectRandom SelectFn = "random"
)

// Valid reports whether s is a recognized selector token.
func (s SelectFn) Valid() bool {
	switch s {
	case SelectTop, SelectBottom, SelectAll, SelectRandom:
		return true
	}
	return false
}

// MetricFn is a metric function token. The set is closed; anything else
// fails validation with KindMetric.
type MetricFn string

const (
	MetricCurrentPrice MetricFn = "current-price"
	MetricCumReturn    MetricFn = "cumulative-return"
	MetricEMAPrice     MetricFn = "exponential-moving-average-price"
	MetricMaxDrawdown  MetricFn = "max-drawdown"
	MetricSMAPrice     MetricFn = "moving-average-price"
	MetricSMAReturn    MetricFn = "moving-average-return"
	MetricRSI          MetricFn = "relative-strength-index"
	MetricStdevPrice   MetricFn = "standard-deviation-price"
	MetricStdevReturn  MetricFn = "standard-deviation-return"
	MetricSharpe       MetricFn = "sharpe-ratio"
	MetricVolatility   MetricFn = "volatility"
	MetricBeta         MetricFn = "beta"
	MetricAlpha        MetricFn = "alpha"
	MetricCorrelation  MetricFn = "correlation"
)

// Valid reports whether fn is in the closed metric set.
func (fn MetricFn) Valid() bool {
	switch fn {
	case MetricCurrentPrice, MetricCumReturn, MetricEMAPrice, MetricMaxDrawdown,
		MetricSMAPrice, MetricSMAReturn, MetricRSI, MetricStdevPrice,
		MetricStdevReturn, MetricSharpe, MetricVolatility,
		MetricBeta, MetricAlpha, MetricCorrelation:
		return true
	}
	return false
}

// NeedsBenchmark reports whether fn requires a benchmark ticker.
func (fn MetricFn) NeedsBenchmark() bool {
	switch fn {
	case MetricBeta, MetricAlpha, MetricCorrelation:
		return true
	}
	return false
}

// DefaultWindow is used when a metric invocation carries no params.
const DefaultWindow = 20

// Window bounds for every metric invocation, in trading days.
const (
	MinWindow = 1
	MaxWindow = 252
)

// MetricParams are the arguments of one metric invocation.
type MetricParams struct {
	Window    int    `json:"window"`
	Benchmark string `json:"benchmark,omitempty"`
}

// Weight is the rational node weight carried by wt-cash-specified
// children.
type Weight struct {
	Num int64 `json:"num"`
	Den int64 `json:"den"`
}

// Fraction converts the rational to a float weight.
func (w Weight) Fraction() float64 {
	if w.Den == 0 {
		return 0
	}
	return float64(w.Num) / float64(w.Den)
}

// Operand is one side of a condition: either a fixed literal or a
// metric invocation against a ticker.
type Operand struct {
	IsFixed bool
	Value   float64
	Fn      MetricFn
	Params  MetricParams
	Ticker  string
}

// Condition is the comparison carried by a non-else if-child.
type Condition struct {
	LHS Operand
	Cmp Comparator
	RHS Operand
}

// Step is one typed tree node. Exactly the fields for its Type are
// populated; the rest stay zero. Children keep ingest order.
type Step struct {
	ID       string
	Type     StepType
	Name     string
	Children []*Step

	// Asset
	Ticker   string
	Exchange string
	Weight   *Weight

	// Filter
	SortFn     MetricFn
	SortParams MetricParams
	Select     SelectFn
	SelectN    int

	// IfChild
	IsElse    bool
	Condition *Condition

	// Weighting steps
	WindowDays *int

	// Root
	Rebalance *domain.RebalancePolicy
}

// Walk visits the tree depth-first, parents before children. The
// visitor receives each node with its depth (root = 1) and JSON-path
// style location. Returning an error stops the walk.
func (s *Step) Walk(fn func(step *Step, depth int, path string) error) error {
	return s.walk(fn, 1, "root")
}

func (s *Step) walk(fn func(*Step, int, string) error, depth int, path string) error {
	if err := fn(s, depth, path); err != nil {
		return err
	}
	for i, child := range s.Children {
		if err := child.walk(fn, depth+1, childPath(path, i)); err != nil {
			return err
		}
	}
	return nil
}
