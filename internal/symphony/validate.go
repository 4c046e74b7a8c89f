package symphony

import (
	"fmt"
	"math"

	"github.com/origamihq/conductor/internal/domain"
)

// Complexity bounds. A tree exceeding any of these fails validation
// with KindBounds.
const (
	MaxSteps  = 1000
	MaxDepth  = 20
	MaxAssets = 100
)

// weightSumTolerance bounds how far wt-cash-specified child weights may
// stray from summing to exactly 1.
const weightSumTolerance = 1e-3

// Complexity is the measured size of a validated tree.
type Complexity struct {
	Steps        int
	Depth        int
	Assets       int
	Conditionals int
	Filters      int
}

// Validated bundles a tree that passed validation with its annotations.
type Validated struct {
	Tree       *Step
	Manifest   *Manifest
	Complexity Complexity
}

// Validate checks a parsed tree against the structural, bounds, and
// metric rules and computes the requirement manifest. The tree is not
// modified. Errors carry the offending node's path and one of the
// validation kinds (Structure, Bounds, Metric, Cycle).
func Validate(tree *Step) (*Validated, error) {
	if tree == nil {
		return nil, domain.E(domain.KindStructure, "empty tree")
	}
	if tree.Type != StepRoot {
		return nil, domain.EAt(domain.KindStructure, "root", "top-level step must be root, got %q", tree.Type)
	}
	if len(tree.Children) == 0 {
		return nil, domain.EAt(domain.KindStructure, "root", "root must have at least one child")
	}
	if tree.Rebalance == nil {
		return nil, domain.EAt(domain.KindStructure, "root", "root carries no rebalance policy")
	}
	if err := validateRebalance(tree.Rebalance); err != nil {
		return nil, err
	}

	v := &validator{
		seen:    make(map[string]string),
		collect: newCollector(),
	}
	if err := v.walk(tree, nil, 1, "root"); err != nil {
		return nil, err
	}

	v.complexity.Assets = len(v.collect.assets)
	if v.complexity.Steps > MaxSteps {
		return nil, domain.E(domain.KindBounds, "tree has %d steps, limit is %d", v.complexity.Steps, MaxSteps)
	}
	if v.complexity.Depth > MaxDepth {
		return nil, domain.E(domain.KindBounds, "tree depth %d exceeds limit %d", v.complexity.Depth, MaxDepth)
	}
	if v.complexity.Assets > MaxAssets {
		return nil, domain.E(domain.KindBounds, "tree references %d assets, limit is %d", v.complexity.Assets, MaxAssets)
	}

	return &Validated{
		Tree:       tree,
		Manifest:   v.collect.manifest(),
		Complexity: v.complexity,
	}, nil
}

func validateRebalance(policy *domain.RebalancePolicy) error {
	if !policy.Frequency.Valid() {
		return domain.EAt(domain.KindStructure, "root", "unknown rebalance frequency %q", policy.Frequency)
	}
	if policy.Frequency == domain.RebalanceThreshold {
		// Corridor 0 means "engine default"; anything else must be a
		// usable width.
		if policy.Corridor < 0 || policy.Corridor > 1 {
			return domain.EAt(domain.KindStructure, "root", "corridor width must be in (0,1], got %g", policy.Corridor)
		}
	} else if policy.Corridor != 0 {
		return domain.EAt(domain.KindStructure, "root", "corridor width only applies to threshold rebalancing")
	}
	return nil
}

type validator struct {
	seen       map[string]string // step id -> path of first sighting
	collect    *collector
	complexity Complexity
}

func (v *validator) walk(step *Step, parent *Step, depth int, path string) error {
	v.complexity.Steps++
	if depth > v.complexity.Depth {
		v.complexity.Depth = depth
	}

	// A JSON tree cannot express a reference loop directly, but the
	// same node id appearing twice means one logical node is reachable
	// along two paths.
	if step.ID != "" {
		if first, dup := v.seen[step.ID]; dup {
			return domain.EAt(domain.KindCycle, path, "step id %q already used at %s", step.ID, first)
		}
		v.seen[step.ID] = path
	}

	if step.Type == StepRoot && parent != nil {
		return domain.EAt(domain.KindStructure, path, "root step nested inside the tree")
	}
	if step.Type == StepIfChild && (parent == nil || parent.Type != StepIf) {
		return domain.EAt(domain.KindStructure, path, "if-child outside an if step")
	}
	if step.Type != StepIfChild && parent != nil && parent.Type == StepIf {
		return domain.EAt(domain.KindStructure, path, "if children must be if-child steps, got %q", step.Type)
	}
	if step.WindowDays != nil {
		if err := checkWindow(*step.WindowDays, path); err != nil {
			return err
		}
	}

	switch step.Type {
	case StepAsset:
		if step.Ticker == "" {
			return domain.EAt(domain.KindStructure, path, "asset step has no ticker")
		}
		if len(step.Children) != 0 {
			return domain.EAt(domain.KindStructure, path, "asset step must be a leaf")
		}
		if step.Weight != nil && step.Weight.Den <= 0 {
			return domain.EAt(domain.KindStructure, path, "asset weight denominator must be positive")
		}
		v.collect.addAsset(step.Ticker)

	case StepIf:
		v.complexity.Conditionals++
		if err := v.checkIf(step, path); err != nil {
			return err
		}

	case StepIfChild:
		if !step.IsElse {
			if step.Condition == nil {
				return domain.EAt(domain.KindStructure, path, "conditional branch has no condition")
			}
			if err := v.checkCondition(step.Condition, path); err != nil {
				return err
			}
		}

	case StepFilter:
		v.complexity.Filters++
		if err := v.checkFilter(step, path); err != nil {
			return err
		}

	case StepWeightSpecified:
		if err := v.checkSpecifiedWeights(step, path); err != nil {
			return err
		}

	case StepWeightInverseVol, StepWeightRiskParity:
		window := DefaultWindow
		if step.WindowDays != nil {
			window = *step.WindowDays
		}
		// Volatility weighting needs a return stdev per asset below it.
		for _, ticker := range assetsUnder(step) {
			v.collect.addMetric(MetricRequirement{
				Ticker: ticker,
				Fn:     MetricStdevReturn,
				Window: window,
			})
		}

	case StepWeightMarketCap:
		for _, ticker := range assetsUnder(step) {
			v.collect.addMarketCap(ticker)
		}
	}

	for i, child := range step.Children {
		childPath := childPath(path, i)
		if err := v.walk(child, step, depth+1, childPath); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) checkIf(step *Step, path string) error {
	if len(step.Children) != 2 {
		return domain.EAt(domain.KindStructure, path, "if must have exactly two children, got %d", len(step.Children))
	}
	elseCount := 0
	for _, child := range step.Children {
		if child.Type == StepIfChild && child.IsElse {
			elseCount++
		}
	}
	if elseCount != 1 {
		return domain.EAt(domain.KindStructure, path, "if must have exactly one else branch, got %d", elseCount)
	}
	return nil
}

func (v *validator) checkCondition(cond *Condition, path string) error {
	if !cond.Cmp.Valid() {
		return domain.EAt(domain.KindStructure, path, "unknown comparator %q", cond.Cmp)
	}
	if err := v.checkOperand(cond.LHS, path); err != nil {
		return err
	}
	if err := v.checkOperand(cond.RHS, path); err != nil {
		return err
	}
	v.collect.addOperand(cond.LHS)
	v.collect.addOperand(cond.RHS)
	return nil
}

func (v *validator) checkOperand(op Operand, path string) error {
	if op.IsFixed {
		if math.IsNaN(op.Value) || math.IsInf(op.Value, 0) {
			return domain.EAt(domain.KindStructure, path, "condition literal is not finite")
		}
		return nil
	}
	if op.Ticker == "" {
		return domain.EAt(domain.KindStructure, path, "metric operand has no ticker")
	}
	return checkMetric(op.Fn, op.Params, path)
}

func (v *validator) checkFilter(step *Step, path string) error {
	if !step.Select.Valid() {
		return domain.EAt(domain.KindStructure, path, "unknown select function %q", step.Select)
	}
	if len(step.Children) == 0 {
		return domain.EAt(domain.KindStructure, path, "filter has no children")
	}
	for i, child := range step.Children {
		if child.Type != StepAsset {
			return domain.EAt(domain.KindStructure, childPath(path, i), "filter children must be assets, got %q", child.Type)
		}
	}
	if step.Select != SelectAll {
		if step.SelectN < 0 {
			return domain.EAt(domain.KindStructure, path, "select-n is required for %q", step.Select)
		}
		if step.SelectN > len(step.Children) {
			return domain.EAt(domain.KindStructure, path, "select-n %d exceeds child count %d", step.SelectN, len(step.Children))
		}
	}
	if err := checkMetric(step.SortFn, step.SortParams, path); err != nil {
		return err
	}
	for _, child := range step.Children {
		v.collect.addMetric(MetricRequirement{
			Ticker:    child.Ticker,
			Fn:        step.SortFn,
			Window:    step.SortParams.Window,
			Benchmark: step.SortParams.Benchmark,
		})
	}
	return nil
}

func (v *validator) checkSpecifiedWeights(step *Step, path string) error {
	if len(step.Children) == 0 {
		return domain.EAt(domain.KindStructure, path, "wt-cash-specified has no children")
	}
	sum := 0.0
	for i, child := range step.Children {
		if child.Type != StepAsset {
			return domain.EAt(domain.KindStructure, childPath(path, i), "wt-cash-specified children must be assets, got %q", child.Type)
		}
		if child.Weight == nil {
			return domain.EAt(domain.KindStructure, childPath(path, i), "wt-cash-specified child carries no weight")
		}
		sum += child.Weight.Fraction()
	}
	if math.Abs(sum-1.0) > weightSumTolerance {
		return domain.EAt(domain.KindStructure, path, "specified weights sum to %.4f, expected 1", sum)
	}
	return nil
}

func checkMetric(fn MetricFn, params MetricParams, path string) error {
	if !fn.Valid() {
		return domain.EAt(domain.KindMetric, path, "unknown metric function %q", fn)
	}
	if err := checkWindow(params.Window, path); err != nil {
		return err
	}
	if fn.NeedsBenchmark() && params.Benchmark == "" {
		return domain.EAt(domain.KindMetric, path, "metric %q requires a benchmark ticker", fn)
	}
	return nil
}

func checkWindow(window int, path string) error {
	if window < MinWindow || window > MaxWindow {
		return domain.EAt(domain.KindBounds, path, "window %d outside [%d, %d]", window, MinWindow, MaxWindow)
	}
	return nil
}

func childPath(parent string, index int) string {
	return fmt.Sprintf("%s.children[%d]", parent, index)
}
