// Package evaluator interprets a validated strategy tree against a
// frozen market data context and produces a target allocation. The
// interpreter is pure: no I/O, no clocks, no global state, so the same
// tree and context always produce byte-identical results.
package evaluator

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/origamihq/conductor/internal/config"
	"github.com/origamihq/conductor/internal/domain"
	"github.com/origamihq/conductor/internal/symphony"
)

// weightSumTolerance bounds how far a working set's weights may drift
// from 1 before the allocation stage renormalises them.
const weightSumTolerance = 0.001

// Evaluator turns strategy trees into target allocations under the
// configured allocation constraints.
type Evaluator struct {
	alloc config.AllocationConfig
	log   zerolog.Logger
}

// New builds an evaluator with the given allocation constraints.
func New(alloc config.AllocationConfig, log zerolog.Logger) *Evaluator {
	return &Evaluator{
		alloc: alloc,
		log:   log.With().Str("component", "evaluator").Logger(),
	}
}

// Evaluate interprets the tree against the context. The tree must have
// passed symphony.Validate; the interpreter assumes structural
// soundness and only handles data-level surprises (missing snapshots,
// unavailable metrics). Missing data narrows the result, it never
// fails it: the error return is reserved for numerically inconsistent
// outcomes.
func (e *Evaluator) Evaluate(ctx *Context, tree *symphony.Step) (*Result, error) {
	run := &evalRun{ctx: ctx, excluded: make(map[string]bool)}

	set, err := run.step(tree, "root")
	if err != nil {
		return nil, err
	}

	allocation, err := e.finalize(run, set)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Allocation: allocation,
		Excluded:   run.excludedList(),
		Trace:      run.trace,
	}

	e.log.Debug().
		Str("symphony_id", ctx.SymphonyID).
		Str("date", ctx.Date).
		Int("assets", len(allocation)).
		Int("excluded", len(res.Excluded)).
		Msg("evaluation complete")

	return res, nil
}

// evalRun carries the mutable state of one evaluation pass.
type evalRun struct {
	ctx      *Context
	trace    []string
	excluded map[string]bool
}

func (r *evalRun) tracef(format string, args ...interface{}) {
	r.trace = append(r.trace, fmt.Sprintf(format, args...))
}

func (r *evalRun) exclude(ticker string) {
	r.excluded[ticker] = true
}

func (r *evalRun) excludedList() []string {
	out := make([]string, 0, len(r.excluded))
	for t := range r.excluded {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// workingSet is the ordered ticker-to-weight map a subtree produces.
// Order is first appearance, which keeps traces and tie handling
// deterministic. Weights stay 0 until a weighting step assigns them.
type workingSet struct {
	order   []string
	weights map[string]float64
}

func newWorkingSet() *workingSet {
	return &workingSet{weights: make(map[string]float64)}
}

func (s *workingSet) add(ticker string, weight float64) {
	if _, ok := s.weights[ticker]; !ok {
		s.order = append(s.order, ticker)
	}
	s.weights[ticker] += weight
}

func (s *workingSet) set(ticker string, weight float64) {
	if _, ok := s.weights[ticker]; !ok {
		s.order = append(s.order, ticker)
	}
	s.weights[ticker] = weight
}

func (s *workingSet) merge(other *workingSet) {
	for _, t := range other.order {
		s.add(t, other.weights[t])
	}
}

func (s *workingSet) remove(ticker string) {
	if _, ok := s.weights[ticker]; !ok {
		return
	}
	delete(s.weights, ticker)
	for i, t := range s.order {
		if t == ticker {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *workingSet) len() int { return len(s.order) }

// step evaluates one node and returns the working set it contributes.
func (r *evalRun) step(step *symphony.Step, path string) (*workingSet, error) {
	switch step.Type {
	case symphony.StepAsset:
		return r.asset(step), nil
	case symphony.StepRoot, symphony.StepGroup, symphony.StepIfChild:
		return r.concat(step, path)
	case symphony.StepIf:
		return r.branch(step, path)
	case symphony.StepFilter:
		return r.filter(step, path)
	case symphony.StepWeightEqual, symphony.StepWeightSpecified,
		symphony.StepWeightInverseVol, symphony.StepWeightMarketCap,
		symphony.StepWeightRiskParity:
		return r.weighting(step, path)
	}
	return nil, domain.EAt(domain.KindEvalError, path, "unexpected step type %q", step.Type)
}

// asset contributes the ticker with placeholder weight 0, or nothing
// when the context has no usable snapshot for it.
func (r *evalRun) asset(step *symphony.Step) *workingSet {
	set := newWorkingSet()
	if r.ctx.Snapshot(step.Ticker) == nil {
		r.exclude(step.Ticker)
		r.tracef("asset %s: no data, excluded", step.Ticker)
		return set
	}
	set.add(step.Ticker, 0)
	return set
}

// concat evaluates the children in order and merges their sets.
// Duplicate tickers collapse into one entry with summed weight.
func (r *evalRun) concat(step *symphony.Step, path string) (*workingSet, error) {
	set := newWorkingSet()
	for i, child := range step.Children {
		childSet, err := r.step(child, childPath(path, i))
		if err != nil {
			return nil, err
		}
		set.merge(childSet)
	}
	return set, nil
}

// branch evaluates an if node: the condition lives on the then child,
// and an unavailable operand fails closed into the else branch.
func (r *evalRun) branch(step *symphony.Step, path string) (*workingSet, error) {
	var thenChild, elseChild *symphony.Step
	var thenIdx, elseIdx int
	for i, child := range step.Children {
		if child.IsElse {
			elseChild, elseIdx = child, i
		} else {
			thenChild, thenIdx = child, i
		}
	}

	cond := thenChild.Condition
	lhs := r.operand(cond.LHS)
	rhs := r.operand(cond.RHS)

	if lhs == nil || rhs == nil {
		side := cond.LHS
		if lhs != nil {
			side = cond.RHS
		}
		r.tracef("if: %s unavailable -> else (fail closed)", operandLabel(side))
		return r.step(elseChild, childPath(path, elseIdx))
	}

	if cond.Cmp.Compare(*lhs, *rhs) {
		r.tracef("if: %s %s %s -> then",
			sideLabel(cond.LHS, *lhs), cond.Cmp, sideLabel(cond.RHS, *rhs))
		return r.step(thenChild, childPath(path, thenIdx))
	}

	r.tracef("if: %s %s %s -> else",
		sideLabel(cond.LHS, *lhs), cond.Cmp, sideLabel(cond.RHS, *rhs))
	return r.step(elseChild, childPath(path, elseIdx))
}

func (r *evalRun) operand(op symphony.Operand) *float64 {
	if op.IsFixed {
		v := op.Value
		return &v
	}
	return r.ctx.Metric(op.Ticker, op.Fn, op.Params)
}

// filter ranks its asset children by the sort metric and keeps the
// selected subset. Assets without a usable snapshot or metric value
// are excluded before ranking. Ties rank by ticker ascending.
func (r *evalRun) filter(step *symphony.Step, path string) (*workingSet, error) {
	type candidate struct {
		ticker string
		score  float64
	}

	available := make([]string, 0, len(step.Children))
	for _, child := range step.Children {
		if r.ctx.Snapshot(child.Ticker) == nil {
			r.exclude(child.Ticker)
			r.tracef("filter: %s no data, excluded", child.Ticker)
			continue
		}
		available = append(available, child.Ticker)
	}

	set := newWorkingSet()

	switch step.Select {
	case symphony.SelectAll:
		for _, t := range available {
			set.add(t, 0)
		}
		r.tracef("filter: all -> %v", available)
		return set, nil

	case symphony.SelectRandom:
		n := step.SelectN
		if n > len(available) {
			n = len(available)
		}
		chosen := pickRandom(available, n, r.ctx.SymphonyID, r.ctx.Date, path)
		for _, t := range chosen {
			set.add(t, 0)
		}
		r.tracef("filter: random %d of %d -> %v", n, len(available), chosen)
		return set, nil
	}

	candidates := make([]candidate, 0, len(available))
	for _, t := range available {
		score := r.ctx.Metric(t, step.SortFn, step.SortParams)
		if score == nil {
			r.exclude(t)
			r.tracef("filter: %s %s unavailable, excluded", t, metricLabel(step.SortFn, step.SortParams))
			continue
		}
		candidates = append(candidates, candidate{ticker: t, score: *score})
	}

	descending := step.Select == symphony.SelectTop
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			if descending {
				return candidates[i].score > candidates[j].score
			}
			return candidates[i].score < candidates[j].score
		}
		return candidates[i].ticker < candidates[j].ticker
	})

	n := step.SelectN
	if n > len(candidates) {
		n = len(candidates)
	}
	kept := make([]string, 0, n)
	for _, c := range candidates[:n] {
		set.add(c.ticker, 0)
		kept = append(kept, c.ticker)
	}
	r.tracef("filter: %s %d by %s -> %v", step.Select, step.SelectN,
		metricLabel(step.SortFn, step.SortParams), kept)
	return set, nil
}

// weighting evaluates the children, merges them into one working set,
// and assigns fresh weights over its distinct tickers. Any weights the
// children carried are overwritten; nested weighting steps only decide
// membership for the outer one.
func (r *evalRun) weighting(step *symphony.Step, path string) (*workingSet, error) {
	set, err := r.concat(step, path)
	if err != nil {
		return nil, err
	}
	if set.len() == 0 {
		r.tracef("%s: no assets available", step.Type)
		return set, nil
	}

	switch step.Type {
	case symphony.StepWeightEqual:
		r.weightEqual(step, set)
	case symphony.StepWeightSpecified:
		r.weightSpecified(step, set)
	case symphony.StepWeightInverseVol, symphony.StepWeightRiskParity:
		r.weightInverseVol(step, set)
	case symphony.StepWeightMarketCap:
		r.weightMarketCap(step, set)
	}
	return set, nil
}

func (r *evalRun) weightEqual(step *symphony.Step, set *workingSet) {
	w := 1.0 / float64(set.len())
	for _, t := range set.order {
		set.set(t, w)
	}
	r.tracef("%s: %d assets at %.4f", step.Type, set.len(), w)
}

// weightSpecified applies the fractions declared on the direct asset
// children. When some of those assets are unavailable, the remaining
// fractions are scaled up proportionally so the set still sums to 1.
func (r *evalRun) weightSpecified(step *symphony.Step, set *workingSet) {
	fractions := make(map[string]float64, len(step.Children))
	for _, child := range step.Children {
		if child.Weight != nil {
			fractions[child.Ticker] += child.Weight.Fraction()
		}
	}

	var total float64
	for _, t := range set.order {
		total += fractions[t]
	}
	if total <= 0 {
		for _, t := range append([]string(nil), set.order...) {
			set.remove(t)
		}
		r.tracef("%s: no positive fractions remain", step.Type)
		return
	}

	parts := make([]string, 0, set.len())
	for _, t := range set.order {
		w := fractions[t] / total
		set.set(t, w)
		parts = append(parts, fmt.Sprintf("%s %.4f", t, w))
	}
	r.tracef("%s: %s", step.Type, strings.Join(parts, ", "))
}

// weightInverseVol weights each ticker by the inverse of its return
// standard deviation over the step window. Tickers without a positive
// volatility value drop out. Risk parity uses the same naive rule.
func (r *evalRun) weightInverseVol(step *symphony.Step, set *workingSet) {
	window := symphony.DefaultWindow
	if step.WindowDays != nil {
		window = *step.WindowDays
	}
	params := symphony.MetricParams{Window: window}

	inverse := make(map[string]float64, set.len())
	var sum float64
	for _, t := range set.order {
		vol := r.ctx.Metric(t, symphony.MetricStdevReturn, params)
		if vol == nil || *vol <= 0 {
			r.exclude(t)
			r.tracef("%s: %s volatility unavailable, excluded", step.Type, t)
			continue
		}
		inverse[t] = 1.0 / *vol
		sum += inverse[t]
	}

	parts := make([]string, 0, set.len())
	for _, t := range append([]string(nil), set.order...) {
		inv, ok := inverse[t]
		if !ok {
			set.remove(t)
			continue
		}
		w := inv / sum
		set.set(t, w)
		parts = append(parts, fmt.Sprintf("%s %.4f", t, w))
	}
	if len(parts) > 0 {
		r.tracef("%s: %s (window %d)", step.Type, strings.Join(parts, ", "), window)
	}
}

// weightMarketCap weights each ticker by its share of the set's total
// market capitalisation. Tickers without a positive cap drop out.
func (r *evalRun) weightMarketCap(step *symphony.Step, set *workingSet) {
	caps := make(map[string]float64, set.len())
	var sum float64
	for _, t := range set.order {
		snap := r.ctx.Snapshot(t)
		if snap == nil || snap.MarketCap <= 0 {
			r.exclude(t)
			r.tracef("%s: %s market cap unavailable, excluded", step.Type, t)
			continue
		}
		caps[t] = snap.MarketCap
		sum += snap.MarketCap
	}

	parts := make([]string, 0, set.len())
	for _, t := range append([]string(nil), set.order...) {
		mcap, ok := caps[t]
		if !ok {
			set.remove(t)
			continue
		}
		w := mcap / sum
		set.set(t, w)
		parts = append(parts, fmt.Sprintf("%s %.4f", t, w))
	}
	if len(parts) > 0 {
		r.tracef("%s: %s", step.Type, strings.Join(parts, ", "))
	}
}

// finalize applies the allocation constraints to the root working set:
// normalise, hold back the cash buffer, drop below-minimum weights,
// clip above-maximum weights, and quantise to four decimal places. An
// empty set allocates everything to cash.
func (e *Evaluator) finalize(run *evalRun, set *workingSet) (domain.Allocation, error) {
	if set.len() == 0 {
		run.tracef("allocation: no investable assets, all to cash")
		return domain.Allocation{domain.CashTicker: 1}, nil
	}

	var total float64
	for _, t := range set.order {
		w := set.weights[t]
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, domain.E(domain.KindEvalError, "weight for %s is not finite", t)
		}
		if w < 0 {
			return nil, domain.E(domain.KindEvalError, "weight for %s is negative: %g", t, w)
		}
		total += w
	}

	// A set no weighting step touched carries all zeros; treat it as
	// an implicit equal weighting so a bare asset list is investable.
	if total == 0 {
		w := 1.0 / float64(set.len())
		for _, t := range set.order {
			set.set(t, w)
		}
		total = 1
	}

	tickers := make([]string, 0, set.len())
	weights := make(map[string]float64, set.len())
	for _, t := range set.order {
		if set.weights[t] <= 0 {
			continue
		}
		tickers = append(tickers, t)
		weights[t] = set.weights[t]
	}
	if len(tickers) == 0 {
		run.tracef("allocation: no investable assets, all to cash")
		return domain.Allocation{domain.CashTicker: 1}, nil
	}

	if math.Abs(total-1) > weightSumTolerance {
		for _, t := range tickers {
			weights[t] /= total
		}
	}

	investable := 1 - e.alloc.CashBuffer
	for _, t := range tickers {
		weights[t] *= investable
	}

	if e.alloc.MinWeight > 0 {
		kept := tickers[:0]
		var keptSum float64
		for _, t := range tickers {
			if weights[t] < e.alloc.MinWeight {
				run.tracef("allocation: %s %.4f below minimum %.4f, dropped", t, weights[t], e.alloc.MinWeight)
				delete(weights, t)
				continue
			}
			kept = append(kept, t)
			keptSum += weights[t]
		}
		tickers = kept
		if len(tickers) == 0 {
			run.tracef("allocation: no investable assets, all to cash")
			return domain.Allocation{domain.CashTicker: 1}, nil
		}
		for _, t := range tickers {
			weights[t] = weights[t] / keptSum * investable
		}
	}

	if e.alloc.MaxWeight > 0 {
		for _, t := range tickers {
			if weights[t] > e.alloc.MaxWeight {
				weights[t] = e.alloc.MaxWeight
				run.tracef("allocation: %s clipped to %.4f", t, e.alloc.MaxWeight)
			}
		}
	}

	allocation := make(domain.Allocation, len(tickers)+1)
	var allocated float64
	for _, t := range tickers {
		w := round4(weights[t])
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return nil, domain.E(domain.KindEvalError, "allocation for %s is invalid: %g", t, weights[t])
		}
		if w == 0 {
			continue
		}
		allocation[t] = w
		allocated += w
	}
	if len(allocation) == 0 {
		run.tracef("allocation: no investable assets, all to cash")
		return domain.Allocation{domain.CashTicker: 1}, nil
	}

	cash := round4(1 - allocated)
	switch {
	case cash > 0:
		allocation[domain.CashTicker] = cash
	case cash < 0:
		// Per-ticker rounding overshot; trim the largest position so
		// the allocation still sums to 1.
		largest := largestKey(allocation)
		allocation[largest] = round4(allocation[largest] + cash)
		if allocation[largest] <= 0 {
			delete(allocation, largest)
		}
		cash = 0
	default:
		cash = 0
	}

	run.tracef("allocation: %d assets, cash %.4f", len(allocation)-cashEntries(allocation), cash)
	return allocation, nil
}

func cashEntries(a domain.Allocation) int {
	if _, ok := a[domain.CashTicker]; ok {
		return 1
	}
	return 0
}

// largestKey returns the key with the greatest weight, breaking ties
// by the lexicographically smallest key.
func largestKey(a domain.Allocation) string {
	var best string
	var bestW float64
	for k, w := range a {
		if best == "" || w > bestW || (w == bestW && k < best) {
			best, bestW = k, w
		}
	}
	return best
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// pickRandom deterministically selects n tickers. The seed mixes the
// symphony, the session date, and the node path, so the same tree
// picks the same subset all day but different subsets across days and
// across filters within one tree.
func pickRandom(available []string, n int, symphonyID, date, path string) []string {
	h := fnv.New64a()
	h.Write([]byte(symphonyID))
	h.Write([]byte("|"))
	h.Write([]byte(date))
	h.Write([]byte("|"))
	h.Write([]byte(path))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	perm := rng.Perm(len(available))
	idx := perm[:n]
	sort.Ints(idx)

	chosen := make([]string, 0, n)
	for _, i := range idx {
		chosen = append(chosen, available[i])
	}
	return chosen
}

func childPath(parent string, index int) string {
	return fmt.Sprintf("%s.children[%d]", parent, index)
}

func metricLabel(fn symphony.MetricFn, params symphony.MetricParams) string {
	if fn == symphony.MetricCurrentPrice {
		return string(fn)
	}
	if params.Benchmark != "" {
		return fmt.Sprintf("%s(%d,%s)", fn, params.Window, params.Benchmark)
	}
	return fmt.Sprintf("%s(%d)", fn, params.Window)
}

func operandLabel(op symphony.Operand) string {
	if op.IsFixed {
		return fmt.Sprintf("%.4f", op.Value)
	}
	if op.Fn == symphony.MetricCurrentPrice {
		return fmt.Sprintf("%s(%s)", op.Fn, op.Ticker)
	}
	if op.Params.Benchmark != "" {
		return fmt.Sprintf("%s(%s,%d,%s)", op.Fn, op.Ticker, op.Params.Window, op.Params.Benchmark)
	}
	return fmt.Sprintf("%s(%s,%d)", op.Fn, op.Ticker, op.Params.Window)
}

// sideLabel renders one resolved side of a condition. Fixed operands
// are just their value; metric operands name the invocation and then
// the value it produced.
func sideLabel(op symphony.Operand, v float64) string {
	if op.IsFixed {
		return fmt.Sprintf("%.4f", v)
	}
	return fmt.Sprintf("%s %.4f", operandLabel(op), v)
}
