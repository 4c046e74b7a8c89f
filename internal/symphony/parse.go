package symphony

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/origamihq/conductor/internal/domain"
)

// The ingest JSON is loose about numbers: integers arrive as 7, "7", or
// 7.0 depending on which client produced the tree. flexInt and flexFloat
// absorb all three spellings.

type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	v, err := parseFlexNumber(data)
	if err != nil {
		return err
	}
	n := int(v)
	if float64(n) != v {
		return fmt.Errorf("expected integer, got %s", string(data))
	}
	*f = flexInt(n)
	return nil
}

type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	v, err := parseFlexNumber(data)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

func parseFlexNumber(data []byte) (float64, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return 0, err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", s)
		}
		return v, nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// rawParams is the wire shape of a metric parameter object.
type rawParams struct {
	Window    *flexInt `json:"window,omitempty"`
	Benchmark string   `json:"benchmark,omitempty"`
}

// rawStep mirrors the external JSON node shape, question-mark keys and
// all. It exists only inside this file; everything downstream sees the
// typed Step.
type rawStep struct {
	ID       string     `json:"id,omitempty"`
	Step     string     `json:"step"`
	Name     string     `json:"name,omitempty"`
	Children []*rawStep `json:"children,omitempty"`

	Rebalance json.RawMessage `json:"rebalance,omitempty"`

	Ticker   string  `json:"ticker,omitempty"`
	Exchange string  `json:"exchange,omitempty"`
	Weight   *Weight `json:"weight,omitempty"`

	SortByFn       string     `json:"sort-by-fn,omitempty"`
	SortByFnParams *rawParams `json:"sort-by-fn-params,omitempty"`
	SelectFn       string     `json:"select-fn,omitempty"`
	SelectN        *flexInt   `json:"select-n,omitempty"`

	IsElseCondition *bool           `json:"is-else-condition?,omitempty"`
	LHSFn           string          `json:"lhs-fn,omitempty"`
	LHSFnParams     *rawParams      `json:"lhs-fn-params,omitempty"`
	LHSVal          string          `json:"lhs-val,omitempty"`
	Comparator      string          `json:"comparator,omitempty"`
	RHSFn           string          `json:"rhs-fn,omitempty"`
	RHSFnParams     *rawParams      `json:"rhs-fn-params,omitempty"`
	RHSVal          json.RawMessage `json:"rhs-val,omitempty"`
	RHSFixed        *bool           `json:"rhs-fixed-value?,omitempty"`

	WindowDays *flexInt `json:"window-days,omitempty"`
}

// rawThreshold is the object form of the root rebalance field.
type rawThreshold struct {
	CorridorWidth *flexFloat `json:"corridor-width,omitempty"`
}

// Parse converts symphony JSON into the typed tree. It only rejects
// what cannot be typed at all (malformed JSON, unknown discriminators,
// non-numeric numbers); semantic rules live in Validate.
func Parse(data []byte) (*Step, error) {
	var raw rawStep
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, domain.Wrap(domain.KindParse, fmt.Errorf("malformed symphony JSON: %w", err))
	}
	return buildStep(&raw, "root")
}

func buildStep(raw *rawStep, path string) (*Step, error) {
	typ := StepType(raw.Step)
	if raw.Step == "" {
		return nil, domain.EAt(domain.KindParse, path, "missing step discriminator")
	}
	if !typ.Valid() {
		return nil, domain.EAt(domain.KindParse, path, "unknown step type %q", raw.Step)
	}

	step := &Step{
		ID:   raw.ID,
		Type: typ,
		Name: raw.Name,
	}

	switch typ {
	case StepRoot:
		policy, err := parseRebalance(raw.Rebalance, path)
		if err != nil {
			return nil, err
		}
		step.Rebalance = policy

	case StepAsset:
		step.Ticker = raw.Ticker
		step.Exchange = raw.Exchange
		step.Weight = raw.Weight

	case StepFilter:
		step.SortFn = MetricFn(raw.SortByFn)
		step.SortParams = buildParams(raw.SortByFnParams)
		step.Select = SelectFn(raw.SelectFn)
		step.SelectN = -1
		if raw.SelectN != nil {
			step.SelectN = int(*raw.SelectN)
		}

	case StepIfChild:
		step.IsElse = raw.IsElseCondition != nil && *raw.IsElseCondition
		if !step.IsElse {
			cond, err := buildCondition(raw, path)
			if err != nil {
				return nil, err
			}
			step.Condition = cond
		}

	case StepWeightEqual, StepWeightSpecified, StepWeightInverseVol,
		StepWeightMarketCap, StepWeightRiskParity:
		if raw.WindowDays != nil {
			w := int(*raw.WindowDays)
			step.WindowDays = &w
		}
	}

	for i, rawChild := range raw.Children {
		child, err := buildStep(rawChild, childPath(path, i))
		if err != nil {
			return nil, err
		}
		step.Children = append(step.Children, child)
	}
	return step, nil
}

func buildParams(raw *rawParams) MetricParams {
	params := MetricParams{Window: DefaultWindow}
	if raw == nil {
		return params
	}
	if raw.Window != nil {
		params.Window = int(*raw.Window)
	}
	params.Benchmark = raw.Benchmark
	return params
}

func buildCondition(raw *rawStep, path string) (*Condition, error) {
	cond := &Condition{
		LHS: Operand{
			Fn:     MetricFn(raw.LHSFn),
			Params: buildParams(raw.LHSFnParams),
			Ticker: raw.LHSVal,
		},
		Cmp: Comparator(raw.Comparator),
	}

	// The right side is a fixed literal when flagged, or when no metric
	// function is named at all. Otherwise rhs-val names the ticker the
	// rhs metric runs against.
	fixed := raw.RHSFixed != nil && *raw.RHSFixed
	if fixed || raw.RHSFn == "" {
		if len(raw.RHSVal) == 0 {
			return nil, domain.EAt(domain.KindParse, path, "condition has no right-hand value")
		}
		var v flexFloat
		if err := v.UnmarshalJSON(raw.RHSVal); err != nil {
			return nil, domain.EAt(domain.KindParse, path, "right-hand value is not numeric: %v", err)
		}
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, domain.EAt(domain.KindParse, path, "right-hand value is not finite")
		}
		cond.RHS = Operand{IsFixed: true, Value: float64(v)}
		return cond, nil
	}

	var ticker string
	if err := json.Unmarshal(raw.RHSVal, &ticker); err != nil {
		return nil, domain.EAt(domain.KindParse, path, "right-hand ticker is not a string: %v", err)
	}
	cond.RHS = Operand{
		Fn:     MetricFn(raw.RHSFn),
		Params: buildParams(raw.RHSFnParams),
		Ticker: ticker,
	}
	return cond, nil
}

func parseRebalance(msg json.RawMessage, path string) (*domain.RebalancePolicy, error) {
	if len(msg) == 0 {
		return nil, nil
	}

	trimmed := bytes.TrimSpace(msg)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var token string
		if err := json.Unmarshal(trimmed, &token); err != nil {
			return nil, domain.EAt(domain.KindParse, path, "bad rebalance token: %v", err)
		}
		freq := domain.RebalanceFrequency(token)
		if !freq.Valid() {
			return nil, domain.EAt(domain.KindParse, path, "unknown rebalance frequency %q", token)
		}
		return &domain.RebalancePolicy{Frequency: freq}, nil
	}

	var threshold rawThreshold
	if err := json.Unmarshal(trimmed, &threshold); err != nil {
		return nil, domain.EAt(domain.KindParse, path, "bad rebalance object: %v", err)
	}
	policy := &domain.RebalancePolicy{Frequency: domain.RebalanceThreshold}
	if threshold.CorridorWidth != nil {
		policy.Corridor = float64(*threshold.CorridorWidth)
	}
	return policy, nil
}

// Serialize renders the typed tree back into the external JSON shape.
// serialize(parse(x)) parses to the same typed tree as parse(x); key
// order and number spellings are not preserved.
func Serialize(step *Step) ([]byte, error) {
	raw, err := buildRaw(step)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(raw, "", "  ")
}

func buildRaw(step *Step) (*rawStep, error) {
	raw := &rawStep{
		ID:   step.ID,
		Step: string(step.Type),
		Name: step.Name,
	}

	switch step.Type {
	case StepRoot:
		if step.Rebalance != nil {
			msg, err := marshalRebalance(step.Rebalance)
			if err != nil {
				return nil, err
			}
			raw.Rebalance = msg
		}

	case StepAsset:
		raw.Ticker = step.Ticker
		raw.Exchange = step.Exchange
		raw.Weight = step.Weight

	case StepFilter:
		raw.SortByFn = string(step.SortFn)
		raw.SortByFnParams = marshalParams(step.SortParams)
		raw.SelectFn = string(step.Select)
		if step.SelectN >= 0 {
			n := flexInt(step.SelectN)
			raw.SelectN = &n
		}

	case StepIfChild:
		isElse := step.IsElse
		raw.IsElseCondition = &isElse
		if !step.IsElse && step.Condition != nil {
			raw.LHSFn = string(step.Condition.LHS.Fn)
			raw.LHSFnParams = marshalParams(step.Condition.LHS.Params)
			raw.LHSVal = step.Condition.LHS.Ticker
			raw.Comparator = string(step.Condition.Cmp)

			rhs := step.Condition.RHS
			if rhs.IsFixed {
				fixed := true
				raw.RHSFixed = &fixed
				val, err := json.Marshal(rhs.Value)
				if err != nil {
					return nil, err
				}
				raw.RHSVal = val
			} else {
				raw.RHSFn = string(rhs.Fn)
				raw.RHSFnParams = marshalParams(rhs.Params)
				val, err := json.Marshal(rhs.Ticker)
				if err != nil {
					return nil, err
				}
				raw.RHSVal = val
			}
		}

	case StepWeightEqual, StepWeightSpecified, StepWeightInverseVol,
		StepWeightMarketCap, StepWeightRiskParity:
		if step.WindowDays != nil {
			w := flexInt(*step.WindowDays)
			raw.WindowDays = &w
		}
	}

	for _, child := range step.Children {
		rawChild, err := buildRaw(child)
		if err != nil {
			return nil, err
		}
		raw.Children = append(raw.Children, rawChild)
	}
	return raw, nil
}

func marshalParams(params MetricParams) *rawParams {
	w := flexInt(params.Window)
	return &rawParams{Window: &w, Benchmark: params.Benchmark}
}

func marshalRebalance(policy *domain.RebalancePolicy) (json.RawMessage, error) {
	if policy.Frequency == domain.RebalanceThreshold {
		if policy.Corridor > 0 {
			c := flexFloat(policy.Corridor)
			return json.Marshal(rawThreshold{CorridorWidth: &c})
		}
		return json.Marshal(string(domain.RebalanceThreshold))
	}
	return json.Marshal(string(policy.Frequency))
}
