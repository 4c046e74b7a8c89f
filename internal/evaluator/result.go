package evaluator

import (
	"encoding/json"
	"fmt"

	"github.com/origamihq/conductor/internal/domain"
)

// Result is the outcome of one evaluation: the target allocation, the
// tickers excluded for missing data, and the ordered decision trace.
// Encoding the same Result always yields the same bytes, so stored
// results can be compared for audit.
type Result struct {
	Allocation domain.Allocation `json:"allocation"`
	Excluded   []string          `json:"excluded"`
	Trace      []string          `json:"trace"`
}

// Encode renders the result as canonical JSON. Map keys are sorted by
// encoding/json and Excluded is kept sorted at build time, so equal
// results produce byte-equal output.
func (r *Result) Encode() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode evaluation result: %w", err)
	}
	return b, nil
}

// CashOnly reports whether the allocation holds nothing but cash.
func (r *Result) CashOnly() bool {
	if len(r.Allocation) != 1 {
		return false
	}
	_, ok := r.Allocation[domain.CashTicker]
	return ok
}

// Tickers returns the tradable tickers in the allocation, excluding the
// cash entry, in map order. Callers that need a stable order sort.
func (r *Result) Tickers() []string {
	out := make([]string, 0, len(r.Allocation))
	for ticker := range r.Allocation {
		if ticker == domain.CashTicker {
			continue
		}
		out = append(out, ticker)
	}
	return out
}
