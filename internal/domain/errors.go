package domain

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure into one of the categories the recovery
// policy table and the API error payloads understand. The string value
// is stable and safe to log, alert on, and persist.
type Kind string

const (
	// Tree ingestion and validation failures.
	KindParse     Kind = "PARSE"     // malformed JSON or unknown step/field values
	KindStructure Kind = "STRUCTURE" // step found in an illegal position
	KindBounds    Kind = "BOUNDS"    // tree exceeds size/depth/asset limits or a window is out of range
	KindMetric    Kind = "METRIC"    // unknown metric function or bad metric parameters
	KindCycle     Kind = "CYCLE"     // node reachable from itself

	// Runtime failures during the execution window.
	KindDataUnavailable   Kind = "DATA_UNAVAILABLE"   // market data missing after all providers tried
	KindEvalError         Kind = "EVAL_ERROR"         // evaluator produced no valid allocation
	KindPlanOverBudget    Kind = "PLAN_OVER_BUDGET"   // planned buys exceed buying power
	KindBrokerRejected    Kind = "BROKER_REJECTED"    // broker refused an order
	KindBrokerUnreachable Kind = "BROKER_UNREACHABLE" // broker API cannot be reached
	KindBrokerAuth        Kind = "BROKER_AUTH"        // broker credentials expired or invalid
	KindTimeout           Kind = "TIMEOUT"            // work exceeded its deadline

	// Reconciliation findings.
	KindReconcileDivergence Kind = "RECONCILE_DIVERGENCE" // local book disagrees with broker

	// KindUnknown is returned by KindOf for errors outside the taxonomy.
	KindUnknown Kind = "UNKNOWN"
)

// Error is the taxonomy-aware error type used across the engine.
// Path is set for tree-level failures and names the offending node
// (for example "root.children[2].children[0]").
type Error struct {
	Kind Kind
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s at %s: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a taxonomy error from a format string.
func E(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// EAt builds a taxonomy error that points at a tree node.
func EAt(kind Kind, path, format string, args ...interface{}) error {
	return &Error{Kind: kind, Path: path, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error. A nil error stays nil.
// If err already carries a kind, the outer kind wins but the original
// error remains reachable through Unwrap.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the kind of an error. Errors outside the taxonomy
// report KindUnknown. Context cancellation and deadline expiry map to
// KindTimeout so deadline overruns classify the same everywhere.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var de *Error
		if !errors.As(err, &de) {
			break
		}
		if de.Kind == kind {
			return true
		}
		err = de.Err
	}
	return false
}

// Retryable reports whether an error kind is worth a same-window retry.
// Only transient data gaps qualify; everything else either terminates
// the symphony for the day or triggers liquidation.
func (k Kind) Retryable() bool {
	return k == KindDataUnavailable
}
