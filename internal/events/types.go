// Package events provides the in-process event bus and the typed events
// the engine emits while executing symphonies. The ops server streams
// these over SSE; everything else just logs them.
package events

import "time"

// EventType identifies an event on the bus. Values are stable and show
// up verbatim in the SSE stream and structured logs.
type EventType string

const (
	ExecutionStarted      EventType = "execution.started"
	ExecutionWindowClosed EventType = "execution.window.closed"
	SymphonyEvaluated     EventType = "symphony.evaluated"
	SymphonyCompleted     EventType = "symphony.completed"
	OrderPlaced           EventType = "order.placed"
	OrderFilled           EventType = "order.filled"
	OrderFailed           EventType = "order.failed"
	LiquidationTriggered  EventType = "liquidation.triggered"
	ReconcileDivergence   EventType = "reconcile.divergence"
	WarmupCompleted       EventType = "warmup.completed"
	BackupCompleted       EventType = "backup.completed"
	ErrorOccurred         EventType = "error.occurred"
)

// AllTypes lists every event type, in stream-filter order.
func AllTypes() []EventType {
	return []EventType{
		ExecutionStarted,
		ExecutionWindowClosed,
		SymphonyEvaluated,
		SymphonyCompleted,
		OrderPlaced,
		OrderFilled,
		OrderFailed,
		LiquidationTriggered,
		ReconcileDivergence,
		WarmupCompleted,
		BackupCompleted,
		ErrorOccurred,
	}
}

// Event is a single occurrence on the bus. Module names the emitting
// component; Data carries the payload as a flat map so events serialize
// directly to the SSE stream.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Module    string                 `json:"module"`
	Data      map[string]interface{} `json:"data"`
}
