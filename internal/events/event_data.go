package events

import "encoding/json"

// EventData is implemented by all typed event payloads. Typed payloads
// keep emit sites honest about field names; on the wire they flatten to
// the Event.Data map.
type EventData interface {
	// EventType returns the event type this data is associated with.
	EventType() EventType
}

// ExecutionStartedData announces the opening of an execution window.
type ExecutionStartedData struct {
	WindowDate string `json:"window_date"`
	Symphonies int    `json:"symphonies"`
	DeadlineAt string `json:"deadline_at"`
}

func (d *ExecutionStartedData) EventType() EventType { return ExecutionStarted }

// WindowClosedData summarizes a finished execution window.
type WindowClosedData struct {
	WindowDate string `json:"window_date"`
	Executed   int    `json:"executed"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
	Liquidated int    `json:"liquidated"`
	DurationMs int64  `json:"duration_ms"`
}

func (d *WindowClosedData) EventType() EventType { return ExecutionWindowClosed }

// SymphonyEvaluatedData carries the allocation a symphony evaluated to.
type SymphonyEvaluatedData struct {
	SymphonyID string             `json:"symphony_id"`
	Targets    map[string]float64 `json:"targets"`
	DurationMs int64              `json:"duration_ms"`
}

func (d *SymphonyEvaluatedData) EventType() EventType { return SymphonyEvaluated }

// SymphonyCompletedData reports the terminal state of one symphony run.
type SymphonyCompletedData struct {
	SymphonyID   string `json:"symphony_id"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	OrdersPlaced int    `json:"orders_placed"`
	OrdersFilled int    `json:"orders_filled"`
}

func (d *SymphonyCompletedData) EventType() EventType { return SymphonyCompleted }

// OrderPlacedData is emitted when an order reaches the broker.
type OrderPlacedData struct {
	SymphonyID    string `json:"symphony_id"`
	ClientOrderID string `json:"client_order_id"`
	Ticker        string `json:"ticker"`
	Side          string `json:"side"`
	Quantity      string `json:"quantity"`
}

func (d *OrderPlacedData) EventType() EventType { return OrderPlaced }

// OrderFilledData is emitted when an order reaches a terminal fill.
type OrderFilledData struct {
	SymphonyID    string `json:"symphony_id"`
	ClientOrderID string `json:"client_order_id"`
	Ticker        string `json:"ticker"`
	Side          string `json:"side"`
	FilledQty     string `json:"filled_qty"`
	AvgPrice      string `json:"avg_price"`
	Partial       bool   `json:"partial"`
}

func (d *OrderFilledData) EventType() EventType { return OrderFilled }

// OrderFailedData is emitted when the broker rejects, cancels, or
// expires an order.
type OrderFailedData struct {
	SymphonyID    string `json:"symphony_id"`
	ClientOrderID string `json:"client_order_id"`
	Ticker        string `json:"ticker"`
	Side          string `json:"side"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
}

func (d *OrderFailedData) EventType() EventType { return OrderFailed }

// LiquidationData records a forced move to cash.
type LiquidationData struct {
	SymphonyID  string `json:"symphony_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	Reason      string `json:"reason"`
	ErrorKind   string `json:"error_kind"`
	Orders      int    `json:"orders"`
	ClosedValue string `json:"closed_value,omitempty"`
}

func (d *LiquidationData) EventType() EventType { return LiquidationTriggered }

// ReconcileDivergenceData flags a mismatch between the engine's book
// and the broker's positions.
type ReconcileDivergenceData struct {
	Ticker    string `json:"ticker"`
	LocalQty  string `json:"local_qty"`
	BrokerQty string `json:"broker_qty"`
	Action    string `json:"action"`
}

func (d *ReconcileDivergenceData) EventType() EventType { return ReconcileDivergence }

// WarmupCompletedData summarizes the pre-window cache warmup.
type WarmupCompletedData struct {
	Symbols    int   `json:"symbols"`
	Warmed     int   `json:"warmed"`
	Failures   int   `json:"failures"`
	DurationMs int64 `json:"duration_ms"`
}

func (d *WarmupCompletedData) EventType() EventType { return WarmupCompleted }

// BackupCompletedData reports a finished database backup upload.
type BackupCompletedData struct {
	Archive   string `json:"archive"`
	SizeBytes int64  `json:"size_bytes"`
}

func (d *BackupCompletedData) EventType() EventType { return BackupCompleted }

// ErrorEventData is the generic failure payload.
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

func (d *ErrorEventData) EventType() EventType { return ErrorOccurred }

// ToMap flattens a typed payload into the Event.Data representation.
func ToMap(data EventData) map[string]interface{} {
	if data == nil {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
