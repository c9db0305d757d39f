// Package events provides the in-process event bus and the typed payloads
// published to wire collaborators (WebSocket clients, REST pollers).
package events

import (
	"time"

	"github.com/aristath/tradebridge/internal/domain"
)

// EventType represents different event types
type EventType string

const (
	OrderStatus          EventType = "order_status"
	ExecutionEvent       EventType = "execution"
	CommissionEvent      EventType = "commission"
	AlertIngested        EventType = "alert"
	EvaluationDone       EventType = "evaluation"
	SignalCreated        EventType = "signal"
	SessionState         EventType = "session_state"
	TunnelStatus         EventType = "tunnel_status"
	TrailingStopModified EventType = "trailing_stop_modified"
)

// Event is a published system event. Seq is a per-process monotonically
// increasing sequence number assigned by the bus at publish time.
type Event struct {
	Seq       uint64      `json:"seq"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Module    string      `json:"module"`
	Data      interface{} `json:"data"`
}

// EventData is implemented by all typed event payloads.
type EventData interface {
	EventType() EventType
}

// OrderStatusData carries a broker order status progression.
type OrderStatusData struct {
	OrderID      int64   `json:"order_id"`
	Status       string  `json:"status"`
	Filled       float64 `json:"filled"`
	Remaining    float64 `json:"remaining"`
	AvgFillPrice float64 `json:"avg_fill_price"`
}

func (d *OrderStatusData) EventType() EventType { return OrderStatus }

// ExecutionData carries a fill.
type ExecutionData struct {
	ExecID  string  `json:"exec_id"`
	OrderID int64   `json:"order_id"`
	Symbol  string  `json:"symbol"`
	Side    string  `json:"side"`
	Shares  float64 `json:"shares"`
	Price   float64 `json:"price"`
}

func (d *ExecutionData) EventType() EventType { return ExecutionEvent }

// CommissionData carries a late-arriving commission report.
type CommissionData struct {
	ExecID      string  `json:"exec_id"`
	Commission  float64 `json:"commission"`
	RealizedPnL float64 `json:"realized_pnl"`
}

func (d *CommissionData) EventType() EventType { return CommissionEvent }

// AlertData carries a freshly ingested alert.
type AlertData struct {
	AlertID  int64  `json:"alert_id"`
	Symbol   string `json:"symbol"`
	Strategy string `json:"strategy,omitempty"`
}

func (d *AlertData) EventType() EventType { return AlertIngested }

// EvaluationData carries an ensemble scoring result.
type EvaluationData struct {
	EvaluationID int64   `json:"evaluation_id"`
	Symbol       string  `json:"symbol"`
	TradeScore   float64 `json:"trade_score"`
	ShouldTrade  bool    `json:"should_trade"`
	Regime       string  `json:"regime"`
}

func (d *EvaluationData) EventType() EventType { return EvaluationDone }

// SignalData carries a persisted signal.
type SignalData struct {
	SignalID     int64   `json:"signal_id"`
	EvaluationID int64   `json:"evaluation_id"`
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	TradeScore   float64 `json:"trade_score"`
}

func (d *SignalData) EventType() EventType { return SignalCreated }

// SessionStateData carries the daily risk session snapshot.
type SessionStateData struct {
	Date              string  `json:"date"`
	RealizedPnL       float64 `json:"realized_pnl"`
	TradeCount        int     `json:"trade_count"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
	Locked            bool    `json:"locked"`
	LockReason        string  `json:"lock_reason,omitempty"`
}

func (d *SessionStateData) EventType() EventType { return SessionState }

// TunnelStatusData carries a tunnel monitor transition or incident.
type TunnelStatusData struct {
	Connected    bool    `json:"connected"`
	Severity     string  `json:"severity,omitempty"` // warning | critical
	Reason       string  `json:"reason,omitempty"`
	Failures     int     `json:"failures"`
	Restarts     int     `json:"restarts"`
	UptimePct    float64 `json:"uptime_pct"`
	LatencyMilli int64   `json:"latency_ms,omitempty"`
}

func (d *TunnelStatusData) EventType() EventType { return TunnelStatus }

// TrailingStopModifiedData carries one stop-order modification.
type TrailingStopModifiedData struct {
	Symbol    string  `json:"symbol"`
	OrderID   int64   `json:"order_id"`
	OldStop   float64 `json:"old_stop"`
	NewStop   float64 `json:"new_stop"`
	Quantity  float64 `json:"quantity"`
	HighWater float64 `json:"high_water"`
}

func (d *TrailingStopModifiedData) EventType() EventType { return TrailingStopModified }

// AllTypes lists every event kind the bridge publishes, in a stable order.
func AllTypes() []EventType {
	return []EventType{
		OrderStatus,
		ExecutionEvent,
		CommissionEvent,
		AlertIngested,
		EvaluationDone,
		SignalCreated,
		SessionState,
		TunnelStatus,
		TrailingStopModified,
	}
}

// compile-time interface checks
var (
	_ EventData = (*OrderStatusData)(nil)
	_ EventData = (*ExecutionData)(nil)
	_ EventData = (*CommissionData)(nil)
	_ EventData = (*AlertData)(nil)
	_ EventData = (*EvaluationData)(nil)
	_ EventData = (*SignalData)(nil)
	_ EventData = (*SessionStateData)(nil)
	_ EventData = (*TunnelStatusData)(nil)
	_ EventData = (*TrailingStopModifiedData)(nil)
)

// EvaluationDataFrom builds an EvaluationData payload from a domain record.
func EvaluationDataFrom(ev *domain.Evaluation) *EvaluationData {
	return &EvaluationData{
		EvaluationID: ev.ID,
		Symbol:       ev.Symbol,
		TradeScore:   ev.TradeScore,
		ShouldTrade:  ev.ShouldTrade,
		Regime:       string(ev.Regime),
	}
}
