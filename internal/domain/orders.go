// Package domain holds the core types shared across the bridge.
// The domain layer is pure: no infrastructure dependencies.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Side is the order side.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderType covers every broker order type the bridge places.
type OrderType string

const (
	OrderMarket        OrderType = "MKT"
	OrderLimit         OrderType = "LMT"
	OrderStop          OrderType = "STP"
	OrderStopLimit     OrderType = "STP LMT"
	OrderTrail         OrderType = "TRAIL"
	OrderTrailLimit    OrderType = "TRAIL LIMIT"
	OrderRelative      OrderType = "REL"
	OrderMarketIfTouch OrderType = "MIT"
	OrderMarketOnClose OrderType = "MOC"
	OrderLimitOnClose  OrderType = "LOC"
)

// TimeInForce controls how long an order stays working.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFGTD TimeInForce = "GTD"
)

// OrderStatus is the broker-reported order lifecycle state.
type OrderStatus string

const (
	StatusPendingSubmit OrderStatus = "PendingSubmit"
	StatusPreSubmitted  OrderStatus = "PreSubmitted"
	StatusSubmitted     OrderStatus = "Submitted"
	StatusFilled        OrderStatus = "Filled"
	StatusCancelled     OrderStatus = "Cancelled"
	StatusAPICancelled  OrderStatus = "ApiCancelled"
	StatusInactive      OrderStatus = "Inactive"

	// StatusSubmittedTimeout is the synthetic status returned when the broker
	// never confirmed a placement within the adapter deadline. The later
	// orderStatus event re-asserts the true state.
	StatusSubmittedTimeout OrderStatus = "Submitted (timeout waiting for confirmation)"
)

// IsTerminal reports whether the status is final.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusAPICancelled, StatusInactive:
		return true
	}
	return false
}

// IsModifiable reports whether a working order may still be re-issued.
func (s OrderStatus) IsModifiable() bool {
	return s == StatusPreSubmitted || s == StatusSubmitted
}

// Order is the durable record of a placed or proposed broker order.
// Identity is the broker-assigned numeric OrderID.
type Order struct {
	OrderID       int64       `json:"order_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Type          OrderType   `json:"type"`
	Quantity      float64     `json:"quantity"`
	LimitPrice    *float64    `json:"limit_price,omitempty"`
	StopPrice     *float64    `json:"stop_price,omitempty"`
	TrailPercent  *float64    `json:"trail_percent,omitempty"`
	TIF           TimeInForce `json:"tif"`
	ParentID      *int64      `json:"parent_id,omitempty"`
	OCAGroup      string      `json:"oca_group,omitempty"`
	CorrelationID string      `json:"correlation_id"`
	Status        OrderStatus `json:"status"`
	Filled        float64     `json:"filled"`
	AvgFillPrice  float64     `json:"avg_fill_price"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Execution is an immutable fill record. Identity is the broker ExecID.
// Commission and realized P&L arrive on a separate commissionReport event
// and may be null until then.
type Execution struct {
	ExecID      string    `json:"exec_id"`
	OrderID     int64     `json:"order_id"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Shares      float64   `json:"shares"`
	Price       float64   `json:"price"`
	CumQty      float64   `json:"cum_qty"`
	AvgPrice    float64   `json:"avg_price"`
	Time        time.Time `json:"time"`
	Commission  *float64  `json:"commission,omitempty"`
	RealizedPnL *float64  `json:"realized_pnl,omitempty"`
}

// PlaceOrderRequest describes a single order leg before it is admitted by the
// risk gate and placed at the broker. The price fields that apply depend on
// Type; Validate makes invalid combinations unrepresentable downstream.
type PlaceOrderRequest struct {
	Symbol       string      `json:"symbol"`
	Side         Side        `json:"side"`
	Type         OrderType   `json:"type"`
	Quantity     float64     `json:"quantity"`
	LimitPrice   *float64    `json:"limit_price,omitempty"`
	StopPrice    *float64    `json:"stop_price,omitempty"`
	TrailPercent *float64    `json:"trail_percent,omitempty"`
	TIF          TimeInForce `json:"tif,omitempty"`
	OCAGroup     string      `json:"oca_group,omitempty"`
	ParentID     *int64      `json:"parent_id,omitempty"`
	// RefPrice is an optional estimated reference price for notional checks
	// when the order carries no limit price.
	RefPrice *float64 `json:"ref_price,omitempty"`
}

// Validate checks the request for structural problems: missing symbol, bad
// side, non-positive quantity, and price fields that do not match the order
// type. It normalizes the symbol to upper case and defaults TIF to DAY.
func (r *PlaceOrderRequest) Validate() error {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if r.Side != Buy && r.Side != Sell {
		return fmt.Errorf("invalid side: %q", r.Side)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %v", r.Quantity)
	}
	if r.TIF == "" {
		r.TIF = TIFDay
	}
	switch r.TIF {
	case TIFDay, TIFGTC, TIFIOC, TIFGTD:
	default:
		return fmt.Errorf("invalid time-in-force: %q", r.TIF)
	}

	needLimit := false
	needStop := false
	needTrail := false
	switch r.Type {
	case OrderMarket, OrderMarketOnClose:
	case OrderLimit, OrderLimitOnClose, OrderRelative, OrderMarketIfTouch:
		needLimit = true
	case OrderStop:
		needStop = true
	case OrderStopLimit:
		needLimit = true
		needStop = true
	case OrderTrail:
		needTrail = true
	case OrderTrailLimit:
		needTrail = true
		needLimit = true
	default:
		return fmt.Errorf("invalid order type: %q", r.Type)
	}

	if needLimit && (r.LimitPrice == nil || *r.LimitPrice <= 0) {
		return fmt.Errorf("%s order requires a positive limit price", r.Type)
	}
	if !needLimit && r.LimitPrice != nil {
		return fmt.Errorf("%s order must not carry a limit price", r.Type)
	}
	if needStop && (r.StopPrice == nil || *r.StopPrice <= 0) {
		return fmt.Errorf("%s order requires a positive stop price", r.Type)
	}
	if !needStop && r.Type != OrderTrail && r.Type != OrderTrailLimit && r.StopPrice != nil {
		return fmt.Errorf("%s order must not carry a stop price", r.Type)
	}
	if needTrail && (r.TrailPercent == nil || *r.TrailPercent <= 0) {
		return fmt.Errorf("%s order requires a positive trailing percent", r.Type)
	}
	if !needTrail && r.TrailPercent != nil {
		return fmt.Errorf("%s order must not carry a trailing percent", r.Type)
	}

	return nil
}

// ReferencePrice returns the best price estimate available on the request for
// notional checks: limit, then stop, then the caller-supplied reference.
// Returns 0 when nothing is known.
func (r *PlaceOrderRequest) ReferencePrice() float64 {
	switch {
	case r.LimitPrice != nil:
		return *r.LimitPrice
	case r.StopPrice != nil:
		return *r.StopPrice
	case r.RefPrice != nil:
		return *r.RefPrice
	}
	return 0
}

// BracketRequest is a parent entry order plus take-profit and stop-loss
// children tied by a one-cancels-all group. The broker acts only once the
// last leg arrives (transmit on final child).
type BracketRequest struct {
	Symbol     string      `json:"symbol"`
	Side       Side        `json:"side"`
	Quantity   float64     `json:"quantity"`
	EntryType  OrderType   `json:"entry_type"` // MKT or LMT
	EntryPrice *float64    `json:"entry_price,omitempty"`
	TakeProfit float64     `json:"take_profit"`
	StopLoss   float64     `json:"stop_loss"`
	TIF        TimeInForce `json:"tif,omitempty"`
}

// Validate checks bracket coherence: children must be on the profitable and
// protective side of the entry respectively.
func (b *BracketRequest) Validate() error {
	b.Symbol = strings.ToUpper(strings.TrimSpace(b.Symbol))
	if b.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if b.Side != Buy && b.Side != Sell {
		return fmt.Errorf("invalid side: %q", b.Side)
	}
	if b.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %v", b.Quantity)
	}
	if b.EntryType != OrderMarket && b.EntryType != OrderLimit {
		return fmt.Errorf("bracket entry must be MKT or LMT, got %q", b.EntryType)
	}
	if b.EntryType == OrderLimit && (b.EntryPrice == nil || *b.EntryPrice <= 0) {
		return fmt.Errorf("LMT bracket entry requires a positive entry price")
	}
	if b.TakeProfit <= 0 || b.StopLoss <= 0 {
		return fmt.Errorf("bracket requires positive take-profit and stop-loss prices")
	}
	if b.Side == Buy && b.TakeProfit <= b.StopLoss {
		return fmt.Errorf("long bracket requires take-profit above stop-loss")
	}
	if b.Side == Sell && b.TakeProfit >= b.StopLoss {
		return fmt.Errorf("short bracket requires take-profit below stop-loss")
	}
	if b.TIF == "" {
		b.TIF = TIFDay
	}
	return nil
}
