package ibkr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/tradebridge/internal/domain"
)

// Client is the typed order API over the gateway connection. All placement
// flows through here so the correlation-id discipline holds: every broker
// object created by one user intent shares one id.
type Client struct {
	conn    *Conn
	orders  *OrderRepository
	confirm time.Duration // placement confirmation deadline
	list    time.Duration // open/completed listing deadline
	log     zerolog.Logger
}

func NewClient(conn *Conn, orders *OrderRepository, log zerolog.Logger) *Client {
	return &Client{
		conn:    conn,
		orders:  orders,
		confirm: defaultTimeout,
		list:    defaultTimeout,
		log:     log.With().Str("component", "ibkr_client").Logger(),
	}
}

// PlaceOrder validates and submits one order, waits for the broker's first
// orderStatus, and persists the order row. The broker confirms placement
// only implicitly, so a confirmation timeout yields the synthetic
// "Submitted (timeout waiting for confirmation)" status; the later
// orderStatus event re-asserts the true state through the event writer.
func (c *Client) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (*domain.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return c.place(ctx, req, uuid.NewString(), true)
}

// place submits a single validated leg under the given correlation id.
func (c *Client) place(ctx context.Context, req domain.PlaceOrderRequest, correlationID string, transmit bool) (*domain.Order, error) {
	orderID := int64(c.conn.NextReqID())
	now := time.Now()

	order := &domain.Order{
		OrderID:       orderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		TrailPercent:  req.TrailPercent,
		TIF:           req.TIF,
		ParentID:      req.ParentID,
		OCAGroup:      req.OCAGroup,
		CorrelationID: correlationID,
		Status:        domain.StatusPendingSubmit,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	a := newAwait(c.conn, int32(orderID), c.confirm)
	a.bestEffort = func() any { return domain.StatusSubmittedTimeout }
	a.onError()
	a.on(inOrderStatus, 0, func(msg *Message) {
		a.resolve(domain.OrderStatus(msg.field(1)))
	})

	if err := c.send(order, transmit); err != nil {
		a.reject(err)
	}

	v, err := a.wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("place order %s %s: %w", req.Side, req.Symbol, err)
	}
	order.Status = v.(domain.OrderStatus)

	// The placement already happened at the broker; a failed write is
	// logged and the next orderStatus event re-asserts the row.
	if err := c.orders.Insert(order); err != nil {
		c.log.Error().Err(err).Int64("order_id", orderID).Msg("Order row insert failed")
	}

	c.log.Info().
		Int64("order_id", orderID).
		Str("correlation_id", correlationID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Float64("quantity", order.Quantity).
		Str("status", string(order.Status)).
		Msg("Order placed")
	return order, nil
}

// send writes the placeOrder frame.
func (c *Client) send(o *domain.Order, transmit bool) error {
	var parent string
	if o.ParentID != nil {
		parent = intField(*o.ParentID)
	}
	return c.conn.Send(outPlaceOrder,
		intField(o.OrderID),
		o.Symbol, "STK", "SMART", "USD",
		string(o.Side), qtyField(o.Quantity), string(o.Type),
		priceField(o.LimitPrice), priceField(o.StopPrice), priceField(o.TrailPercent),
		string(o.TIF), o.OCAGroup, parent, boolField(transmit), o.CorrelationID)
}

// PlaceBracket submits a parent entry plus take-profit and stop-loss
// children under one correlation id and OCA group. Only the final child
// carries transmit, so the broker acts on all three legs atomically.
func (c *Client) PlaceBracket(ctx context.Context, req domain.BracketRequest) ([]*domain.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	correlationID := uuid.NewString()
	childSide := domain.Sell
	if req.Side == domain.Sell {
		childSide = domain.Buy
	}

	parent, err := c.place(ctx, domain.PlaceOrderRequest{
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.EntryType,
		Quantity:   req.Quantity,
		LimitPrice: req.EntryPrice,
		TIF:        req.TIF,
	}, correlationID, false)
	if err != nil {
		return nil, fmt.Errorf("bracket parent: %w", err)
	}

	tp := req.TakeProfit
	takeProfit, err := c.place(ctx, domain.PlaceOrderRequest{
		Symbol:     req.Symbol,
		Side:       childSide,
		Type:       domain.OrderLimit,
		Quantity:   req.Quantity,
		LimitPrice: &tp,
		TIF:        req.TIF,
		OCAGroup:   correlationID,
		ParentID:   &parent.OrderID,
	}, correlationID, false)
	if err != nil {
		return nil, fmt.Errorf("bracket take-profit: %w", err)
	}

	sl := req.StopLoss
	stopLoss, err := c.place(ctx, domain.PlaceOrderRequest{
		Symbol:    req.Symbol,
		Side:      childSide,
		Type:      domain.OrderStop,
		Quantity:  req.Quantity,
		StopPrice: &sl,
		TIF:       req.TIF,
		OCAGroup:  correlationID,
		ParentID:  &parent.OrderID,
	}, correlationID, true)
	if err != nil {
		return nil, fmt.Errorf("bracket stop-loss: %w", err)
	}

	return []*domain.Order{parent, takeProfit, stopLoss}, nil
}

// CancelOrder requests cancellation of a working order.
func (c *Client) CancelOrder(ctx context.Context, orderID int64) error {
	order, err := c.orders.Get(orderID)
	if err != nil {
		return err
	}
	if order.Status.IsTerminal() {
		return fmt.Errorf("order %d already %s", orderID, order.Status)
	}
	return c.conn.Send(outCancelOrder, intField(orderID))
}

// OpenOrders asks the broker for its working orders. The terminal frame is
// openOrderEnd; on timeout whatever arrived is returned.
func (c *Client) OpenOrders(ctx context.Context) ([]*domain.Order, error) {
	// The listener runs on the read loop while bestEffort runs on the
	// waiting goroutine, so the accumulator needs its own lock.
	var (
		mu        sync.Mutex
		collected []*domain.Order
	)

	a := newAwait(c.conn, 0, c.list)
	a.bestEffort = func() any {
		mu.Lock()
		defer mu.Unlock()
		return append([]*domain.Order(nil), collected...)
	}
	a.on(inOpenOrder, -1, func(msg *Message) {
		mu.Lock()
		defer mu.Unlock()
		collected = append(collected, decodeBrokerOrder(msg))
	})
	a.on(inOpenOrderEnd, -1, func(msg *Message) {
		mu.Lock()
		orders := append([]*domain.Order(nil), collected...)
		mu.Unlock()
		a.resolve(orders)
	})

	if err := c.conn.Send(outReqOpenOrders); err != nil {
		a.reject(err)
	}

	v, err := a.wait(ctx)
	if err != nil {
		return nil, err
	}
	return v.([]*domain.Order), nil
}

// CompletedOrders asks for orders that reached a terminal state at the
// broker, best-effort on timeout like OpenOrders.
func (c *Client) CompletedOrders(ctx context.Context) ([]*domain.Order, error) {
	var (
		mu        sync.Mutex
		collected []*domain.Order
	)

	a := newAwait(c.conn, 0, c.list)
	a.bestEffort = func() any {
		mu.Lock()
		defer mu.Unlock()
		return append([]*domain.Order(nil), collected...)
	}
	a.on(inCompletedOrder, -1, func(msg *Message) {
		mu.Lock()
		defer mu.Unlock()
		collected = append(collected, decodeBrokerOrder(msg))
	})
	a.on(inCompletedOrdersEnd, -1, func(msg *Message) {
		mu.Lock()
		orders := append([]*domain.Order(nil), collected...)
		mu.Unlock()
		a.resolve(orders)
	})

	if err := c.conn.Send(outReqCompletedOrders); err != nil {
		a.reject(err)
	}

	v, err := a.wait(ctx)
	if err != nil {
		return nil, err
	}
	return v.([]*domain.Order), nil
}

// decodeBrokerOrder parses an openOrder/completedOrder frame.
func decodeBrokerOrder(msg *Message) *domain.Order {
	o := &domain.Order{
		OrderID:       msg.fieldInt64(0),
		Symbol:        msg.field(1),
		Side:          domain.Side(msg.field(2)),
		Type:          domain.OrderType(msg.field(3)),
		Quantity:      msg.fieldPrice(4),
		TIF:           domain.TimeInForce(msg.field(7)),
		OCAGroup:      msg.field(8),
		Status:        domain.OrderStatus(msg.field(9)),
		CorrelationID: msg.field(10),
	}
	if lmt := msg.fieldPrice(5); lmt != 0 {
		o.LimitPrice = &lmt
	}
	if stp := msg.fieldPrice(6); stp != 0 {
		o.StopPrice = &stp
	}
	return o
}

// LiveOrder returns the current state of one order from the ledger, which
// the event writer keeps current in broker arrival order.
func (c *Client) LiveOrder(ctx context.Context, orderID int64) (*domain.Order, error) {
	return c.orders.Get(orderID)
}

// ModifyStop re-issues a working stop order at a new price, preserving the
// order's OCA group and parent linkage. The gateway treats a placeOrder
// with an existing id as a modification.
func (c *Client) ModifyStop(ctx context.Context, order *domain.Order, newStop float64) error {
	if !order.Status.IsModifiable() {
		return fmt.Errorf("order %d is %s, not modifiable", order.OrderID, order.Status)
	}

	modified := *order
	modified.StopPrice = &newStop
	if err := c.send(&modified, true); err != nil {
		return fmt.Errorf("modify stop %d: %w", order.OrderID, err)
	}

	if err := c.orders.UpdateStopPrice(order.OrderID, newStop); err != nil {
		c.log.Error().Err(err).Int64("order_id", order.OrderID).Msg("Stop price row update failed")
	}
	return nil
}
