package ibkr

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tradebridge/internal/domain"
	"github.com/aristath/tradebridge/internal/events"
)

// EventWriter is the persistent bridge from broker events to the ledger:
// long-lived listeners on orderStatus, execDetails, and commissionReport
// that upsert into the order and execution stores and publish to the event
// bus. Events for orders the bridge never placed are dropped. Nothing
// raised here may escape into the broker's event loop.
type EventWriter struct {
	conn       *Conn
	orders     *OrderRepository
	executions *ExecutionRepository
	bus        *events.Bus
	log        zerolog.Logger

	attach sync.Once
}

func NewEventWriter(conn *Conn, orders *OrderRepository, executions *ExecutionRepository, bus *events.Bus, log zerolog.Logger) *EventWriter {
	return &EventWriter{
		conn:       conn,
		orders:     orders,
		executions: executions,
		bus:        bus,
		log:        log.With().Str("component", "event_writer").Logger(),
	}
}

// Attach installs the listeners. Safe to call more than once; only the
// first call installs.
func (w *EventWriter) Attach() {
	w.attach.Do(func() {
		w.conn.Listen(inOrderStatus, w.onOrderStatus)
		w.conn.Listen(inExecDetails, w.onExecDetails)
		w.conn.Listen(inCommissionReport, w.onCommission)
		w.log.Info().Msg("Event writer attached")
	})
}

// onOrderStatus applies a status transition in broker arrival order.
// fields: orderId, status, filled, remaining, avgFillPrice
func (w *EventWriter) onOrderStatus(msg *Message) {
	orderID := msg.fieldInt64(0)
	status := domain.OrderStatus(msg.field(1))
	filled := msg.fieldPrice(2)
	avgFill := msg.fieldPrice(4)

	err := w.orders.UpdateStatus(orderID, status, filled, avgFill)
	if errors.Is(err, ErrOrderNotFound) {
		// Placed outside the bridge; not ours to track.
		w.log.Debug().Int64("order_id", orderID).Msg("Status for unknown order dropped")
		return
	}
	if err != nil {
		// Next event is authoritative; no retry.
		w.log.Error().Err(err).Int64("order_id", orderID).Msg("Order status write failed")
	}

	w.bus.Publish("ibkr", &events.OrderStatusData{
		OrderID:      orderID,
		Status:       string(status),
		Filled:       filled,
		AvgFillPrice: avgFill,
	})
}

// onExecDetails records a fill.
// fields: reqId, orderId, execId, symbol, side, shares, price, cumQty, avgPrice, time
func (w *EventWriter) onExecDetails(msg *Message) {
	orderID := msg.fieldInt64(1)
	if _, err := w.orders.Get(orderID); errors.Is(err, ErrOrderNotFound) {
		w.log.Debug().Int64("order_id", orderID).Msg("Execution for unknown order dropped")
		return
	}

	exec := &domain.Execution{
		ExecID:   msg.field(2),
		OrderID:  orderID,
		Symbol:   msg.field(3),
		Side:     domain.Side(msg.field(4)),
		Shares:   msg.fieldPrice(5),
		Price:    msg.fieldPrice(6),
		CumQty:   msg.fieldPrice(7),
		AvgPrice: msg.fieldPrice(8),
		Time:     time.Unix(msg.fieldInt64(9), 0),
	}
	if err := w.executions.Insert(exec); err != nil {
		w.log.Error().Err(err).Str("exec_id", exec.ExecID).Msg("Execution write failed")
	}

	w.bus.Publish("ibkr", &events.ExecutionData{
		ExecID:  exec.ExecID,
		OrderID: exec.OrderID,
		Symbol:  exec.Symbol,
		Side:    string(exec.Side),
		Shares:  exec.Shares,
		Price:   exec.Price,
	})
}

// onCommission attaches commission and realized P&L to a prior fill.
// fields: execId, commission, realizedPnL
func (w *EventWriter) onCommission(msg *Message) {
	execID := msg.field(0)
	commission := msg.fieldPrice(1)
	realized := msg.fieldPrice(2)

	if err := w.executions.UpdateCommission(execID, commission, realized); err != nil {
		w.log.Debug().Err(err).Str("exec_id", execID).Msg("Commission for unknown execution dropped")
		return
	}

	w.bus.Publish("ibkr", &events.CommissionData{
		ExecID:      execID,
		Commission:  commission,
		RealizedPnL: realized,
	})
}
