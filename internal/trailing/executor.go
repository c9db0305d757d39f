package trailing

import (
	"context"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/tradebridge/internal/domain"
	"github.com/aristath/tradebridge/internal/events"
)

// Position is the executor's transient, in-memory view of one open position.
// Created and refreshed from account-update snapshots; destroyed when the
// quantity reaches zero.
type Position struct {
	Symbol             string  `json:"symbol"`
	Quantity           float64 `json:"quantity"` // signed: >0 long, <0 short
	AvgCost            float64 `json:"avg_cost"`
	CurrentPrice       float64 `json:"current_price"`
	UnrealizedPnL      float64 `json:"unrealized_pnl"`
	StopOrderID        int64   `json:"stop_order_id,omitempty"`
	StopPrice          float64 `json:"stop_price,omitempty"`
	HighWater          float64 `json:"high_water"`
	BreakevenTriggered bool    `json:"breakeven_triggered"`
}

// StopOrderClient is the broker capability the executor needs: read a live
// order and re-issue a stop at a new price.
type StopOrderClient interface {
	LiveOrder(ctx context.Context, orderID int64) (*domain.Order, error)
	ModifyStop(ctx context.Context, order *domain.Order, newStop float64) error
}

// Summary is the result of one processing pass.
type Summary struct {
	Processed int `json:"processed"`
	Modified  int `json:"modified"`
	Errors    int `json:"errors"`
}

// Executor owns all trailing-stop position state. One producer (account
// updates) and one consumer (the processing loop); the processor runs
// single-flight.
type Executor struct {
	mu        sync.Mutex
	positions map[string]*Position
	policy    Policy
	running   bool

	processMu sync.Mutex // single-flight guard for ProcessTrailingStops

	client StopOrderClient
	bus    *events.Bus
	log    zerolog.Logger
}

// NewExecutor creates a trailing-stop executor with the given initial
// policy. The executor starts stopped; call Start to enable processing.
func NewExecutor(policy Policy, client StopOrderClient, bus *events.Bus, log zerolog.Logger) *Executor {
	return &Executor{
		positions: make(map[string]*Position),
		policy:    policy,
		client:    client,
		bus:       bus,
		log:       log.With().Str("component", "trailing").Logger(),
	}
}

// Start enables processing.
func (e *Executor) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = true
}

// Stop disables processing; ProcessTrailingStops becomes a no-op.
func (e *Executor) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
}

// Running reports whether the executor is active.
func (e *Executor) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// SetPolicy atomically switches the active stop policy.
func (e *Executor) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = p
	e.log.Info().Str("kind", string(p.Kind)).Msg("Trailing policy switched")
	return nil
}

// Policy returns the active policy.
func (e *Executor) Policy() Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy
}

// UpdatePosition applies an account-update snapshot for one symbol. A zero
// quantity destroys the position state. The high-water mark advances in the
// favorable direction only; the first observation initializes it.
func (e *Executor) UpdatePosition(symbol string, qty, avgCost, current, unrealized float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if qty == 0 {
		delete(e.positions, symbol)
		return
	}

	pos, ok := e.positions[symbol]
	if !ok {
		pos = &Position{Symbol: symbol, HighWater: current}
		e.positions[symbol] = pos
	}
	pos.Quantity = qty
	pos.AvgCost = avgCost
	pos.CurrentPrice = current
	pos.UnrealizedPnL = unrealized

	if pos.HighWater == 0 {
		pos.HighWater = current
	} else if qty > 0 {
		pos.HighWater = math.Max(pos.HighWater, current)
	} else {
		pos.HighWater = math.Min(pos.HighWater, current)
	}
}

// AttachStop associates a working stop order with a position.
func (e *Executor) AttachStop(symbol string, orderID int64, stopPrice float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pos, ok := e.positions[symbol]; ok {
		pos.StopOrderID = orderID
		pos.StopPrice = stopPrice
	}
}

// Position returns a copy of one position's state.
func (e *Executor) Position(symbol string) (Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pos, ok := e.positions[symbol]; ok {
		return *pos, true
	}
	return Position{}, false
}

// Positions returns a copy of all tracked positions.
func (e *Executor) Positions() []Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Position, 0, len(e.positions))
	for _, pos := range e.positions {
		out = append(out, *pos)
	}
	return out
}

// tightens reports whether candidate is strictly tighter than current for
// the position's direction. A zero current stop accepts any candidate.
func tightens(current, candidate float64, long bool) bool {
	if current == 0 {
		return true
	}
	if long {
		return candidate > current
	}
	return candidate < current
}

// ProcessTrailingStops runs one pass over all positions with a working stop
// order: compute the policy candidate, discard loosening candidates, and
// dispatch modifications for the rest. No-op while stopped. Single-flight:
// overlapping ticks coalesce into sequential passes.
func (e *Executor) ProcessTrailingStops(ctx context.Context) Summary {
	if !e.Running() {
		return Summary{}
	}

	e.processMu.Lock()
	defer e.processMu.Unlock()

	e.mu.Lock()
	policy := e.policy
	work := make([]*Position, 0, len(e.positions))
	for _, pos := range e.positions {
		if pos.StopOrderID != 0 {
			work = append(work, pos)
		}
	}
	e.mu.Unlock()

	var sum Summary
	for _, pos := range work {
		sum.Processed++

		e.mu.Lock()
		snapshot := *pos
		candidate, ok := policy.candidate(pos)
		long := snapshot.Quantity > 0
		if ok && !tightens(snapshot.StopPrice, candidate, long) {
			// Loosening candidates are discarded silently.
			ok = false
		}
		e.mu.Unlock()
		if !ok {
			continue
		}

		if err := e.dispatch(ctx, &snapshot, candidate); err != nil {
			e.log.Warn().
				Err(err).
				Str("symbol", snapshot.Symbol).
				Int64("order_id", snapshot.StopOrderID).
				Msg("Stop modification failed, keeping prior stop")
			sum.Errors++
			continue
		}

		e.mu.Lock()
		if cur, exists := e.positions[snapshot.Symbol]; exists {
			// Re-check monotonicity against live state before committing.
			if !tightens(cur.StopPrice, candidate, cur.Quantity > 0) {
				e.log.Error().
					Str("symbol", snapshot.Symbol).
					Float64("stop", cur.StopPrice).
					Float64("candidate", candidate).
					Msg("Monotone stop invariant violated after dispatch; aborting commit")
				e.mu.Unlock()
				sum.Errors++
				continue
			}
			cur.StopPrice = candidate
		}
		e.mu.Unlock()
		sum.Modified++

		if e.bus != nil {
			e.bus.Publish("trailing", &events.TrailingStopModifiedData{
				Symbol:    snapshot.Symbol,
				OrderID:   snapshot.StopOrderID,
				OldStop:   snapshot.StopPrice,
				NewStop:   candidate,
				Quantity:  snapshot.Quantity,
				HighWater: snapshot.HighWater,
			})
		}
	}

	e.log.Debug().
		Int("processed", sum.Processed).
		Int("modified", sum.Modified).
		Int("errors", sum.Errors).
		Msg("Trailing pass complete")

	return sum
}

// dispatch fetches the live order and re-issues it at the new stop price.
// Orders outside PreSubmitted/Submitted are not modifiable.
func (e *Executor) dispatch(ctx context.Context, pos *Position, newStop float64) error {
	order, err := e.client.LiveOrder(ctx, pos.StopOrderID)
	if err != nil {
		return err
	}
	if !order.Status.IsModifiable() {
		return &NotModifiableError{OrderID: order.OrderID, Status: order.Status}
	}
	return e.client.ModifyStop(ctx, order, newStop)
}

// NotModifiableError reports an order that can no longer be re-issued.
type NotModifiableError struct {
	OrderID int64
	Status  domain.OrderStatus
}

func (e *NotModifiableError) Error() string {
	return "order " + string(e.Status) + " is not modifiable"
}
