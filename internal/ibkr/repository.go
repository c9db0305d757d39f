package ibkr

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/tradebridge/internal/database"
	"github.com/aristath/tradebridge/internal/domain"
)

var ErrOrderNotFound = errors.New("ibkr: order not found")

// OrderRepository persists broker orders in the trading ledger.
type OrderRepository struct {
	db *database.DB
}

func NewOrderRepository(db *database.DB) (*OrderRepository, error) {
	r := &OrderRepository{db: db}
	if err := r.init(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *OrderRepository) init() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			order_id       INTEGER PRIMARY KEY,
			symbol         TEXT NOT NULL,
			side           TEXT NOT NULL,
			type           TEXT NOT NULL,
			quantity       REAL NOT NULL,
			limit_price    REAL,
			stop_price     REAL,
			trail_percent  REAL,
			tif            TEXT NOT NULL,
			parent_id      INTEGER,
			oca_group      TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL,
			status         TEXT NOT NULL,
			filled         REAL NOT NULL DEFAULT 0,
			avg_fill_price REAL NOT NULL DEFAULT 0,
			created_at     INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_orders_correlation ON orders(correlation_id);
		CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	`)
	if err != nil {
		return fmt.Errorf("init orders table: %w", err)
	}
	return nil
}

// Insert writes a new order row. The broker order id is the primary key, so
// a duplicate placement is a constraint violation, never a silent overwrite.
func (r *OrderRepository) Insert(o *domain.Order) error {
	_, err := r.db.Exec(`
		INSERT INTO orders (order_id, symbol, side, type, quantity, limit_price,
			stop_price, trail_percent, tif, parent_id, oca_group, correlation_id,
			status, filled, avg_fill_price, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderID, o.Symbol, string(o.Side), string(o.Type), o.Quantity,
		o.LimitPrice, o.StopPrice, o.TrailPercent, string(o.TIF), o.ParentID,
		o.OCAGroup, o.CorrelationID, string(o.Status), o.Filled, o.AvgFillPrice,
		o.CreatedAt.Unix(), o.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert order %d: %w", o.OrderID, err)
	}
	return nil
}

// UpdateStatus applies an orderStatus event. Returns ErrOrderNotFound for
// orders the bridge never placed (external orders are dropped upstream).
func (r *OrderRepository) UpdateStatus(orderID int64, status domain.OrderStatus, filled, avgFillPrice float64) error {
	res, err := r.db.Exec(`
		UPDATE orders SET status = ?, filled = ?, avg_fill_price = ?, updated_at = ?
		WHERE order_id = ?`,
		string(status), filled, avgFillPrice, time.Now().Unix(), orderID)
	if err != nil {
		return fmt.Errorf("update order %d status: %w", orderID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// UpdateStopPrice records a re-issued stop after a trailing modification.
func (r *OrderRepository) UpdateStopPrice(orderID int64, stop float64) error {
	_, err := r.db.Exec(`
		UPDATE orders SET stop_price = ?, updated_at = ? WHERE order_id = ?`,
		stop, time.Now().Unix(), orderID)
	if err != nil {
		return fmt.Errorf("update order %d stop: %w", orderID, err)
	}
	return nil
}

// Get returns one order by broker id.
func (r *OrderRepository) Get(orderID int64) (*domain.Order, error) {
	row := r.db.QueryRow(`
		SELECT order_id, symbol, side, type, quantity, limit_price, stop_price,
			trail_percent, tif, parent_id, oca_group, correlation_id, status,
			filled, avg_fill_price, created_at, updated_at
		FROM orders WHERE order_id = ?`, orderID)
	return scanOrder(row)
}

// ByCorrelation returns every order sharing one correlation id, parents
// before children.
func (r *OrderRepository) ByCorrelation(correlationID string) ([]*domain.Order, error) {
	rows, err := r.db.Query(`
		SELECT order_id, symbol, side, type, quantity, limit_price, stop_price,
			trail_percent, tif, parent_id, oca_group, correlation_id, status,
			filled, avg_fill_price, created_at, updated_at
		FROM orders WHERE correlation_id = ? ORDER BY parent_id IS NOT NULL, order_id`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query correlation %s: %w", correlationID, err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// Open returns all non-terminal orders.
func (r *OrderRepository) Open() ([]*domain.Order, error) {
	rows, err := r.db.Query(`
		SELECT order_id, symbol, side, type, quantity, limit_price, stop_price,
			trail_percent, tif, parent_id, oca_group, correlation_id, status,
			filled, avg_fill_price, created_at, updated_at
		FROM orders
		WHERE status NOT IN ('Filled', 'Cancelled', 'ApiCancelled', 'Inactive')
		ORDER BY order_id`)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func scanOrders(rows *sql.Rows) ([]*domain.Order, error) {
	var out []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var side, otype, tif, status string
	var created, updated int64
	err := row.Scan(&o.OrderID, &o.Symbol, &side, &otype, &o.Quantity,
		&o.LimitPrice, &o.StopPrice, &o.TrailPercent, &tif, &o.ParentID,
		&o.OCAGroup, &o.CorrelationID, &status, &o.Filled, &o.AvgFillPrice,
		&created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Side = domain.Side(side)
	o.Type = domain.OrderType(otype)
	o.TIF = domain.TimeInForce(tif)
	o.Status = domain.OrderStatus(status)
	o.CreatedAt = time.Unix(created, 0)
	o.UpdatedAt = time.Unix(updated, 0)
	return &o, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ExecutionRepository persists fill records. exec_id uniqueness is enforced
// by the store, so replayed execDetails events are idempotent.
type ExecutionRepository struct {
	db *database.DB
}

func NewExecutionRepository(db *database.DB) (*ExecutionRepository, error) {
	r := &ExecutionRepository{db: db}
	if err := r.init(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *ExecutionRepository) init() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			exec_id      TEXT PRIMARY KEY,
			order_id     INTEGER NOT NULL,
			symbol       TEXT NOT NULL,
			side         TEXT NOT NULL,
			shares       REAL NOT NULL,
			price        REAL NOT NULL,
			cum_qty      REAL NOT NULL,
			avg_price    REAL NOT NULL,
			time         INTEGER NOT NULL,
			commission   REAL,
			realized_pnl REAL
		);
		CREATE INDEX IF NOT EXISTS idx_executions_order ON executions(order_id);
	`)
	if err != nil {
		return fmt.Errorf("init executions table: %w", err)
	}
	return nil
}

// Insert writes a fill record, ignoring replays of the same exec_id.
func (r *ExecutionRepository) Insert(e *domain.Execution) error {
	_, err := r.db.Exec(`
		INSERT INTO executions (exec_id, order_id, symbol, side, shares, price,
			cum_qty, avg_price, time, commission, realized_pnl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(exec_id) DO NOTHING`,
		e.ExecID, e.OrderID, e.Symbol, string(e.Side), e.Shares, e.Price,
		e.CumQty, e.AvgPrice, e.Time.Unix(), e.Commission, e.RealizedPnL)
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", e.ExecID, err)
	}
	return nil
}

// UpdateCommission applies a commissionReport event to its fill.
func (r *ExecutionRepository) UpdateCommission(execID string, commission, realizedPnL float64) error {
	res, err := r.db.Exec(`
		UPDATE executions SET commission = ?, realized_pnl = ? WHERE exec_id = ?`,
		commission, realizedPnL, execID)
	if err != nil {
		return fmt.Errorf("update commission %s: %w", execID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("commission for unknown exec %s", execID)
	}
	return nil
}

// ByOrder returns all fills for one order, oldest first.
func (r *ExecutionRepository) ByOrder(orderID int64) ([]*domain.Execution, error) {
	rows, err := r.db.Query(`
		SELECT exec_id, order_id, symbol, side, shares, price, cum_qty,
			avg_price, time, commission, realized_pnl
		FROM executions WHERE order_id = ? ORDER BY time`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query executions for order %d: %w", orderID, err)
	}
	defer rows.Close()

	var out []*domain.Execution
	for rows.Next() {
		var e domain.Execution
		var side string
		var ts int64
		if err := rows.Scan(&e.ExecID, &e.OrderID, &e.Symbol, &side, &e.Shares,
			&e.Price, &e.CumQty, &e.AvgPrice, &ts, &e.Commission, &e.RealizedPnL); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		e.Side = domain.Side(side)
		e.Time = time.Unix(ts, 0)
		out = append(out, &e)
	}
	return out, rows.Err()
}
