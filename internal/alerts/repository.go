// Package alerts ingests external trade alerts, deduplicates them, and
// feeds the auto-evaluation worker.
package alerts

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/tradebridge/internal/database"
	"github.com/aristath/tradebridge/internal/domain"
)

// ErrDuplicate marks an alert already ingested for (symbol, alert_time).
var ErrDuplicate = errors.New("alerts: duplicate alert")

// Repository persists alerts with store-enforced deduplication.
type Repository struct {
	db *database.DB
}

func NewRepository(db *database.DB) (*Repository, error) {
	r := &Repository{db: db}
	if err := r.init(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) init() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS alerts (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol      TEXT NOT NULL,
			strategy    TEXT NOT NULL DEFAULT '',
			entry_price REAL,
			stop_price  REAL,
			shares      REAL,
			last_price  REAL,
			alert_time  INTEGER NOT NULL,
			created_at  INTEGER NOT NULL,
			UNIQUE(symbol, alert_time)
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_symbol_time ON alerts(symbol, alert_time DESC);
	`)
	if err != nil {
		return fmt.Errorf("init alerts table: %w", err)
	}
	return nil
}

// Insert writes one alert. Returns ErrDuplicate when the (symbol,
// alert_time) pair already exists; the row is never overwritten.
func (r *Repository) Insert(a *domain.Alert) error {
	a.Normalize()
	a.CreatedAt = time.Now()

	res, err := r.db.Exec(`
		INSERT INTO alerts (symbol, strategy, entry_price, stop_price, shares,
			last_price, alert_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, alert_time) DO NOTHING`,
		a.Symbol, a.Strategy, a.EntryPrice, a.StopPrice, a.Shares,
		a.LastPrice, a.AlertTime.Unix(), a.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", a.Symbol, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrDuplicate
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("alert id for %s: %w", a.Symbol, err)
	}
	a.ID = id
	return nil
}

// Recent returns the newest alerts, most recent first.
func (r *Repository) Recent(limit int) ([]*domain.Alert, error) {
	rows, err := r.db.Query(`
		SELECT id, symbol, strategy, entry_price, stop_price, shares,
			last_price, alert_time, created_at
		FROM alerts ORDER BY alert_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent alerts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Get returns one alert by id.
func (r *Repository) Get(id int64) (*domain.Alert, error) {
	row := r.db.QueryRow(`
		SELECT id, symbol, strategy, entry_price, stop_price, shares,
			last_price, alert_time, created_at
		FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %d not found", id)
	}
	return a, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*domain.Alert, error) {
	var a domain.Alert
	var alertTime, created int64
	err := row.Scan(&a.ID, &a.Symbol, &a.Strategy, &a.EntryPrice, &a.StopPrice,
		&a.Shares, &a.LastPrice, &alertTime, &created)
	if err != nil {
		return nil, err
	}
	a.AlertTime = time.Unix(alertTime, 0)
	a.CreatedAt = time.Unix(created, 0)
	return &a, nil
}
