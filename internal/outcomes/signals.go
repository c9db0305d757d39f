package outcomes

import (
	"fmt"
	"time"

	"github.com/aristath/tradebridge/internal/database"
	"github.com/aristath/tradebridge/internal/domain"
)

// SignalRepository persists decision artifacts: the tradeable instruction an
// evaluation produced.
type SignalRepository struct {
	db *database.DB
}

func NewSignalRepository(db *database.DB) (*SignalRepository, error) {
	r := &SignalRepository{db: db}
	if err := r.init(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SignalRepository) init() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS signals (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			evaluation_id INTEGER NOT NULL,
			symbol        TEXT NOT NULL,
			side          TEXT NOT NULL,
			entry_price   REAL,
			stop_price    REAL,
			shares        REAL,
			trade_score   REAL NOT NULL,
			created_at    INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_signals_created ON signals(created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("init signals table: %w", err)
	}
	return nil
}

// Insert writes one signal.
func (r *SignalRepository) Insert(s *domain.Signal) error {
	s.CreatedAt = time.Now()
	res, err := r.db.Exec(`
		INSERT INTO signals (evaluation_id, symbol, side, entry_price,
			stop_price, shares, trade_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.EvaluationID, s.Symbol, string(s.Side), s.EntryPrice,
		s.StopPrice, s.Shares, s.TradeScore, s.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert signal for %s: %w", s.Symbol, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("signal id: %w", err)
	}
	s.ID = id
	return nil
}

// Recent returns the newest signals, most recent first.
func (r *SignalRepository) Recent(limit int) ([]*domain.Signal, error) {
	rows, err := r.db.Query(`
		SELECT id, evaluation_id, symbol, side, entry_price, stop_price,
			shares, trade_score, created_at
		FROM signals ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent signals: %w", err)
	}
	defer rows.Close()

	var out []*domain.Signal
	for rows.Next() {
		var s domain.Signal
		var side string
		var created int64
		if err := rows.Scan(&s.ID, &s.EvaluationID, &s.Symbol, &side,
			&s.EntryPrice, &s.StopPrice, &s.Shares, &s.TradeScore, &created); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		s.Side = domain.Side(side)
		s.CreatedAt = time.Unix(created, 0)
		out = append(out, &s)
	}
	return out, rows.Err()
}
