// Package outcomes stores post-trade ground truth and the signals that led
// to it, and feeds realized results back into the ensemble weights.
package outcomes

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/tradebridge/internal/database"
	"github.com/aristath/tradebridge/internal/domain"
)

// Repository persists outcomes in the scoring store.
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
		CREATE TABLE IF NOT EXISTS outcomes (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			evaluation_id   INTEGER NOT NULL,
			trade_taken     INTEGER NOT NULL,
			realized_rr     REAL NOT NULL,
			confidence_pctl REAL,
			entry_time      INTEGER,
			exit_time       INTEGER,
			created_at      INTEGER NOT NULL,
			UNIQUE(evaluation_id)
		);
	`)
	if err != nil {
		return fmt.Errorf("init outcomes table: %w", err)
	}
	return nil
}

// Insert writes one outcome. An evaluation gets at most one outcome; a
// second insert for the same evaluation fails.
func (r *Repository) Insert(o *domain.Outcome) error {
	o.CreatedAt = time.Now()
	var entry, exit *int64
	if o.EntryTime != nil {
		v := o.EntryTime.Unix()
		entry = &v
	}
	if o.ExitTime != nil {
		v := o.ExitTime.Unix()
		exit = &v
	}

	res, err := r.db.Exec(`
		INSERT INTO outcomes (evaluation_id, trade_taken, realized_rr,
			confidence_pctl, entry_time, exit_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.EvaluationID, boolInt(o.TradeTaken), o.RealizedRR,
		o.ConfidencePctl, entry, exit, o.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert outcome for evaluation %d: %w", o.EvaluationID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("outcome id: %w", err)
	}
	o.ID = id
	return nil
}

// ByEvaluation returns the outcome for one evaluation, if recorded.
func (r *Repository) ByEvaluation(evaluationID int64) (*domain.Outcome, error) {
	row := r.db.QueryRow(`
		SELECT id, evaluation_id, trade_taken, realized_rr, confidence_pctl,
			entry_time, exit_time, created_at
		FROM outcomes WHERE evaluation_id = ?`, evaluationID)

	var o domain.Outcome
	var taken int
	var entry, exit *int64
	var created int64
	err := row.Scan(&o.ID, &o.EvaluationID, &taken, &o.RealizedRR,
		&o.ConfidencePctl, &entry, &exit, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan outcome: %w", err)
	}
	o.TradeTaken = taken != 0
	if entry != nil {
		t := time.Unix(*entry, 0)
		o.EntryTime = &t
	}
	if exit != nil {
		t := time.Unix(*exit, 0)
		o.ExitTime = &t
	}
	o.CreatedAt = time.Unix(created, 0)
	return &o, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
