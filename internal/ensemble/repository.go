package ensemble

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/tradebridge/internal/domain"
)

// Repository persists evaluations in the scoring database. Per-provider
// outputs and weights are stored as JSON; the feature vector is a compact
// msgpack blob since it is write-once and only read back whole.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates the evaluation repository and bootstraps its table.
func NewRepository(db *sql.DB, log zerolog.Logger) (*Repository, error) {
	r := &Repository{
		db:  db,
		log: log.With().Str("repo", "evaluation").Logger(),
	}
	if err := r.init(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) init() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS evaluations (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			alert_id     INTEGER,
			symbol       TEXT NOT NULL,
			providers    TEXT NOT NULL,
			trade_score  REAL NOT NULL,
			median_score REAL NOT NULL,
			expected_rr  REAL NOT NULL,
			confidence   REAL NOT NULL,
			score_spread REAL NOT NULL,
			penalty      REAL NOT NULL,
			unanimous    INTEGER NOT NULL,
			majority     INTEGER NOT NULL,
			should_trade INTEGER NOT NULL,
			regime       TEXT NOT NULL,
			features     BLOB,
			weights_used TEXT,
			created_at   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_evaluations_symbol ON evaluations(symbol, created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create evaluations table: %w", err)
	}
	return nil
}

// InsertEvaluation writes one evaluation and assigns its id.
func (r *Repository) InsertEvaluation(ev *domain.Evaluation) error {
	providers, err := json.Marshal(ev.Providers)
	if err != nil {
		return fmt.Errorf("failed to encode providers: %w", err)
	}
	weights, err := json.Marshal(ev.WeightsUsed)
	if err != nil {
		return fmt.Errorf("failed to encode weights: %w", err)
	}
	var features []byte
	if len(ev.Features) > 0 {
		features, err = msgpack.Marshal(ev.Features)
		if err != nil {
			return fmt.Errorf("failed to encode features: %w", err)
		}
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	res, err := r.db.Exec(`
		INSERT INTO evaluations
		(alert_id, symbol, providers, trade_score, median_score, expected_rr,
		 confidence, score_spread, penalty, unanimous, majority, should_trade,
		 regime, features, weights_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.AlertID, ev.Symbol, string(providers),
		ev.TradeScore, ev.MedianScore, ev.ExpectedRR, ev.Confidence,
		ev.ScoreSpread, ev.Penalty,
		boolInt(ev.Unanimous), boolInt(ev.Majority), boolInt(ev.ShouldTrade),
		string(ev.Regime), features, string(weights), ev.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert evaluation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read evaluation id: %w", err)
	}
	ev.ID = id
	return nil
}

// GetByID reads one evaluation.
func (r *Repository) GetByID(id int64) (*domain.Evaluation, error) {
	row := r.db.QueryRow(`
		SELECT id, alert_id, symbol, providers, trade_score, median_score,
		       expected_rr, confidence, score_spread, penalty, unanimous,
		       majority, should_trade, regime, features, weights_used, created_at
		FROM evaluations WHERE id = ?
	`, id)
	return scanEvaluation(row)
}

// Recent returns the latest evaluations, newest first.
func (r *Repository) Recent(limit int) ([]*domain.Evaluation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(`
		SELECT id, alert_id, symbol, providers, trade_score, median_score,
		       expected_rr, confidence, score_spread, penalty, unanimous,
		       majority, should_trade, regime, features, weights_used, created_at
		FROM evaluations ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query evaluations: %w", err)
	}
	defer rows.Close()

	var evals []*domain.Evaluation
	for rows.Next() {
		ev, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		evals = append(evals, ev)
	}
	return evals, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvaluation(row rowScanner) (*domain.Evaluation, error) {
	var ev domain.Evaluation
	var alertID sql.NullInt64
	var providers, weights string
	var features []byte
	var unanimous, majority, shouldTrade int
	var regime string
	var createdAt int64

	err := row.Scan(&ev.ID, &alertID, &ev.Symbol, &providers,
		&ev.TradeScore, &ev.MedianScore, &ev.ExpectedRR, &ev.Confidence,
		&ev.ScoreSpread, &ev.Penalty, &unanimous, &majority, &shouldTrade,
		&regime, &features, &weights, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan evaluation: %w", err)
	}

	if alertID.Valid {
		ev.AlertID = &alertID.Int64
	}
	if err := json.Unmarshal([]byte(providers), &ev.Providers); err != nil {
		return nil, fmt.Errorf("failed to decode providers: %w", err)
	}
	if weights != "" {
		_ = json.Unmarshal([]byte(weights), &ev.WeightsUsed)
	}
	if len(features) > 0 {
		_ = msgpack.Unmarshal(features, &ev.Features)
	}
	ev.Unanimous = unanimous != 0
	ev.Majority = majority != 0
	ev.ShouldTrade = shouldTrade != 0
	ev.Regime = domain.Regime(regime)
	ev.CreatedAt = time.Unix(createdAt, 0)
	return &ev, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
