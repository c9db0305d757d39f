package domain

import (
	"strings"
	"time"
)

// Alert is an externally sourced notification that a symbol warrants
// evaluation. Immutable after ingest; symbols are stored upper-cased.
type Alert struct {
	ID         int64     `json:"id"`
	Symbol     string    `json:"symbol"`
	Strategy   string    `json:"strategy,omitempty"`
	EntryPrice *float64  `json:"entry_price,omitempty"`
	StopPrice  *float64  `json:"stop_price,omitempty"`
	Shares     *float64  `json:"shares,omitempty"`
	LastPrice  *float64  `json:"last_price,omitempty"`
	AlertTime  time.Time `json:"alert_time"`
	CreatedAt  time.Time `json:"created_at"`
}

// Normalize upper-cases the symbol and trims whitespace.
func (a *Alert) Normalize() {
	a.Symbol = strings.ToUpper(strings.TrimSpace(a.Symbol))
	a.Strategy = strings.TrimSpace(a.Strategy)
}

// Regime is a discrete market-state label indexing ensemble weight tables.
type Regime string

const (
	RegimeTrending Regime = "TRENDING"
	RegimeChop     Regime = "CHOP"
	RegimeVolatile Regime = "VOLATILE"
)

// Regimes lists all known regimes in a stable order.
func Regimes() []Regime {
	return []Regime{RegimeTrending, RegimeChop, RegimeVolatile}
}

// ProviderScore is one scoring provider's output for a single request.
type ProviderScore struct {
	ProviderID  string  `json:"provider_id"`
	Score       float64 `json:"score"`       // 0-100
	ExpectedRR  float64 `json:"expected_rr"` // reward-multiple
	Confidence  float64 `json:"confidence"`  // 0-1
	ShouldTrade bool    `json:"should_trade"`
	RawText     string  `json:"raw_text,omitempty"`
	Compliant   bool    `json:"compliant"`
}

// Evaluation is the persisted ensemble scoring result, keyed to an alert or
// an ad-hoc request. Immutable after write.
type Evaluation struct {
	ID          int64              `json:"id"`
	AlertID     *int64             `json:"alert_id,omitempty"`
	Symbol      string             `json:"symbol"`
	Providers   []ProviderScore    `json:"providers"`
	TradeScore  float64            `json:"trade_score"`
	MedianScore float64            `json:"median_score"`
	ExpectedRR  float64            `json:"expected_rr"`
	Confidence  float64            `json:"confidence"`
	ScoreSpread float64            `json:"score_spread"`
	Penalty     float64            `json:"penalty"`
	Unanimous   bool               `json:"unanimous"`
	Majority    bool               `json:"majority"`
	ShouldTrade bool               `json:"should_trade"`
	Regime      Regime             `json:"regime"`
	Features    map[string]float64 `json:"features,omitempty"`
	WeightsUsed map[string]float64 `json:"weights_used,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Outcome is post-trade ground truth for an evaluation. Immutable.
type Outcome struct {
	ID             int64      `json:"id"`
	EvaluationID   int64      `json:"evaluation_id"`
	TradeTaken     bool       `json:"trade_taken"`
	RealizedRR     float64    `json:"realized_rr"`
	ConfidencePctl *float64   `json:"confidence_pctl,omitempty"`
	EntryTime      *time.Time `json:"entry_time,omitempty"`
	ExitTime       *time.Time `json:"exit_time,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Signal is a persisted decision artifact linking an evaluation to a
// tradeable instruction.
type Signal struct {
	ID           int64     `json:"id"`
	EvaluationID int64     `json:"evaluation_id"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	EntryPrice   *float64  `json:"entry_price,omitempty"`
	StopPrice    *float64  `json:"stop_price,omitempty"`
	Shares       *float64  `json:"shares,omitempty"`
	TradeScore   float64   `json:"trade_score"`
	CreatedAt    time.Time `json:"created_at"`
}

// Quote is the latest consolidated tick for a symbol.
type Quote struct {
	Symbol  string    `json:"symbol"`
	Bid     float64   `json:"bid"`
	Ask     float64   `json:"ask"`
	Last    float64   `json:"last"`
	BidSize float64   `json:"bid_size"`
	AskSize float64   `json:"ask_size"`
	Volume  float64   `json:"volume"`
	Time    time.Time `json:"time"`
}

// Stale reports whether the quote is older than maxAge at the given instant.
func (q *Quote) Stale(now time.Time, maxAge time.Duration) bool {
	return q.Time.IsZero() || now.Sub(q.Time) > maxAge
}

// Tick is a single recorded trade from the historical tape.
type Tick struct {
	Time  time.Time `json:"time"`
	Price float64   `json:"price"`
	Size  float64   `json:"size"`
}

// Bar is a single real-time bar (5 s cadence from the broker).
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
	WAP    float64   `json:"wap"`
	Count  int64     `json:"count"`
}
