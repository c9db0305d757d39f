package ensemble

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/tradebridge/internal/domain"
)

// WeightTable holds one weight vector per market regime, updated by Bayesian
// posterior reweighting from trade outcomes. Weights are always non-negative
// and sum to 1 per regime.
type WeightTable struct {
	mu        sync.RWMutex
	providers []string
	tables    map[domain.Regime]map[string]float64
	dirty     bool
	log       zerolog.Logger
}

// NewWeightTable creates a table with uniform 1/K priors for every regime.
func NewWeightTable(providers []string, log zerolog.Logger) *WeightTable {
	w := &WeightTable{
		providers: append([]string(nil), providers...),
		log:       log.With().Str("component", "weight_table").Logger(),
	}
	w.tables = w.uniform()
	return w
}

func (w *WeightTable) uniform() map[domain.Regime]map[string]float64 {
	tables := make(map[domain.Regime]map[string]float64, len(domain.Regimes()))
	k := float64(len(w.providers))
	for _, regime := range domain.Regimes() {
		row := make(map[string]float64, len(w.providers))
		for _, p := range w.providers {
			if k > 0 {
				row[p] = 1 / k
			}
		}
		tables[regime] = row
	}
	return tables
}

// Weights returns a copy of the weight vector for a regime.
func (w *WeightTable) Weights(regime domain.Regime) map[string]float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	row := w.tables[regime]
	out := make(map[string]float64, len(row))
	for p, v := range row {
		out[p] = v
	}
	return out
}

// Update applies one outcome to a regime's weight vector.
//
// For each provider p: credit_p = max(0, sign_p * realizedRR) when the trade
// won (realizedRR > 0), otherwise 0. Posterior_p ∝ prior_p * (1 + credit_p),
// then normalized. Losing trades contribute no positive credit, so when all
// signs are identical the relative balance is unchanged.
//
// signs maps provider id to -1, 0 or +1: whether the provider's vote agreed
// with the realized direction.
func (w *WeightTable) Update(regime domain.Regime, realizedRR float64, signs map[string]int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	row := w.tables[regime]
	if len(row) == 0 {
		return
	}

	var sum float64
	for p, prior := range row {
		credit := 0.0
		if realizedRR > 0 {
			c := float64(signs[p]) * realizedRR
			if c > 0 {
				credit = c
			}
		}
		row[p] = prior * (1 + credit)
		sum += row[p]
	}
	if sum <= 0 {
		return
	}
	for p := range row {
		row[p] /= sum
	}
	w.dirty = true
}

// weightState is the serialized form.
type weightState struct {
	Providers []string                             `json:"providers"`
	Tables    map[domain.Regime]map[string]float64 `json:"tables"`
}

// MarshalString serializes the table for persistence.
func (w *WeightTable) MarshalString() (string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	b, err := json.Marshal(weightState{Providers: w.providers, Tables: w.tables})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// LoadString hydrates the table from a persisted string. Malformed input
// silently resets to uniform priors; the stored state is best-effort.
func (w *WeightTable) LoadString(s string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var state weightState
	if err := json.Unmarshal([]byte(s), &state); err != nil || !w.stateValid(state) {
		w.log.Warn().Msg("Malformed weight state, resetting to uniform priors")
		w.tables = w.uniform()
		w.dirty = false
		return
	}
	w.tables = state.Tables
	w.dirty = false
}

// stateValid checks that a deserialized state covers the configured
// providers with non-negative weights.
func (w *WeightTable) stateValid(state weightState) bool {
	if len(state.Tables) == 0 {
		return false
	}
	for _, regime := range domain.Regimes() {
		row, ok := state.Tables[regime]
		if !ok || len(row) != len(w.providers) {
			return false
		}
		for _, p := range w.providers {
			v, ok := row[p]
			if !ok || v < 0 {
				return false
			}
		}
	}
	return true
}

// Dirty reports whether the table changed since the last Load/FlushMark.
func (w *WeightTable) Dirty() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.dirty
}

// MarkFlushed clears the dirty flag after a successful persist.
func (w *WeightTable) MarkFlushed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dirty = false
}
