// Package ensemble implements multi-provider scoring: parallel fan-out to
// LLM scoring providers, weighted aggregation with a disagreement penalty,
// and regime-indexed Bayesian weight updates.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/aristath/tradebridge/internal/domain"
)

// ScoreRequest is one scoring request fanned out to all providers.
type ScoreRequest struct {
	Symbol   string             `json:"symbol"`
	Features map[string]float64 `json:"features,omitempty"`
	Prompt   string             `json:"prompt,omitempty"`
}

// Provider is the single capability the aggregator sees. Implementations are
// substitutable: GPT-class, Claude-class, Gemini-class, or test fakes.
type Provider interface {
	ID() string
	Score(ctx context.Context, req ScoreRequest) (domain.ProviderScore, error)
}

// ErrNonCompliant marks a provider reply that failed validation. Such
// replies are dropped before aggregation, never surfaced.
var ErrNonCompliant = errors.New("non-compliant provider output")

// validateScore checks a provider reply against the protocol ranges.
func validateScore(s domain.ProviderScore) error {
	if math.IsNaN(s.Score) || s.Score < 0 || s.Score > 100 {
		return fmt.Errorf("%w: score %v out of [0,100]", ErrNonCompliant, s.Score)
	}
	if math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v out of [0,1]", ErrNonCompliant, s.Confidence)
	}
	if math.IsNaN(s.ExpectedRR) || math.IsInf(s.ExpectedRR, 0) {
		return fmt.Errorf("%w: expected_rr %v not finite", ErrNonCompliant, s.ExpectedRR)
	}
	return nil
}

// Registry supplies the configured providers in a stable order.
type Registry struct {
	providers []Provider
}

// NewRegistry creates a provider registry. Order is preserved; aggregation
// is deterministic in provider-id order after collection regardless.
func NewRegistry(providers ...Provider) *Registry {
	return &Registry{providers: providers}
}

// Providers returns the registered providers.
func (r *Registry) Providers() []Provider {
	return r.providers
}

// IDs returns the registered provider ids in registration order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.providers))
	for i, p := range r.providers {
		ids[i] = p.ID()
	}
	return ids
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	return len(r.providers)
}
