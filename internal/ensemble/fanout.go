package ensemble

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tradebridge/internal/domain"
)

// DefaultProviderTimeout bounds a single provider's scoring call.
const DefaultProviderTimeout = 45 * time.Second

// FanOut scores one request against every provider concurrently. Each task
// carries its own timeout; one task's failure or timeout never cancels the
// others. Failed or non-compliant outputs are returned with Compliant=false
// so callers can record them before aggregation drops them.
func FanOut(ctx context.Context, reg *Registry, req ScoreRequest, timeout time.Duration, log zerolog.Logger) []domain.ProviderScore {
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}

	providers := reg.Providers()
	results := make([]domain.ProviderScore, len(providers))

	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()

			taskCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			score, err := p.Score(taskCtx, req)
			score.ProviderID = p.ID()
			if err == nil {
				err = validateScore(score)
			}
			if err != nil {
				log.Warn().
					Err(err).
					Str("provider", p.ID()).
					Str("symbol", req.Symbol).
					Msg("Provider scoring failed, dropping from ensemble")
				results[i] = domain.ProviderScore{ProviderID: p.ID(), Compliant: false}
				return
			}
			score.Compliant = true
			results[i] = score
		}(i, p)
	}
	wg.Wait()

	return results
}

// Scorer ties the provider registry, weight tables and aggregation together
// and persists each result as an Evaluation.
type Scorer struct {
	registry *Registry
	weights  *WeightTable
	repo     EvaluationStore
	classify func(symbol string) domain.Regime
	timeout  time.Duration
	cfgK     float64
	minScore float64
	log      zerolog.Logger
}

// EvaluationStore is the persistence the scorer requires.
type EvaluationStore interface {
	InsertEvaluation(ev *domain.Evaluation) error
}

// ScorerConfig configures a Scorer.
type ScorerConfig struct {
	Registry      *Registry
	Weights       *WeightTable
	Store         EvaluationStore
	Classify      func(symbol string) domain.Regime // nil means always CHOP
	Timeout       time.Duration
	DisagreementK float64
	MinScore      float64
}

// NewScorer creates the ensemble scorer.
func NewScorer(cfg ScorerConfig, log zerolog.Logger) *Scorer {
	classify := cfg.Classify
	if classify == nil {
		classify = func(string) domain.Regime { return domain.RegimeChop }
	}
	return &Scorer{
		registry: cfg.Registry,
		weights:  cfg.Weights,
		repo:     cfg.Store,
		classify: classify,
		timeout:  cfg.Timeout,
		cfgK:     cfg.DisagreementK,
		minScore: cfg.MinScore,
		log:      log.With().Str("component", "ensemble").Logger(),
	}
}

// Score fans out, aggregates under the regime's weight vector, and persists
// the evaluation. alertID may be nil for ad-hoc requests. The returned
// evaluation carries the store-assigned id when persistence succeeded.
func (s *Scorer) Score(ctx context.Context, req ScoreRequest, alertID *int64) (*domain.Evaluation, error) {
	regime := s.classify(req.Symbol)
	weights := s.weights.Weights(regime)

	raw := FanOut(ctx, s.registry, req, s.timeout, s.log)

	res := Aggregate(raw, AggregateConfig{
		Weights:       weights,
		DisagreementK: s.cfgK,
		MinScore:      s.minScore,
	})

	ev := &domain.Evaluation{
		AlertID:     alertID,
		Symbol:      req.Symbol,
		Providers:   raw,
		TradeScore:  res.TradeScore,
		MedianScore: res.MedianScore,
		ExpectedRR:  res.ExpectedRR,
		Confidence:  res.Confidence,
		ScoreSpread: res.ScoreSpread,
		Penalty:     res.Penalty,
		Unanimous:   res.Unanimous,
		Majority:    res.Majority,
		ShouldTrade: res.ShouldTrade,
		Regime:      regime,
		Features:    req.Features,
		WeightsUsed: res.WeightsUsed,
		CreatedAt:   time.Now(),
	}

	if s.repo != nil {
		if err := s.repo.InsertEvaluation(ev); err != nil {
			// The in-memory evaluation is still authoritative for the caller.
			s.log.Error().Err(err).Str("symbol", req.Symbol).Msg("Failed to persist evaluation")
		}
	}

	s.log.Info().
		Str("symbol", req.Symbol).
		Str("regime", string(regime)).
		Float64("trade_score", res.TradeScore).
		Bool("should_trade", res.ShouldTrade).
		Int("compliant", res.Compliant).
		Msg("Ensemble evaluation complete")

	return ev, nil
}

// RecordOutcome feeds a realized outcome back into the regime's weights.
func (s *Scorer) RecordOutcome(ev *domain.Evaluation, realizedRR float64) {
	signs := make(map[string]int, len(ev.Providers))
	for _, p := range ev.Providers {
		if !p.Compliant {
			continue
		}
		if p.ShouldTrade {
			signs[p.ProviderID] = 1
		} else {
			signs[p.ProviderID] = -1
		}
	}
	s.weights.Update(ev.Regime, realizedRR, signs)
}

// WeightTable exposes the scorer's weight table for persistence jobs.
func (s *Scorer) WeightTable() *WeightTable {
	return s.weights
}
