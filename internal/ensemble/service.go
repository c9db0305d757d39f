package ensemble

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aristath/tradebridge/internal/domain"
	"github.com/aristath/tradebridge/internal/events"
)

// SignalStore persists decision artifacts derived from evaluations.
type SignalStore interface {
	Insert(s *domain.Signal) error
}

// Service wraps the scorer with wire-facing side effects: evaluation events,
// and a persisted signal whenever an evaluation clears the trade threshold.
type Service struct {
	scorer  *Scorer
	signals SignalStore
	bus     *events.Bus
	log     zerolog.Logger
}

func NewService(scorer *Scorer, signals SignalStore, bus *events.Bus, log zerolog.Logger) *Service {
	return &Service{
		scorer:  scorer,
		signals: signals,
		bus:     bus,
		log:     log.With().Str("component", "ensemble_service").Logger(),
	}
}

// Score runs one ensemble evaluation and fans out the results.
func (s *Service) Score(ctx context.Context, req ScoreRequest, alertID *int64) (*domain.Evaluation, error) {
	ev, err := s.scorer.Score(ctx, req, alertID)
	if err != nil {
		return nil, err
	}

	if s.bus != nil {
		s.bus.Publish("ensemble", events.EvaluationDataFrom(ev))
	}

	if ev.ShouldTrade {
		s.emitSignal(ev)
	}
	return ev, nil
}

// emitSignal persists the tradeable instruction an evaluation produced. The
// side is inferred from the alert geometry: a stop below entry protects a
// long, a stop above protects a short.
func (s *Service) emitSignal(ev *domain.Evaluation) {
	if s.signals == nil {
		return
	}

	sig := &domain.Signal{
		EvaluationID: ev.ID,
		Symbol:       ev.Symbol,
		Side:         domain.Buy,
		TradeScore:   ev.TradeScore,
	}
	if entry, ok := ev.Features["entry"]; ok {
		v := entry
		sig.EntryPrice = &v
		if stop, ok := ev.Features["stop"]; ok {
			w := stop
			sig.StopPrice = &w
			if stop > entry {
				sig.Side = domain.Sell
			}
		}
	}
	if shares, ok := ev.Features["shares"]; ok {
		v := shares
		sig.Shares = &v
	}

	if err := s.signals.Insert(sig); err != nil {
		s.log.Error().Err(err).Str("symbol", ev.Symbol).Msg("Failed to persist signal")
		return
	}

	if s.bus != nil {
		s.bus.Publish("ensemble", &events.SignalData{
			SignalID:     sig.ID,
			EvaluationID: ev.ID,
			Symbol:       ev.Symbol,
			Side:         string(sig.Side),
			TradeScore:   ev.TradeScore,
		})
	}
}

// RecordOutcome proxies to the scorer so the service satisfies the learner
// surface end to end.
func (s *Service) RecordOutcome(ev *domain.Evaluation, realizedRR float64) {
	s.scorer.RecordOutcome(ev, realizedRR)
}

// WeightTable exposes the underlying weight table for persistence jobs.
func (s *Service) WeightTable() *WeightTable {
	return s.scorer.WeightTable()
}
