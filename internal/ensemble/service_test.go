package ensemble

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradebridge/internal/domain"
	"github.com/aristath/tradebridge/internal/events"
)

type memSignals struct {
	inserted []*domain.Signal
}

func (m *memSignals) Insert(s *domain.Signal) error {
	s.ID = int64(len(m.inserted) + 1)
	m.inserted = append(m.inserted, s)
	return nil
}

func newServiceForTest(signals SignalStore, bus *events.Bus, providers ...Provider) *Service {
	reg := NewRegistry(providers...)
	scorer := NewScorer(ScorerConfig{
		Registry: reg,
		Weights:  NewWeightTable(reg.IDs(), zerolog.Nop()),
		Timeout:  time.Second,
	}, zerolog.Nop())
	return NewService(scorer, signals, bus, zerolog.Nop())
}

func TestServiceEmitsSignalForTradeableEvaluation(t *testing.T) {
	signals := &memSignals{}
	bus := events.NewBus(zerolog.Nop())

	var seen []events.EventType
	bus.SubscribeAll(func(e *events.Event) { seen = append(seen, e.Type) })

	svc := newServiceForTest(signals, bus,
		&fakeProvider{id: "a", score: domain.ProviderScore{Score: 85, ExpectedRR: 3, Confidence: 0.9, ShouldTrade: true}},
		&fakeProvider{id: "b", score: domain.ProviderScore{Score: 78, ExpectedRR: 2.5, Confidence: 0.8, ShouldTrade: true}},
	)

	ev, err := svc.Score(context.Background(), ScoreRequest{
		Symbol:   "NVDA",
		Features: map[string]float64{"entry": 120, "stop": 117, "shares": 50},
	}, nil)
	require.NoError(t, err)
	require.True(t, ev.ShouldTrade)

	require.Len(t, signals.inserted, 1)
	sig := signals.inserted[0]
	assert.Equal(t, "NVDA", sig.Symbol)
	assert.Equal(t, domain.Buy, sig.Side, "stop below entry means long")
	assert.Equal(t, 120.0, *sig.EntryPrice)
	assert.Equal(t, 117.0, *sig.StopPrice)
	assert.Equal(t, 50.0, *sig.Shares)

	assert.Contains(t, seen, events.EvaluationDone)
	assert.Contains(t, seen, events.SignalCreated)
}

func TestServiceInfersShortFromStopAboveEntry(t *testing.T) {
	signals := &memSignals{}
	svc := newServiceForTest(signals, nil,
		&fakeProvider{id: "a", score: domain.ProviderScore{Score: 85, ExpectedRR: 3, Confidence: 0.9, ShouldTrade: true}},
	)

	_, err := svc.Score(context.Background(), ScoreRequest{
		Symbol:   "TSLA",
		Features: map[string]float64{"entry": 200, "stop": 205},
	}, nil)
	require.NoError(t, err)
	require.Len(t, signals.inserted, 1)
	assert.Equal(t, domain.Sell, signals.inserted[0].Side)
}

func TestServiceSkipsSignalBelowThreshold(t *testing.T) {
	signals := &memSignals{}
	bus := events.NewBus(zerolog.Nop())

	var seen []events.EventType
	bus.SubscribeAll(func(e *events.Event) { seen = append(seen, e.Type) })

	svc := newServiceForTest(signals, bus,
		&fakeProvider{id: "a", score: domain.ProviderScore{Score: 20, Confidence: 0.4}},
	)

	ev, err := svc.Score(context.Background(), ScoreRequest{Symbol: "AAPL"}, nil)
	require.NoError(t, err)
	require.False(t, ev.ShouldTrade)

	assert.Empty(t, signals.inserted, "no signal without a tradeable score")
	assert.Contains(t, seen, events.EvaluationDone, "evaluations always publish")
	assert.NotContains(t, seen, events.SignalCreated)
}
