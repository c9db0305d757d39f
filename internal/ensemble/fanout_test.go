package ensemble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradebridge/internal/domain"
)

// fakeProvider is a deterministic in-memory provider.
type fakeProvider struct {
	id    string
	score domain.ProviderScore
	err   error
	delay time.Duration
}

func (f *fakeProvider) ID() string { return f.id }

func (f *fakeProvider) Score(ctx context.Context, req ScoreRequest) (domain.ProviderScore, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return domain.ProviderScore{}, ctx.Err()
		}
	}
	if f.err != nil {
		return domain.ProviderScore{}, f.err
	}
	return f.score, nil
}

func TestFanOutCollectsAllProviders(t *testing.T) {
	reg := NewRegistry(
		&fakeProvider{id: "a", score: domain.ProviderScore{Score: 80, Confidence: 0.9, ShouldTrade: true}},
		&fakeProvider{id: "b", score: domain.ProviderScore{Score: 60, Confidence: 0.5}},
	)

	results := FanOut(context.Background(), reg, ScoreRequest{Symbol: "AAPL"}, time.Second, zerolog.Nop())

	require.Len(t, results, 2)
	assert.True(t, results[0].Compliant)
	assert.True(t, results[1].Compliant)
	assert.Equal(t, "a", results[0].ProviderID)
	assert.Equal(t, "b", results[1].ProviderID)
}

func TestFanOutOneFailureDoesNotCancelOthers(t *testing.T) {
	reg := NewRegistry(
		&fakeProvider{id: "bad", err: errors.New("boom")},
		&fakeProvider{id: "slow", delay: 20 * time.Millisecond, score: domain.ProviderScore{Score: 50, Confidence: 0.5}},
	)

	results := FanOut(context.Background(), reg, ScoreRequest{Symbol: "TSLA"}, time.Second, zerolog.Nop())

	require.Len(t, results, 2)
	assert.False(t, results[0].Compliant)
	assert.True(t, results[1].Compliant, "the slow provider still completes")
}

func TestFanOutTimeoutDropsProvider(t *testing.T) {
	reg := NewRegistry(
		&fakeProvider{id: "hung", delay: time.Second, score: domain.ProviderScore{Score: 90}},
		&fakeProvider{id: "fast", score: domain.ProviderScore{Score: 42, Confidence: 0.4, ShouldTrade: true}},
	)

	start := time.Now()
	results := FanOut(context.Background(), reg, ScoreRequest{Symbol: "SPY"}, 30*time.Millisecond, zerolog.Nop())

	require.Less(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, results[0].Compliant)
	assert.True(t, results[1].Compliant)
}

func TestFanOutValidationRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name  string
		score domain.ProviderScore
	}{
		{"score above 100", domain.ProviderScore{Score: 140, Confidence: 0.5}},
		{"negative score", domain.ProviderScore{Score: -1, Confidence: 0.5}},
		{"confidence above 1", domain.ProviderScore{Score: 50, Confidence: 1.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry(&fakeProvider{id: "p", score: tt.score})
			results := FanOut(context.Background(), reg, ScoreRequest{}, time.Second, zerolog.Nop())
			require.Len(t, results, 1)
			assert.False(t, results[0].Compliant)
		})
	}
}

// memStore records inserted evaluations.
type memStore struct {
	inserted []*domain.Evaluation
}

func (m *memStore) InsertEvaluation(ev *domain.Evaluation) error {
	ev.ID = int64(len(m.inserted) + 1)
	m.inserted = append(m.inserted, ev)
	return nil
}

func TestScorerScoresAndPersists(t *testing.T) {
	reg := NewRegistry(
		&fakeProvider{id: "a", score: domain.ProviderScore{Score: 80, ExpectedRR: 3, Confidence: 0.9, ShouldTrade: true}},
		&fakeProvider{id: "b", score: domain.ProviderScore{Score: 70, ExpectedRR: 2.5, Confidence: 0.8, ShouldTrade: true}},
	)
	store := &memStore{}
	scorer := NewScorer(ScorerConfig{
		Registry: reg,
		Weights:  NewWeightTable([]string{"a", "b"}, zerolog.Nop()),
		Store:    store,
		Classify: func(string) domain.Regime { return domain.RegimeTrending },
	}, zerolog.Nop())

	ev, err := scorer.Score(context.Background(), ScoreRequest{Symbol: "NVDA"}, nil)
	require.NoError(t, err)
	require.Len(t, store.inserted, 1)
	assert.Equal(t, int64(1), ev.ID)
	assert.Equal(t, domain.RegimeTrending, ev.Regime)
	assert.Equal(t, 74.99, ev.TradeScore, "equal weights: (80+70)/2 - 1.5*100/10000, rounded")
	assert.True(t, ev.ShouldTrade)
}

func TestScorerRecordOutcomeUpdatesWeights(t *testing.T) {
	weights := NewWeightTable([]string{"a", "b"}, zerolog.Nop())
	scorer := NewScorer(ScorerConfig{
		Registry: NewRegistry(),
		Weights:  weights,
	}, zerolog.Nop())

	ev := &domain.Evaluation{
		Regime: domain.RegimeChop,
		Providers: []domain.ProviderScore{
			{ProviderID: "a", ShouldTrade: true, Compliant: true},
			{ProviderID: "b", ShouldTrade: false, Compliant: true},
		},
	}
	scorer.RecordOutcome(ev, 2.0)

	after := weights.Weights(domain.RegimeChop)
	assert.Greater(t, after["a"], after["b"])
}
