package alerts

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradebridge/internal/database"
	"github.com/aristath/tradebridge/internal/domain"
	"github.com/aristath/tradebridge/internal/ensemble"
	"github.com/aristath/tradebridge/internal/events"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "trading.db"),
		Profile: database.ProfileLedger,
		Name:    "trading",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := NewRepository(db)
	require.NoError(t, err)
	return repo
}

func sampleAlert(symbol string, at time.Time) *domain.Alert {
	entry := 187.5
	stop := 184.0
	return &domain.Alert{
		Symbol:     symbol,
		Strategy:   "orb-breakout",
		EntryPrice: &entry,
		StopPrice:  &stop,
		AlertTime:  at,
	}
}

func TestInsertNormalizesSymbol(t *testing.T) {
	repo := testRepo(t)

	a := sampleAlert(" aapl ", time.Now())
	require.NoError(t, repo.Insert(a))
	assert.Equal(t, "AAPL", a.Symbol)
	assert.NotZero(t, a.ID)
}

func TestDuplicateIngestInsertsOnceAndCounts(t *testing.T) {
	repo := testRepo(t)
	bus := events.NewBus(zerolog.Nop())
	svc := NewService(repo, bus, zerolog.Nop())

	at := time.Date(2025, 6, 3, 10, 15, 0, 0, time.UTC)
	dup, err := svc.Ingest(sampleAlert("AAPL", at))
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = svc.Ingest(sampleAlert("AAPL", at))
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, int64(1), svc.DuplicateCount())

	recent, err := repo.Recent(10)
	require.NoError(t, err)
	assert.Len(t, recent, 1, "duplicate never creates a second row")

	// Same symbol at a different time is a new alert.
	dup, err = svc.Ingest(sampleAlert("AAPL", at.Add(time.Minute)))
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestIngestPublishesAlertEvent(t *testing.T) {
	repo := testRepo(t)
	bus := events.NewBus(zerolog.Nop())

	var got []*events.AlertData
	bus.Subscribe(events.AlertIngested, func(e *events.Event) {
		got = append(got, e.Data.(*events.AlertData))
	})

	svc := NewService(repo, bus, zerolog.Nop())
	_, err := svc.Ingest(sampleAlert("NVDA", time.Now()))
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "NVDA", got[0].Symbol)
	assert.Equal(t, "orb-breakout", got[0].Strategy)
}

// countingEvaluator records scoring calls.
type countingEvaluator struct {
	mu    sync.Mutex
	calls []string
}

func (e *countingEvaluator) Score(_ context.Context, req ensemble.ScoreRequest, alertID *int64) (*domain.Evaluation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, req.Symbol)
	return &domain.Evaluation{ID: int64(len(e.calls)), Symbol: req.Symbol, AlertID: alertID}, nil
}

func (e *countingEvaluator) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func TestAutoEvalScoresNewAlerts(t *testing.T) {
	repo := testRepo(t)
	bus := events.NewBus(zerolog.Nop())
	svc := NewService(repo, bus, zerolog.Nop())
	evaluator := &countingEvaluator{}
	worker := NewAutoEval(repo, evaluator, bus, zerolog.Nop())
	worker.SetEnabled(true)

	_, err := svc.Ingest(sampleAlert("AAPL", time.Now()))
	require.NoError(t, err)
	worker.Wait()

	assert.Equal(t, 1, evaluator.count())
}

func TestAutoEvalDisabledByDefault(t *testing.T) {
	repo := testRepo(t)
	bus := events.NewBus(zerolog.Nop())
	svc := NewService(repo, bus, zerolog.Nop())
	evaluator := &countingEvaluator{}
	worker := NewAutoEval(repo, evaluator, bus, zerolog.Nop())

	_, err := svc.Ingest(sampleAlert("AAPL", time.Now()))
	require.NoError(t, err)
	worker.Wait()

	assert.Equal(t, 0, evaluator.count())
}

func TestAutoEvalDedupeWindow(t *testing.T) {
	repo := testRepo(t)
	bus := events.NewBus(zerolog.Nop())
	svc := NewService(repo, bus, zerolog.Nop())
	evaluator := &countingEvaluator{}
	worker := NewAutoEval(repo, evaluator, bus, zerolog.Nop())
	worker.SetEnabled(true)

	clock := time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC)
	worker.now = func() time.Time { return clock }

	at := time.Now()
	_, err := svc.Ingest(sampleAlert("AAPL", at))
	require.NoError(t, err)
	_, err = svc.Ingest(sampleAlert("AAPL", at.Add(time.Minute)))
	require.NoError(t, err)
	worker.Wait()
	assert.Equal(t, 1, evaluator.count(), "same (symbol, strategy) within the window scores once")

	// A different strategy is a different setup.
	other := sampleAlert("AAPL", at.Add(2*time.Minute))
	other.Strategy = "vwap-reclaim"
	_, err = svc.Ingest(other)
	require.NoError(t, err)
	worker.Wait()
	assert.Equal(t, 2, evaluator.count())

	// Past the window the same setup scores again.
	clock = clock.Add(11 * time.Minute)
	_, err = svc.Ingest(sampleAlert("AAPL", at.Add(20*time.Minute)))
	require.NoError(t, err)
	worker.Wait()
	assert.Equal(t, 3, evaluator.count())
}
