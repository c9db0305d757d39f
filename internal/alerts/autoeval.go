package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/aristath/tradebridge/internal/domain"
	"github.com/aristath/tradebridge/internal/ensemble"
	"github.com/aristath/tradebridge/internal/events"
)

const (
	defaultEvalConcurrency = 2
	defaultDedupeWindow    = 10 * time.Minute
)

// Evaluator scores one alert through the ensemble.
type Evaluator interface {
	Score(ctx context.Context, req ensemble.ScoreRequest, alertID *int64) (*domain.Evaluation, error)
}

// AutoEval scores freshly ingested alerts in the background. A semaphore
// caps concurrent scoring runs; a per-(symbol, strategy) window drops
// alerts re-fired for the same setup within the dedupe horizon.
type AutoEval struct {
	repo      *Repository
	evaluator Evaluator
	sem       *semaphore.Weighted
	window    time.Duration
	log       zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	enabled  bool
	lastEval map[dedupeKey]time.Time
	wg       sync.WaitGroup
}

type dedupeKey struct {
	symbol   string
	strategy string
}

func NewAutoEval(repo *Repository, evaluator Evaluator, bus *events.Bus, log zerolog.Logger) *AutoEval {
	w := &AutoEval{
		repo:      repo,
		evaluator: evaluator,
		sem:       semaphore.NewWeighted(defaultEvalConcurrency),
		window:    defaultDedupeWindow,
		lastEval:  make(map[dedupeKey]time.Time),
		log:       log.With().Str("component", "auto_eval").Logger(),
		now:       time.Now,
	}
	bus.Subscribe(events.AlertIngested, func(e *events.Event) {
		data := e.Data.(*events.AlertData)
		w.onAlert(data.AlertID, data.Symbol, data.Strategy)
	})
	return w
}

// SetEnabled toggles the worker. Disabled is the safe default: scoring
// spends provider credits.
func (w *AutoEval) SetEnabled(on bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enabled = on
}

// Enabled reports the toggle.
func (w *AutoEval) Enabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enabled
}

// onAlert decides whether this alert deserves a scoring run and launches it.
func (w *AutoEval) onAlert(alertID int64, symbol, strategy string) {
	w.mu.Lock()
	if !w.enabled {
		w.mu.Unlock()
		return
	}
	key := dedupeKey{symbol: symbol, strategy: strategy}
	now := w.now()
	if last, ok := w.lastEval[key]; ok && now.Sub(last) < w.window {
		w.mu.Unlock()
		w.log.Debug().Str("symbol", symbol).Str("strategy", strategy).Msg("Alert within dedupe window, skipped")
		return
	}
	w.lastEval[key] = now
	w.mu.Unlock()

	w.wg.Add(1)
	go w.evaluate(alertID, symbol)
}

func (w *AutoEval) evaluate(alertID int64, symbol string) {
	defer w.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := w.sem.Acquire(ctx, 1); err != nil {
		w.log.Warn().Err(err).Int64("alert_id", alertID).Msg("Auto-eval slot never freed, dropping")
		return
	}
	defer w.sem.Release(1)

	alert, err := w.repo.Get(alertID)
	if err != nil {
		w.log.Error().Err(err).Int64("alert_id", alertID).Msg("Auto-eval alert lookup failed")
		return
	}

	req := ensemble.ScoreRequest{Symbol: symbol, Features: alertFeatures(alert)}
	ev, err := w.evaluator.Score(ctx, req, &alertID)
	if err != nil {
		w.log.Error().Err(err).Int64("alert_id", alertID).Msg("Auto-eval scoring failed")
		return
	}
	w.log.Info().
		Int64("alert_id", alertID).
		Int64("evaluation_id", ev.ID).
		Float64("trade_score", ev.TradeScore).
		Bool("should_trade", ev.ShouldTrade).
		Msg("Auto-eval complete")
}

// Wait blocks until in-flight evaluations finish. Used at shutdown and in
// tests.
func (w *AutoEval) Wait() {
	w.wg.Wait()
}

// alertFeatures lifts the alert's numeric fields into the feature vector.
func alertFeatures(a *domain.Alert) map[string]float64 {
	features := make(map[string]float64)
	if a.EntryPrice != nil {
		features["entry_price"] = *a.EntryPrice
	}
	if a.StopPrice != nil {
		features["stop_price"] = *a.StopPrice
	}
	if a.LastPrice != nil {
		features["last_price"] = *a.LastPrice
	}
	if a.Shares != nil {
		features["shares"] = *a.Shares
	}
	if a.EntryPrice != nil && a.StopPrice != nil && *a.EntryPrice != 0 {
		features["risk_pct"] = (*a.EntryPrice - *a.StopPrice) / *a.EntryPrice
	}
	return features
}
