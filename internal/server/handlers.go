package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/tradebridge/internal/config"
	"github.com/aristath/tradebridge/internal/domain"
	"github.com/aristath/tradebridge/internal/ensemble"
	"github.com/aristath/tradebridge/internal/risk"
	"github.com/aristath/tradebridge/internal/trailing"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return false
	}
	return true
}

func limitParam(r *http.Request, fallback int) int {
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return fallback
}

// --- orders ---

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.PlaceOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}

	decision := s.cfg.Gate.Check(&req)
	if !decision.Allowed {
		s.metrics.RiskDenied()
		writeJSON(w, http.StatusForbidden, decision)
		return
	}

	order, err := s.cfg.Broker.PlaceOrder(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.metrics.OrderPlaced(string(req.Side))
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handlePlaceBracket(w http.ResponseWriter, r *http.Request) {
	var req domain.BracketRequest
	if !decodeBody(w, r, &req) {
		return
	}

	// The gate admits the bracket on its entry leg; the protective children
	// carry no independent risk.
	entry := domain.PlaceOrderRequest{
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.EntryType,
		Quantity:   req.Quantity,
		LimitPrice: req.EntryPrice,
		TIF:        req.TIF,
	}
	decision := s.cfg.Gate.Check(&entry)
	if !decision.Allowed {
		s.metrics.RiskDenied()
		writeJSON(w, http.StatusForbidden, decision)
		return
	}

	orders, err := s.cfg.Broker.PlaceBracket(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.metrics.OrderPlaced(string(req.Side))
	writeJSON(w, http.StatusCreated, orders)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	if err := s.cfg.Broker.CancelOrder(r.Context(), id); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"order_id": id, "cancel_requested": true})
}

func (s *Server) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.cfg.Broker.OpenOrders(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleCompletedOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.cfg.Broker.CompletedOrders(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// --- market data ---

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	quote, err := s.cfg.Quotes.Snapshot(r.Context(), symbol)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	writeJSON(w, http.StatusOK, s.cfg.Subscriptions.RecentBars(symbol))
}

func (s *Server) handleHistoricalTicks(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	ticks, err := s.cfg.Quotes.HistoricalTicks(r.Context(), symbol, limitParam(r, 100))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ticks)
}

func (s *Server) handleSubscriptionCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"count": s.cfg.Subscriptions.Count()})
}

func (s *Server) handleSubscribeBars(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol   string `json:"symbol"`
		Exchange string `json:"exchange,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	if req.Exchange == "" {
		req.Exchange = "SMART"
	}
	id, err := s.cfg.Subscriptions.SubscribeRealTimeBars(strings.ToUpper(req.Symbol), req.Exchange)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"subscription_id": id})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Subscriptions.Unsubscribe(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"unsubscribed": true})
}

// --- alerts ---

func (s *Server) handleIngestAlert(w http.ResponseWriter, r *http.Request) {
	var alert domain.Alert
	if !decodeBody(w, r, &alert) {
		return
	}
	duplicate, err := s.cfg.Alerts.Ingest(&alert)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]interface{}{
		"alert":      alert,
		"duplicate":  duplicate,
		"duplicates": s.cfg.Alerts.DuplicateCount(),
	})
}

func (s *Server) handleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.cfg.Alerts.Recent(limitParam(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

// --- evaluations / signals / outcomes ---

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ensemble.ScoreRequest
		AlertID *int64 `json:"alert_id,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	ev, err := s.cfg.Evaluator.Score(r.Context(), req.ScoreRequest, req.AlertID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.metrics.EvaluationDone()
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleRecentEvaluations(w http.ResponseWriter, r *http.Request) {
	evs, err := s.cfg.Evaluations.Recent(limitParam(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) handleGetEvaluation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid evaluation id")
		return
	}
	ev, err := s.cfg.Evaluations.GetByID(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleRecentSignals(w http.ResponseWriter, r *http.Request) {
	signals, err := s.cfg.Signals.Recent(limitParam(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, signals)
}

func (s *Server) handleRecentJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.cfg.Jobs.Recent(limitParam(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	var outcome domain.Outcome
	if !decodeBody(w, r, &outcome) {
		return
	}
	if outcome.EvaluationID == 0 {
		writeError(w, http.StatusBadRequest, "evaluation_id is required")
		return
	}
	if err := s.cfg.Outcomes.Record(&outcome); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, outcome)
}

// --- risk / session ---

func (s *Server) handleRiskConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Gate.Config())
}

// handleUpdateRiskConfig merges the posted values into the effective config.
// Values may only tighten; attempts to relax a cap are silently ignored by
// the merge. The resulting effective config is returned.
func (s *Server) handleUpdateRiskConfig(w http.ResponseWriter, r *http.Request) {
	var override config.RiskConfig
	if !decodeBody(w, r, &override) {
		return
	}
	s.cfg.Gate.UpdateConfig(override)
	effective := s.cfg.Gate.Config()

	if s.cfg.RiskConfigStore != nil {
		if blob, err := json.Marshal(effective); err == nil {
			if err := s.cfg.RiskConfigStore.Set(risk.OverridesKey, string(blob)); err != nil {
				s.log.Error().Err(err).Msg("Failed to persist risk overrides")
			}
		}
	}
	writeJSON(w, http.StatusOK, effective)
}

func (s *Server) handleSessionSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Session.Snapshot())
}

func (s *Server) handleSessionLock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "manual lock"
	}
	s.cfg.Session.Lock(req.Reason)
	writeJSON(w, http.StatusOK, s.cfg.Session.Snapshot())
}

func (s *Server) handleSessionUnlock(w http.ResponseWriter, r *http.Request) {
	s.cfg.Session.Unlock()
	writeJSON(w, http.StatusOK, s.cfg.Session.Snapshot())
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	s.cfg.Session.Reset()
	writeJSON(w, http.StatusOK, s.cfg.Session.Snapshot())
}

// --- trailing ---

func (s *Server) handleTrailingPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"policy":  s.cfg.Trailing.Policy(),
		"running": s.cfg.Trailing.Running(),
	})
}

func (s *Server) handleSetTrailingPolicy(w http.ResponseWriter, r *http.Request) {
	var policy trailing.Policy
	if !decodeBody(w, r, &policy) {
		return
	}
	if err := s.cfg.Trailing.SetPolicy(policy); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Trailing.Policy())
}

func (s *Server) handleTrailingPositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Trailing.Positions())
}

func (s *Server) handleTrailingProcess(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Trailing.ProcessTrailingStops(r.Context()))
}

func (s *Server) handleTrailingStart(w http.ResponseWriter, r *http.Request) {
	s.cfg.Trailing.Start()
	writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

func (s *Server) handleTrailingStop(w http.ResponseWriter, r *http.Request) {
	s.cfg.Trailing.Stop()
	writeJSON(w, http.StatusOK, map[string]bool{"running": false})
}

// --- auto-eval / tunnel ---

func (s *Server) handleAutoEvalState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.cfg.AutoEval.Enabled()})
}

func (s *Server) handleSetAutoEval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	s.cfg.AutoEval.SetEnabled(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.cfg.AutoEval.Enabled()})
}

func (s *Server) handleTunnelStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Tunnel.Status())
}
