package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/aristath/tradebridge/internal/config"
	"github.com/aristath/tradebridge/internal/domain"
	"github.com/aristath/tradebridge/internal/ensemble"
	"github.com/aristath/tradebridge/internal/events"
	"github.com/aristath/tradebridge/internal/outcomes"
	"github.com/aristath/tradebridge/internal/risk"
	"github.com/aristath/tradebridge/internal/trailing"
	"github.com/aristath/tradebridge/internal/tunnel"
)

type fakeBroker struct {
	placed    []domain.PlaceOrderRequest
	placeErr  error
	cancelled []int64
}

func (f *fakeBroker) PlaceOrder(_ context.Context, req domain.PlaceOrderRequest) (*domain.Order, error) {
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	f.placed = append(f.placed, req)
	return &domain.Order{OrderID: 1001, Symbol: req.Symbol, Status: domain.StatusSubmitted}, nil
}

func (f *fakeBroker) PlaceBracket(_ context.Context, req domain.BracketRequest) ([]*domain.Order, error) {
	return []*domain.Order{
		{OrderID: 1, Symbol: req.Symbol},
		{OrderID: 2, Symbol: req.Symbol},
		{OrderID: 3, Symbol: req.Symbol},
	}, nil
}

func (f *fakeBroker) CancelOrder(_ context.Context, id int64) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeBroker) OpenOrders(context.Context) ([]*domain.Order, error)      { return nil, nil }
func (f *fakeBroker) CompletedOrders(context.Context) ([]*domain.Order, error) { return nil, nil }

type fakeQuotes struct{}

func (fakeQuotes) Snapshot(_ context.Context, symbol string) (domain.Quote, error) {
	return domain.Quote{Symbol: symbol, Bid: 99.9, Ask: 100.1, Last: 100.0, Time: time.Now()}, nil
}

func (fakeQuotes) HistoricalTicks(_ context.Context, symbol string, count int) ([]domain.Tick, error) {
	if count < 1 {
		return nil, nil
	}
	return []domain.Tick{{Price: 100.25, Size: 200}}, nil
}

type fakeSubs struct {
	subs map[string]string
}

func (f *fakeSubs) SubscribeRealTimeBars(symbol, _ string) (string, error) {
	if f.subs == nil {
		f.subs = map[string]string{}
	}
	id := "sub-" + symbol
	f.subs[id] = symbol
	return id, nil
}

func (f *fakeSubs) Unsubscribe(id string) error {
	if _, ok := f.subs[id]; !ok {
		return errors.New("unknown subscription")
	}
	delete(f.subs, id)
	return nil
}

func (f *fakeSubs) RecentBars(string) []domain.Bar { return nil }
func (f *fakeSubs) Count() int                     { return len(f.subs) }

type fakeAlerts struct {
	ingested  []*domain.Alert
	duplicate bool
}

func (f *fakeAlerts) Ingest(a *domain.Alert) (bool, error) {
	a.Normalize()
	if a.Symbol == "" {
		return false, errors.New("symbol is required")
	}
	f.ingested = append(f.ingested, a)
	return f.duplicate, nil
}

func (f *fakeAlerts) Recent(int) ([]*domain.Alert, error) { return f.ingested, nil }
func (f *fakeAlerts) DuplicateCount() int64               { return 7 }

type fakeAutoEval struct{ on bool }

func (f *fakeAutoEval) SetEnabled(on bool) { f.on = on }
func (f *fakeAutoEval) Enabled() bool      { return f.on }

type fakeEvaluator struct{}

func (fakeEvaluator) Score(_ context.Context, req ensemble.ScoreRequest, alertID *int64) (*domain.Evaluation, error) {
	return &domain.Evaluation{ID: 42, Symbol: req.Symbol, AlertID: alertID, TradeScore: 70.94, ShouldTrade: true}, nil
}

type fakeEvalReader struct{}

func (fakeEvalReader) Recent(int) ([]*domain.Evaluation, error) { return nil, nil }
func (fakeEvalReader) GetByID(id int64) (*domain.Evaluation, error) {
	if id != 42 {
		return nil, fmt.Errorf("evaluation %d not found", id)
	}
	return &domain.Evaluation{ID: 42}, nil
}

type fakeSignals struct{}

func (fakeSignals) Recent(int) ([]*domain.Signal, error) { return nil, nil }

type fakeOutcomes struct{ recorded []*domain.Outcome }

func (f *fakeOutcomes) Record(o *domain.Outcome) error {
	f.recorded = append(f.recorded, o)
	return nil
}

type fakeJobs struct{}

func (fakeJobs) Recent(int) ([]*outcomes.AnalyticsJob, error) {
	return []*outcomes.AnalyticsJob{
		{ID: 2, Name: "weight_flush", Status: outcomes.JobCompleted},
		{ID: 1, Name: "trailing_stops", Status: outcomes.JobFailed, Detail: "gateway unreachable"},
	}, nil
}

type fakeTunnel struct{}

func (fakeTunnel) Status() tunnel.Status { return tunnel.Status{Connected: true, UptimePct: 99.5} }

type fakeConn struct{ connected bool }

func (f fakeConn) IsConnected() bool { return f.connected }

type testHarness struct {
	server  *Server
	broker  *fakeBroker
	alerts  *fakeAlerts
	bus     *events.Bus
	session *risk.Session
}

func newTestServer(t *testing.T, apiKey string) *testHarness {
	t.Helper()
	log := zerolog.Nop()
	bus := events.NewBus(log)
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	// Fixed weekday mid-session clock so admission is not hostage to the
	// wall clock of the test run.
	now := func() time.Time { return time.Date(2026, 8, 25, 11, 0, 0, 0, ny) }
	session := risk.NewSession(now, bus, log)
	gate := risk.NewGate(config.Defaults(), session, 4001, now, log)
	executor := trailing.NewExecutor(trailing.Policy{Kind: trailing.PolicyFixedPct, Pct: 2}, nil, bus, log)

	broker := &fakeBroker{}
	alerts := &fakeAlerts{}
	srv := New(Config{
		Log:           log,
		Port:          0,
		APIKey:        apiKey,
		Bus:           bus,
		Gate:          gate,
		Session:       session,
		Trailing:      executor,
		Broker:        broker,
		Conn:          fakeConn{connected: true},
		Quotes:        fakeQuotes{},
		Subscriptions: &fakeSubs{},
		Alerts:        alerts,
		AutoEval:      &fakeAutoEval{},
		Evaluator:     fakeEvaluator{},
		Evaluations:   fakeEvalReader{},
		Signals:       fakeSignals{},
		Outcomes:      &fakeOutcomes{},
		Jobs:          fakeJobs{},
		Tunnel:        fakeTunnel{},
	})
	return &testHarness{server: srv, broker: broker, alerts: alerts, bus: bus, session: session}
}

func (h *testHarness) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.server.Router().ServeHTTP(w, req)
	return w
}

func TestHealthIsPublic(t *testing.T) {
	h := newTestServer(t, "secret")
	w := h.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIKeyRequired(t *testing.T) {
	h := newTestServer(t, "secret")

	w := h.do(t, http.MethodGet, "/api/session/", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(t, http.MethodGet, "/api/session/", nil, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(t, http.MethodGet, "/api/session/", nil, map[string]string{"X-API-Key": "secret"})
	assert.Equal(t, http.StatusOK, w.Code)

	// Query-parameter fallback for browser WebSocket clients.
	w = h.do(t, http.MethodGet, "/api/session/?api_key=secret", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEmptyAPIKeyDisablesAuth(t *testing.T) {
	h := newTestServer(t, "")
	w := h.do(t, http.MethodGet, "/api/session/", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func auth() map[string]string { return map[string]string{"X-API-Key": "secret"} }

func TestPlaceOrderAdmitted(t *testing.T) {
	h := newTestServer(t, "secret")
	w := h.do(t, http.MethodPost, "/api/orders/", domain.PlaceOrderRequest{
		Symbol: "aapl", Side: domain.Buy, Type: domain.OrderMarket,
		Quantity: 100, RefPrice: floatPtr(100),
	}, auth())

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Len(t, h.broker.placed, 1)
	assert.Equal(t, "AAPL", h.broker.placed[0].Symbol)
}

func TestPlaceOrderDeniedBySizeCap(t *testing.T) {
	h := newTestServer(t, "secret")
	w := h.do(t, http.MethodPost, "/api/orders/", domain.PlaceOrderRequest{
		Symbol: "AAPL", Side: domain.Buy, Type: domain.OrderMarket,
		Quantity: 1001, RefPrice: floatPtr(10),
	}, auth())

	require.Equal(t, http.StatusForbidden, w.Code)
	var decision risk.Decision
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decision))
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "size")
	assert.Empty(t, h.broker.placed, "denied orders never reach the broker")
}

func TestPlaceOrderBrokerFailureIs502(t *testing.T) {
	h := newTestServer(t, "secret")
	h.broker.placeErr = errors.New("broker error 201: rejected")
	w := h.do(t, http.MethodPost, "/api/orders/", domain.PlaceOrderRequest{
		Symbol: "AAPL", Side: domain.Buy, Type: domain.OrderMarket,
		Quantity: 10, RefPrice: floatPtr(10),
	}, auth())
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestCancelOrderValidatesID(t *testing.T) {
	h := newTestServer(t, "secret")
	w := h.do(t, http.MethodDelete, "/api/orders/notanumber", nil, auth())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodDelete, "/api/orders/1001", nil, auth())
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int64{1001}, h.broker.cancelled)
}

func TestAlertIngestReportsDuplicates(t *testing.T) {
	h := newTestServer(t, "secret")

	w := h.do(t, http.MethodPost, "/api/alerts/", domain.Alert{Symbol: "nvda", AlertTime: time.Now()}, auth())
	require.Equal(t, http.StatusCreated, w.Code)

	h.alerts.duplicate = true
	w = h.do(t, http.MethodPost, "/api/alerts/", domain.Alert{Symbol: "nvda", AlertTime: time.Now()}, auth())
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Duplicate  bool  `json:"duplicate"`
		Duplicates int64 `json:"duplicates"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Duplicate)
	assert.Equal(t, int64(7), resp.Duplicates)
}

func TestScoreRequiresSymbol(t *testing.T) {
	h := newTestServer(t, "secret")
	w := h.do(t, http.MethodPost, "/api/evaluations/", map[string]interface{}{}, auth())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/api/evaluations/", map[string]interface{}{"symbol": "TSLA"}, auth())
	require.Equal(t, http.StatusCreated, w.Code)
	var ev domain.Evaluation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ev))
	assert.Equal(t, 70.94, ev.TradeScore)
}

func TestRiskConfigOnlyTightens(t *testing.T) {
	h := newTestServer(t, "secret")

	// Attempt to relax: cap above the default 1000 is ignored.
	w := h.do(t, http.MethodPut, "/api/risk/config", map[string]interface{}{
		"MaxOrderSize": 5000,
	}, auth())
	require.Equal(t, http.StatusOK, w.Code)
	var cfg config.RiskConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Equal(t, 1000.0, cfg.MaxOrderSize)

	// Tightening sticks.
	w = h.do(t, http.MethodPut, "/api/risk/config", map[string]interface{}{
		"MaxOrderSize": 250,
	}, auth())
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Equal(t, 250.0, cfg.MaxOrderSize)
}

func TestSessionLockUnlock(t *testing.T) {
	h := newTestServer(t, "secret")

	w := h.do(t, http.MethodPost, "/api/session/lock", map[string]string{"reason": "volatility halt"}, auth())
	require.Equal(t, http.StatusOK, w.Code)
	var snap risk.SessionSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.True(t, snap.Locked)
	assert.Equal(t, "volatility halt", snap.LockReason)

	w = h.do(t, http.MethodPost, "/api/session/unlock", nil, auth())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.False(t, snap.Locked)
}

func TestTrailingPolicyValidation(t *testing.T) {
	h := newTestServer(t, "secret")

	w := h.do(t, http.MethodPut, "/api/trailing/policy", trailing.Policy{Kind: "nonsense"}, auth())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPut, "/api/trailing/policy", trailing.Policy{
		Kind: trailing.PolicyATRMultiple, ATRMult: 2,
	}, auth())
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodGet, "/api/trailing/policy", nil, auth())
	var resp struct {
		Policy trailing.Policy `json:"policy"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, trailing.PolicyATRMultiple, resp.Policy.Kind)
}

func TestSubscriptionLifecycle(t *testing.T) {
	h := newTestServer(t, "secret")

	w := h.do(t, http.MethodPost, "/api/subscriptions/bars", map[string]string{"symbol": "spy"}, auth())
	require.Equal(t, http.StatusCreated, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "sub-SPY", resp["subscription_id"])

	w = h.do(t, http.MethodGet, "/api/subscriptions/", nil, auth())
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = h.do(t, http.MethodDelete, "/api/subscriptions/sub-SPY", nil, auth())
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodDelete, "/api/subscriptions/sub-SPY", nil, auth())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAutoEvalToggle(t *testing.T) {
	h := newTestServer(t, "secret")

	w := h.do(t, http.MethodGet, "/api/autoeval/", nil, auth())
	assert.Contains(t, w.Body.String(), `"enabled":false`)

	w = h.do(t, http.MethodPost, "/api/autoeval/", map[string]bool{"enabled": true}, auth())
	assert.Contains(t, w.Body.String(), `"enabled":true`)
}

func TestTunnelStatusEndpoint(t *testing.T) {
	h := newTestServer(t, "secret")
	w := h.do(t, http.MethodGet, "/api/tunnel/status", nil, auth())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"uptime_pct":99.5`)
}

func TestHistoricalTicksEndpoint(t *testing.T) {
	h := newTestServer(t, "secret")
	w := h.do(t, http.MethodGet, "/api/ticks/nvda?limit=5", nil, auth())
	require.Equal(t, http.StatusOK, w.Code)

	var ticks []domain.Tick
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ticks))
	require.Len(t, ticks, 1)
	assert.Equal(t, 100.25, ticks[0].Price)
}

func TestRecentJobsEndpoint(t *testing.T) {
	h := newTestServer(t, "secret")
	w := h.do(t, http.MethodGet, "/api/jobs", nil, auth())
	require.Equal(t, http.StatusOK, w.Code)

	var jobs []outcomes.AnalyticsJob
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	require.Len(t, jobs, 2)
	assert.Equal(t, "weight_flush", jobs[0].Name)
	assert.Equal(t, outcomes.JobFailed, jobs[1].Status)
}

func TestEventStreamDeliversSequencedEvents(t *testing.T) {
	h := newTestServer(t, "")
	ts := httptest.NewServer(h.server.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Wait for the client to register before publishing.
	require.Eventually(t, func() bool {
		return h.server.stream.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.bus.Publish("risk", &events.SessionStateData{Date: "2026-08-25", Locked: true})

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var event events.Event
	require.NoError(t, json.Unmarshal(data, &event))
	assert.Equal(t, events.SessionState, event.Type)
	assert.NotZero(t, event.Seq)
}

func TestEventStreamTypeFilter(t *testing.T) {
	h := newTestServer(t, "")
	ts := httptest.NewServer(h.server.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events/ws?types=tunnel_status"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return h.server.stream.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.bus.Publish("risk", &events.SessionStateData{Date: "2026-08-25"})
	h.bus.Publish("tunnel", &events.TunnelStatusData{Connected: true})

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var event events.Event
	require.NoError(t, json.Unmarshal(data, &event))
	assert.Equal(t, events.TunnelStatus, event.Type, "filtered kinds are skipped")
}

func floatPtr(v float64) *float64 { return &v }
