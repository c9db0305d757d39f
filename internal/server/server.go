// Package server provides the HTTP and WebSocket surface of the bridge.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/tradebridge/internal/domain"
	"github.com/aristath/tradebridge/internal/ensemble"
	"github.com/aristath/tradebridge/internal/events"
	"github.com/aristath/tradebridge/internal/outcomes"
	"github.com/aristath/tradebridge/internal/risk"
	"github.com/aristath/tradebridge/internal/trailing"
	"github.com/aristath/tradebridge/internal/tunnel"
)

// Broker is the slice of the IBKR client the order handlers need.
type Broker interface {
	PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (*domain.Order, error)
	PlaceBracket(ctx context.Context, req domain.BracketRequest) ([]*domain.Order, error)
	CancelOrder(ctx context.Context, orderID int64) error
	OpenOrders(ctx context.Context) ([]*domain.Order, error)
	CompletedOrders(ctx context.Context) ([]*domain.Order, error)
}

// QuoteSource serves market-data snapshots and the historical tape.
type QuoteSource interface {
	Snapshot(ctx context.Context, symbol string) (domain.Quote, error)
	HistoricalTicks(ctx context.Context, symbol string, count int) ([]domain.Tick, error)
}

// BarSubscriptions is the slice of the subscription registry the handlers
// expose over REST.
type BarSubscriptions interface {
	SubscribeRealTimeBars(symbol, exchange string) (string, error)
	Unsubscribe(id string) error
	RecentBars(symbol string) []domain.Bar
	Count() int
}

// Evaluator scores one request through the ensemble.
type Evaluator interface {
	Score(ctx context.Context, req ensemble.ScoreRequest, alertID *int64) (*domain.Evaluation, error)
}

// EvaluationReader reads persisted evaluations.
type EvaluationReader interface {
	Recent(limit int) ([]*domain.Evaluation, error)
	GetByID(id int64) (*domain.Evaluation, error)
}

// SignalReader reads persisted signals.
type SignalReader interface {
	Recent(limit int) ([]*domain.Signal, error)
}

// OutcomeRecorder records post-trade ground truth.
type OutcomeRecorder interface {
	Record(o *domain.Outcome) error
}

// JobHistory reads recorded background-job runs.
type JobHistory interface {
	Recent(limit int) ([]*outcomes.AnalyticsJob, error)
}

// AlertIngestor is the alert service surface.
type AlertIngestor interface {
	Ingest(a *domain.Alert) (duplicate bool, err error)
	Recent(limit int) ([]*domain.Alert, error)
	DuplicateCount() int64
}

// AutoEvalToggle controls the background auto-evaluation worker.
type AutoEvalToggle interface {
	SetEnabled(on bool)
	Enabled() bool
}

// TunnelReporter reports tunnel health.
type TunnelReporter interface {
	Status() tunnel.Status
}

// ConnectionReporter reports broker connectivity.
type ConnectionReporter interface {
	IsConnected() bool
}

// Config holds server wiring.
type Config struct {
	Log     zerolog.Logger
	Port    int
	APIKey  string
	DevMode bool

	Bus      *events.Bus
	Metrics  *Metrics
	Gate     *risk.Gate
	Session  *risk.Session
	Trailing *trailing.Executor

	Broker        Broker
	Conn          ConnectionReporter
	Quotes        QuoteSource
	Subscriptions BarSubscriptions
	Alerts        AlertIngestor
	AutoEval      AutoEvalToggle
	Evaluator     Evaluator
	Evaluations   EvaluationReader
	Signals       SignalReader
	Outcomes      OutcomeRecorder
	Jobs          JobHistory
	Tunnel        TunnelReporter

	RiskConfigStore *risk.ConfigRepository
}

// Server is the HTTP server.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	log     zerolog.Logger
	cfg     Config
	metrics *Metrics
	stream  *EventStream
	started time.Time
}

// New creates the server and mounts all routes.
func New(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	s := &Server{
		router:  chi.NewRouter(),
		log:     cfg.Log.With().Str("component", "server").Logger(),
		cfg:     cfg,
		metrics: cfg.Metrics,
		stream:  NewEventStream(cfg.Bus, cfg.Metrics, cfg.Log),
		started: time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if !s.cfg.DevMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Use(s.apiKeyMiddleware)

		// Event stream must bypass the HTTP write timeout budget; the ws
		// handler manages its own deadlines.
		r.Get("/events/ws", s.stream.ServeHTTP)

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", s.handlePlaceOrder)
			r.Post("/bracket", s.handlePlaceBracket)
			r.Delete("/{orderID}", s.handleCancelOrder)
			r.Get("/open", s.handleOpenOrders)
			r.Get("/completed", s.handleCompletedOrders)
		})

		r.Get("/quotes/{symbol}", s.handleQuote)
		r.Get("/bars/{symbol}", s.handleBars)
		r.Get("/ticks/{symbol}", s.handleHistoricalTicks)

		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/", s.handleSubscriptionCount)
			r.Post("/bars", s.handleSubscribeBars)
			r.Delete("/{id}", s.handleUnsubscribe)
		})

		r.Route("/alerts", func(r chi.Router) {
			r.Post("/", s.handleIngestAlert)
			r.Get("/", s.handleRecentAlerts)
		})

		r.Route("/evaluations", func(r chi.Router) {
			r.Post("/", s.handleScore)
			r.Get("/", s.handleRecentEvaluations)
			r.Get("/{id}", s.handleGetEvaluation)
		})

		r.Get("/signals", s.handleRecentSignals)
		r.Post("/outcomes", s.handleRecordOutcome)
		r.Get("/jobs", s.handleRecentJobs)

		r.Route("/risk", func(r chi.Router) {
			r.Get("/config", s.handleRiskConfig)
			r.Put("/config", s.handleUpdateRiskConfig)
		})

		r.Route("/session", func(r chi.Router) {
			r.Get("/", s.handleSessionSnapshot)
			r.Post("/lock", s.handleSessionLock)
			r.Post("/unlock", s.handleSessionUnlock)
			r.Post("/reset", s.handleSessionReset)
		})

		r.Route("/trailing", func(r chi.Router) {
			r.Get("/policy", s.handleTrailingPolicy)
			r.Put("/policy", s.handleSetTrailingPolicy)
			r.Get("/positions", s.handleTrailingPositions)
			r.Post("/process", s.handleTrailingProcess)
			r.Post("/start", s.handleTrailingStart)
			r.Post("/stop", s.handleTrailingStop)
		})

		r.Route("/autoeval", func(r chi.Router) {
			r.Get("/", s.handleAutoEvalState)
			r.Post("/", s.handleSetAutoEval)
		})

		r.Get("/tunnel/status", s.handleTunnelStatus)
		r.Get("/system/status", s.handleSystemStatus)
	})
}

// apiKeyMiddleware rejects requests without the configured key. An empty
// configured key disables the check (local development).
func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			// Browser WebSocket clients cannot set headers; accept the
			// key as a query parameter on the stream endpoint.
			key = r.URL.Query().Get("api_key")
		}
		if key != s.cfg.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start begins serving. Blocks until Shutdown or listener failure.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown stops the listener and closes stream clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	s.stream.CloseAll()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
