package di

import (
	"github.com/aristath/tradebridge/internal/alerts"
	"github.com/aristath/tradebridge/internal/database"
	"github.com/aristath/tradebridge/internal/ensemble"
	"github.com/aristath/tradebridge/internal/events"
	"github.com/aristath/tradebridge/internal/ibkr"
	"github.com/aristath/tradebridge/internal/outcomes"
	"github.com/aristath/tradebridge/internal/reliability"
	"github.com/aristath/tradebridge/internal/risk"
	"github.com/aristath/tradebridge/internal/scheduler"
	"github.com/aristath/tradebridge/internal/server"
	"github.com/aristath/tradebridge/internal/trailing"
	"github.com/aristath/tradebridge/internal/tunnel"
)

// Container holds every wired dependency. It is the single source of truth
// for the object graph; main owns startup and shutdown ordering.
type Container struct {
	// Databases. Three SQLite files with profile-specific PRAGMAs:
	// trading is the durable order/execution ledger, scoring holds
	// evaluations and learned state, cache is throwaway job history.
	TradingDB *database.DB
	ScoringDB *database.DB
	CacheDB   *database.DB

	// Event plumbing.
	Bus *events.Bus

	// Repositories.
	OrderRepo      *ibkr.OrderRepository
	ExecutionRepo  *ibkr.ExecutionRepository
	AlertRepo      *alerts.Repository
	EvaluationRepo *ensemble.Repository
	RiskConfigRepo *risk.ConfigRepository
	OutcomeRepo    *outcomes.Repository
	SignalRepo     *outcomes.SignalRepository
	JobRepo        *outcomes.JobRepository

	// Broker stack.
	Conn          *ibkr.Conn
	Subscriptions *ibkr.Registry
	Ticker        *ibkr.TickerCache
	Writer        *ibkr.EventWriter
	Broker        *ibkr.Client

	// Services.
	Session  *risk.Session
	Gate     *risk.Gate
	Weights  *ensemble.WeightTable
	Ensemble *ensemble.Service
	Trailing *trailing.Executor
	Alerts   *alerts.Service
	AutoEval *alerts.AutoEval
	Recorder *outcomes.Recorder
	Tunnel   *tunnel.Monitor
	Backup   *reliability.BackupService // nil unless backups are enabled

	// Wire surface.
	Metrics   *server.Metrics
	Server    *server.Server
	Scheduler *scheduler.Scheduler
}

// CloseDatabases closes every database handle. Safe to call with a
// partially initialized container.
func (c *Container) CloseDatabases() {
	for _, db := range []*database.DB{c.CacheDB, c.ScoringDB, c.TradingDB} {
		if db != nil {
			db.Close()
		}
	}
}
