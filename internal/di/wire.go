// Package di wires the object graph: databases, repositories, services,
// jobs, and the HTTP surface.
package di

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/tradebridge/internal/alerts"
	"github.com/aristath/tradebridge/internal/config"
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

// defaultTrailingPolicy is the policy active until the operator picks one.
var defaultTrailingPolicy = trailing.Policy{Kind: trailing.PolicyFixedPct, Pct: 2}

// Wire builds the full container. Order of operations:
// 1. databases
// 2. repositories
// 3. broker stack
// 4. services
// 5. jobs and the HTTP server
// On any error the already-opened databases are closed before returning.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{Bus: events.NewBus(log)}

	if err := initDatabases(c, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}
	if err := initRepositories(c, log); err != nil {
		c.CloseDatabases()
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}
	initBroker(c, cfg, log)
	if err := initServices(c, cfg, log); err != nil {
		c.CloseDatabases()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	if err := initJobs(c, log); err != nil {
		c.CloseDatabases()
		return nil, fmt.Errorf("failed to register jobs: %w", err)
	}
	initServer(c, cfg, log)

	log.Info().Msg("Dependency wiring complete")
	return c, nil
}

func initDatabases(c *Container, cfg *config.Config) error {
	var err error
	c.TradingDB, err = database.New(database.Config{
		Path:    cfg.DBPath("trading"),
		Profile: database.ProfileLedger,
		Name:    "trading",
	})
	if err != nil {
		return err
	}
	c.ScoringDB, err = database.New(database.Config{
		Path:    cfg.DBPath("scoring"),
		Profile: database.ProfileStandard,
		Name:    "scoring",
	})
	if err != nil {
		c.CloseDatabases()
		return err
	}
	c.CacheDB, err = database.New(database.Config{
		Path:    cfg.DBPath("cache"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		c.CloseDatabases()
		return err
	}
	return nil
}

func initRepositories(c *Container, log zerolog.Logger) error {
	var err error
	if c.OrderRepo, err = ibkr.NewOrderRepository(c.TradingDB); err != nil {
		return err
	}
	if c.ExecutionRepo, err = ibkr.NewExecutionRepository(c.TradingDB); err != nil {
		return err
	}
	if c.AlertRepo, err = alerts.NewRepository(c.ScoringDB); err != nil {
		return err
	}
	if c.EvaluationRepo, err = ensemble.NewRepository(c.ScoringDB.Conn(), log); err != nil {
		return err
	}
	if c.RiskConfigRepo, err = risk.NewConfigRepository(c.ScoringDB.Conn(), log); err != nil {
		return err
	}
	if c.OutcomeRepo, err = outcomes.NewRepository(c.ScoringDB); err != nil {
		return err
	}
	if c.SignalRepo, err = outcomes.NewSignalRepository(c.ScoringDB); err != nil {
		return err
	}
	if c.JobRepo, err = outcomes.NewJobRepository(c.CacheDB); err != nil {
		return err
	}
	return nil
}

func initBroker(c *Container, cfg *config.Config, log zerolog.Logger) {
	transport := ibkr.NewTCPTransport(log)
	c.Conn = ibkr.NewConn(ibkr.Config{
		Host:     cfg.IBKR.Host,
		Port:     cfg.IBKR.Port,
		ClientID: cfg.IBKR.ClientID,
	}, transport, log)

	c.Subscriptions = ibkr.NewRegistry(c.Conn, log)
	c.Ticker = ibkr.NewTickerCache(c.Conn, log)
	c.Writer = ibkr.NewEventWriter(c.Conn, c.OrderRepo, c.ExecutionRepo, c.Bus, log)
	c.Writer.Attach()
	c.Broker = ibkr.NewClient(c.Conn, c.OrderRepo, log)
}

func initServices(c *Container, cfg *config.Config, log zerolog.Logger) error {
	c.Session = risk.NewSession(nil, c.Bus, log)

	// Runtime overrides from previous sessions can only tighten the
	// compiled-in and env-derived limits.
	riskCfg := cfg.Risk
	if blob, err := c.RiskConfigRepo.Get(risk.OverridesKey); err != nil {
		return err
	} else if blob != "" {
		var o config.RiskConfig
		if err := json.Unmarshal([]byte(blob), &o); err != nil {
			log.Warn().Err(err).Msg("Ignoring malformed persisted risk overrides")
		} else {
			riskCfg = riskCfg.Tighten(o)
		}
	}
	c.Gate = risk.NewGate(riskCfg, c.Session, cfg.IBKR.Port, nil, log)

	providers := make([]ensemble.Provider, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers = append(providers, ensemble.NewProviderFromConfig(p, log))
	}
	registry := ensemble.NewRegistry(providers...)

	c.Weights = ensemble.NewWeightTable(cfg.ProviderIDs(), log)
	if blob, err := c.RiskConfigRepo.Get(scheduler.WeightTableKey); err != nil {
		return err
	} else if blob != "" {
		c.Weights.LoadString(blob)
	}

	classifier := ensemble.NewRegimeClassifier(c.Subscriptions)
	scorer := ensemble.NewScorer(ensemble.ScorerConfig{
		Registry: registry,
		Weights:  c.Weights,
		Store:    c.EvaluationRepo,
		Classify: classifier.Classify,
	}, log)
	c.Ensemble = ensemble.NewService(scorer, c.SignalRepo, c.Bus, log)

	c.Trailing = trailing.NewExecutor(defaultTrailingPolicy, c.Broker, c.Bus, log)
	c.Subscriptions.OnPortfolio(c.Trailing.UpdatePosition)

	c.Alerts = alerts.NewService(c.AlertRepo, c.Bus, log)
	c.AutoEval = alerts.NewAutoEval(c.AlertRepo, c.Ensemble, c.Bus, log)
	c.Recorder = outcomes.NewRecorder(c.OutcomeRepo, c.EvaluationRepo, c.Ensemble, log)

	prober := tunnel.NewHTTPProber(cfg.Tunnel.URL)
	restarter := tunnel.NewServiceRestarter(cfg.Tunnel.ServiceName, log)
	c.Tunnel = tunnel.NewMonitor(cfg.Tunnel, prober, restarter, c.Bus, log)

	if cfg.Backup.Enabled {
		store, err := reliability.NewS3Client(context.Background(), cfg.Backup)
		if err != nil {
			return err
		}
		c.Backup = reliability.NewBackupService(map[string]*database.DB{
			"trading": c.TradingDB,
			"scoring": c.ScoringDB,
			"cache":   c.CacheDB,
		}, store, cfg.DataDir, log)
	}
	return nil
}

func initJobs(c *Container, log zerolog.Logger) error {
	c.Scheduler = scheduler.New(log)

	add := func(schedule string, job scheduler.Job) error {
		return c.Scheduler.AddJob(schedule, track(job, c.JobRepo, log))
	}
	if err := add(scheduler.TrailingSchedule, scheduler.NewTrailingJob(c.Trailing, log)); err != nil {
		return err
	}
	if err := add(scheduler.WeightFlushSchedule, scheduler.NewWeightFlushJob(c.Weights, c.RiskConfigRepo, log)); err != nil {
		return err
	}
	if c.Backup != nil {
		if err := add(scheduler.BackupSchedule, scheduler.NewBackupJob(c.Backup, log)); err != nil {
			return err
		}
	}
	return nil
}

func initServer(c *Container, cfg *config.Config, log zerolog.Logger) {
	c.Metrics = server.NewMetrics()
	c.Server = server.New(server.Config{
		Log:     log,
		Port:    cfg.Port,
		APIKey:  cfg.APIKey,
		DevMode: cfg.DevMode,

		Bus:      c.Bus,
		Metrics:  c.Metrics,
		Gate:     c.Gate,
		Session:  c.Session,
		Trailing: c.Trailing,

		Broker:        c.Broker,
		Conn:          c.Conn,
		Quotes:        c.Ticker,
		Subscriptions: c.Subscriptions,
		Alerts:        c.Alerts,
		AutoEval:      c.AutoEval,
		Evaluator:     c.Ensemble,
		Evaluations:   c.EvaluationRepo,
		Signals:       c.SignalRepo,
		Outcomes:      c.Recorder,
		Jobs:          c.JobRepo,
		Tunnel:        c.Tunnel,

		RiskConfigStore: c.RiskConfigRepo,
	})
}
