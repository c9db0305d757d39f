// Package main is the trading-bridge entry point. It wires the container,
// connects to the IBKR gateway, and runs the HTTP surface plus the
// background loops until a shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tradebridge/internal/config"
	"github.com/aristath/tradebridge/internal/di"
	"github.com/aristath/tradebridge/pkg/logger"
)

const (
	exitOK          = 0
	exitFatal       = 1
	exitConfigError = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	mode := flag.String("mode", "", "wire surface: rest, mcp or both (overrides IBKR_MODE)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")
	dbPath := flag.String("db-path", "", "data directory for the SQLite databases (overrides BRIDGE_DATA_DIR)")
	flag.Parse()

	// Flags win over the environment; Load reads the environment, so push
	// the overrides there before loading.
	for key, val := range map[string]string{
		"IBKR_MODE":       *mode,
		"LOG_LEVEL":       *logLevel,
		"BRIDGE_DATA_DIR": *dbPath,
	} {
		if val != "" {
			os.Setenv(key, val)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfigError
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: cannot create data dir: %v\n", err)
		return exitConfigError
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().
		Str("mode", string(cfg.IBKR.Mode)).
		Int("port", cfg.Port).
		Str("data_dir", cfg.DataDir).
		Msg("Starting trading bridge")

	c, err := di.Wire(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Startup failed")
		return exitFatal
	}
	defer c.CloseDatabases()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The gateway may be down at boot; the connection layer reconnects on
	// its own, so a failed first dial is not fatal.
	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := c.Conn.Connect(connectCtx); err != nil {
		log.Warn().Err(err).Msg("IBKR gateway not reachable, will keep retrying")
	}
	connectCancel()

	c.Trailing.Start()
	c.Scheduler.Start()
	if cfg.Tunnel.URL != "" {
		go c.Tunnel.Run(ctx)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := c.Server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server failed")
		shutdown(c, cancel, log)
		return exitFatal
	}

	shutdown(c, cancel, log)
	log.Info().Msg("Shutdown complete")
	return exitOK
}

// shutdown stops components in dependency order: stop accepting work, drain
// the background loops, then tear down the broker session. Databases are
// closed by the deferred CloseDatabases in run.
func shutdown(c *di.Container, cancel context.CancelFunc, log zerolog.Logger) {
	ctx, done := context.WithTimeout(context.Background(), 15*time.Second)
	defer done()

	if err := c.Server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown did not finish cleanly")
	}
	c.Scheduler.Stop()
	cancel()
	c.AutoEval.Wait()
	c.Trailing.Stop()
	c.Subscriptions.UnsubscribeAll()
	if err := c.Conn.Disconnect(); err != nil {
		log.Warn().Err(err).Msg("Broker disconnect failed")
	}
}
