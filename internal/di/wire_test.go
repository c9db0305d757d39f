package di

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradebridge/internal/config"
	"github.com/aristath/tradebridge/internal/database"
	"github.com/aristath/tradebridge/internal/domain"
	"github.com/aristath/tradebridge/internal/outcomes"
	"github.com/aristath/tradebridge/internal/risk"
	"github.com/aristath/tradebridge/internal/scheduler"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir: t.TempDir(),
		Port:    0,
		IBKR:    config.IBKRConfig{Host: "127.0.0.1", Port: 4001, ClientID: 11},
		Risk:    config.Defaults(),
		Tunnel:  config.TunnelConfig{ProbeIntervalSec: 60, FailureThreshold: 3, ServiceName: "cloudflared"},
		Providers: []config.ProviderConfig{
			{ID: "openai", BaseURL: "http://127.0.0.1:1", APIKey: "test", Model: "m"},
			{ID: "anthropic", BaseURL: "http://127.0.0.1:1", APIKey: "test", Model: "m"},
		},
	}
}

func TestWireBuildsContainer(t *testing.T) {
	c, err := Wire(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	defer c.CloseDatabases()

	assert.NotNil(t, c.TradingDB)
	assert.NotNil(t, c.ScoringDB)
	assert.NotNil(t, c.CacheDB)
	assert.NotNil(t, c.Broker)
	assert.NotNil(t, c.Gate)
	assert.NotNil(t, c.Ensemble)
	assert.NotNil(t, c.Trailing)
	assert.NotNil(t, c.Alerts)
	assert.NotNil(t, c.Recorder)
	assert.NotNil(t, c.Tunnel)
	assert.NotNil(t, c.Scheduler)
	assert.NotNil(t, c.Server)
	assert.Nil(t, c.Backup, "backups stay off unless enabled")
}

func TestWireAppliesPersistedRiskOverrides(t *testing.T) {
	cfg := testConfig(t)

	c, err := Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c.RiskConfigRepo.Set(risk.OverridesKey, `{"MaxOrderSize": 250, "MaxDailyTrades": 4}`))
	c.CloseDatabases()

	c2, err := Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer c2.CloseDatabases()

	got := c2.Gate.Config()
	assert.Equal(t, 250.0, got.MaxOrderSize)
	assert.Equal(t, 4, got.MaxDailyTrades)
	// Overrides never loosen: the notional cap stays at the default.
	assert.Equal(t, config.Defaults().MaxNotionalValue, got.MaxNotionalValue)
}

func TestWireRestoresLearnedWeights(t *testing.T) {
	cfg := testConfig(t)

	c, err := Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	c.Weights.Update(domain.RegimeTrending, 2.0, map[string]int{"openai": 1, "anthropic": -1})
	blob, err := c.Weights.MarshalString()
	require.NoError(t, err)
	require.NoError(t, c.RiskConfigRepo.Set(scheduler.WeightTableKey, blob))
	c.CloseDatabases()

	c2, err := Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer c2.CloseDatabases()

	weights := c2.Weights.Weights(domain.RegimeTrending)
	assert.Greater(t, weights["openai"], weights["anthropic"],
		"credited provider keeps its learned edge across restarts")
}

type stubJob struct {
	name string
	err  error
}

func (j stubJob) Name() string { return j.name }
func (j stubJob) Run() error   { return j.err }

func TestTrackedJobRecordsHistory(t *testing.T) {
	db, err := database.New(database.Config{
		Path:    t.TempDir() + "/cache.db",
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	require.NoError(t, err)
	defer db.Close()

	repo, err := outcomes.NewJobRepository(db)
	require.NoError(t, err)

	log := zerolog.Nop()
	require.NoError(t, track(stubJob{name: "ok"}, repo, log).Run())
	require.Error(t, track(stubJob{name: "broken", err: errors.New("gateway unreachable")}, repo, log).Run())

	jobs, err := repo.Recent(10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	assert.Equal(t, "broken", jobs[0].Name)
	assert.Equal(t, outcomes.JobFailed, jobs[0].Status)
	assert.Equal(t, "gateway unreachable", jobs[0].Detail)
	assert.NotNil(t, jobs[0].FinishedAt)

	assert.Equal(t, "ok", jobs[1].Name)
	assert.Equal(t, outcomes.JobCompleted, jobs[1].Status)
}
