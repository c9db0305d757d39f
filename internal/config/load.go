package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	DataDir  string
	LogLevel string
	Port     int
	APIKey   string // Wire-layer authentication passthrough
	DevMode  bool

	IBKR      IBKRConfig
	Risk      RiskConfig
	Tunnel    TunnelConfig
	Providers []ProviderConfig
	Backup    BackupConfig
}

// Load reads configuration from environment variables. A .env file in the
// working directory is honoured when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("BRIDGE_DATA_DIR", "./data")
	absDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data dir: %w", err)
	}

	mode, err := ParseMode(getEnv("IBKR_MODE", string(ModeRest)))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:  absDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Port:     getEnvInt("PORT", 8422),
		APIKey:   os.Getenv("API_KEY"),
		DevMode:  getEnv("DEV_MODE", "") == "1",
		IBKR: IBKRConfig{
			Host:     getEnv("IBKR_HOST", "127.0.0.1"),
			Port:     getEnvInt("IBKR_PORT", 7497),
			ClientID: mode.ClientID(getEnvInt("IBKR_CLIENT_ID", 11)),
			Mode:     mode,
		},
		Risk: riskFromEnv(),
		Tunnel: TunnelConfig{
			URL:              os.Getenv("TUNNEL_URL"),
			ProbeIntervalSec: getEnvInt("TUNNEL_PROBE_INTERVAL_SEC", 60),
			FailureThreshold: getEnvInt("TUNNEL_FAILURE_THRESHOLD", 3),
			ServiceName:      getEnv("TUNNEL_SERVICE_NAME", "cloudflared"),
		},
		Providers: providersFromEnv(),
		Backup: BackupConfig{
			Enabled:   getEnv("BACKUP_ENABLED", "") == "1",
			Bucket:    os.Getenv("BACKUP_S3_BUCKET"),
			Endpoint:  os.Getenv("BACKUP_S3_ENDPOINT"),
			AccessKey: os.Getenv("BACKUP_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("BACKUP_S3_SECRET_KEY"),
			Region:    getEnv("BACKUP_S3_REGION", "auto"),
		},
	}

	if cfg.Backup.Enabled && cfg.Backup.Bucket == "" {
		return nil, fmt.Errorf("BACKUP_ENABLED is set but BACKUP_S3_BUCKET is empty")
	}

	return cfg, nil
}

// riskFromEnv starts from the hard defaults and lets environment overrides
// tighten them. An env value looser than the default is ignored.
func riskFromEnv() RiskConfig {
	return Defaults().Tighten(RiskConfig{
		MaxOrderSize:         getEnvFloat("RISK_MAX_ORDER_SIZE", 0),
		MaxNotionalValue:     getEnvFloat("RISK_MAX_NOTIONAL", 0),
		MaxOrdersPerMinute:   getEnvInt("RISK_MAX_ORDERS_PER_MIN", 0),
		MinSharePrice:        getEnvFloat("RISK_MIN_PRICE", 0),
		MaxDailyLoss:         getEnvFloat("RISK_MAX_DAILY_LOSS", 0),
		MaxDailyTrades:       getEnvInt("RISK_MAX_DAILY_TRADES", 0),
		ConsecutiveLossLimit: getEnvInt("RISK_CONSEC_LOSS_LIMIT", 0),
		CooldownMinutes:      getEnvInt("RISK_COOLDOWN_MINUTES", 0),
		LateDayLockoutMin:    getEnvInt("RISK_LATE_LOCKOUT_MIN", 0),
		AccountEquityBase:    getEnvFloat("RISK_ACCOUNT_EQUITY_BASE", 0),
		MaxPositionPct:       getEnvFloat("RISK_MAX_POSITION_PCT", 0),
		MaxDailyLossPct:      getEnvFloat("RISK_MAX_DAILY_LOSS_PCT", 0),
		MaxConcentrationPct:  getEnvFloat("RISK_MAX_CONCENTRATION_PCT", 0),
		VolatilityScalar:     getEnvFloat("RISK_VOLATILITY_SCALAR", 0),
	})
}

// providersFromEnv reads the scoring provider set. Each provider is enabled
// by its API key; the bridge runs with whatever subset is configured.
func providersFromEnv() []ProviderConfig {
	var providers []ProviderConfig

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		providers = append(providers, ProviderConfig{
			ID:      "openai",
			BaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			APIKey:  key,
			Model:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		})
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		providers = append(providers, ProviderConfig{
			ID:      "anthropic",
			BaseURL: getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
			APIKey:  key,
			Model:   getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
		})
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		providers = append(providers, ProviderConfig{
			ID:      "gemini",
			BaseURL: getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
			APIKey:  key,
			Model:   getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		})
	}

	return providers
}

// ProviderIDs returns the configured provider ids in order.
func (c *Config) ProviderIDs() []string {
	ids := make([]string, len(c.Providers))
	for i, p := range c.Providers {
		ids[i] = p.ID
	}
	return ids
}

// DBPath returns the path for a named database under the data dir.
func (c *Config) DBPath(name string) string {
	if strings.HasPrefix(c.DataDir, "file:") {
		return c.DataDir // tests pass a shared in-memory URI
	}
	return filepath.Join(c.DataDir, name+".db")
}
