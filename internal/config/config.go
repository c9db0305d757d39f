// Package config provides configuration management for the bridge.
//
// Configuration comes from three layers: compiled-in hard limits, environment
// variables (optionally via a .env file), and runtime rows in the risk-config
// store. Risk tunables may only tighten across layers, never relax.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Mode selects which wire surfaces the process exposes. The broker client id
// is partitioned by mode so a REST bridge and a scoring-only MCP co-process
// never collide on the same id (the broker evicts the older session).
type Mode string

const (
	ModeRest Mode = "rest"
	ModeMCP  Mode = "mcp"
	ModeBoth Mode = "both"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeRest, ModeMCP, ModeBoth:
		return Mode(s), nil
	}
	return "", fmt.Errorf("invalid mode %q (want rest, mcp or both)", s)
}

// ClientID returns the effective broker client id for this mode. MCP-only
// processes run on a +1 offset so both modes can share one gateway.
func (m Mode) ClientID(base int) int {
	if m == ModeMCP {
		return base + 1
	}
	return base
}

// IBKRConfig holds broker connection settings.
type IBKRConfig struct {
	Host     string
	Port     int
	ClientID int
	Mode     Mode
}

// PaperPorts are gateway ports that identify paper-trading sessions. Orders
// through these ports bypass the risk gate entirely; keep this list in sync
// with the gateway configuration and never add a production port here.
var PaperPorts = map[int]bool{
	7497: true,
	4002: true,
}

// RiskConfig holds every risk-gate tunable. Zero values are replaced by the
// hard defaults in Defaults().
type RiskConfig struct {
	// Per-order caps
	MaxOrderSize       float64
	MaxNotionalValue   float64
	MaxOrdersPerMinute int
	MinSharePrice      float64

	// Session caps
	MaxDailyLoss         float64
	MaxDailyTrades       int
	ConsecutiveLossLimit int
	CooldownMinutes      int
	LateDayLockoutMin    int

	// Dynamic-cap inputs
	AccountEquityBase   float64
	MaxPositionPct      float64
	MaxDailyLossPct     float64
	MaxConcentrationPct float64
	VolatilityScalar    float64
}

// Defaults returns the compiled-in hard limits. Environment overrides and
// runtime rows can only tighten these.
func Defaults() RiskConfig {
	return RiskConfig{
		MaxOrderSize:         1000,
		MaxNotionalValue:     25000,
		MaxOrdersPerMinute:   5,
		MinSharePrice:        1.0,
		MaxDailyLoss:         1000,
		MaxDailyTrades:       10,
		ConsecutiveLossLimit: 3,
		CooldownMinutes:      30,
		LateDayLockoutMin:    15,
		AccountEquityBase:    30000,
		MaxPositionPct:       0.25,
		MaxDailyLossPct:      0.03,
		MaxConcentrationPct:  0.30,
		VolatilityScalar:     1.0,
	}
}

// TightenFloat returns the tighter (smaller) of two caps, ignoring
// non-positive candidates.
func TightenFloat(current, candidate float64) float64 {
	if candidate > 0 && candidate < current {
		return candidate
	}
	return current
}

// TightenInt returns the tighter (smaller) of two caps, ignoring
// non-positive candidates.
func TightenInt(current, candidate int) int {
	if candidate > 0 && candidate < current {
		return candidate
	}
	return current
}

// Tighten merges another config into this one, keeping the tighter value for
// every cap. VolatilityScalar is the one knob where smaller is looser for the
// dynamic cap, so it too only ratchets down.
func (r RiskConfig) Tighten(o RiskConfig) RiskConfig {
	r.MaxOrderSize = TightenFloat(r.MaxOrderSize, o.MaxOrderSize)
	r.MaxNotionalValue = TightenFloat(r.MaxNotionalValue, o.MaxNotionalValue)
	r.MaxOrdersPerMinute = TightenInt(r.MaxOrdersPerMinute, o.MaxOrdersPerMinute)
	if o.MinSharePrice > r.MinSharePrice {
		r.MinSharePrice = o.MinSharePrice // higher floor is tighter
	}
	r.MaxDailyLoss = TightenFloat(r.MaxDailyLoss, o.MaxDailyLoss)
	r.MaxDailyTrades = TightenInt(r.MaxDailyTrades, o.MaxDailyTrades)
	r.ConsecutiveLossLimit = TightenInt(r.ConsecutiveLossLimit, o.ConsecutiveLossLimit)
	if o.CooldownMinutes > r.CooldownMinutes {
		r.CooldownMinutes = o.CooldownMinutes // longer cooldown is tighter
	}
	if o.LateDayLockoutMin > r.LateDayLockoutMin {
		r.LateDayLockoutMin = o.LateDayLockoutMin
	}
	r.AccountEquityBase = TightenFloat(r.AccountEquityBase, o.AccountEquityBase)
	r.MaxPositionPct = TightenFloat(r.MaxPositionPct, o.MaxPositionPct)
	r.MaxDailyLossPct = TightenFloat(r.MaxDailyLossPct, o.MaxDailyLossPct)
	r.MaxConcentrationPct = TightenFloat(r.MaxConcentrationPct, o.MaxConcentrationPct)
	r.VolatilityScalar = TightenFloat(r.VolatilityScalar, o.VolatilityScalar)
	return r
}

// TunnelConfig holds tunnel monitor settings.
type TunnelConfig struct {
	URL              string
	ProbeIntervalSec int
	FailureThreshold int
	ServiceName      string
}

// ProviderConfig holds one LLM scoring provider's connection settings.
type ProviderConfig struct {
	ID      string
	BaseURL string
	APIKey  string
	Model   string
}

// BackupConfig holds optional S3-compatible snapshot backup settings.
type BackupConfig struct {
	Enabled   bool
	Bucket    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
}

// getEnv retrieves an environment variable value with a fallback.
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvInt retrieves an integer environment variable with a fallback.
func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvFloat retrieves a float environment variable with a fallback.
func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}
