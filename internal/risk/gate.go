package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tradebridge/internal/config"
	"github.com/aristath/tradebridge/internal/domain"
)

// Decision is the outcome of a risk check. Denials are values, not errors.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func allow() Decision { return Decision{Allowed: true} }

func deny(format string, a ...interface{}) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, a...)}
}

// Gate is the pre-trade admission controller. Checks are fail-closed and run
// in a fixed order; the first trigger wins. The whole check is one critical
// section with the session so that admission and the rate-window append are
// atomic.
type Gate struct {
	mu      sync.RWMutex
	cfg     config.RiskConfig
	session *Session
	// brokerPort identifies paper sessions for the paper-trading bypass.
	brokerPort int
	now        func() time.Time
	log        zerolog.Logger
}

// NewGate creates the risk gate. now is injectable for tests; nil means the
// wall clock.
func NewGate(cfg config.RiskConfig, session *Session, brokerPort int, now func() time.Time, log zerolog.Logger) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{
		cfg:        cfg,
		session:    session,
		brokerPort: brokerPort,
		now:        now,
		log:        log.With().Str("component", "risk_gate").Logger(),
	}
}

// Config returns the effective risk configuration.
func (g *Gate) Config() config.RiskConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// UpdateConfig merges runtime-configured values into the effective config.
// Values may only tighten, never relax.
func (g *Gate) UpdateConfig(o config.RiskConfig) {
	g.mu.Lock()
	g.cfg = g.cfg.Tighten(o)
	cfg := g.cfg
	g.mu.Unlock()

	g.log.Info().
		Float64("max_order_size", cfg.MaxOrderSize).
		Float64("max_notional", cfg.MaxNotionalValue).
		Float64("max_daily_loss", cfg.MaxDailyLoss).
		Msg("Risk configuration updated")
}

// Check runs the admission pipeline for one order request. On admit the
// current timestamp is appended to the rate window before the session lock is
// released, so two concurrent admits can never both observe a free slot.
func (g *Gate) Check(req *domain.PlaceOrderRequest) Decision {
	if err := req.Validate(); err != nil {
		return deny("Invalid order: %v", err)
	}

	g.mu.RLock()
	cfg := g.cfg
	paperBypass := config.PaperPorts[g.brokerPort]
	g.mu.RUnlock()

	// PAPER-TRADING BYPASS: paper gateway ports admit unconditionally.
	// This must never be reachable with a production port.
	if paperBypass {
		g.log.Debug().
			Int("broker_port", g.brokerPort).
			Str("symbol", req.Symbol).
			Msg("Paper-trading port, bypassing risk checks")
		return allow()
	}

	now := g.now()

	s := g.session
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureTodayLocked()

	if s.locked {
		return deny("Session locked: %s", s.lockReason)
	}
	if s.realizedPnL <= -cfg.MaxDailyLoss {
		return deny("Daily loss limit reached: realized %.2f <= -%.2f", s.realizedPnL, cfg.MaxDailyLoss)
	}
	if s.tradeCount >= cfg.MaxDailyTrades {
		return deny("Daily trade limit reached: %d >= %d", s.tradeCount, cfg.MaxDailyTrades)
	}
	if s.consecutiveLosses >= cfg.ConsecutiveLossLimit {
		cooldown := time.Duration(cfg.CooldownMinutes) * time.Minute
		if !s.lastLossTime.IsZero() && now.Sub(s.lastLossTime) < cooldown {
			remaining := cooldown - now.Sub(s.lastLossTime)
			return deny("Cooling down after %d consecutive losses (%s remaining)",
				s.consecutiveLosses, remaining.Round(time.Second))
		}
	}

	ny := now.In(marketTZ)
	if d := checkTradingHours(ny, cfg.LateDayLockoutMin); !d.Allowed {
		return d
	}

	if req.Quantity > cfg.MaxOrderSize {
		return deny("Order size %.0f exceeds limit %.0f", req.Quantity, cfg.MaxOrderSize)
	}

	ref := req.ReferencePrice()
	if ref > 0 {
		notionalCap := g.dynamicNotionalCap(cfg)
		notional := req.Quantity * ref
		if notional > notionalCap {
			return deny("Notional %.2f exceeds limit %.2f", notional, notionalCap)
		}
	}

	s.pruneWindowLocked(now)
	if len(s.orderTimes) >= cfg.MaxOrdersPerMinute {
		return deny("Order rate limit reached: %d orders in the last minute", len(s.orderTimes))
	}

	if ref > 0 && ref < cfg.MinSharePrice {
		return deny("Share price %.2f below minimum %.2f", ref, cfg.MinSharePrice)
	}

	// Admitted: claim the rate-window slot while still under the lock.
	s.orderTimes = append(s.orderTimes, now)

	return allow()
}

// dynamicNotionalCap is min(static cap, equityBase * min(positionPct,
// concentrationPct) * volatilityScalar).
func (g *Gate) dynamicNotionalCap(cfg config.RiskConfig) float64 {
	pct := math.Min(cfg.MaxPositionPct, cfg.MaxConcentrationPct)
	dynamic := cfg.AccountEquityBase * pct * cfg.VolatilityScalar
	if dynamic <= 0 {
		return cfg.MaxNotionalValue
	}
	return math.Min(cfg.MaxNotionalValue, dynamic)
}

// checkTradingHours denies outside regular trading hours (09:30-16:00 NY,
// weekdays) and within the late-day lockout window before the close.
func checkTradingHours(ny time.Time, lateLockoutMin int) Decision {
	if ny.Weekday() == time.Saturday || ny.Weekday() == time.Sunday {
		return deny("Market closed: weekend")
	}

	open := time.Date(ny.Year(), ny.Month(), ny.Day(), 9, 30, 0, 0, marketTZ)
	close := time.Date(ny.Year(), ny.Month(), ny.Day(), 16, 0, 0, 0, marketTZ)

	if ny.Before(open) || !ny.Before(close) {
		return deny("Outside regular trading hours")
	}

	lockout := close.Add(-time.Duration(lateLockoutMin) * time.Minute)
	if !ny.Before(lockout) {
		return deny("Late-day lockout: within %d minutes of close", lateLockoutMin)
	}

	return allow()
}
