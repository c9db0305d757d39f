package risk

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradebridge/internal/config"
	"github.com/aristath/tradebridge/internal/domain"
)

// tradingHoursClock returns a fixed clock inside regular trading hours:
// Tuesday 2025-06-03 11:00 New York.
func tradingHoursClock() func() time.Time {
	t := time.Date(2025, 6, 3, 11, 0, 0, 0, marketTZ)
	return func() time.Time { return t }
}

func testGate(t *testing.T, cfg config.RiskConfig, now func() time.Time) (*Gate, *Session) {
	t.Helper()
	if now == nil {
		now = tradingHoursClock()
	}
	log := testLogger()
	session := NewSession(now, nil, log)
	return NewGate(cfg, session, 4001, now, log), session
}

func marketOrder(qty float64, ref float64) *domain.PlaceOrderRequest {
	req := &domain.PlaceOrderRequest{
		Symbol:   "AAPL",
		Side:     domain.Buy,
		Type:     domain.OrderMarket,
		Quantity: qty,
	}
	if ref > 0 {
		req.RefPrice = &ref
	}
	return req
}

func TestCheckAdmitsWithinLimits(t *testing.T) {
	gate, _ := testGate(t, config.Defaults(), nil)

	d := gate.Check(marketOrder(100, 50))
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Reason)
}

func TestCheckPaperPortBypassesEverything(t *testing.T) {
	log := testLogger()
	now := tradingHoursClock()
	session := NewSession(now, nil, log)
	gate := NewGate(config.Defaults(), session, 7497, now, log)

	session.Lock("manual halt")

	d := gate.Check(marketOrder(999999, 99999))
	assert.True(t, d.Allowed, "paper port must bypass all checks")
}

func TestCheckSessionLock(t *testing.T) {
	gate, session := testGate(t, config.Defaults(), nil)
	session.Lock("operator halt")

	d := gate.Check(marketOrder(1, 50))
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "Session locked")
	assert.Contains(t, d.Reason, "operator halt")
}

func TestCheckDailyLossLimit(t *testing.T) {
	cfg := config.Defaults()
	cfg.MaxDailyLoss = 500
	gate, session := testGate(t, cfg, nil)
	session.RecordTrade(-500)

	d := gate.Check(marketOrder(1, 50))
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "Daily loss limit")
}

func TestCheckDailyTradeLimit(t *testing.T) {
	cfg := config.Defaults()
	cfg.MaxDailyTrades = 2
	gate, session := testGate(t, cfg, nil)
	session.RecordTrade(10)
	session.RecordTrade(10)

	d := gate.Check(marketOrder(1, 50))
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "Daily trade limit")
}

func TestCheckConsecutiveLossCooldown(t *testing.T) {
	cfg := config.Defaults()
	cfg.ConsecutiveLossLimit = 2
	cfg.CooldownMinutes = 30

	base := time.Date(2025, 6, 3, 11, 0, 0, 0, marketTZ)
	current := base
	now := func() time.Time { return current }

	gate, session := testGate(t, cfg, now)
	session.RecordTrade(-10)
	session.RecordTrade(-10)

	d := gate.Check(marketOrder(1, 50))
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "Cooling down")

	// After the cooldown elapses the denial clears.
	current = base.Add(31 * time.Minute)
	d = gate.Check(marketOrder(1, 50))
	assert.True(t, d.Allowed)
}

func TestCheckWinningTradeResetsConsecutiveLosses(t *testing.T) {
	gate, session := testGate(t, config.Defaults(), nil)
	session.RecordTrade(-10)
	session.RecordTrade(-10)
	session.RecordTrade(5)

	assert.Equal(t, 0, session.Snapshot().ConsecutiveLosses)
	d := gate.Check(marketOrder(1, 50))
	assert.True(t, d.Allowed)
}

func TestCheckTradingHours(t *testing.T) {
	tests := []struct {
		name    string
		ny      time.Time
		allowed bool
		reason  string
	}{
		{
			name:    "mid-session",
			ny:      time.Date(2025, 6, 3, 11, 0, 0, 0, marketTZ),
			allowed: true,
		},
		{
			name:   "pre-market",
			ny:     time.Date(2025, 6, 3, 9, 0, 0, 0, marketTZ),
			reason: "Outside regular trading hours",
		},
		{
			name:   "after close",
			ny:     time.Date(2025, 6, 3, 16, 30, 0, 0, marketTZ),
			reason: "Outside regular trading hours",
		},
		{
			name:   "weekend",
			ny:     time.Date(2025, 6, 7, 11, 0, 0, 0, marketTZ),
			reason: "weekend",
		},
		{
			name:   "late-day lockout",
			ny:     time.Date(2025, 6, 3, 15, 50, 0, 0, marketTZ),
			reason: "Late-day lockout",
		},
		{
			name:    "one minute before lockout",
			ny:      time.Date(2025, 6, 3, 15, 44, 0, 0, marketTZ),
			allowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := func() time.Time { return tt.ny }
			gate, _ := testGate(t, config.Defaults(), now)
			d := gate.Check(marketOrder(1, 50))
			if tt.allowed {
				assert.True(t, d.Allowed, d.Reason)
			} else {
				require.False(t, d.Allowed)
				assert.Contains(t, d.Reason, tt.reason)
			}
		})
	}
}

func TestCheckOrderSizeBoundary(t *testing.T) {
	cfg := config.Defaults()
	cfg.MaxOrderSize = 100
	// Keep notional out of the way for this test.
	cfg.MaxNotionalValue = 1e9
	cfg.AccountEquityBase = 0

	gate, _ := testGate(t, cfg, nil)

	d := gate.Check(marketOrder(100, 5))
	assert.True(t, d.Allowed, "quantity == cap is admitted")

	d = gate.Check(marketOrder(101, 5))
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "Order size")
}

func TestCheckNotionalBoundary(t *testing.T) {
	cfg := config.Defaults()
	cfg.MaxNotionalValue = 10000
	cfg.AccountEquityBase = 0 // disable the dynamic cap

	gate, _ := testGate(t, cfg, nil)

	d := gate.Check(marketOrder(100, 100)) // exactly 10000
	assert.True(t, d.Allowed, "notional == cap is admitted")

	d = gate.Check(marketOrder(100, 100.01))
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "Notional")
}

func TestCheckDynamicNotionalCap(t *testing.T) {
	cfg := config.Defaults()
	cfg.MaxNotionalValue = 1e9
	cfg.AccountEquityBase = 10000
	cfg.MaxPositionPct = 0.25
	cfg.MaxConcentrationPct = 0.50
	cfg.VolatilityScalar = 1.0
	// dynamic cap = 10000 * min(0.25, 0.50) * 1.0 = 2500

	gate, _ := testGate(t, cfg, nil)

	d := gate.Check(marketOrder(50, 50)) // 2500
	assert.True(t, d.Allowed)

	d = gate.Check(marketOrder(51, 50)) // 2550
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "Notional")
}

func TestCheckMinSharePrice(t *testing.T) {
	cfg := config.Defaults()
	cfg.MinSharePrice = 5

	gate, _ := testGate(t, cfg, nil)

	d := gate.Check(marketOrder(10, 4.99))
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "below minimum")

	d = gate.Check(marketOrder(10, 5))
	assert.True(t, d.Allowed)
}

func TestCheckRateWindow(t *testing.T) {
	cfg := config.Defaults()
	cfg.MaxOrdersPerMinute = 2

	base := time.Date(2025, 6, 3, 11, 0, 0, 0, marketTZ)
	current := base
	now := func() time.Time { return current }

	gate, _ := testGate(t, cfg, now)

	require.True(t, gate.Check(marketOrder(1, 50)).Allowed)
	require.True(t, gate.Check(marketOrder(1, 50)).Allowed)

	d := gate.Check(marketOrder(1, 50))
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "rate limit")

	// 59s later the first order is still counted.
	current = base.Add(59 * time.Second)
	d = gate.Check(marketOrder(1, 50))
	require.False(t, d.Allowed)

	// At 60s the oldest entry is evicted and a slot frees up.
	current = base.Add(60 * time.Second)
	d = gate.Check(marketOrder(1, 50))
	assert.True(t, d.Allowed)
}

func TestCheckRateWindowAtomicUnderConcurrency(t *testing.T) {
	cfg := config.Defaults()
	cfg.MaxOrdersPerMinute = 5

	gate, _ := testGate(t, cfg, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if gate.Check(marketOrder(1, 50)).Allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, admitted, "exactly the cap may be admitted")
}

func TestCheckMonotoneInCaps(t *testing.T) {
	// Tightening any cap never turns a denial into an admission.
	base := config.Defaults()
	req := marketOrder(100, 60)

	gateLoose, _ := testGate(t, base, nil)
	loose := gateLoose.Check(req)

	tighter := []config.RiskConfig{}
	for i := 0; i < 5; i++ {
		c := base
		switch i {
		case 0:
			c.MaxOrderSize = base.MaxOrderSize / 2
		case 1:
			c.MaxNotionalValue = base.MaxNotionalValue / 2
		case 2:
			c.MaxDailyTrades = 1
		case 3:
			c.MaxOrdersPerMinute = 1
		case 4:
			c.MinSharePrice = base.MinSharePrice * 2
		}
		tighter = append(tighter, c)
	}

	for i, c := range tighter {
		t.Run(fmt.Sprintf("cap_%d", i), func(t *testing.T) {
			gate, _ := testGate(t, c, nil)
			d := gate.Check(marketOrder(100, 60))
			if !loose.Allowed {
				assert.False(t, d.Allowed)
			}
			// Either way, tightening must not flip a denial to an admit:
			// re-check against the loose gate's verdict.
			if !d.Allowed {
				return
			}
			assert.True(t, loose.Allowed)
		})
	}
}

func TestCheckInvalidOrderDenied(t *testing.T) {
	gate, _ := testGate(t, config.Defaults(), nil)

	limit := 50.0
	d := gate.Check(&domain.PlaceOrderRequest{
		Symbol:     "AAPL",
		Side:       domain.Buy,
		Type:       domain.OrderMarket,
		Quantity:   10,
		LimitPrice: &limit, // MKT must not carry a limit price
	})
	require.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "Invalid order")
}

func TestUpdateConfigOnlyTightens(t *testing.T) {
	gate, _ := testGate(t, config.Defaults(), nil)

	gate.UpdateConfig(config.RiskConfig{
		MaxOrderSize: 1e9, // looser, must be ignored
		MaxDailyLoss: 100, // tighter, must apply
	})

	cfg := gate.Config()
	assert.Equal(t, config.Defaults().MaxOrderSize, cfg.MaxOrderSize)
	assert.Equal(t, 100.0, cfg.MaxDailyLoss)
}
