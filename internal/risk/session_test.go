package risk

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestSessionRecordTrade(t *testing.T) {
	s := NewSession(tradingHoursClock(), nil, testLogger())

	s.RecordTrade(100)
	s.RecordTrade(-40)
	s.RecordTrade(-10)

	snap := s.Snapshot()
	assert.Equal(t, 50.0, snap.RealizedPnL)
	assert.Equal(t, 3, snap.TradeCount)
	assert.Equal(t, 2, snap.ConsecutiveLosses)
	assert.False(t, snap.LastLossTime.IsZero())
}

func TestSessionWinResetsLossStreak(t *testing.T) {
	s := NewSession(tradingHoursClock(), nil, testLogger())

	s.RecordTrade(-10)
	s.RecordTrade(-10)
	require.Equal(t, 2, s.Snapshot().ConsecutiveLosses)

	s.RecordTrade(0.01)
	assert.Equal(t, 0, s.Snapshot().ConsecutiveLosses)
}

func TestSessionRollsOverOnDateChange(t *testing.T) {
	current := time.Date(2025, 6, 3, 15, 0, 0, 0, marketTZ)
	now := func() time.Time { return current }

	s := NewSession(now, nil, testLogger())
	s.RecordTrade(-100)
	s.Lock("manual")
	require.Equal(t, 1, s.Snapshot().TradeCount)

	// Next NY calendar day: first access resets everything.
	current = current.Add(24 * time.Hour)
	snap := s.Snapshot()
	assert.Equal(t, "2025-06-04", snap.Date)
	assert.Equal(t, 0.0, snap.RealizedPnL)
	assert.Equal(t, 0, snap.TradeCount)
	assert.False(t, snap.Locked)
}

func TestSessionLockUnlockReset(t *testing.T) {
	s := NewSession(tradingHoursClock(), nil, testLogger())

	s.Lock("because")
	snap := s.Snapshot()
	require.True(t, snap.Locked)
	assert.Equal(t, "because", snap.LockReason)

	s.Unlock()
	assert.False(t, s.Snapshot().Locked)

	s.RecordTrade(-5)
	s.Reset()
	snap = s.Snapshot()
	assert.Equal(t, 0.0, snap.RealizedPnL)
	assert.Equal(t, 0, snap.ConsecutiveLosses)
}
