// Package risk implements the pre-trade admission controller and the daily
// trading session state machine. All trading-hour logic is anchored to the
// America/New_York calendar.
package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tradebridge/internal/events"
)

// marketTZ is loaded once at init. LoadLocation only fails when the tzdata
// is missing from the host, which is a deployment error worth failing fast on.
var marketTZ = mustLoadNY()

func mustLoadNY() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic("risk: cannot load America/New_York tzdata: " + err.Error())
	}
	return loc
}

// SessionSnapshot is a point-in-time copy of the session state.
type SessionSnapshot struct {
	Date              string    `json:"date"`
	RealizedPnL       float64   `json:"realized_pnl"`
	TradeCount        int       `json:"trade_count"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	LastTradeTime     time.Time `json:"last_trade_time"`
	LastLossTime      time.Time `json:"last_loss_time"`
	Locked            bool      `json:"locked"`
	LockReason        string    `json:"lock_reason,omitempty"`
}

// Session is the process-wide daily trading state. It lazily resets itself on
// the first access after a New York date change. All access is serialized.
type Session struct {
	mu sync.Mutex

	date              string // YYYY-MM-DD in America/New_York
	realizedPnL       float64
	tradeCount        int
	consecutiveLosses int
	lastTradeTime     time.Time
	lastLossTime      time.Time
	locked            bool
	lockReason        string

	// orderTimes is the trailing rate window of admitted order timestamps.
	orderTimes []time.Time

	now func() time.Time
	bus *events.Bus
	log zerolog.Logger
}

// NewSession creates the daily session. now is injectable for tests; pass nil
// for the wall clock. bus may be nil (no session_state events published).
func NewSession(now func() time.Time, bus *events.Bus, log zerolog.Logger) *Session {
	if now == nil {
		now = time.Now
	}
	s := &Session{
		now: now,
		bus: bus,
		log: log.With().Str("component", "session").Logger(),
	}
	s.date = nyDate(now())
	return s
}

func nyDate(t time.Time) string {
	return t.In(marketTZ).Format("2006-01-02")
}

// ensureTodayLocked rolls the session over when the NY date has changed.
// Callers must hold s.mu.
func (s *Session) ensureTodayLocked() {
	today := nyDate(s.now())
	if today == s.date {
		return
	}
	s.log.Info().
		Str("old_date", s.date).
		Str("new_date", today).
		Msg("New trading day, resetting session")
	s.resetLocked(today)
}

func (s *Session) resetLocked(date string) {
	s.date = date
	s.realizedPnL = 0
	s.tradeCount = 0
	s.consecutiveLosses = 0
	s.lastTradeTime = time.Time{}
	s.lastLossTime = time.Time{}
	s.locked = false
	s.lockReason = ""
	s.orderTimes = nil
}

// RecordTrade applies a realized trade P&L to the session.
func (s *Session) RecordTrade(pnl float64) {
	s.mu.Lock()
	s.ensureTodayLocked()
	s.realizedPnL += pnl
	s.tradeCount++
	now := s.now()
	s.lastTradeTime = now
	if pnl < 0 {
		s.consecutiveLosses++
		s.lastLossTime = now
	} else {
		s.consecutiveLosses = 0
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
}

// Lock locks the session; all subsequent admissions are denied.
func (s *Session) Lock(reason string) {
	s.mu.Lock()
	s.ensureTodayLocked()
	s.locked = true
	s.lockReason = reason
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.log.Warn().Str("reason", reason).Msg("Session locked")
	s.publish(snap)
}

// Unlock clears an operator lock.
func (s *Session) Unlock() {
	s.mu.Lock()
	s.ensureTodayLocked()
	s.locked = false
	s.lockReason = ""
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.log.Info().Msg("Session unlocked")
	s.publish(snap)
}

// Reset discards the current session, explicit operator action.
func (s *Session) Reset() {
	s.mu.Lock()
	s.resetLocked(nyDate(s.now()))
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.log.Info().Msg("Session reset")
	s.publish(snap)
}

// Snapshot returns a copy of the current state (after a rollover check).
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureTodayLocked()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() SessionSnapshot {
	return SessionSnapshot{
		Date:              s.date,
		RealizedPnL:       s.realizedPnL,
		TradeCount:        s.tradeCount,
		ConsecutiveLosses: s.consecutiveLosses,
		LastTradeTime:     s.lastTradeTime,
		LastLossTime:      s.lastLossTime,
		Locked:            s.locked,
		LockReason:        s.lockReason,
	}
}

func (s *Session) publish(snap SessionSnapshot) {
	if s.bus == nil {
		return
	}
	s.bus.Publish("risk", &events.SessionStateData{
		Date:              snap.Date,
		RealizedPnL:       snap.RealizedPnL,
		TradeCount:        snap.TradeCount,
		ConsecutiveLosses: snap.ConsecutiveLosses,
		Locked:            snap.Locked,
		LockReason:        snap.LockReason,
	})
}

// pruneWindowLocked evicts rate-window entries at or beyond 60s age.
// Callers must hold s.mu.
func (s *Session) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-60 * time.Second)
	kept := s.orderTimes[:0]
	for _, t := range s.orderTimes {
		// An order exactly 60s old is evicted; 59s stays in the window.
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.orderTimes = kept
}
