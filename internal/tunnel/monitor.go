// Package tunnel watches the HTTPS tunnel that exposes the bridge to the
// browser UI and restarts the tunnel service when probes keep failing.
package tunnel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/aristath/tradebridge/internal/config"
	"github.com/aristath/tradebridge/internal/events"
)

const probeTimeout = 5 * time.Second

// Prober performs one health check, returning the round-trip latency.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// Restarter restarts the tunnel service on the host.
type Restarter interface {
	Restart(ctx context.Context) error
}

// httpProber probes the tunnel health URL over HTTPS.
type httpProber struct {
	client *resty.Client
	url    string
}

// NewHTTPProber builds the production prober.
func NewHTTPProber(url string) Prober {
	return &httpProber{
		client: resty.New().SetTimeout(probeTimeout),
		url:    url,
	}
}

func (p *httpProber) Probe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	resp, err := p.client.R().SetContext(ctx).Get(p.url)
	if err != nil {
		return 0, err
	}
	if resp.IsError() {
		return 0, fmt.Errorf("HTTP %d", resp.StatusCode())
	}
	return time.Since(start), nil
}

// Status is a point-in-time snapshot of the monitor.
type Status struct {
	Connected           bool      `json:"connected"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Restarts            int       `json:"restarts"`
	UptimePct           float64   `json:"uptime_pct"`
	LastLatency         int64     `json:"last_latency_ms"`
	LastProbeAt         time.Time `json:"last_probe_at"`
	LastError           string    `json:"last_error,omitempty"`
}

// Monitor probes the tunnel on an interval and escalates to a service
// restart after the failure threshold. A restart attempt does not reset
// the failure counter; only a successful probe does.
type Monitor struct {
	cfg       config.TunnelConfig
	prober    Prober
	restarter Restarter
	bus       *events.Bus
	log       zerolog.Logger
	now       func() time.Time

	mu        sync.Mutex
	connected bool
	failures  int
	restarts  int
	lastErr   string
	latency   time.Duration
	lastProbe time.Time

	// time-weighted uptime accumulators
	startedAt time.Time
	lastFlip  time.Time
	upAccum   time.Duration
}

func NewMonitor(cfg config.TunnelConfig, prober Prober, restarter Restarter, bus *events.Bus, log zerolog.Logger) *Monitor {
	return &Monitor{
		cfg:       cfg,
		prober:    prober,
		restarter: restarter,
		bus:       bus,
		log:       log.With().Str("component", "tunnel_monitor").Logger(),
		now:       time.Now,
	}
}

// Run probes until the context ends.
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	m.startedAt = m.now()
	m.lastFlip = m.startedAt
	m.mu.Unlock()

	interval := time.Duration(m.cfg.ProbeIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.ProbeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce runs a single probe cycle and applies the escalation policy.
func (m *Monitor) ProbeOnce(ctx context.Context) {
	latency, err := m.prober.Probe(ctx)
	now := m.now()

	m.mu.Lock()
	if m.startedAt.IsZero() {
		m.startedAt = now
		m.lastFlip = now
	}
	m.lastProbe = now

	if err == nil {
		m.accumulateLocked(now, true)
		m.failures = 0
		m.lastErr = ""
		m.latency = latency
		snap := m.statusLocked(now)
		m.mu.Unlock()

		m.publish(snap, "", "")
		return
	}

	m.accumulateLocked(now, false)
	m.failures++
	m.lastErr = err.Error()
	failures := m.failures
	snap := m.statusLocked(now)
	m.mu.Unlock()

	m.log.Warn().Err(err).Int("failures", failures).Msg("Tunnel probe failed")
	m.publish(snap, "warning", err.Error())

	if failures < m.cfg.FailureThreshold {
		return
	}

	m.publish(snap, "critical", fmt.Sprintf("%d consecutive probe failures", failures))
	m.log.Error().Int("failures", failures).Msg("Tunnel failure threshold reached, restarting service")

	if restartErr := m.restarter.Restart(ctx); restartErr != nil {
		m.log.Error().Err(restartErr).Msg("Tunnel service restart failed")
	}

	m.mu.Lock()
	m.restarts++
	m.mu.Unlock()
}

// accumulateLocked folds the elapsed interval into the uptime accumulator
// under the connection state that was in force, then flips the state.
func (m *Monitor) accumulateLocked(now time.Time, connected bool) {
	if m.connected {
		m.upAccum += now.Sub(m.lastFlip)
	}
	m.lastFlip = now
	m.connected = connected
}

// Status returns the current snapshot.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked(m.now())
}

func (m *Monitor) statusLocked(now time.Time) Status {
	return Status{
		Connected:           m.connected,
		ConsecutiveFailures: m.failures,
		Restarts:            m.restarts,
		UptimePct:           m.uptimeLocked(now),
		LastLatency:         m.latency.Milliseconds(),
		LastProbeAt:         m.lastProbe,
		LastError:           m.lastErr,
	}
}

// uptimeLocked is Σ dt_connected / Σ dt_total since process start, in [0, 100].
func (m *Monitor) uptimeLocked(now time.Time) float64 {
	if m.startedAt.IsZero() {
		return 0
	}
	total := now.Sub(m.startedAt)
	if total <= 0 {
		return 0
	}
	up := m.upAccum
	if m.connected {
		up += now.Sub(m.lastFlip)
	}
	pct := 100 * float64(up) / float64(total)
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

func (m *Monitor) publish(snap Status, severity, reason string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish("tunnel", &events.TunnelStatusData{
		Connected:    snap.Connected,
		Severity:     severity,
		Reason:       reason,
		Failures:     snap.ConsecutiveFailures,
		Restarts:     snap.Restarts,
		UptimePct:    snap.UptimePct,
		LatencyMilli: snap.LastLatency,
	})
}
