package server

import (
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemStatus is the operator-facing process and host snapshot.
type SystemStatus struct {
	BrokerConnected bool    `json:"broker_connected"`
	StreamClients   int     `json:"stream_clients"`
	EventSeq        uint64  `json:"event_seq"`
	UptimeSeconds   int64   `json:"uptime_seconds"`
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryPercent   float64 `json:"memory_percent"`
	MemoryUsedMB    float64 `json:"memory_used_mb"`
	DiskPercent     float64 `json:"disk_percent"`
	DiskFreeGB      float64 `json:"disk_free_gb"`
	HostUptimeSec   uint64  `json:"host_uptime_seconds"`
}

// handleSystemStatus reports process and host health. CPU sampling uses a
// 100ms window so the endpoint stays responsive for dashboard polling.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	status := SystemStatus{
		StreamClients: s.stream.ClientCount(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	if s.cfg.Conn != nil {
		status.BrokerConnected = s.cfg.Conn.IsConnected()
	}
	if s.cfg.Bus != nil {
		status.EventSeq = s.cfg.Bus.Seq()
	}

	if pct, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pct) > 0 {
		status.CPUPercent = pct[0]
	} else if err != nil {
		s.log.Warn().Err(err).Msg("Failed to sample CPU usage")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		status.MemoryPercent = vm.UsedPercent
		status.MemoryUsedMB = float64(vm.Used) / 1024 / 1024
	} else {
		s.log.Warn().Err(err).Msg("Failed to read memory statistics")
	}

	if du, err := disk.Usage("/"); err == nil {
		status.DiskPercent = du.UsedPercent
		status.DiskFreeGB = float64(du.Free) / 1024 / 1024 / 1024
	} else {
		s.log.Warn().Err(err).Msg("Failed to read disk usage")
	}

	if up, err := host.Uptime(); err == nil {
		status.HostUptimeSec = up
	}

	writeJSON(w, http.StatusOK, status)
}
