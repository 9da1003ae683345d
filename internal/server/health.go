package server

import (
	"time"

	"github.com/allbin/picobridge/internal/adapter"
	"github.com/allbin/picobridge/internal/ptyproxy"
	"github.com/allbin/picobridge/internal/relay"
	"github.com/allbin/picobridge/internal/resilience"
	"github.com/allbin/picobridge/internal/watch"
)

// Health is the diagnostic snapshot served at /api/health
type Health struct {
	Status        string                    `json:"status"`
	Uptime        string                    `json:"uptime"`
	UptimeSeconds float64                   `json:"uptimeSeconds"`
	PTY           *ptyproxy.Status          `json:"pty,omitempty"`
	Adapter       adapter.Status            `json:"adapter"`
	Watcher       *watch.Status             `json:"watcher,omitempty"`
	Handlers      int                       `json:"handlers"`
	RelayClients  int                       `json:"relayClients"`
	Device        *relay.DeviceInfo         `json:"device,omitempty"`
	RecentErrors  int                       `json:"recentErrors"`
	TotalErrors   int                       `json:"totalErrors"`
	Breaker       *resilience.BreakerStatus `json:"breaker,omitempty"`
}

// Health collects status from every component without changing any
func (s *Server) Health() Health {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	var uptime time.Duration
	if !started.IsZero() {
		uptime = time.Since(started).Truncate(time.Second)
	}

	h := Health{
		Uptime:        uptime.String(),
		UptimeSeconds: uptime.Seconds(),
		Adapter:       s.adapter.Status(),
		Handlers:      s.adapter.HandlerCount(),
		RelayClients:  s.hub.ClientCount(),
		RecentErrors:  s.guard.Count(),
		TotalErrors:   s.guard.Total(),
	}

	if sp, ok := s.source.(interface{ Status() ptyproxy.Status }); ok {
		st := sp.Status()
		h.PTY = &st
	}
	if s.watcher != nil {
		st := s.watcher.Status()
		h.Watcher = &st
	}
	if d, ok := s.hub.Device(); ok {
		h.Device = &d
	}
	if s.breaker != nil {
		st := s.breaker.Status()
		h.Breaker = &st
	}

	switch s.adapter.State() {
	case adapter.Open:
		h.Status = "ok"
	case adapter.Degraded:
		h.Status = "degraded"
	default:
		h.Status = s.adapter.State().String()
	}
	return h
}
