// Package server runs the bridge: the virtual serial port, the relay
// endpoint remote clients attach their device to, and the workspace API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/allbin/picobridge/internal/adapter"
	"github.com/allbin/picobridge/internal/config"
	"github.com/allbin/picobridge/internal/firmware"
	"github.com/allbin/picobridge/internal/log"
	"github.com/allbin/picobridge/internal/ptyproxy"
	"github.com/allbin/picobridge/internal/relay"
	"github.com/allbin/picobridge/internal/resilience"
	"github.com/allbin/picobridge/internal/watch"
)

// Server owns every long-lived component and their lifecycle
type Server struct {
	cfg config.Config

	guard    *resilience.Guard
	source   adapter.EndpointSource
	adapter  *adapter.Adapter
	hub      *relay.Hub
	watcher  *watch.Watcher
	firmware firmware.Lookup
	breaker  *resilience.Breaker

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	router         *gin.Engine

	mu      sync.Mutex
	started time.Time
	http    *http.Server
}

// Option customises New
type Option func(*options)

type options struct {
	source   adapter.EndpointSource
	opener   adapter.Opener
	firmware firmware.Lookup
	guard    *resilience.Guard
}

// WithEndpointSource replaces the PTY supervisor
func WithEndpointSource(src adapter.EndpointSource) Option {
	return func(o *options) { o.source = src }
}

// WithOpener replaces how the adapter opens the endpoint
func WithOpener(open adapter.Opener) Option {
	return func(o *options) { o.opener = open }
}

// WithFirmwareLookup replaces the catalog lookup. It is still wrapped in
// the breaker.
func WithFirmwareLookup(l firmware.Lookup) Option {
	return func(o *options) { o.firmware = l }
}

// WithGuard shares a guard created by the caller
func WithGuard(g *resilience.Guard) Option {
	return func(o *options) { o.guard = g }
}

// New builds the components and routes. Nothing runs until Start.
func New(cfg config.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:            cfg,
		guard:          o.guard,
		source:         o.source,
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}
	if s.guard == nil {
		s.guard = resilience.NewGuard(cfg.Guard())
	}
	if s.source == nil {
		s.source = ptyproxy.New(cfg.PTYProxy())
	}

	adapterOpts := []adapter.Option{
		adapter.WithEndpointSource(s.source),
		adapter.WithGuard(s.guard),
	}
	if o.opener != nil {
		adapterOpts = append(adapterOpts, adapter.WithOpener(o.opener))
	}
	s.adapter = adapter.New(cfg.AdapterConfig(), adapterOpts...)
	s.hub = relay.NewHub(s.guard, cfg.Hub())

	if cfg.Watcher.Enabled {
		s.watcher = watch.New(cfg.Watch(), s.guard, s.filesChanged)
	}

	lookup := o.firmware
	if lookup == nil && cfg.Firmware.CatalogURL != "" {
		lookup = firmware.NewHTTPLookup(cfg.Firmware.CatalogURL, nil, cfg.Firmware.Timeout)
	}
	if lookup != nil {
		s.breaker = resilience.NewBreaker(cfg.BreakerFor("firmware"))
		s.firmware = firmware.NewBreakerLookup(lookup, s.breaker)
	}

	s.connectServices()
	s.setupRouter()

	log.Info().Msg("server initialized")
	return s, nil
}

// connectServices wires the device side to the relay
func (s *Server) connectServices() {
	// local tool -> virtual port -> relay clients
	s.adapter.OnData(func(data []byte) {
		s.hub.Broadcast(relay.EventSerialData, data)
	})

	// relay client -> virtual port -> local tool
	s.hub.Handle(relay.EventSerialData, func(p *relay.Peer, env relay.Envelope) (any, error) {
		var data []byte
		if err := env.Decode(&data); err != nil {
			return nil, err
		}
		s.adapter.Write(data, func(err error) {
			if err != nil {
				log.Debug().Err(err).Str("client", p.ID).Msg("device output dropped")
			}
		})
		return nil, nil
	})

	s.hub.Handle(relay.EventConnected, func(p *relay.Peer, env relay.Envelope) (any, error) {
		var info relay.DeviceInfo
		if err := env.Decode(&info); err != nil {
			return nil, err
		}
		p.SetDevice(&info)
		if info.BaudRate != s.cfg.Adapter.BaudRate {
			log.Warn().Int("device", info.BaudRate).Int("port", s.cfg.Adapter.BaudRate).Msg("device baud rate differs from virtual port")
		}
		s.hub.Broadcast(relay.EventStatus, relay.Status{
			Level:   "info",
			Message: fmt.Sprintf("device connected at %d baud", info.BaudRate),
		})
		return nil, nil
	})

	s.hub.Handle(relay.EventDisconnected, func(p *relay.Peer, env relay.Envelope) (any, error) {
		p.SetDevice(nil)
		s.hub.Broadcast(relay.EventStatus, relay.Status{Level: "info", Message: "device disconnected"})
		return nil, nil
	})

	s.hub.OnLeave(func(p *relay.Peer) {
		if _, ok := p.Device(); ok {
			s.hub.Broadcast(relay.EventStatus, relay.Status{Level: "warn", Message: "device client went away"})
		}
	})

	s.adapter.OnStateChange(func(st adapter.State) {
		level := "info"
		switch st {
		case adapter.Erroring, adapter.Reconnecting:
			level = "warn"
		case adapter.Degraded:
			level = "error"
		}
		s.hub.Broadcast(relay.EventStatus, relay.Status{Level: level, Message: "virtual port " + st.String()})
	})
}

func (s *Server) filesChanged(paths []string) {
	s.hub.Broadcast(relay.EventFilesChanged, relay.FilesChanged{Paths: paths})
}

func (s *Server) setupRouter() {
	if s.cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.router.Use(log.GinLogger())
	// gzip wraps recovery so a recovered error body still reaches the
	// compressed writer before it is closed
	s.router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{
		"/ws",
	})))
	s.router.Use(resilience.Recovery(s.guard))
	if s.cfg.Server.RateLimit > 0 {
		s.router.Use(rateLimit(s.shutdownCtx, s.cfg.Server.RateLimit, s.cfg.Server.RateBurst))
	}
	s.router.SetTrustedProxies(nil)

	s.setupRoutes()
}

// Start brings up the watcher, the virtual port and the HTTP listener. It
// blocks until the listener stops; http.ErrServerClosed means Shutdown.
func (s *Server) Start() error {
	log.Info().Msg("starting server components")
	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()

	if s.watcher != nil {
		if err := s.watcher.Start(s.shutdownCtx); err != nil {
			// the API works without change notifications
			log.Warn().Err(err).Str("root", s.cfg.Workspace.Root).Msg("file watcher not started")
		}
	}

	if err := s.adapter.Initialize(s.shutdownCtx); err != nil {
		var initErr *adapter.InitError
		if !errors.As(err, &initErr) {
			return fmt.Errorf("initialize virtual port: %w", err)
		}
		log.Warn().Err(err).Msg("virtual port not ready, retrying in background")
	}

	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.router,
		ErrorLog:          log.StdErrorLogger(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	if s.shutdownCtx.Err() != nil {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.http = srv
	s.mu.Unlock()

	log.Info().
		Str("addr", srv.Addr).
		Str("env", s.cfg.Env).
		Str("link", s.cfg.PTY.LinkPath).
		Msg("HTTP server starting")

	return srv.ListenAndServe()
}

// Shutdown stops the listener and every component
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down server")
	s.mu.Lock()
	s.shutdownCancel()
	srv := s.http
	s.mu.Unlock()

	s.hub.Close()
	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http server shutdown error")
			errs = append(errs, err)
		}
	}

	if s.watcher != nil {
		s.watcher.Stop()
	}
	if err := s.adapter.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if stopper, ok := s.source.(interface{ Stop() error }); ok {
		if err := stopper.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	log.Info().Msg("server shutdown complete")
	return errors.Join(errs...)
}

func (s *Server) Router() *gin.Engine       { return s.router }
func (s *Server) Hub() *relay.Hub           { return s.hub }
func (s *Server) Adapter() *adapter.Adapter { return s.adapter }
func (s *Server) Guard() *resilience.Guard  { return s.guard }
