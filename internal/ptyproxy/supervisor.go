// Package ptyproxy keeps a virtual serial device alive at a stable path.
//
// Two PTYs are bridged back to back. Local tools open the link path; the
// adapter opens the other end (the remote endpoint). The supervisor only
// starts and stops the bridge and reports its liveness; deciding when to
// restart belongs to the caller.
package ptyproxy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/allbin/picobridge/internal/log"
)

// Backend selects how the PTY pair is bridged
type Backend string

const (
	// BackendSocat runs an external socat process
	BackendSocat Backend = "socat"
	// BackendNative bridges two creack/pty pairs in-process
	BackendNative Backend = "native"
)

var ErrAlreadyRunning = errors.New("ptyproxy: already running")

// ErrStopped is returned by a Start that was overtaken by Stop
var ErrStopped = errors.New("ptyproxy: stopped while starting")

// SpawnError is returned by Start when the bridge could not be brought up
type SpawnError struct {
	Backend Backend
	Output  string
	Err     error
}

func (e *SpawnError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("ptyproxy: %s failed to start: %v (output: %s)", e.Backend, e.Err, e.Output)
	}
	return fmt.Sprintf("ptyproxy: %s failed to start: %v", e.Backend, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Config describes the proxy
type Config struct {
	LinkPath     string
	Backend      Backend
	SocatPath    string
	StartTimeout time.Duration
}

// Status is a snapshot for the health surface
type Status struct {
	LinkPath   string  `json:"linkPath"`
	LinkExists bool    `json:"linkExists"`
	Alive      bool    `json:"alive"`
	Endpoint   string  `json:"endpoint,omitempty"`
	PID        int     `json:"pid,omitempty"`
	Backend    Backend `json:"backend"`
}

// bridge is one running backend instance
type bridge interface {
	endpoint() string
	pid() int
	// done is closed when the bridge stops for any reason
	done() <-chan struct{}
	err() error
	stop() error
}

// Supervisor owns at most one running bridge
type Supervisor struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	current  bridge
	starting bool
	stopping bool
	onExit   []func(error)
}

// New returns a stopped supervisor
func New(cfg Config) *Supervisor {
	if cfg.Backend == "" {
		cfg.Backend = BackendSocat
	}
	if cfg.SocatPath == "" {
		cfg.SocatPath = "socat"
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 5 * time.Second
	}
	return &Supervisor{
		cfg:    cfg,
		logger: log.With("ptyproxy"),
	}
}

// OnExit registers fn to run when a bridge dies on its own. It is not
// called for Stop.
func (s *Supervisor) OnExit(fn func(error)) {
	s.mu.Lock()
	s.onExit = append(s.onExit, fn)
	s.mu.Unlock()
}

// Start brings the bridge up and returns the remote endpoint path
func (s *Supervisor) Start(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.current != nil || s.starting {
		s.mu.Unlock()
		return "", ErrAlreadyRunning
	}
	s.starting = true
	s.stopping = false
	s.mu.Unlock()

	startCtx, cancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
	defer cancel()

	var (
		b   bridge
		err error
	)
	switch s.cfg.Backend {
	case BackendSocat:
		b, err = startSocat(startCtx, s.cfg.SocatPath, s.cfg.LinkPath, s.logger)
	case BackendNative:
		b, err = startNative(s.cfg.LinkPath, s.logger)
	default:
		err = &SpawnError{Backend: s.cfg.Backend, Err: fmt.Errorf("unknown backend %q", s.cfg.Backend)}
	}
	if err != nil {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
		s.logger.Error().Err(err).Str("link", s.cfg.LinkPath).Msg("pty proxy failed to start")
		return "", err
	}

	s.mu.Lock()
	s.starting = false
	if s.stopping {
		s.mu.Unlock()
		b.stop()
		return "", ErrStopped
	}
	s.current = b
	s.mu.Unlock()

	go s.watch(b)

	s.logger.Info().
		Str("backend", string(s.cfg.Backend)).
		Str("link", s.cfg.LinkPath).
		Str("endpoint", b.endpoint()).
		Int("pid", b.pid()).
		Msg("pty proxy started")
	return b.endpoint(), nil
}

func (s *Supervisor) watch(b bridge) {
	<-b.done()

	s.mu.Lock()
	if s.current != b {
		s.mu.Unlock()
		return
	}
	s.current = nil
	intentional := s.stopping
	hooks := make([]func(error), len(s.onExit))
	copy(hooks, s.onExit)
	s.mu.Unlock()

	if intentional {
		return
	}

	exitErr := b.err()
	s.logger.Warn().Err(exitErr).Str("link", s.cfg.LinkPath).Msg("pty proxy exited")
	for _, fn := range hooks {
		fn(exitErr)
	}
}

// Stop tears the bridge down. Stopping a stopped supervisor is a no-op.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	b := s.current
	if b == nil {
		// a Start in flight tears its bridge down when it sees stopping
		if s.starting {
			s.stopping = true
		}
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.current = nil
	s.mu.Unlock()

	err := b.stop()
	s.logger.Info().Str("link", s.cfg.LinkPath).Msg("pty proxy stopped")
	return err
}

// Alive reports whether a bridge is running
func (s *Supervisor) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Endpoint returns the remote endpoint of the running bridge, or ""
func (s *Supervisor) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.endpoint()
}

// Status never fails; a missing link simply reports LinkExists false
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	b := s.current
	s.mu.Unlock()

	st := Status{
		LinkPath: s.cfg.LinkPath,
		Backend:  s.cfg.Backend,
	}
	if _, err := os.Stat(s.cfg.LinkPath); err == nil {
		st.LinkExists = true
	}
	if b != nil {
		st.Alive = true
		st.Endpoint = b.endpoint()
		st.PID = b.pid()
	}
	return st
}
