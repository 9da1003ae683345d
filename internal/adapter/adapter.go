// Package adapter owns the server side serial connection to the PTY
// remote endpoint and keeps it open across device and proxy failures.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	serial "github.com/allbin/picobridge"
	"github.com/allbin/picobridge/internal/log"
	"github.com/allbin/picobridge/internal/resilience"
)

var (
	// ErrNotOpen is passed to write callbacks while no connection is open
	ErrNotOpen = errors.New("adapter: connection not open")
	// ErrAlreadyInitialized is returned by a second Initialize
	ErrAlreadyInitialized = errors.New("adapter: already initialized")
	// ErrShutdown is returned after Shutdown
	ErrShutdown = errors.New("adapter: shut down")
	// ErrNoEndpoint means there is neither an endpoint source nor a path
	ErrNoEndpoint = errors.New("adapter: no endpoint to open")
	// ErrBusy is returned by Reinitialize while an attempt is running
	ErrBusy = errors.New("adapter: initialization in progress")
)

// InitError describes a failed (re)initialization
type InitError struct {
	Stage string // "endpoint" or "open"
	Path  string
	Err   error
}

func (e *InitError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("adapter: %s %s: %v", e.Stage, e.Path, e.Err)
	}
	return fmt.Sprintf("adapter: %s: %v", e.Stage, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// Conn is the part of serial.Channel the adapter needs
type Conn interface {
	Write(ctx context.Context, p []byte) error
	Subscribe(handler serial.DataHandler) func()
	OnClose(handler serial.CloseHandler)
	Start() error
	Close() error
}

var _ Conn = (*serial.Channel)(nil)

// Opener opens path as a Conn
type Opener func(path string) (Conn, error)

// SerialOpener opens real ttys at the given baud rate
func SerialOpener(baudRate int) Opener {
	return func(path string) (Conn, error) {
		ch, err := serial.OpenChannel(path, serial.WithBaudRate(baudRate))
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
}

// EndpointSource produces the path to open, typically a PTY supervisor.
// The adapter restarts it when it is not alive.
type EndpointSource interface {
	Start(ctx context.Context) (string, error)
	Alive() bool
	Endpoint() string
	OnExit(fn func(error))
}

// Config tunes recovery
type Config struct {
	// Path is opened directly when no EndpointSource is set
	Path           string
	BaudRate       int
	ReconnectBase  time.Duration
	MaxReconnects  int
	PTYRestartBase time.Duration
	MaxPTYRestarts int
	WriteTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.BaudRate == 0 {
		c.BaudRate = 115200
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 5
	}
	if c.PTYRestartBase <= 0 {
		c.PTYRestartBase = time.Second
	}
	if c.MaxPTYRestarts <= 0 {
		c.MaxPTYRestarts = 3
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
}

// Option configures an Adapter
type Option func(*Adapter)

// WithOpener replaces the serial opener
func WithOpener(open Opener) Option {
	return func(a *Adapter) { a.open = open }
}

// WithEndpointSource makes the adapter open whatever the source reports
func WithEndpointSource(src EndpointSource) Option {
	return func(a *Adapter) { a.source = src }
}

// WithGuard routes background failures to g
func WithGuard(g *resilience.Guard) Option {
	return func(a *Adapter) { a.guard = g }
}

type handlerEntry struct {
	id int
	fn serial.DataHandler
}

// Adapter keeps one Conn open and re-attaches its handlers after every
// reconnect
type Adapter struct {
	cfg    Config
	open   Opener
	source EndpointSource
	guard  *resilience.Guard
	logger zerolog.Logger

	reconnects  *resilience.Counter
	ptyRestarts *resilience.Counter

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	conn      Conn
	path      string
	handlers  []handlerEntry
	nextID    int
	subs      map[int]func()
	timer     *time.Timer
	lastErr   error
	listeners []func(State)
}

// New creates an Uninitialized adapter
func New(cfg Config, opts ...Option) *Adapter {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		cfg:         cfg,
		logger:      log.With("adapter"),
		reconnects:  resilience.NewCounter(cfg.MaxReconnects, cfg.ReconnectBase),
		ptyRestarts: resilience.NewCounter(cfg.MaxPTYRestarts, cfg.PTYRestartBase),
		ctx:         ctx,
		cancel:      cancel,
		subs:        make(map[int]func()),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.open == nil {
		a.open = SerialOpener(cfg.BaudRate)
	}
	if a.guard == nil {
		a.guard = resilience.NewGuard(resilience.GuardConfig{})
	}
	if a.source != nil {
		a.source.OnExit(a.endpointLost)
	}
	return a
}

// OnStateChange registers fn for every state transition
func (a *Adapter) OnStateChange(fn func(State)) {
	a.mu.Lock()
	a.listeners = append(a.listeners, fn)
	a.mu.Unlock()
}

// setState must be called with mu held; listeners run after unlock via the
// returned func
func (a *Adapter) setState(s State) func() {
	from := a.state
	if from == s {
		return func() {}
	}
	a.state = s
	a.logger.Info().Str("from", from.String()).Str("to", s.String()).Msg("adapter state")

	listeners := make([]func(State), len(a.listeners))
	copy(listeners, a.listeners)
	return func() {
		for _, fn := range listeners {
			fn(s)
		}
	}
}

// State returns the current state
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Initialize opens the endpoint for the first time. On failure it returns
// an *InitError and keeps retrying in the background.
func (a *Adapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case Uninitialized:
	case Shutdown:
		a.mu.Unlock()
		return ErrShutdown
	default:
		a.mu.Unlock()
		return ErrAlreadyInitialized
	}
	notify := a.setState(Initializing)
	a.mu.Unlock()
	notify()

	return a.connect(ctx)
}

// Reinitialize clears degradation and counters and opens a fresh
// connection
func (a *Adapter) Reinitialize(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case Shutdown:
		a.mu.Unlock()
		return ErrShutdown
	case Initializing:
		a.mu.Unlock()
		return ErrBusy
	}
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	stale := a.teardownLocked()
	notify := a.setState(Initializing)
	a.mu.Unlock()
	notify()
	a.closeStale(stale)

	a.reconnects.Reset()
	a.ptyRestarts.Reset()
	return a.connect(ctx)
}

// connect runs one initialization attempt. The state is Initializing.
func (a *Adapter) connect(ctx context.Context) error {
	conn, path, err := a.openConn(ctx)

	a.mu.Lock()
	if a.state == Shutdown {
		a.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrShutdown
	}
	if err != nil {
		a.lastErr = err
		notify := a.setState(Erroring)
		a.mu.Unlock()
		notify()

		a.logger.Warn().Err(err).Msg("adapter initialization failed")
		a.scheduleReconnect()
		return err
	}

	a.conn = conn
	a.path = path
	for _, h := range a.handlers {
		a.subs[h.id] = conn.Subscribe(h.fn)
	}
	conn.OnClose(func(abnormal bool, err error) {
		a.connClosed(conn, abnormal, err)
	})
	a.lastErr = nil
	notify := a.setState(Open)
	a.mu.Unlock()

	if err := conn.Start(); err != nil {
		notify()
		a.failed(conn, err)
		return &InitError{Stage: "open", Path: path, Err: err}
	}

	a.reconnects.Reset()
	a.logger.Info().Str("path", path).Int("handlers", a.HandlerCount()).Msg("adapter connection open")
	notify()
	return nil
}

func (a *Adapter) openConn(ctx context.Context) (Conn, string, error) {
	path, err := a.endpoint(ctx)
	if err != nil {
		return nil, "", err
	}
	conn, err := a.open(path)
	if err != nil {
		return nil, path, &InitError{Stage: "open", Path: path, Err: err}
	}
	return conn, path, nil
}

// endpoint resolves the path to open, restarting the source if it died
func (a *Adapter) endpoint(ctx context.Context) (string, error) {
	if a.source == nil {
		if a.cfg.Path == "" {
			return "", &InitError{Stage: "endpoint", Err: ErrNoEndpoint}
		}
		return a.cfg.Path, nil
	}

	if a.source.Alive() {
		return a.source.Endpoint(), nil
	}

	_, attempt, ok := a.ptyRestarts.Next()
	if !ok {
		return "", &InitError{Stage: "endpoint", Err: fmt.Errorf("pty restarts exhausted after %d attempts", attempt)}
	}
	a.logger.Warn().Int("attempt", attempt).Msg("restarting pty proxy")

	path, err := a.source.Start(ctx)
	if err != nil {
		return "", &InitError{Stage: "endpoint", Err: err}
	}
	a.ptyRestarts.Reset()
	return path, nil
}

// scheduleReconnect arms the backoff timer or gives up
func (a *Adapter) scheduleReconnect() {
	delay, attempt, ok := a.reconnects.Next()

	a.mu.Lock()
	if a.state == Shutdown {
		a.mu.Unlock()
		return
	}
	if !ok {
		notify := a.setState(Degraded)
		a.mu.Unlock()
		notify()
		a.logger.Error().Int("attempts", attempt).Msg("adapter gave up reconnecting")
		return
	}

	notify := a.setState(Reconnecting)
	a.timer = time.AfterFunc(delay, func() {
		defer a.guard.Recover("adapter reconnect")
		a.reconnect()
	})
	a.mu.Unlock()
	notify()

	a.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("adapter reconnect scheduled")
}

func (a *Adapter) reconnect() {
	a.mu.Lock()
	if a.state != Reconnecting {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	stale := a.teardownLocked()
	notify := a.setState(Initializing)
	a.mu.Unlock()
	notify()
	a.closeStale(stale)

	a.connect(a.ctx)
}

// teardownLocked detaches the current connection and returns it. mu must
// be held. The caller closes it with closeStale after releasing mu, since
// Close waits for the read loop and a close listener takes mu.
func (a *Adapter) teardownLocked() Conn {
	for id, unsubscribe := range a.subs {
		unsubscribe()
		delete(a.subs, id)
	}
	conn := a.conn
	a.conn = nil
	a.path = ""
	return conn
}

// closeStale closes a detached connection before a new one is opened
func (a *Adapter) closeStale(conn Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		a.logger.Debug().Err(err).Msg("closing stale connection")
	}
}

func (a *Adapter) connClosed(conn Conn, abnormal bool, err error) {
	if !abnormal {
		err = nil
	}
	a.failed(conn, err)
}

// failed handles error and close events from conn. Events from a
// connection that is no longer current, or that arrive while the adapter
// is not Open, are ignored.
func (a *Adapter) failed(conn Conn, err error) {
	a.mu.Lock()
	if a.conn != conn || a.state != Open {
		a.mu.Unlock()
		return
	}
	next := Closed
	if err != nil {
		next = Erroring
		a.lastErr = err
	}
	notify := a.setState(next)
	a.mu.Unlock()
	notify()

	a.logger.Warn().Err(err).Msg("adapter connection lost")
	a.scheduleReconnect()
}

// endpointLost is the source's exit hook
func (a *Adapter) endpointLost(err error) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn != nil {
		a.failed(conn, fmt.Errorf("pty proxy exited: %w", err))
	}
}

// Write sends data to the device. It never panics or returns an error:
// the outcome goes to callback, which may be nil.
func (a *Adapter) Write(data []byte, callback func(error)) {
	a.mu.Lock()
	conn, state := a.conn, a.state
	a.mu.Unlock()

	report := func(err error) {
		if callback != nil {
			resilience.SafeHandle(func() error { callback(err); return nil }, func(perr error) {
				a.guard.Report("adapter write callback", perr)
			})
		}
	}

	if state != Open || conn == nil {
		a.logger.Debug().Int("bytes", len(data)).Str("state", state.String()).Msg("write dropped, not open")
		report(ErrNotOpen)
		return
	}

	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.WriteTimeout)
	defer cancel()
	err := resilience.Safe(func() error { return conn.Write(ctx, data) })
	if err != nil && !errors.Is(err, context.Canceled) {
		a.failed(conn, err)
	}
	report(err)
}

// OnData registers a durable handler. It stays registered across
// reconnects until the returned func is called.
func (a *Adapter) OnData(handler serial.DataHandler) func() {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.handlers = append(a.handlers, handlerEntry{id: id, fn: handler})
	if a.conn != nil {
		a.subs[id] = a.conn.Subscribe(handler)
	}
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		for i, h := range a.handlers {
			if h.id == id {
				a.handlers = append(a.handlers[:i:i], a.handlers[i+1:]...)
				break
			}
		}
		if unsubscribe, ok := a.subs[id]; ok {
			unsubscribe()
			delete(a.subs, id)
		}
	}
}

// HandlerCount returns the number of durable handlers
func (a *Adapter) HandlerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.handlers)
}

// Shutdown closes the connection and stops all recovery
func (a *Adapter) Shutdown() error {
	a.mu.Lock()
	if a.state == Shutdown {
		a.mu.Unlock()
		return nil
	}
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	conn := a.conn
	a.conn = nil
	for id, unsubscribe := range a.subs {
		unsubscribe()
		delete(a.subs, id)
	}
	notify := a.setState(Shutdown)
	a.mu.Unlock()
	notify()

	a.cancel()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Status is a side effect free snapshot
type Status struct {
	State       string                   `json:"state"`
	Path        string                   `json:"path,omitempty"`
	Handlers    int                      `json:"handlers"`
	Reconnects  resilience.CounterStatus `json:"reconnects"`
	PTYRestarts resilience.CounterStatus `json:"ptyRestarts"`
	LastError   string                   `json:"lastError,omitempty"`
}

// Status reports the adapter state
func (a *Adapter) Status() Status {
	a.mu.Lock()
	st := Status{
		State:    a.state.String(),
		Path:     a.path,
		Handlers: len(a.handlers),
	}
	if a.lastErr != nil {
		st.LastError = a.lastErr.Error()
	}
	a.mu.Unlock()

	st.Reconnects = a.reconnects.Status()
	st.PTYRestarts = a.ptyRestarts.Status()
	return st
}
