package relay

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/allbin/picobridge/internal/log"
	"github.com/allbin/picobridge/internal/resilience"
)

// Handler processes one inbound event from a client. The result is sent
// back as the ack payload when the envelope carried an id.
type Handler func(p *Peer, env Envelope) (any, error)

// HubConfig tunes the server side
type HubConfig struct {
	SendBuffer   int
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// Hub is the server side of the relay: it accepts clients, broadcasts to
// them and dispatches their events
type Hub struct {
	cfg    HubConfig
	guard  *resilience.Guard
	logger zerolog.Logger

	mu       sync.RWMutex
	peers    map[string]*Peer
	handlers map[string]Handler
	onJoin   []func(*Peer)
	onLeave  []func(*Peer)
	closed   bool
}

// Peer is one connected client
type Peer struct {
	ID        string
	hub       *Hub
	conn      *websocket.Conn
	send      chan Envelope
	done      chan struct{}
	closeOnce sync.Once
	device    atomic.Pointer[DeviceInfo]
}

// NewHub creates a hub. Handler panics and errors go to guard.
func NewHub(guard *resilience.Guard, cfg HubConfig) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if guard == nil {
		guard = resilience.NewGuard(resilience.GuardConfig{})
	}
	return &Hub{
		cfg:      cfg,
		guard:    guard,
		logger:   log.With("relay"),
		peers:    make(map[string]*Peer),
		handlers: make(map[string]Handler),
	}
}

// Handle registers fn for inbound event. A later registration replaces an
// earlier one.
func (h *Hub) Handle(event string, fn Handler) {
	h.mu.Lock()
	h.handlers[event] = fn
	h.mu.Unlock()
}

// OnJoin registers fn for every accepted client
func (h *Hub) OnJoin(fn func(*Peer)) {
	h.mu.Lock()
	h.onJoin = append(h.onJoin, fn)
	h.mu.Unlock()
}

// OnLeave registers fn for every departed client
func (h *Hub) OnLeave(fn func(*Peer)) {
	h.mu.Lock()
	h.onLeave = append(h.onLeave, fn)
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Device returns the device session of any client that announced one
func (h *Hub) Device() (DeviceInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.peers {
		if d := p.device.Load(); d != nil {
			return *d, true
		}
	}
	return DeviceInfo{}, false
}

// Broadcast sends event to every client. Slow clients whose buffers are
// full miss the event.
func (h *Hub) Broadcast(event string, data any) {
	env, err := NewEnvelope(event, data)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to encode broadcast")
		return
	}

	h.mu.RLock()
	peers := make([]*Peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.RUnlock()

	for _, p := range peers {
		if !p.enqueue(env) {
			h.logger.Warn().Str("client", p.ID).Str("event", event).Msg("client send buffer full, dropping")
		}
	}
}

// ServeHTTP upgrades the request and runs the client until it leaves
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
		CompressionMode:    websocket.CompressionContextTakeover,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// the request context is not cancelled when the websocket goes away
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	p := &Peer{
		ID:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan Envelope, h.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	h.join(p)
	defer h.leave(p)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer h.guard.Recover("relay writer")
		p.writeLoop(ctx, cancel)
	}()
	go func() {
		defer wg.Done()
		defer h.guard.Recover("relay ping")
		p.pingLoop(ctx)
	}()

	p.readLoop(ctx)
	cancel()
	p.close()
	wg.Wait()
}

func (h *Hub) join(p *Peer) {
	h.mu.Lock()
	h.peers[p.ID] = p
	hooks := slices.Clone(h.onJoin)
	h.mu.Unlock()

	h.logger.Info().Str("client", p.ID).Msg("relay client connected")
	for _, fn := range hooks {
		resilience.SafeHandle(func() error { fn(p); return nil }, func(err error) {
			h.guard.Report("relay join hook", err)
		})
	}
}

func (h *Hub) leave(p *Peer) {
	h.mu.Lock()
	delete(h.peers, p.ID)
	hooks := slices.Clone(h.onLeave)
	h.mu.Unlock()

	h.logger.Info().Str("client", p.ID).Msg("relay client disconnected")
	for _, fn := range hooks {
		resilience.SafeHandle(func() error { fn(p); return nil }, func(err error) {
			h.guard.Report("relay leave hook", err)
		})
	}
}

func (h *Hub) dispatch(p *Peer, env Envelope) {
	h.mu.RLock()
	fn, ok := h.handlers[env.Event]
	h.mu.RUnlock()

	r := &ackResponder{peer: p, id: env.ID}
	if !ok {
		h.logger.Debug().Str("event", env.Event).Msg("no handler for relay event")
		r.Respond(false, map[string]string{"error": "unknown event"})
		return
	}
	resilience.HandleEvent(h.guard, env.Event, r, func() error {
		result, err := fn(p, env)
		if err != nil {
			return err
		}
		r.Respond(true, result)
		return nil
	})
}

// Close disconnects every client and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	peers := make([]*Peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		p.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (p *Peer) readLoop(ctx context.Context) {
	for {
		var env Envelope
		if err := wsjson.Read(ctx, p.conn, &env); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusGoingAway ||
				status == websocket.StatusNormalClosure ||
				status == websocket.StatusNoStatusRcvd ||
				ctx.Err() != nil {
				p.hub.logger.Debug().Str("client", p.ID).Int("closeStatus", int(status)).Msg("relay websocket closed")
			} else {
				p.hub.logger.Info().Err(err).Str("client", p.ID).Msg("relay websocket read error")
			}
			return
		}
		if env.Event == "" {
			continue
		}
		p.hub.dispatch(p, env)
	}
}

func (p *Peer) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case env := <-p.send:
			wctx, wcancel := context.WithTimeout(ctx, p.hub.cfg.WriteTimeout)
			err := wsjson.Write(wctx, p.conn, env)
			wcancel()
			if err != nil {
				if ctx.Err() == nil {
					p.hub.logger.Warn().Err(err).Str("client", p.ID).Msg("relay websocket write failed")
				}
				cancel()
				return
			}
		}
	}
}

func (p *Peer) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(p.hub.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.conn.Ping(ctx); err != nil {
				p.hub.logger.Debug().Err(err).Str("client", p.ID).Msg("relay ping failed")
				return
			}
		}
	}
}

func (p *Peer) enqueue(env Envelope) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- env:
		return true
	default:
		return false
	}
}

func (p *Peer) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// Emit sends event to this client only
func (p *Peer) Emit(event string, data any) error {
	env, err := NewEnvelope(event, data)
	if err != nil {
		return err
	}
	if !p.enqueue(env) {
		return ErrNotConnected
	}
	return nil
}

// SetDevice records the device session the client announced; nil clears it
func (p *Peer) SetDevice(d *DeviceInfo) {
	p.device.Store(d)
}

// Device returns the announced device session
func (p *Peer) Device() (DeviceInfo, bool) {
	if d := p.device.Load(); d != nil {
		return *d, true
	}
	return DeviceInfo{}, false
}

type ackResponder struct {
	peer *Peer
	id   string
	sent atomic.Bool
}

func (r *ackResponder) Respond(ok bool, data any) {
	if !r.sent.CompareAndSwap(false, true) || r.id == "" {
		return
	}
	env, err := NewEnvelope(EventAck, Ack{OK: ok, Data: data})
	if err != nil {
		return
	}
	env.ID = r.id
	r.peer.enqueue(env)
}

func (r *ackResponder) Responded() bool {
	return r.sent.Load()
}
