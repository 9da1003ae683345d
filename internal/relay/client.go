package relay

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/allbin/picobridge/internal/log"
)

// DeviceWriter receives serial-data from the server, usually the client's
// serial.Channel
type DeviceWriter interface {
	Write(ctx context.Context, p []byte) error
}

// ClientConfig configures the client side
type ClientConfig struct {
	URL string
	// ReconnectInterval is the fixed wait between attempts. There is no
	// attempt limit.
	ReconnectInterval time.Duration
	WriteTimeout      time.Duration
	Header            http.Header
}

// Client is the device-holding end of the relay
type Client struct {
	cfg    ClientConfig
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string][]func(Envelope)
	writer   DeviceWriter
	// session is the active device session; pending holds a disconnected
	// notification that could not be sent yet
	session *DeviceInfo
	pending *DeviceInfo

	writeMu   sync.Mutex
	connected atomic.Bool
}

// NewClient creates a client; call Run to connect
func NewClient(cfg ClientConfig) *Client {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Client{
		cfg:      cfg,
		dialer:   websocket.DefaultDialer,
		logger:   log.With("relay-client"),
		handlers: make(map[string][]func(Envelope)),
	}
}

// On registers fn for an inbound or lifecycle event
func (c *Client) On(event string, fn func(Envelope)) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], fn)
	c.mu.Unlock()
}

// SetDeviceWriter sets where inbound serial-data goes
func (c *Client) SetDeviceWriter(w DeviceWriter) {
	c.mu.Lock()
	c.writer = w
	c.mu.Unlock()
}

// Connected reports whether the websocket is up
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Run connects and reconnects every ReconnectInterval until ctx is done
func (c *Client) Run(ctx context.Context) error {
	for {
		c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		timer := time.NewTimer(c.cfg.ReconnectInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) runOnce(ctx context.Context) {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		c.logger.Debug().Err(err).Str("url", c.cfg.URL).Msg("relay connect failed")
		c.local(EventConnectError, map[string]string{"error": err.Error()})
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)
	c.logger.Info().Str("url", c.cfg.URL).Msg("relay connected")
	c.local(EventConnect, nil)
	c.resume()

	stop := context.AfterFunc(ctx, func() {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	})
	defer stop()

	c.readLoop(ctx, conn)

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	c.connected.Store(false)
	conn.Close()

	c.logger.Info().Msg("relay disconnected")
	c.local(EventDisconnect, nil)
}

// resume flushes a disconnected notification that was missed while
// offline, then re-announces the current device session
func (c *Client) resume() {
	c.mu.Lock()
	session, pending := c.session, c.pending
	c.pending = nil
	c.mu.Unlock()

	if pending != nil {
		if err := c.Emit(EventDisconnected, *pending); err != nil {
			c.mu.Lock()
			if c.pending == nil {
				c.pending = pending
			}
			c.mu.Unlock()
			return
		}
	}
	if session != nil {
		c.Emit(EventConnected, *session)
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("relay read error")
			}
			return
		}
		if env.Event == EventSerialData {
			c.forward(ctx, env)
		}
		c.deliver(env)
	}
}

// forward writes server serial-data to the device. Failures are logged
// and otherwise ignored.
func (c *Client) forward(ctx context.Context, env Envelope) {
	c.mu.Lock()
	w := c.writer
	c.mu.Unlock()
	if w == nil {
		return
	}

	var data []byte
	if err := env.Decode(&data); err != nil {
		c.logger.Warn().Err(err).Msg("bad serial-data payload")
		return
	}
	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := w.Write(wctx, data); err != nil {
		c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("device write failed")
	}
}

func (c *Client) deliver(env Envelope) {
	c.mu.Lock()
	fns := slices.Clone(c.handlers[env.Event])
	c.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error().Interface("panic", r).Str("event", env.Event).Msg("relay handler panicked")
				}
			}()
			fn(env)
		}()
	}
}

func (c *Client) local(event string, data any) {
	env, err := NewEnvelope(event, data)
	if err != nil {
		return
	}
	c.deliver(env)
}

// Emit sends event to the server
func (c *Client) Emit(event string, data any) error {
	env, err := NewEnvelope(event, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(env); err != nil {
		return errors.Join(ErrNotConnected, err)
	}
	return nil
}

// SendSerial forwards device output to the server
func (c *Client) SendSerial(p []byte) error {
	return c.Emit(EventSerialData, p)
}

// DeviceConnected starts a device session and announces it
func (c *Client) DeviceConnected(baudRate int) {
	info := &DeviceInfo{BaudRate: baudRate}
	c.mu.Lock()
	c.session = info
	c.mu.Unlock()

	if !c.Connected() {
		c.logger.Debug().Msg("connected announcement deferred until relay is up")
		return
	}
	c.resume()
}

// DeviceDisconnected ends the device session. The server is told exactly
// once per session; if the relay is down the notification is sent on the
// next connect.
func (c *Client) DeviceDisconnected() {
	c.mu.Lock()
	info := c.session
	c.session = nil
	c.mu.Unlock()
	if info == nil {
		return
	}

	if err := c.Emit(EventDisconnected, *info); err != nil {
		c.mu.Lock()
		c.pending = info
		c.mu.Unlock()
	}
}
