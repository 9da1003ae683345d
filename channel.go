package serial

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/allbin/picobridge/internal/log"
)

// DataHandler receives a chunk of inbound bytes. The slice is owned by the
// handler once delivered.
type DataHandler func(data []byte)

// CloseHandler is told when the read loop stops. abnormal is true only when
// the loop died while it was still supposed to be reading.
type CloseHandler func(abnormal bool, err error)

// Channel owns one open Port and turns it into a stream of byte chunks for
// any number of subscribers. It has no protocol knowledge.
type Channel struct {
	port Port

	mu        sync.Mutex
	nextID    int
	handlers  []subscription
	onClose   []CloseHandler
	loopDone  chan struct{}
	closed    bool
	closeOnce sync.Once

	keepReading atomic.Bool
	writeMu     sync.Mutex
	bufSize     int
}

type subscription struct {
	id int
	fn DataHandler
}

// OpenChannel opens device and wraps it in a Channel. The read loop is not
// started until Start is called so subscribers can be attached first.
func OpenChannel(device string, opts ...Option) (*Channel, error) {
	p, err := Open(device, opts...)
	if err != nil {
		return nil, err
	}
	return NewChannel(p), nil
}

// NewChannel wraps an already open Port
func NewChannel(p Port) *Channel {
	return &Channel{
		port:    p,
		bufSize: 1024,
	}
}

// Port returns the underlying port
func (c *Channel) Port() Port {
	return c.port
}

// BaudRate reports the configured line speed
func (c *Channel) BaudRate() int {
	return c.port.Config().BaudRate
}

// Subscribe registers handler for inbound chunks. Handlers run on the read
// goroutine in registration order. The returned func removes it.
func (c *Channel) Subscribe(handler DataHandler) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers = append(c.handlers, subscription{id: id, fn: handler})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.handlers {
			if s.id == id {
				c.handlers = append(c.handlers[:i:i], c.handlers[i+1:]...)
				return
			}
		}
	}
}

// OnClose registers a listener for read loop termination
func (c *Channel) OnClose(handler CloseHandler) {
	c.mu.Lock()
	c.onClose = append(c.onClose, handler)
	c.mu.Unlock()
}

// Start launches the read loop. Calling Start on a running loop is a no-op;
// after Stop it starts a fresh loop on the same port.
func (c *Channel) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrPortClosed
	}
	if c.loopDone != nil {
		select {
		case <-c.loopDone:
		default:
			return nil
		}
	}

	c.keepReading.Store(true)
	done := make(chan struct{})
	c.loopDone = done
	go c.readLoop(done)
	return nil
}

// Stop asks the read loop to exit and waits for it. Cancellation is
// cooperative: it takes effect after the pending read returns.
func (c *Channel) Stop() {
	c.keepReading.Store(false)

	c.mu.Lock()
	done := c.loopDone
	c.mu.Unlock()

	if done == nil {
		return
	}
	// a read blocks for at most ReadTimeout
	wait := c.port.Config().ReadTimeout + time.Second
	select {
	case <-done:
	case <-time.After(wait):
		log.Warn().Str("port", c.port.Path()).Msg("read loop did not stop in time")
	}
}

// Reading reports whether the read loop is active
func (c *Channel) Reading() bool {
	return c.keepReading.Load()
}

func (c *Channel) readLoop(done chan struct{}) {
	abnormal, err := c.pump()
	// done is closed before listeners run so a listener may call Close
	close(done)
	c.notifyClose(abnormal, err)
}

func (c *Channel) pump() (bool, error) {
	buf := make([]byte, c.bufSize)
	for c.keepReading.Load() {
		n, err := c.port.Read(buf)
		if err != nil {
			abnormal := c.keepReading.Swap(false)
			if abnormal {
				log.Warn().Err(err).Str("port", c.port.Path()).Msg("serial read loop failed")
			}
			return abnormal, err
		}
		if n == 0 {
			continue
		}

		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		c.dispatch(chunk)
	}
	return false, nil
}

func (c *Channel) dispatch(chunk []byte) {
	c.mu.Lock()
	handlers := make([]subscription, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	for _, h := range handlers {
		c.deliver(h.fn, chunk)
	}
}

func (c *Channel) deliver(fn DataHandler, chunk []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("port", c.port.Path()).Msg("data handler panicked")
		}
	}()
	fn(chunk)
}

func (c *Channel) notifyClose(abnormal bool, err error) {
	c.mu.Lock()
	listeners := make([]CloseHandler, len(c.onClose))
	copy(listeners, c.onClose)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(abnormal, err)
	}
}

// Write sends p to the device. Failures are logged and returned, never
// swallowed.
func (c *Channel) Write(ctx context.Context, p []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrPortClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_, err := c.port.WriteContext(ctx, p)
	if err != nil {
		if errors.Is(err, ErrPortClosed) {
			return err
		}
		log.Warn().Err(err).Str("port", c.port.Path()).Int("bytes", len(p)).Msg("serial write failed")
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// Close stops reading and releases the port. Listeners registered with
// OnClose see a normal (non-abnormal) close.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.Stop()

		c.mu.Lock()
		c.closed = true
		c.handlers = nil
		c.mu.Unlock()

		err = c.port.Close()
		if errors.Is(err, ErrPortClosed) {
			err = nil
		}
	})
	return err
}
