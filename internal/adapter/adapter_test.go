package adapter

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serial "github.com/allbin/picobridge"
)

type fakeConn struct {
	mu       sync.Mutex
	handlers map[int]serial.DataHandler
	nextID   int
	onClose  []serial.CloseHandler
	written  [][]byte
	writeErr error
	closed   bool

	closeDelay time.Duration
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: make(map[int]serial.DataHandler)}
}

func (c *fakeConn) Write(_ context.Context, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), p...))
	return nil
}

func (c *fakeConn) Subscribe(h serial.DataHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.handlers[id] = h
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

func (c *fakeConn) OnClose(h serial.CloseHandler) {
	c.mu.Lock()
	c.onClose = append(c.onClose, h)
	c.mu.Unlock()
}

func (c *fakeConn) Start() error { return nil }

func (c *fakeConn) Close() error {
	time.Sleep(c.closeDelay)
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// emit delivers data the way the read loop would
func (c *fakeConn) emit(data []byte) {
	c.mu.Lock()
	hs := make([]serial.DataHandler, 0, len(c.handlers))
	for _, h := range c.handlers {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
}

// die fires the close listeners as an abnormal read failure
func (c *fakeConn) die(err error) {
	c.mu.Lock()
	ls := append([]serial.CloseHandler(nil), c.onClose...)
	c.mu.Unlock()
	for _, l := range ls {
		l(true, err)
	}
}

// flakyOpener fails the first n opens
type flakyOpener struct {
	mu         sync.Mutex
	failures   int
	calls      int
	conns      []*fakeConn
	closeDelay time.Duration
	overlapped bool
}

func (o *flakyOpener) open(string) (Conn, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.calls <= o.failures {
		return nil, errors.New("no such device")
	}
	if n := len(o.conns); n > 0 && !o.conns[n-1].isClosed() {
		o.overlapped = true
	}
	c := newFakeConn()
	c.closeDelay = o.closeDelay
	o.conns = append(o.conns, c)
	return c, nil
}

func (o *flakyOpener) last() *fakeConn {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.conns) == 0 {
		return nil
	}
	return o.conns[len(o.conns)-1]
}

func (o *flakyOpener) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func (o *flakyOpener) opened() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.conns)
}

func testConfig() Config {
	return Config{
		Path:          "/dev/pts/9",
		ReconnectBase: 5 * time.Millisecond,
		MaxReconnects: 5,
	}
}

func TestInitializeOpens(t *testing.T) {
	o := &flakyOpener{}
	a := New(testConfig(), WithOpener(o.open))
	defer a.Shutdown()

	require.NoError(t, a.Initialize(context.Background()))
	assert.Equal(t, Open, a.State())
	assert.Equal(t, "/dev/pts/9", a.Status().Path)

	assert.ErrorIs(t, a.Initialize(context.Background()), ErrAlreadyInitialized)
}

func TestRecoversAfterFailuresBelowMax(t *testing.T) {
	o := &flakyOpener{failures: 3}
	a := New(testConfig(), WithOpener(o.open))
	defer a.Shutdown()

	err := a.Initialize(context.Background())
	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "open", initErr.Stage)

	require.Eventually(t, func() bool { return a.State() == Open }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 0, a.Status().Reconnects.Attempts)
	assert.Equal(t, 4, o.callCount())
}

func TestDegradesAfterMaxAttempts(t *testing.T) {
	o := &flakyOpener{failures: 1000}
	cfg := testConfig()
	cfg.MaxReconnects = 3
	a := New(cfg, WithOpener(o.open))
	defer a.Shutdown()

	a.Initialize(context.Background())
	require.Eventually(t, func() bool { return a.State() == Degraded }, 2*time.Second, time.Millisecond)

	calls := o.callCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, o.callCount(), "no retries once degraded")
	assert.Equal(t, 4, calls, "initial attempt plus three reconnects")

	st := a.Status()
	assert.True(t, st.Reconnects.Degraded)
	assert.Equal(t, "degraded", st.State)
	assert.NotEmpty(t, st.LastError)

	o.mu.Lock()
	o.failures = 0
	o.mu.Unlock()
	require.NoError(t, a.Reinitialize(context.Background()))
	assert.Equal(t, Open, a.State())
	assert.False(t, a.Status().Reconnects.Degraded)
}

func TestHandlersSurviveReconnect(t *testing.T) {
	o := &flakyOpener{}
	a := New(testConfig(), WithOpener(o.open))
	defer a.Shutdown()

	var got atomic.Int32
	a.OnData(func([]byte) { got.Add(1) })
	require.NoError(t, a.Initialize(context.Background()))

	first := o.last()
	first.emit([]byte("a"))
	assert.Equal(t, int32(1), got.Load())

	first.die(errors.New("EIO"))
	require.Eventually(t, func() bool { return o.opened() == 2 && a.State() == Open }, 2*time.Second, time.Millisecond)
	assert.True(t, first.isClosed())

	o.last().emit([]byte("b"))
	assert.Equal(t, int32(2), got.Load())
	assert.Equal(t, 1, a.HandlerCount())
}

func TestOldConnClosedBeforeReopen(t *testing.T) {
	o := &flakyOpener{closeDelay: 30 * time.Millisecond}
	a := New(testConfig(), WithOpener(o.open))
	defer a.Shutdown()
	require.NoError(t, a.Initialize(context.Background()))

	o.last().die(errors.New("EIO"))
	require.Eventually(t, func() bool { return o.opened() == 2 && a.State() == Open }, 2*time.Second, time.Millisecond)

	require.NoError(t, a.Reinitialize(context.Background()))
	assert.Equal(t, 3, o.opened())

	o.mu.Lock()
	defer o.mu.Unlock()
	assert.False(t, o.overlapped, "a new connection was opened while the previous one was still open")
}

func TestHandlerRegisteredWhileOpen(t *testing.T) {
	o := &flakyOpener{}
	a := New(testConfig(), WithOpener(o.open))
	defer a.Shutdown()
	require.NoError(t, a.Initialize(context.Background()))

	var got atomic.Int32
	unsubscribe := a.OnData(func([]byte) { got.Add(1) })
	o.last().emit([]byte("x"))
	assert.Equal(t, int32(1), got.Load())

	unsubscribe()
	o.last().emit([]byte("y"))
	assert.Equal(t, int32(1), got.Load())
	assert.Zero(t, a.HandlerCount())
}

func TestWriteNeverFails(t *testing.T) {
	o := &flakyOpener{}
	a := New(testConfig(), WithOpener(o.open))
	defer a.Shutdown()

	var gotErr error
	a.Write([]byte("x"), func(err error) { gotErr = err })
	assert.ErrorIs(t, gotErr, ErrNotOpen)

	a.Write([]byte("x"), nil)

	require.NoError(t, a.Initialize(context.Background()))
	a.Write([]byte("print(1)\r"), func(err error) { gotErr = err })
	assert.NoError(t, gotErr)
	assert.Equal(t, [][]byte{[]byte("print(1)\r")}, o.last().written)

	assert.NotPanics(t, func() {
		a.Write([]byte("y"), func(error) { panic("callback bug") })
	})
}

func TestWriteFailureTriggersReconnect(t *testing.T) {
	o := &flakyOpener{}
	a := New(testConfig(), WithOpener(o.open))
	defer a.Shutdown()
	require.NoError(t, a.Initialize(context.Background()))

	o.last().mu.Lock()
	o.last().writeErr = errors.New("EIO")
	o.last().mu.Unlock()

	var gotErr error
	a.Write([]byte("x"), func(err error) { gotErr = err })
	assert.Error(t, gotErr)
	require.Eventually(t, func() bool { return o.opened() == 2 && a.State() == Open }, 2*time.Second, time.Millisecond)
}

func TestShutdownStopsRecovery(t *testing.T) {
	o := &flakyOpener{failures: 1000}
	cfg := testConfig()
	cfg.ReconnectBase = 20 * time.Millisecond
	a := New(cfg, WithOpener(o.open))

	a.Initialize(context.Background())
	require.NoError(t, a.Shutdown())
	calls := o.callCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, calls, o.callCount())
	assert.Equal(t, Shutdown, a.State())
	assert.ErrorIs(t, a.Reinitialize(context.Background()), ErrShutdown)
}

func TestNoEndpoint(t *testing.T) {
	a := New(Config{MaxReconnects: 1, ReconnectBase: time.Millisecond})
	defer a.Shutdown()
	assert.ErrorIs(t, a.Initialize(context.Background()), ErrNoEndpoint)
}

type fakeSource struct {
	mu       sync.Mutex
	alive    bool
	starts   int
	failures int
	onExit   []func(error)
}

func (s *fakeSource) Start(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	if s.starts <= s.failures {
		return "", errors.New("socat: not found")
	}
	s.alive = true
	return "/dev/pts/7", nil
}

func (s *fakeSource) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

func (s *fakeSource) Endpoint() string { return "/dev/pts/7" }

func (s *fakeSource) startCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

func (s *fakeSource) OnExit(fn func(error)) {
	s.mu.Lock()
	s.onExit = append(s.onExit, fn)
	s.mu.Unlock()
}

func (s *fakeSource) exit() {
	s.mu.Lock()
	s.alive = false
	hooks := slices.Clone(s.onExit)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(errors.New("signal: killed"))
	}
}

func TestRestartsDeadEndpointSource(t *testing.T) {
	src := &fakeSource{alive: true}
	o := &flakyOpener{}
	a := New(testConfig(), WithOpener(o.open), WithEndpointSource(src))
	defer a.Shutdown()

	require.NoError(t, a.Initialize(context.Background()))
	assert.Equal(t, "/dev/pts/7", a.Status().Path)
	assert.Zero(t, src.startCount())

	src.exit()
	require.Eventually(t, func() bool { return o.opened() == 2 && a.State() == Open }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, src.startCount())
	assert.Zero(t, a.Status().PTYRestarts.Attempts)
}

func TestEndpointRestartFailuresAreCounted(t *testing.T) {
	src := &fakeSource{failures: 1000}
	o := &flakyOpener{}
	cfg := testConfig()
	cfg.MaxPTYRestarts = 2
	cfg.MaxReconnects = 5
	a := New(cfg, WithOpener(o.open), WithEndpointSource(src))
	defer a.Shutdown()

	err := a.Initialize(context.Background())
	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "endpoint", initErr.Stage)

	require.Eventually(t, func() bool { return a.State() == Degraded }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 2, src.startCount(), "pty restarts stop at their own limit")
	assert.True(t, a.Status().PTYRestarts.Degraded)
	assert.Zero(t, o.opened())
}

func TestStateListener(t *testing.T) {
	o := &flakyOpener{}
	a := New(testConfig(), WithOpener(o.open))
	defer a.Shutdown()

	var mu sync.Mutex
	var states []State
	a.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	require.NoError(t, a.Initialize(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{Initializing, Open}, states)
}
