package server

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serial "github.com/allbin/picobridge"
	"github.com/allbin/picobridge/internal/adapter"
	"github.com/allbin/picobridge/internal/config"
	"github.com/allbin/picobridge/internal/firmware"
	"github.com/allbin/picobridge/internal/project"
	"github.com/allbin/picobridge/internal/relay"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeConn struct {
	mu       sync.Mutex
	handlers map[int]serial.DataHandler
	nextID   int
	written  []byte
}

func (c *fakeConn) Write(_ context.Context, p []byte) error {
	c.mu.Lock()
	c.written = append(c.written, p...)
	c.mu.Unlock()
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

func (c *fakeConn) OnClose(serial.CloseHandler) {}
func (c *fakeConn) Start() error                { return nil }
func (c *fakeConn) Close() error                { return nil }

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

func (c *fakeConn) output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.written)
}

type fakeSource struct{}

func (fakeSource) Start(context.Context) (string, error) { return "/dev/pts/fake", nil }
func (fakeSource) Alive() bool                           { return true }
func (fakeSource) Endpoint() string                      { return "/dev/pts/fake" }
func (fakeSource) OnExit(func(error))                    {}

type fakeLookup struct{ err error }

func (l fakeLookup) Latest(_ context.Context, board string) (firmware.Release, error) {
	if l.err != nil {
		return firmware.Release{}, l.err
	}
	return firmware.Release{Board: board, Version: "v1.24.1"}, nil
}

type deviceSink struct {
	mu   sync.Mutex
	data []byte
}

func (d *deviceSink) Write(_ context.Context, p []byte) error {
	d.mu.Lock()
	d.data = append(d.data, p...)
	d.mu.Unlock()
	return nil
}

func (d *deviceSink) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return string(d.data)
}

type harness struct {
	srv  *Server
	conn *fakeConn
	http *httptest.Server
	root string
}

func newHarness(t *testing.T, mutate func(*config.Config), opts ...Option) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Workspace.Root = t.TempDir()
	cfg.Watcher.Enabled = false
	cfg.Server.RateLimit = 0
	if mutate != nil {
		mutate(&cfg)
	}

	conn := &fakeConn{handlers: make(map[int]serial.DataHandler)}
	opts = append([]Option{
		WithEndpointSource(fakeSource{}),
		WithOpener(func(string) (adapter.Conn, error) { return conn, nil }),
	}, opts...)

	s, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, s.adapter.Initialize(context.Background()))

	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		s.hub.Close()
		ts.Close()
		s.adapter.Shutdown()
	})
	return &harness{srv: s, conn: conn, http: ts, root: cfg.Workspace.Root}
}

func (h *harness) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(h.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func (h *harness) post(t *testing.T, path, payload string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(h.http.URL+path, "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func (h *harness) client(t *testing.T) (*relay.Client, *deviceSink) {
	t.Helper()
	c := relay.NewClient(relay.ClientConfig{
		URL:               "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws",
		ReconnectInterval: 20 * time.Millisecond,
	})
	sink := &deviceSink{}
	c.SetDeviceWriter(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return h.srv.hub.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	return c, sink
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)

	code, body := h.get(t, "/api/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["relayClients"])
	assert.Equal(t, float64(1), body["handlers"])
	adapterStatus := body["adapter"].(map[string]any)
	assert.Equal(t, "open", adapterStatus["state"])
	assert.Nil(t, body["breaker"])
	assert.Nil(t, body["watcher"])
}

func TestRelayWiring(t *testing.T) {
	h := newHarness(t, nil)
	c, sink := h.client(t)

	// a local tool writes to the virtual port
	h.conn.emit([]byte("import os\r\n"))
	require.Eventually(t, func() bool { return sink.String() == "import os\r\n" }, 2*time.Second, 5*time.Millisecond)

	// the device answers
	require.NoError(t, c.SendSerial([]byte(">>> ")))
	require.Eventually(t, func() bool { return h.conn.output() == ">>> " }, 2*time.Second, 5*time.Millisecond)

	c.DeviceConnected(115200)
	require.Eventually(t, func() bool {
		_, ok := h.srv.hub.Device()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	_, body := h.get(t, "/api/health")
	assert.Equal(t, float64(1), body["relayClients"])
	device := body["device"].(map[string]any)
	assert.Equal(t, float64(115200), device["baudRate"])

	c.DeviceDisconnected()
	require.Eventually(t, func() bool {
		_, ok := h.srv.hub.Device()
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFilesAPI(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(h.root, "blink", "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.root, "blink", project.MarkerActive), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(h.root, "blink", "lib", "led.py"), []byte("on()"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(h.root, "node_modules"), 0o755))

	code, body := h.get(t, "/api/files")
	require.Equal(t, http.StatusOK, code)
	entries := body["data"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "blink", entries[0].(map[string]any)["name"])

	code, body = h.get(t, "/api/files/content?path=blink/lib/led.py")
	require.Equal(t, http.StatusOK, code)
	file := body["data"].(map[string]any)
	assert.Equal(t, "on()", file["content"])
	assert.Equal(t, "/lib/led.py", file["devicePath"])
	assert.Equal(t, true, file["projectDetected"])

	code, _ = h.get(t, "/api/files/content?path=nope.py")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = h.get(t, "/api/files/content?path=../x")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.get(t, "/api/files/content")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.get(t, "/api/files?depth=zero")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestFilesMissingWorkspace(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Workspace.Root = "/nonexistent/picobridge" })
	code, body := h.get(t, "/api/files")
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["data"])
}

func TestProjectsAPI(t *testing.T) {
	h := newHarness(t, nil)
	for _, dir := range []string{"a", "b"} {
		require.NoError(t, os.MkdirAll(filepath.Join(h.root, dir), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(h.root, dir, project.MarkerActive), nil, 0o644))
	}

	code, body := h.post(t, "/api/projects/activate", `{"path":"b"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "b", body["data"].(map[string]any)["path"])
	assert.FileExists(t, filepath.Join(h.root, "a", project.MarkerInactive))

	code, body = h.get(t, "/api/projects/active")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "b", body["data"].(map[string]any)["path"])

	code, _ = h.post(t, "/api/projects/activate", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.post(t, "/api/projects/activate", `{"path":"missing"}`)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestNoActiveProject(t *testing.T) {
	h := newHarness(t, nil)
	code, body := h.get(t, "/api/projects/active")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, CodeNotFound, body["error"].(map[string]any)["code"])
}

func TestFirmwareRoute(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := http.Get(h.http.URL + "/api/firmware/latest?board=RPI_PICO")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "route only exists when configured")

	h = newHarness(t, nil, WithFirmwareLookup(fakeLookup{}))
	code, body := h.get(t, "/api/firmware/latest?board=RPI_PICO")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "v1.24.1", body["data"].(map[string]any)["version"])

	code, _ = h.get(t, "/api/firmware/latest")
	assert.Equal(t, http.StatusBadRequest, code)

	_, health := h.get(t, "/api/health")
	assert.NotNil(t, health["breaker"])

	h = newHarness(t, nil, WithFirmwareLookup(fakeLookup{err: firmware.ErrUnavailable}))
	code, _ = h.get(t, "/api/firmware/latest?board=RPI_PICO")
	assert.Equal(t, http.StatusBadGateway, code)

	h = newHarness(t, nil, WithFirmwareLookup(fakeLookup{err: errors.Join(firmware.ErrNotFound)}))
	code, _ = h.get(t, "/api/firmware/latest?board=X")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Server.RateLimit = 0.001
		c.Server.RateBurst = 2
	})
	for i := 0; i < 2; i++ {
		code, _ := h.get(t, "/api/health")
		require.Equal(t, http.StatusOK, code)
	}
	code, body := h.get(t, "/api/health")
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, CodeRateLimited, body["error"].(map[string]any)["code"])
}

func TestPanicsBecomeJSONErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.srv.Router().GET("/api/boom", func(c *gin.Context) { panic("kaboom") })

	code, body := h.get(t, "/api/boom")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, CodeInternal, body["error"].(map[string]any)["code"])
	assert.Equal(t, 1, h.srv.Guard().Count())

	code, _ = h.get(t, "/api/health")
	assert.Equal(t, http.StatusOK, code)
}

// getGzip asks for a compressed response and decodes it by hand
func (h *harness) getGzip(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, h.http.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(resp.Body)
		require.NoError(t, err)
		defer zr.Close()
		body = zr
	}
	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NotEmpty(t, raw, "empty body for %s", path)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return resp.StatusCode, out
}

func TestErrorBodiesSurviveGzip(t *testing.T) {
	h := newHarness(t, nil)
	h.srv.Router().GET("/api/boom", func(c *gin.Context) { panic("kaboom") })

	code, body := h.getGzip(t, "/api/boom")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, CodeInternal, body["error"].(map[string]any)["code"])

	code, body = h.getGzip(t, "/api/nope")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, CodeNotFound, body["error"].(map[string]any)["code"])

	code, body = h.getGzip(t, "/api/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestUnknownRouteIsJSON(t *testing.T) {
	h := newHarness(t, nil)
	code, body := h.get(t, "/api/does-not-exist")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, CodeNotFound, body["error"].(map[string]any)["code"])
}

func TestRelayUpgradeThroughRouter(t *testing.T) {
	h := newHarness(t, nil)
	c, _ := h.client(t)
	assert.True(t, c.Connected())
	_, body := h.get(t, "/api/health")
	assert.Equal(t, float64(1), body["relayClients"])
}

func TestFilesChangedBroadcast(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Watcher.Enabled = true
		c.Watcher.Debounce = 20 * time.Millisecond
	})
	require.NoError(t, h.srv.watcher.Start(context.Background()))
	t.Cleanup(h.srv.watcher.Stop)

	c, _ := h.client(t)
	changed := make(chan relay.FilesChanged, 4)
	c.On(relay.EventFilesChanged, func(env relay.Envelope) {
		var fc relay.FilesChanged
		if env.Decode(&fc) == nil {
			changed <- fc
		}
	})

	require.NoError(t, os.WriteFile(filepath.Join(h.root, "main.py"), nil, 0o644))
	select {
	case fc := <-changed:
		assert.Contains(t, fc.Paths, "main.py")
	case <-time.After(3 * time.Second):
		t.Fatal("no files-changed event")
	}
}

func TestStartAndShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Workspace.Root = t.TempDir()
	conn := &fakeConn{handlers: make(map[int]serial.DataHandler)}
	s, err := New(cfg,
		WithEndpointSource(fakeSource{}),
		WithOpener(func(string) (adapter.Conn, error) { return conn, nil }))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()
	require.Eventually(t, func() bool { return s.adapter.State() == adapter.Open }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, s.Health().Watcher.Running)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return")
	}
	assert.Equal(t, adapter.Shutdown, s.adapter.State())
	assert.False(t, s.Health().Watcher.Running)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.PTY.Backend = "tmux"
	_, err := New(cfg)
	assert.Error(t, err)
}
