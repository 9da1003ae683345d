package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allbin/picobridge/internal/resilience"
)

type batches struct {
	mu  sync.Mutex
	all [][]string
}

func (b *batches) add(paths []string) {
	b.mu.Lock()
	b.all = append(b.all, paths)
	b.mu.Unlock()
}

func (b *batches) seen(path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, batch := range b.all {
		for _, p := range batch {
			if p == path {
				return true
			}
		}
	}
	return false
}

func (b *batches) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.all)
}

func startWatcher(t *testing.T, cfg Config) (*Watcher, *batches) {
	t.Helper()
	b := &batches{}
	w := New(cfg, resilience.NewGuard(resilience.GuardConfig{}), b.add)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w, b
}

func TestDebouncerCoalesces(t *testing.T) {
	var got [][]string
	var mu sync.Mutex
	d := newDebouncer(30*time.Millisecond, func(paths []string) {
		mu.Lock()
		got = append(got, paths)
		mu.Unlock()
	})
	defer d.Stop()

	for i := 0; i < 5; i++ {
		d.Queue("main.py")
		d.Queue("lib/a.py")
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 2, d.PendingCount())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"lib/a.py", "main.py"}, got[0])
	mu.Unlock()
}

func TestDebouncerSecondBatchWaitsForQuiet(t *testing.T) {
	var got [][]string
	var mu sync.Mutex
	batches := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(got)
	}
	d := newDebouncer(20*time.Millisecond, func(paths []string) {
		mu.Lock()
		got = append(got, paths)
		mu.Unlock()
	})
	defer d.Stop()

	d.Queue("first.py")
	require.Eventually(t, func() bool { return batches() == 1 }, time.Second, time.Millisecond)

	// the expired timer is reused, so a steady stream keeps one batch open
	d.Queue("b.py")
	for i := 0; i < 12; i++ {
		time.Sleep(5 * time.Millisecond)
		d.Queue("c.py")
	}
	assert.Equal(t, 1, batches())

	require.Eventually(t, func() bool { return batches() == 2 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, []string{"b.py", "c.py"}, got[1])
}

func TestDebouncerStop(t *testing.T) {
	flushed := make(chan []string, 1)
	d := newDebouncer(20*time.Millisecond, func(paths []string) { flushed <- paths })
	d.Queue("x.py")
	d.Stop()

	assert.False(t, d.Queue("y.py"))
	assert.Equal(t, 0, d.PendingCount())
	select {
	case <-flushed:
		t.Fatal("flush after stop")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestWatcherReportsRelativePaths(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "lib"), 0o755))
	_, b := startWatcher(t, Config{Root: root, Debounce: 20 * time.Millisecond})

	require.NoError(t, os.WriteFile(filepath.Join(root, "main.py"), []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "lib", "led.py"), []byte("2"), 0o644))

	require.Eventually(t, func() bool { return b.seen("main.py") && b.seen("lib/led.py") }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherIgnoresHiddenAndTooling(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "__pycache__"), 0o755))
	_, b := startWatcher(t, Config{Root: root, Debounce: 20 * time.Millisecond})

	require.NoError(t, os.WriteFile(filepath.Join(root, ".micropico"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "__pycache__", "m.pyc"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "visible.py"), nil, 0o644))

	require.Eventually(t, func() bool { return b.seen("visible.py") }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, b.seen(".micropico"))
	assert.False(t, b.seen("__pycache__/m.pyc"))
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	root := t.TempDir()
	_, b := startWatcher(t, Config{Root: root, Debounce: 20 * time.Millisecond})

	require.NoError(t, os.Mkdir(filepath.Join(root, "proj"), 0o755))
	require.Eventually(t, func() bool { return b.seen("proj") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(root, "proj", "boot.py"), nil, 0o644))
	require.Eventually(t, func() bool { return b.seen("proj/boot.py") }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherMissingRoot(t *testing.T) {
	w := New(Config{Root: filepath.Join(t.TempDir(), "missing")}, nil, func([]string) {})
	assert.Error(t, w.Start(context.Background()))
	assert.False(t, w.Status().Running)
}

func TestWatcherRestartsAfterError(t *testing.T) {
	root := t.TempDir()
	w, b := startWatcher(t, Config{Root: root, Debounce: 20 * time.Millisecond, RestartBase: 10 * time.Millisecond})

	w.mu.Lock()
	stop := w.stopCh
	w.mu.Unlock()
	w.fail(stop, errors.New("queue overflow"))
	assert.False(t, w.Status().Running)

	require.Eventually(t, func() bool { return w.Status().Running }, time.Second, 5*time.Millisecond)
	st := w.Status()
	assert.Equal(t, 1, st.Restarts.Attempts)
	assert.False(t, st.Restarts.Degraded)

	// a stale report from the old instance is ignored
	w.fail(stop, errors.New("late"))
	assert.True(t, w.Status().Running)

	require.NoError(t, os.WriteFile(filepath.Join(root, "after.py"), nil, 0o644))
	require.Eventually(t, func() bool { return b.seen("after.py") }, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, b.count(), 1)
}

func TestWatcherDegradesWhenRestartsRunOut(t *testing.T) {
	root := filepath.Join(t.TempDir(), "ws")
	require.NoError(t, os.Mkdir(root, 0o755))
	w, _ := startWatcher(t, Config{Root: root, RestartBase: 5 * time.Millisecond, MaxRestarts: 2})

	require.NoError(t, os.RemoveAll(root))
	w.mu.Lock()
	stop := w.stopCh
	w.mu.Unlock()
	w.fail(stop, errors.New("root vanished"))

	require.Eventually(t, func() bool { return w.Status().Restarts.Degraded }, 2*time.Second, 5*time.Millisecond)
	st := w.Status()
	assert.False(t, st.Running)
	assert.Equal(t, 2, st.Restarts.Attempts)
}

func TestWatcherStopIsFinal(t *testing.T) {
	root := t.TempDir()
	w := New(Config{Root: root}, nil, func([]string) {})
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()
	assert.ErrorIs(t, w.Start(context.Background()), ErrStopped)
	assert.False(t, w.Status().Running)
}
