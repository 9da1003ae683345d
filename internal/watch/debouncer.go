package watch

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultDebounce coalesces bursts of editor saves into one notification
const DefaultDebounce = 150 * time.Millisecond

// debouncer collects changed paths and flushes them as one batch after
// delay of quiet
type debouncer struct {
	mu       sync.Mutex
	pending  map[string]struct{}
	timer    *time.Timer
	delay    time.Duration
	flush    func(paths []string)
	stopping atomic.Bool
}

func newDebouncer(delay time.Duration, flush func(paths []string)) *debouncer {
	return &debouncer{
		pending: make(map[string]struct{}),
		delay:   delay,
		flush:   flush,
	}
}

// Queue adds path to the current batch and restarts the quiet period.
// Returns false once the debouncer is stopped.
func (d *debouncer) Queue(path string) bool {
	if d.stopping.Load() {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopping.Load() {
		return false
	}

	d.pending[path] = struct{}{}
	if d.timer == nil {
		d.timer = time.AfterFunc(d.delay, d.onTimer)
	} else {
		// Reset re-arms an expired timer too
		d.timer.Reset(d.delay)
	}
	return true
}

func (d *debouncer) onTimer() {
	d.mu.Lock()
	if len(d.pending) == 0 || d.stopping.Load() {
		d.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(d.pending))
	for p := range d.pending {
		paths = append(paths, p)
	}
	d.pending = make(map[string]struct{})
	d.mu.Unlock()

	sort.Strings(paths)
	d.flush(paths)
}

// Stop drops the pending batch and refuses new paths
func (d *debouncer) Stop() {
	d.stopping.Store(true)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.pending = make(map[string]struct{})
}

// PendingCount returns the size of the current batch (for testing)
func (d *debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
