// Package watch notifies about file changes in the workspace.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/allbin/picobridge/internal/log"
	"github.com/allbin/picobridge/internal/project"
	"github.com/allbin/picobridge/internal/resilience"
)

// ErrStopped is returned by Start after Stop
var ErrStopped = errors.New("watcher stopped")

// Config configures a Watcher
type Config struct {
	Root     string
	Debounce time.Duration
	// RestartBase is the linear backoff unit between restarts
	RestartBase time.Duration
	MaxRestarts int
	// StableAfter resets the restart counter once a restarted watcher has
	// run this long without errors
	StableAfter time.Duration
}

// DefaultConfig returns the defaults for root
func DefaultConfig(root string) Config {
	return Config{
		Root:        root,
		Debounce:    DefaultDebounce,
		RestartBase: time.Second,
		MaxRestarts: 5,
		StableAfter: time.Minute,
	}
}

// Status is the watcher section of the health surface
type Status struct {
	Root     string                   `json:"root"`
	Running  bool                     `json:"running"`
	Restarts resilience.CounterStatus `json:"restarts"`
}

// Watcher watches a directory tree and reports changed relative paths in
// debounced batches. Hidden and tooling directories are ignored.
type Watcher struct {
	cfg      Config
	onChange func(paths []string)
	counter  *resilience.Counter
	guard    *resilience.Guard
	logger   zerolog.Logger

	mu        sync.Mutex
	fsw       *fsnotify.Watcher
	debouncer *debouncer
	stopCh    chan struct{}
	running   bool
	stopped   bool
	startedAt time.Time
	restart   *time.Timer
	wg        sync.WaitGroup
}

// New creates a watcher calling onChange with sorted relative slash paths.
// guard may be nil.
func New(cfg Config, guard *resilience.Guard, onChange func(paths []string)) *Watcher {
	def := DefaultConfig(cfg.Root)
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.RestartBase <= 0 {
		cfg.RestartBase = def.RestartBase
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = def.MaxRestarts
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = def.StableAfter
	}
	return &Watcher{
		cfg:      cfg,
		onChange: onChange,
		counter:  resilience.NewCounter(cfg.MaxRestarts, cfg.RestartBase),
		guard:    guard,
		logger:   log.With("watch"),
	}
}

// Start begins watching. The root must exist.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrStopped
	}
	if w.running {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.startLocked()
}

func (w *Watcher) startLocked() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.watchRecursive(fsw, w.cfg.Root); err != nil {
		fsw.Close()
		return err
	}

	w.fsw = fsw
	w.debouncer = newDebouncer(w.cfg.Debounce, w.emit)
	w.stopCh = make(chan struct{})
	w.running = true
	w.startedAt = time.Now()

	w.wg.Add(1)
	go w.eventLoop(fsw, w.debouncer, w.stopCh)

	w.logger.Info().Str("root", w.cfg.Root).Msg("file watcher started")
	return nil
}

// Stop stops watching for good
func (w *Watcher) Stop() {
	w.mu.Lock()
	w.stopped = true
	if w.restart != nil {
		w.restart.Stop()
	}
	w.stopLocked()
	w.mu.Unlock()

	w.wg.Wait()
}

func (w *Watcher) stopLocked() {
	if !w.running {
		return
	}
	w.running = false
	w.debouncer.Stop()
	close(w.stopCh)
	w.fsw.Close()
}

// Status returns a snapshot for the health surface
func (w *Watcher) Status() Status {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	return Status{
		Root:     w.cfg.Root,
		Running:  running,
		Restarts: w.counter.Status(),
	}
}

func (w *Watcher) watchRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && project.Excluded(d.Name()) {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			w.logger.Warn().Err(err).Str("path", path).Msg("failed to watch directory")
		}
		return nil
	})
}

func (w *Watcher) eventLoop(fsw *fsnotify.Watcher, d *debouncer, stop chan struct{}) {
	defer w.wg.Done()
	if w.guard != nil {
		defer w.guard.Recover("file watcher")
	}

	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(fsw, d, event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.fail(stop, err)
			return

		case <-stop:
			return
		}
	}
}

func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, d *debouncer, event fsnotify.Event) {
	rel, err := filepath.Rel(w.cfg.Root, event.Name)
	if err != nil || rel == "." {
		return
	}
	if project.ExcludedPath(rel) {
		return
	}
	if event.Op == fsnotify.Chmod {
		return
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			// pick up files created inside the new tree before the watch lands
			w.watchRecursive(fsw, event.Name)
		}
	}
	d.Queue(filepath.ToSlash(rel))
}

func (w *Watcher) emit(paths []string) {
	w.logger.Debug().Strs("paths", paths).Msg("files changed")
	resilience.SafeHandle(func() error {
		w.onChange(paths)
		return nil
	}, func(err error) {
		if w.guard != nil {
			w.guard.Report("file watcher listener", err)
		}
	})
}

// fail tears the watcher down and schedules a restart. stop identifies the
// instance that failed so a stale report is ignored.
func (w *Watcher) fail(stop chan struct{}, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.stopCh != stop || !w.running {
		return
	}

	w.logger.Warn().Err(err).Msg("file watcher error")
	w.stopLocked()

	if time.Since(w.startedAt) >= w.cfg.StableAfter {
		w.counter.Reset()
	}
	w.scheduleRestartLocked()
}

func (w *Watcher) scheduleRestartLocked() {
	delay, attempt, ok := w.counter.Next()
	if !ok {
		w.logger.Error().Int("attempts", attempt).Msg("file watcher gave up restarting")
		return
	}
	w.logger.Info().Dur("delay", delay).Int("attempt", attempt).Msg("restarting file watcher")
	w.restart = time.AfterFunc(delay, w.restartNow)
}

func (w *Watcher) restartNow() {
	if w.guard != nil {
		defer w.guard.Recover("file watcher restart")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.running {
		return
	}
	if err := w.startLocked(); err != nil {
		w.logger.Warn().Err(err).Msg("file watcher restart failed")
		w.scheduleRestartLocked()
	}
}
