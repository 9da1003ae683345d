// Package resilience keeps the bridge process alive: it intercepts panics
// and reported errors, wraps callables so they fail soft, and provides the
// circuit breaker and reconnect counters the recoverable components use.
package resilience

import (
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/allbin/picobridge/internal/log"
)

// ErrorRecord is one intercepted failure
type ErrorRecord struct {
	Time    time.Time `json:"time"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
	Stack   string    `json:"stack,omitempty"`
	Fatal   bool      `json:"fatal"`
}

// GuardConfig configures a Guard
type GuardConfig struct {
	// MaxRecords bounds the retained history, oldest dropped first
	MaxRecords int
	// ExitOnFatal terminates the process after logging a panic
	ExitOnFatal bool
}

// Guard is the process-wide catch for failures that would otherwise kill
// the server
type Guard struct {
	cfg    GuardConfig
	logger zerolog.Logger
	exit   func(int)

	mu      sync.Mutex
	records []ErrorRecord
	next    int
	full    bool
	total   int
}

// NewGuard creates a guard retaining at most cfg.MaxRecords records
func NewGuard(cfg GuardConfig) *Guard {
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 100
	}
	return &Guard{
		cfg:     cfg,
		logger:  log.With("resilience"),
		exit:    os.Exit,
		records: make([]ErrorRecord, cfg.MaxRecords),
	}
}

// Go runs fn on a new goroutine with panic interception
func (g *Guard) Go(source string, fn func()) {
	go func() {
		defer g.Recover(source)
		fn()
	}()
}

// Recover must be deferred directly. It turns a panic into an ErrorRecord.
func (g *Guard) Recover(source string) {
	r := recover()
	if r == nil {
		return
	}
	g.record(ErrorRecord{
		Time:    time.Now(),
		Source:  source,
		Message: fmt.Sprint(r),
		Stack:   string(debug.Stack()),
		Fatal:   true,
	})
	if g.cfg.ExitOnFatal {
		g.exit(1)
	}
}

// Report records an asynchronous error that has no caller to return to
func (g *Guard) Report(source string, err error) {
	if err == nil {
		return
	}
	g.record(ErrorRecord{
		Time:    time.Now(),
		Source:  source,
		Message: err.Error(),
	})
}

func (g *Guard) record(rec ErrorRecord) {
	event := g.logger.Error()
	if rec.Fatal {
		event = event.Str("stack", rec.Stack)
	}
	event.Str("source", rec.Source).Bool("panic", rec.Fatal).Msg(rec.Message)

	g.mu.Lock()
	g.records[g.next] = rec
	g.next = (g.next + 1) % len(g.records)
	if g.next == 0 {
		g.full = true
	}
	g.total++
	g.mu.Unlock()
}

// Recent returns the retained records, oldest first
func (g *Guard) Recent() []ErrorRecord {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.full {
		out := make([]ErrorRecord, g.next)
		copy(out, g.records[:g.next])
		return out
	}
	out := make([]ErrorRecord, 0, len(g.records))
	out = append(out, g.records[g.next:]...)
	out = append(out, g.records[:g.next]...)
	return out
}

// Count returns how many records are retained
func (g *Guard) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.full {
		return len(g.records)
	}
	return g.next
}

// Total returns how many failures were seen since start
func (g *Guard) Total() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}

// Clear drops the retained records
func (g *Guard) Clear() {
	g.mu.Lock()
	g.records = make([]ErrorRecord, len(g.records))
	g.next = 0
	g.full = false
	g.mu.Unlock()
}
