// Package repl drives the MicroPython raw REPL over a byte transport.
//
// The protocol has no acknowledgements: the engine writes control bytes and
// payload chunks and relies on fixed delays for the device to keep up. All
// delays live in Timing so they can be tuned per board.
package repl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/allbin/picobridge/internal/log"
)

// Control bytes understood by the MicroPython REPL
const (
	CtrlA byte = 0x01 // enter raw REPL
	CtrlB byte = 0x02 // exit raw REPL
	CtrlC byte = 0x03 // interrupt
	CtrlD byte = 0x04 // execute in raw mode, soft reset in friendly mode
)

const DefaultChunkSize = 128

var (
	// ErrBusy is returned when a command is already in flight
	ErrBusy = errors.New("repl: command already in progress")
	// ErrIllegalTransition means the engine state machine was driven out of order
	ErrIllegalTransition = errors.New("repl: illegal state transition")
)

// Transport is anything bytes can be written to, typically a serial.Channel
type Transport interface {
	Write(ctx context.Context, p []byte) error
}

// Timing holds every delay the protocol depends on
type Timing struct {
	ChunkSize      int
	ChunkDelay     time.Duration
	EnterRawDelay  time.Duration
	InterruptDelay time.Duration
	Settle         time.Duration
	// DoubleInterrupt sends a second 0x03 before entering raw mode, which
	// breaks out of code that catches the first KeyboardInterrupt
	DoubleInterrupt bool
}

// DefaultTiming returns the delays known to work on rp2 and esp32 boards
func DefaultTiming() Timing {
	return Timing{
		ChunkSize:       DefaultChunkSize,
		ChunkDelay:      5 * time.Millisecond,
		EnterRawDelay:   100 * time.Millisecond,
		InterruptDelay:  50 * time.Millisecond,
		Settle:          500 * time.Millisecond,
		DoubleInterrupt: true,
	}
}

// Option configures an Engine
type Option func(*Engine)

// WithTiming replaces the default delays
func WithTiming(t Timing) Option {
	return func(e *Engine) {
		if t.ChunkSize <= 0 {
			t.ChunkSize = DefaultChunkSize
		}
		e.timing = t
	}
}

// WithStateListener registers fn to be called on every state change
func WithStateListener(fn func(State)) Option {
	return func(e *Engine) {
		e.listeners = append(e.listeners, fn)
	}
}

// exitTimeout bounds the best-effort exit write after a failed command
const exitTimeout = time.Second

// Engine runs one raw REPL command at a time on a Transport
type Engine struct {
	transport Transport
	timing    Timing
	listeners []func(State)

	mu    sync.Mutex
	state State
}

// New creates an engine in the Idle state
func New(t Transport, opts ...Option) *Engine {
	e := &Engine{
		transport: t,
		timing:    DefaultTiming(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the current state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Timing returns the delays in use
func (e *Engine) Timing() Timing {
	return e.timing
}

// begin claims the engine for one command
func (e *Engine) begin() error {
	e.mu.Lock()
	if e.state != Idle {
		e.mu.Unlock()
		return ErrBusy
	}
	e.state = Interrupting
	e.mu.Unlock()

	e.notify(Interrupting)
	return nil
}

func (e *Engine) transition(to State) error {
	e.mu.Lock()
	from := e.state
	if !legal(from, to) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	e.state = to
	e.mu.Unlock()

	log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("repl state")
	e.notify(to)
	return nil
}

func (e *Engine) notify(s State) {
	for _, fn := range e.listeners {
		fn(s)
	}
}

func (e *Engine) send(ctx context.Context, b ...byte) error {
	return e.transport.Write(ctx, b)
}

// Exec uploads code in raw mode, executes it and returns to the friendly
// REPL. It returns once the settle delay has passed; device output arrives
// on the transport's read side.
func (e *Engine) Exec(ctx context.Context, code string) error {
	return e.ExecWithSettle(ctx, code, e.timing.Settle)
}

// ExecWithSettle is Exec with a caller chosen settle duration
func (e *Engine) ExecWithSettle(ctx context.Context, code string, settle time.Duration) error {
	if err := e.begin(); err != nil {
		return err
	}

	err := e.exec(ctx, []byte(code), settle)
	if err != nil {
		e.abort(ctx)
		return err
	}
	return nil
}

func (e *Engine) exec(ctx context.Context, payload []byte, settle time.Duration) error {
	if err := e.interrupt(ctx); err != nil {
		return err
	}

	if err := e.send(ctx, CtrlA); err != nil {
		return fmt.Errorf("enter raw mode: %w", err)
	}
	if err := e.transition(RawMode); err != nil {
		return err
	}
	if err := sleep(ctx, e.timing.EnterRawDelay); err != nil {
		return err
	}

	chunks := Chunks(payload, e.timing.ChunkSize)
	for i, chunk := range chunks {
		if err := e.transport.Write(ctx, chunk); err != nil {
			return fmt.Errorf("upload chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if err := sleep(ctx, e.timing.ChunkDelay); err != nil {
			return err
		}
	}

	if err := e.send(ctx, CtrlD); err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	if err := e.transition(Executing); err != nil {
		return err
	}
	if err := sleep(ctx, settle); err != nil {
		return err
	}

	return e.exitRaw(ctx)
}

// interrupt sends one or two 0x03 bytes while in Interrupting
func (e *Engine) interrupt(ctx context.Context) error {
	count := 1
	if e.timing.DoubleInterrupt {
		count = 2
	}
	for i := 0; i < count; i++ {
		if err := e.send(ctx, CtrlC); err != nil {
			return fmt.Errorf("interrupt: %w", err)
		}
		if err := sleep(ctx, e.timing.InterruptDelay); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) exitRaw(ctx context.Context) error {
	if err := e.transition(ExitingRaw); err != nil {
		return err
	}
	if err := e.send(ctx, CtrlB); err != nil {
		return fmt.Errorf("exit raw mode: %w", err)
	}
	return e.transition(Idle)
}

// abort returns the engine to Idle after a failed command. If raw mode may
// have been entered the exit byte is still sent, on a fresh context so a
// cancelled caller does not leave the board in raw mode.
func (e *Engine) abort(ctx context.Context) {
	e.mu.Lock()
	from := e.state
	e.mu.Unlock()

	if from == RawMode || from == Executing || from == ExitingRaw {
		exitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exitTimeout)
		if err := e.send(exitCtx, CtrlB); err != nil {
			log.Warn().Err(err).Str("state", from.String()).Msg("failed to leave raw mode")
		}
		cancel()
	}

	e.mu.Lock()
	e.state = Idle
	e.mu.Unlock()
	e.notify(Idle)
}

// Interrupt stops running code: two 0x03 then 0x02 to land in the friendly
// REPL.
func (e *Engine) Interrupt(ctx context.Context) error {
	if err := e.begin(); err != nil {
		return err
	}

	err := func() error {
		for i := 0; i < 2; i++ {
			if err := e.send(ctx, CtrlC); err != nil {
				return fmt.Errorf("interrupt: %w", err)
			}
			if err := sleep(ctx, e.timing.InterruptDelay); err != nil {
				return err
			}
		}
		return e.exitRaw(ctx)
	}()
	if err != nil {
		e.abort(ctx)
	}
	return err
}

// SoftReset interrupts and then sends 0x04 in friendly mode, which makes
// MicroPython restart its interpreter and run boot.py/main.py.
func (e *Engine) SoftReset(ctx context.Context) error {
	if err := e.begin(); err != nil {
		return err
	}

	err := func() error {
		if err := e.send(ctx, CtrlC); err != nil {
			return fmt.Errorf("interrupt: %w", err)
		}
		if err := sleep(ctx, e.timing.InterruptDelay); err != nil {
			return err
		}
		if err := e.send(ctx, CtrlD); err != nil {
			return fmt.Errorf("soft reset: %w", err)
		}
		return e.transition(Idle)
	}()
	if err != nil {
		e.abort(ctx)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
