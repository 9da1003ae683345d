package resilience

import (
	"fmt"
	"runtime/debug"

	"github.com/allbin/picobridge/internal/log"
)

// PanicError is what a recovered panic turns into
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Safe runs fn and converts a panic into an error
func Safe(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// SafeValue runs fn and returns fallback if it fails or panics
func SafeValue[T any](fn func() (T, error), fallback T) T {
	var v T
	err := Safe(func() error {
		var err error
		v, err = fn()
		return err
	})
	if err != nil {
		log.Warn().Err(err).Msg("operation failed, using fallback")
		return fallback
	}
	return v
}

// SafeHandle runs fn and routes any failure to onError instead of
// returning it
func SafeHandle(fn func() error, onError func(error)) {
	if err := Safe(fn); err != nil && onError != nil {
		onError(err)
	}
}

// SafeAsync runs fn on its own goroutine. Failures and panics go to g.
func SafeAsync(g *Guard, source string, fn func() error) {
	g.Go(source, func() {
		if err := fn(); err != nil {
			g.Report(source, err)
		}
	})
}
