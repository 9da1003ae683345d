package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/allbin/picobridge/internal/log"
)

// ErrOpen is returned without calling the wrapped function while the
// breaker is open
var ErrOpen = errors.New("circuit breaker is open")

// State mirrors gobreaker's states under names the health surface uses
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// BreakerConfig configures a Breaker
type BreakerConfig struct {
	Name         string
	MaxFailures  uint32
	ResetTimeout time.Duration
}

// BreakerStatus is a diagnostic snapshot
type BreakerStatus struct {
	Name        string    `json:"name"`
	State       State     `json:"state"`
	Failures    uint32    `json:"failures"`
	LastFailure time.Time `json:"lastFailure,omitzero"`
}

// Breaker wraps gobreaker with the failure bookkeeping gobreaker resets on
// every generation: the failure count here survives the Open to HalfOpen
// transition and is cleared only by a success or Reset.
type Breaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	cb          *gobreaker.CircuitBreaker[any]
	failures    uint32
	lastFailure time.Time
}

// NewBreaker creates a closed breaker
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	b := &Breaker{cfg: cfg}
	b.cb = b.newCircuit()
	return b
}

func (b *Breaker) newCircuit() *gobreaker.CircuitBreaker[any] {
	maxFailures := b.cfg.MaxFailures
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        b.cfg.Name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     b.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
}

func (b *Breaker) circuit() *gobreaker.CircuitBreaker[any] {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cb
}

// Execute calls fn unless the breaker is open
func (b *Breaker) Execute(fn func() error) error {
	_, err := Call(b, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Call is Execute for functions that return a value
func Call[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	cb := b.circuit()
	res, err := cb.Execute(func() (any, error) {
		return fn()
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return zero, fmt.Errorf("%s: %w", b.cfg.Name, ErrOpen)
	case err != nil:
		b.mu.Lock()
		b.failures++
		b.lastFailure = time.Now()
		b.mu.Unlock()
		return zero, err
	}

	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
	v, _ := res.(T)
	return v, nil
}

// State returns the current state
func (b *Breaker) State() State {
	switch b.circuit().State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Status returns a snapshot for diagnostics
func (b *Breaker) Status() BreakerStatus {
	state := b.State()
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStatus{
		Name:        b.cfg.Name,
		State:       state,
		Failures:    b.failures,
		LastFailure: b.lastFailure,
	}
}

// Reset forces the breaker closed and clears its failures
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.cb = b.newCircuit()
	b.failures = 0
	b.lastFailure = time.Time{}
	b.mu.Unlock()
	log.Info().Str("breaker", b.cfg.Name).Msg("circuit breaker reset")
}
