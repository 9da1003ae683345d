package resilience

import (
	"sync"
	"time"
)

// Counter tracks recovery attempts for one component. Attempts only grow
// until Reset; asking for an attempt past the maximum marks the component
// degraded.
type Counter struct {
	mu          sync.Mutex
	attempts    int
	maxAttempts int
	base        time.Duration
	degraded    bool
	lastFailure time.Time
}

// CounterStatus is a snapshot for the health surface
type CounterStatus struct {
	Attempts    int       `json:"attempts"`
	Max         int       `json:"max"`
	Degraded    bool      `json:"degraded"`
	LastFailure time.Time `json:"lastFailure,omitzero"`
}

// NewCounter allows maxAttempts attempts with a backoff of base per attempt
func NewCounter(maxAttempts int, base time.Duration) *Counter {
	return &Counter{maxAttempts: maxAttempts, base: base}
}

// Next records a failure and returns the delay before the next attempt:
// base times the attempt number. ok is false when no attempts are left,
// which leaves the counter degraded.
func (c *Counter) Next() (delay time.Duration, attempt int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastFailure = time.Now()
	if c.attempts >= c.maxAttempts {
		c.degraded = true
		return 0, c.attempts, false
	}
	c.attempts++
	return c.base * time.Duration(c.attempts), c.attempts, true
}

// Reset clears attempts and degradation after a successful recovery
func (c *Counter) Reset() {
	c.mu.Lock()
	c.attempts = 0
	c.degraded = false
	c.mu.Unlock()
}

// Attempts returns the attempts made since the last Reset
func (c *Counter) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Degraded reports whether recovery gave up
func (c *Counter) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// Status returns a snapshot
func (c *Counter) Status() CounterStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CounterStatus{
		Attempts:    c.attempts,
		Max:         c.maxAttempts,
		Degraded:    c.degraded,
		LastFailure: c.lastFailure,
	}
}
