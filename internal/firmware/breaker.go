package firmware

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/allbin/picobridge/internal/log"
	"github.com/allbin/picobridge/internal/resilience"
)

// BreakerLookup guards another Lookup with a circuit breaker. Unknown
// boards do not count as failures. While the breaker is open the last
// good release for a board is served marked stale.
type BreakerLookup struct {
	next    Lookup
	breaker *resilience.Breaker

	mu    sync.Mutex
	cache map[string]Release
}

// NewBreakerLookup wraps next with b
func NewBreakerLookup(next Lookup, b *resilience.Breaker) *BreakerLookup {
	return &BreakerLookup{
		next:    next,
		breaker: b,
		cache:   make(map[string]Release),
	}
}

type outcome struct {
	release  Release
	notFound error
}

// Latest implements Lookup
func (l *BreakerLookup) Latest(ctx context.Context, board string) (Release, error) {
	out, err := resilience.Call(l.breaker, func() (outcome, error) {
		rel, err := l.next.Latest(ctx, board)
		if errors.Is(err, ErrNotFound) {
			return outcome{notFound: err}, nil
		}
		return outcome{release: rel}, err
	})

	key := strings.ToLower(board)
	if err != nil {
		l.mu.Lock()
		cached, ok := l.cache[key]
		l.mu.Unlock()
		if ok && errors.Is(err, resilience.ErrOpen) {
			log.Debug().Str("board", board).Msg("serving cached firmware release")
			cached.Stale = true
			return cached, nil
		}
		return Release{}, err
	}
	if out.notFound != nil {
		return Release{}, out.notFound
	}

	l.mu.Lock()
	l.cache[key] = out.release
	l.mu.Unlock()
	return out.release, nil
}

// Status reports the breaker state
func (l *BreakerLookup) Status() resilience.BreakerStatus {
	return l.breaker.Status()
}
