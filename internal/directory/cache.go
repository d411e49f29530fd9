package directory

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Slot memoizes one expensive derivation with a TTL. Concurrent callers of
// Get share a single in-flight fetch; a failed fetch is propagated to every
// waiter and never stored.
type Slot[T any] struct {
	ttl   time.Duration
	group singleflight.Group

	mu    sync.Mutex
	value T
	at    time.Time
	ok    bool
}

// NewSlot creates a slot whose values stay fresh for ttl.
func NewSlot[T any](ttl time.Duration) *Slot[T] {
	return &Slot[T]{ttl: ttl}
}

// Get returns the cached value if it is still fresh, otherwise runs fetch.
// At most one fetch is in flight at any instant; all callers that arrive
// while it runs observe its outcome.
func (s *Slot[T]) Get(ctx context.Context, fetch func(ctx context.Context) (T, error)) (T, error) {
	if v, ok := s.fresh(); ok {
		return v, nil
	}
	v, err, _ := s.group.Do("fetch", func() (any, error) {
		// A caller that was queued behind a completed flight re-checks
		// freshness instead of fetching again.
		if v, ok := s.fresh(); ok {
			return v, nil
		}
		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.value, s.at, s.ok = value, time.Now(), true
		s.mu.Unlock()
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Peek returns the last stored value without triggering a fetch. The second
// result reports whether a value has ever been stored.
func (s *Slot[T]) Peek() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.ok
}

func (s *Slot[T]) fresh() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ok && time.Since(s.at) < s.ttl {
		return s.value, true
	}
	var zero T
	return zero, false
}
