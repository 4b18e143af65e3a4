package relay

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter caps the number of concurrently open sessions. A zero limit means
// unlimited; the active count is tracked either way.
type Limiter struct {
	sem    *semaphore.Weighted
	active atomic.Int64
}

// NewLimiter creates a Limiter admitting at most limit sessions.
func NewLimiter(limit int) *Limiter {
	l := &Limiter{}
	if limit > 0 {
		l.sem = semaphore.NewWeighted(int64(limit))
	}
	return l
}

// TryAcquire admits a session without blocking. The returned release must be
// called exactly once when ok is true.
func (l *Limiter) TryAcquire() (release func(), ok bool) {
	if l.sem != nil && !l.sem.TryAcquire(1) {
		return nil, false
	}
	l.active.Add(1)
	var once atomic.Bool
	return func() {
		if !once.CompareAndSwap(false, true) {
			return
		}
		l.active.Add(-1)
		if l.sem != nil {
			l.sem.Release(1)
		}
	}, true
}

// Active returns the number of admitted sessions.
func (l *Limiter) Active() int64 {
	return l.active.Load()
}
