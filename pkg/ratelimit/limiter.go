// Package ratelimit implements the two-class per-user windowed limiter.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Class distinguishes cheap chat traffic from expensive,
// credential-mutating requests.
type Class int

const (
	Cheap Class = iota
	Expensive
)

const (
	cheapWindow     = 10 * time.Second
	expensiveWindow = 5 * time.Minute
)

type window struct {
	start time.Time
	count int
}

// Limiter tracks per-user cheap/expensive windows. Zero value is not
// usable; construct with New.
type Limiter struct {
	mu            sync.Mutex
	cheapLimit    int
	expensiveLimit int
	cheap         map[uint64]*window
	expensive     map[uint64]*window
}

// New builds a limiter with the configured per-window quotas.
func New(cheapLimit, expensiveLimit int) *Limiter {
	return &Limiter{
		cheapLimit:     cheapLimit,
		expensiveLimit: expensiveLimit,
		cheap:          make(map[uint64]*window),
		expensive:      make(map[uint64]*window),
	}
}

// Allow reports whether userID may perform an event of class c at now.
// On rejection, returns (false, secondsLeft) and performs no state
// mutation, per spec 4.D.
func (l *Limiter) Allow(userID uint64, c Class, now time.Time) (ok bool, secondsLeft uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, limit, winLen := l.cheap, l.cheapLimit, cheapWindow
	if c == Expensive {
		m, limit, winLen = l.expensive, l.expensiveLimit, expensiveWindow
	}

	w, exists := m[userID]
	if !exists || !now.Before(w.start.Add(winLen)) {
		m[userID] = &window{start: now, count: 1}
		return true, 0
	}

	if w.count+1 > limit {
		remaining := w.start.Add(winLen).Sub(now).Seconds()
		return false, uint64(math.Ceil(remaining))
	}

	w.count++
	return true, 0
}

// Forget drops all rate-limit state for a user, so the maps need not
// keep entries for users who never return. The server does not call it:
// each session owns its own Limiter, which is dropped with the session.
// Per spec 5 the state is otherwise allowed to decay harmlessly, so this
// is an optional cleanup, not a correctness requirement.
func (l *Limiter) Forget(userID uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cheap, userID)
	delete(l.expensive, userID)
}
