// Package ratelimit guards expensive trigger paths against being invoked
// more often than a configured interval.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// Limiter throttles and debounces actions by key. The zero value is not
// usable; call New.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	timers  map[string]*time.Timer
	stopped bool
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source used by Throttle.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		entries: make(map[string]*entry),
		timers:  make(map[string]*time.Timer),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Throttle reports whether the action named key may run now. It returns
// false when the previous allowed call for key happened less than
// minInterval ago. A non-positive interval always allows.
func (l *Limiter) Throttle(key string, minInterval time.Duration) bool {
	if minInterval <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Every(minInterval), 1), interval: minInterval}
		// A fresh limiter starts full at its creation instant; pin it to now
		// so an injected clock behaves the same as the wall clock.
		e.limiter.SetLimitAt(now, rate.Every(minInterval))
		l.entries[key] = e
	} else if e.interval != minInterval {
		e.limiter.SetLimitAt(now, rate.Every(minInterval))
		e.interval = minInterval
	}
	return e.limiter.AllowN(now, 1)
}

// Debounce schedules fn to run once key has been quiet for wait. Each call
// before the timer fires pushes it back.
func (l *Limiter) Debounce(key string, wait time.Duration, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	if t, ok := l.timers[key]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(wait, func() {
		l.mu.Lock()
		if l.timers[key] != t {
			l.mu.Unlock()
			return
		}
		delete(l.timers, key)
		l.mu.Unlock()
		fn()
	})
	l.timers[key] = t
}

// Forget clears throttle state and any pending debounce for key.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	if t, ok := l.timers[key]; ok {
		t.Stop()
		delete(l.timers, key)
	}
}

// Stop cancels all pending debounced calls. Throttle keeps working.
func (l *Limiter) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	for key, t := range l.timers {
		t.Stop()
		delete(l.timers, key)
	}
}
