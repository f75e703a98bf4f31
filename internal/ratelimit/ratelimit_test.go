package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestThrottle_RejectsWithinCooldown(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := New(WithClock(clock.Now))

	assert.True(t, l.Throttle("rescan", time.Minute), "first call allowed")
	assert.False(t, l.Throttle("rescan", time.Minute), "immediate retrigger rejected")

	clock.Advance(30 * time.Second)
	assert.False(t, l.Throttle("rescan", time.Minute), "still in cooldown")

	clock.Advance(31 * time.Second)
	assert.True(t, l.Throttle("rescan", time.Minute), "allowed after interval")
	assert.False(t, l.Throttle("rescan", time.Minute))
}

func TestThrottle_KeysAreIndependent(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	l := New(WithClock(clock.Now))

	assert.True(t, l.Throttle("sync:emails", time.Hour))
	assert.True(t, l.Throttle("sync:contacts", time.Hour))
	assert.False(t, l.Throttle("sync:emails", time.Hour))
}

func TestThrottle_NonPositiveIntervalAlwaysAllows(t *testing.T) {
	l := New()
	for i := 0; i < 5; i++ {
		assert.True(t, l.Throttle("k", 0))
	}
}

func TestThrottle_Forget(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	l := New(WithClock(clock.Now))

	assert.True(t, l.Throttle("k", time.Hour))
	l.Forget("k")
	assert.True(t, l.Throttle("k", time.Hour))
}

func TestThrottle_ConcurrentCallersOnlyOneWins(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	l := New(WithClock(clock.Now))

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Throttle("k", time.Minute) {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), allowed.Load())
}

func TestDebounce_CoalescesBursts(t *testing.T) {
	l := New()
	defer l.Stop()

	var calls atomic.Int32
	fired := make(chan struct{}, 5)
	for i := 0; i < 5; i++ {
		l.Debounce("watch", 30*time.Millisecond, func() {
			calls.Add(1)
			fired <- struct{}{}
		})
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("debounced function never ran")
	}
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDebounce_StopCancelsPending(t *testing.T) {
	l := New()
	var calls atomic.Int32
	l.Debounce("watch", 20*time.Millisecond, func() { calls.Add(1) })
	l.Stop()
	l.Debounce("watch", time.Millisecond, func() { calls.Add(1) })

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}
