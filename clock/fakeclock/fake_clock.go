package fakeclock

import (
	"sort"
	"sync"
	"time"

	"github.com/jrsteele09/go-session-keeper/clock"
)

var _ clock.Clock = (*FakeClock)(nil)

// FakeClock is a manually advanced clock. Timer callbacks run on the
// goroutine calling Advance, in deadline order.
type FakeClock struct {
	lock   sync.Mutex
	cond   *sync.Cond
	now    time.Time
	timers []*fakeTimer
	seq    int
}

type fakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	seq      int
	fn       func()
	done     bool
}

func NewFakeClock(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.cond = sync.NewCond(&c.lock)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, deadline: c.now.Add(d), seq: c.seq, fn: f}
	c.timers = append(c.timers, t)
	c.cond.Broadcast()
	return t
}

// Advance moves the clock forward by d, firing every timer whose deadline is
// reached, including timers scheduled by callbacks during the advance.
func (c *FakeClock) Advance(d time.Duration) {
	c.lock.Lock()
	target := c.now.Add(d)
	c.lock.Unlock()

	for {
		c.lock.Lock()
		next := c.nextDue(target)
		if next == nil {
			c.now = target
			c.lock.Unlock()
			return
		}
		next.done = true
		c.removeLocked(next)
		if next.deadline.After(c.now) {
			c.now = next.deadline
		}
		c.lock.Unlock()
		next.fn()
	}
}

// Pending reports the number of timers that have not fired or been stopped.
func (c *FakeClock) Pending() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.timers)
}

// BlockUntil waits until at least n timers are pending. It lets a test
// synchronise with a goroutine that is about to sleep on the clock.
func (c *FakeClock) BlockUntil(n int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for len(c.timers) < n {
		c.cond.Wait()
	}
}

func (c *FakeClock) nextDue(target time.Time) *fakeTimer {
	if len(c.timers) == 0 {
		return nil
	}
	sort.SliceStable(c.timers, func(i, j int) bool {
		if c.timers[i].deadline.Equal(c.timers[j].deadline) {
			return c.timers[i].seq < c.timers[j].seq
		}
		return c.timers[i].deadline.Before(c.timers[j].deadline)
	})
	if c.timers[0].deadline.After(target) {
		return nil
	}
	return c.timers[0]
}

func (c *FakeClock) removeLocked(t *fakeTimer) {
	for i, candidate := range c.timers {
		if candidate == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			break
		}
	}
	c.cond.Broadcast()
}

func (t *fakeTimer) Stop() bool {
	t.clock.lock.Lock()
	defer t.clock.lock.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.clock.removeLocked(t)
	return true
}
