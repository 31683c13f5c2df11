package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. AfterFunc callbacks run
// synchronously inside Advance, in deadline order.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	callback func()
	ticks    chan time.Time
	interval time.Duration
	stopped  bool
	fired    bool
}

// Fake returns a FakeClock set to start.
func Fake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	w := &waiter{deadline: c.now.Add(d), callback: f}
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
	c.mu.Unlock()

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if w.stopped || w.fired {
				return false
			}
			w.stopped = true
			return true
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := !w.stopped && !w.fired
			w.deadline = c.now.Add(d)
			if !active {
				w.stopped, w.fired = false, false
				c.waiters = append(c.waiters, w)
				c.changed.Broadcast()
			}
			return active
		},
	}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	w := &waiter{deadline: c.now.Add(d), ticks: ch, interval: d}
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
	return &Ticker{C: ch, stop: func() {
		c.mu.Lock()
		w.stopped = true
		c.mu.Unlock()
	}}
}

// Advance moves the clock forward and fires everything that came due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.collect(target)
		if len(due) == 0 {
			return
		}
		for _, w := range due {
			if w.callback != nil {
				w.callback()
				continue
			}
			select {
			case w.ticks <- target:
			default:
			}
		}
	}
}

func (c *FakeClock) collect(target time.Time) []*waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, pending []*waiter
	for _, w := range c.waiters {
		switch {
		case w.stopped:
		case !w.deadline.After(target):
			due = append(due, w)
		default:
			pending = append(pending, w)
		}
	}
	for _, w := range due {
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
			pending = append(pending, w)
		} else {
			w.fired = true
		}
	}
	c.waiters = pending
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	return due
}

// WaitForTimers blocks until at least n timers or tickers are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.changed.Wait()
	}
}

// Pending reports how many timers and tickers are armed.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	n := 0
	for _, w := range c.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}
