// Package clock lets time-driven code (typing expiry, indicator timers)
// run against the wall clock in production and a manually advanced clock
// in tests.
package clock

import "time"

// Clock is the subset of the time package the service depends on.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) *Timer
	NewTicker(d time.Duration) *Ticker
}

// Timer is returned by AfterFunc. C is always nil.
type Timer struct {
	stop  func() bool
	reset func(time.Duration) bool
}

// Stop prevents the callback from firing. It reports whether the call
// stopped a pending timer.
func (t *Timer) Stop() bool { return t.stop() }

// Reset re-arms the timer to fire after d.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }

// Ticker delivers ticks on C. Ticks are dropped when the reader lags.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stop: timer.Stop, reset: timer.Reset}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop}
}
