package client

import (
	"sync"
	"time"

	"conversation-service/internal/clock"
)

// InactivityTimer turns keystrokes into typing signals: the first keystroke
// emits true and a quiet window emits false.
type InactivityTimer struct {
	clock  clock.Clock
	window time.Duration
	emit   func(isTyping bool)

	mu     sync.Mutex
	timer  *clock.Timer
	typing bool
	gen    uint64
}

func NewInactivityTimer(clk clock.Clock, window time.Duration, emit func(isTyping bool)) *InactivityTimer {
	if clk == nil {
		clk = clock.Real()
	}
	if window <= 0 {
		window = DefaultTypingWindow
	}
	return &InactivityTimer{clock: clk, window: window, emit: emit}
}

// Keystroke records input activity.
func (it *InactivityTimer) Keystroke() {
	it.mu.Lock()
	started := !it.typing
	it.typing = true
	it.gen++
	gen := it.gen
	if it.timer != nil {
		it.timer.Stop()
	}
	it.timer = it.clock.AfterFunc(it.window, func() { it.quiet(gen) })
	it.mu.Unlock()

	if started {
		it.emit(true)
	}
}

// Stop ends the typing run now, e.g. when the message is sent.
func (it *InactivityTimer) Stop() {
	it.mu.Lock()
	wasTyping := it.typing
	it.typing = false
	it.gen++
	if it.timer != nil {
		it.timer.Stop()
		it.timer = nil
	}
	it.mu.Unlock()

	if wasTyping {
		it.emit(false)
	}
}

func (it *InactivityTimer) quiet(gen uint64) {
	it.mu.Lock()
	if gen != it.gen || !it.typing {
		it.mu.Unlock()
		return
	}
	it.typing = false
	it.timer = nil
	it.mu.Unlock()

	it.emit(false)
}
