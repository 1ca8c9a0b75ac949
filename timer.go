package sbnc

import (
	"sync"
	"time"
)

// Timer invokes a callback after every interval until the callback
// returns false or the timer is cancelled. A zero interval fires on
// the next scheduler turn.
type Timer struct {
	interval time.Duration
	callback func() bool

	mu        sync.Mutex
	started   bool
	cancelled bool
	stop      chan struct{}
}

// NewTimer creates a timer; it does not run until Start is called.
// The callback re-arms the timer by returning true.
func NewTimer(interval time.Duration, callback func() bool) *Timer {
	return &Timer{
		interval: interval,
		callback: callback,
	}
}

// Start arms the timer. Starting an armed timer is a no-op.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	t.stop = make(chan struct{})
	go t.run(t.stop)
}

func (t *Timer) run(stop <-chan struct{}) {
	for {
		wait := time.NewTimer(t.interval)
		select {
		case <-stop:
			wait.Stop()
			return
		case <-wait.C:
		}

		if !t.callback() {
			return
		}
	}
}

// Cancel disables the timer. It is safe to call from any goroutine,
// including the callback itself, and is idempotent.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started || t.cancelled {
		return
	}
	t.cancelled = true
	close(t.stop)
}
