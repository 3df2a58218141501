// Package timeout provides the deadline primitives used to bound a run: a
// sliding keep-alive window that is pushed back every time the worker
// communicates, and an externally triggered cancel signal.
package timeout

import (
	"sync"
	"time"
)

// Extendable fires once no Extend call has been made for the configured
// duration. It is safe for concurrent use.
type Extendable struct {
	duration time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	deadline time.Time
	fired    bool
	stopped  bool
	done     chan struct{}
}

// NewExtendable starts a keep-alive window of d.
func NewExtendable(d time.Duration) *Extendable {
	e := &Extendable{
		duration: d,
		done:     make(chan struct{}),
		deadline: time.Now().Add(d),
	}
	e.mu.Lock()
	e.timer = time.AfterFunc(d, e.fire)
	e.mu.Unlock()
	return e
}

func (e *Extendable) fire() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fired || e.stopped {
		return
	}
	// An Extend may have raced with the timer firing.
	if remaining := time.Until(e.deadline); remaining > 0 {
		e.timer.Reset(remaining)
		return
	}
	e.fired = true
	close(e.done)
}

// Extend resets the deadline to now plus the window. It has no effect once
// the deadline has elapsed or the timer was stopped.
func (e *Extendable) Extend() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fired || e.stopped {
		return
	}
	e.deadline = time.Now().Add(e.duration)
	e.timer.Reset(e.duration)
}

// Done is closed when the window elapses without an extension.
func (e *Extendable) Done() <-chan struct{} {
	return e.done
}

// Expired reports whether the deadline has elapsed.
func (e *Extendable) Expired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fired
}

// Stop abandons the deadline. Done will never be closed after Stop returns
// unless it already was.
func (e *Extendable) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	e.timer.Stop()
}

// Duration returns the keep-alive window.
func (e *Extendable) Duration() time.Duration {
	return e.duration
}

// Canceller is a one-shot signal fired by explicit user action.
type Canceller struct {
	once sync.Once
	done chan struct{}
}

// NewCanceller returns an unfired canceller.
func NewCanceller() *Canceller {
	return &Canceller{done: make(chan struct{})}
}

// Cancel fires the signal. Subsequent calls are no-ops.
func (c *Canceller) Cancel() {
	c.once.Do(func() { close(c.done) })
}

// Done is closed once Cancel has been called.
func (c *Canceller) Done() <-chan struct{} {
	return c.done
}

// Cancelled reports whether Cancel has been called.
func (c *Canceller) Cancelled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
