package worker

import (
	"sync"

	"github.com/ethereum-optimism/infra/op-testd/types"
)

// subscription routes the messages of one run to its handler. Once cancel
// returns the handler is never invoked again.
type subscription struct {
	mu        sync.Mutex
	onEvent   func(*types.Event)
	closed    bool
	completed bool

	complete chan struct{}
	once     sync.Once
}

func newSubscription(onEvent func(*types.Event)) *subscription {
	return &subscription{onEvent: onEvent, complete: make(chan struct{})}
}

func (s *subscription) deliver(ev *types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if ev.Type == types.EventRunComplete {
		s.completed = true
	}
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

// finish marks the run as complete and closes the subscription.
func (s *subscription) finish() {
	s.cancel()
	s.once.Do(func() { close(s.complete) })
}

func (s *subscription) cancel() {
	s.mu.Lock()
	s.closed = true
	completed := s.completed
	s.mu.Unlock()
	if completed {
		s.once.Do(func() { close(s.complete) })
	}
}

// Completed reports whether runComplete was delivered.
func (s *subscription) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}
