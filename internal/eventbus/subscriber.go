package eventbus

import (
	"context"
	"sync"

	"github.com/lucasnoah/orchestra/internal/db"
)

// Subscriber receives broadcast events on a buffered channel. Its filter is
// a set of workflow IDs; an empty set matches every workflow.
type Subscriber struct {
	ch   chan db.Event
	done chan struct{}

	closeOnce sync.Once
	err       error

	mu     sync.RWMutex
	filter map[string]struct{}
}

func newSubscriber(buffer int) *Subscriber {
	return &Subscriber{
		ch:     make(chan db.Event, buffer),
		done:   make(chan struct{}),
		filter: make(map[string]struct{}),
	}
}

// Events yields delivered events. It is never closed; select on Done too.
func (s *Subscriber) Events() <-chan db.Event { return s.ch }

// Done is closed once the subscriber is unsubscribed or evicted.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Err reports why the subscriber was closed. Nil for a plain unsubscribe.
func (s *Subscriber) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Watch narrows the filter to include workflowID.
func (s *Subscriber) Watch(workflowID string) {
	s.mu.Lock()
	s.filter[workflowID] = struct{}{}
	s.mu.Unlock()
}

// Unwatch drops workflowID. Removing the last entry widens the filter back
// to every workflow.
func (s *Subscriber) Unwatch(workflowID string) {
	s.mu.Lock()
	delete(s.filter, workflowID)
	s.mu.Unlock()
}

// WatchAll clears the filter.
func (s *Subscriber) WatchAll() {
	s.mu.Lock()
	s.filter = make(map[string]struct{})
	s.mu.Unlock()
}

// Matches reports whether ev passes the filter.
func (s *Subscriber) Matches(ev db.Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[ev.WorkflowID]
	return ok
}

// deliver enqueues the matching events in order. It returns ctx's error when
// the deadline passes before the buffer frees up.
func (s *Subscriber) deliver(ctx context.Context, events []db.Event) (int, error) {
	n := 0
	for _, ev := range events {
		if !s.Matches(ev) {
			continue
		}
		select {
		case s.ch <- ev:
			n++
		case <-s.done:
			return n, nil
		case <-ctx.Done():
			return n, ctx.Err()
		}
	}
	return n, nil
}

func (s *Subscriber) close(cause error) {
	s.closeOnce.Do(func() {
		s.err = cause
		close(s.done)
	})
}
