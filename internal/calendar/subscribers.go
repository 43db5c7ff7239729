package calendar

import (
	"fmt"
	"runtime/debug"
	"sync"

	"wkserver/internal/model"
)

// Subscriber receives a CalendarUpdate per calendar per poll cycle.
//
// Subscribers are kept in a set keyed by interface equality, so the
// dynamic type must be comparable; use pointer receivers.
type Subscriber interface {
	OnCalendarUpdate(update model.CalendarUpdate) error
}

// Subscribers is a set of Subscriber values that remembers registration
// order. All methods are safe for concurrent use.
type Subscribers struct {
	mu   sync.Mutex
	list []Subscriber
}

// Add registers sub. It reports false if sub was already registered.
func (s *Subscribers) Add(sub Subscriber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.list {
		if existing == sub {
			return false
		}
	}
	s.list = append(s.list, sub)
	return true
}

// Remove unregisters sub. It reports false if sub was not registered.
func (s *Subscribers) Remove(sub Subscriber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.list {
		if existing == sub {
			// Copy so that snapshots handed out earlier stay intact.
			next := make([]Subscriber, 0, len(s.list)-1)
			next = append(next, s.list[:i]...)
			s.list = append(next, s.list[i+1:]...)
			return true
		}
	}
	return false
}

// Snapshot returns the current subscribers. The returned slice is never
// modified afterwards, so it can be iterated without holding the lock.
func (s *Subscribers) Snapshot() []Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list
}

func (s *Subscribers) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

// safeDeliver invokes sub and turns a panic into an error.
func safeDeliver(sub Subscriber, update model.CalendarUpdate) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v\n%s", r, debug.Stack())
		}
	}()
	return sub.OnCalendarUpdate(update)
}
