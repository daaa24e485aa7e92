package sched

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/disposition-checker/timectrl"
)

// EventScheduler runs callbacks at specific times on the goroutine that calls
// RunDue. Everything the orchestrator and the simulated mesh do happens inside
// such callbacks, which gives a single logical thread of execution.
//
// A driver advances time (eventloop.Loop in production, a TimeController or a
// FakeEventScheduler in tests) and calls RunDue after each advance.
type EventScheduler interface {
	// Schedule registers a callback f to run at time 'at'.
	// It returns an opaque event ID that can be used to cancel the event.
	Schedule(at time.Time, f func()) (id string)

	// Cancel attempts to cancel a previously scheduled event.
	// It is a no-op if the ID is unknown or the event already ran.
	Cancel(id string)

	// Now returns the current time, usually delegated to the underlying SimClock.
	Now() time.Time

	// NextDue reports when the earliest pending event is due.
	NextDue() (time.Time, bool)

	// RunDue executes all events whose scheduled time is <= Now().
	// It should be safe to call multiple times; already-run events must not run again.
	RunDue()
}

// After schedules f to run d after the scheduler's current time.
func After(s EventScheduler, d time.Duration, f func()) string {
	return s.Schedule(s.Now().Add(d), f)
}

// scheduledEvent represents a single scheduled callback.
type scheduledEvent struct {
	id        string
	when      time.Time
	seq       uint64
	f         func()
	cancelled bool
}

// eventScheduler is a concrete implementation of EventScheduler that uses SimClock
// to determine current time and stores events ordered by scheduled time.
type eventScheduler struct {
	clock timectrl.SimClock

	mu      sync.Mutex
	counter uint64
	events  []*scheduledEvent // ordered by 'when' (earliest first), then by seq
	index   map[string]*scheduledEvent
}

// NewEventScheduler creates a new event scheduler backed by the given SimClock.
func NewEventScheduler(clock timectrl.SimClock) EventScheduler {
	return &eventScheduler{
		clock: clock,
		index: make(map[string]*scheduledEvent),
	}
}

// Schedule registers a callback to run at the specified time.
func (s *eventScheduler) Schedule(at time.Time, f func()) (id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	id = fmt.Sprintf("ev-%d", s.counter)

	ev := &scheduledEvent{
		id:   id,
		when: at,
		seq:  s.counter,
		f:    f,
	}

	s.addEventLocked(ev)
	s.index[id] = ev

	return id
}

// addEventLocked inserts an event into the events slice maintaining time order.
// Events sharing a time keep their scheduling order.
// Caller must hold s.mu lock.
func (s *eventScheduler) addEventLocked(ev *scheduledEvent) {
	idx := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].when.After(ev.when)
	})

	s.events = append(s.events, nil)
	copy(s.events[idx+1:], s.events[idx:])
	s.events[idx] = ev
}

// Cancel attempts to cancel a previously scheduled event.
func (s *eventScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.index[id]
	if !ok {
		return
	}

	ev.cancelled = true
	delete(s.index, id)
	// Actual removal from s.events is lazy; RunDue skips cancelled events.
}

// Now returns the current time from the underlying clock.
func (s *eventScheduler) Now() time.Time {
	return s.clock.Now()
}

// NextDue returns the time of the earliest non-cancelled event.
func (s *eventScheduler) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range s.events {
		if !ev.cancelled {
			return ev.when, true
		}
	}
	return time.Time{}, false
}

// popNextLocked removes and returns the next event to run (earliest non-cancelled event).
// Returns nil if no events are due.
// Caller must hold s.mu lock.
func (s *eventScheduler) popNextLocked() *scheduledEvent {
	now := s.clock.Now()
	for len(s.events) > 0 {
		ev := s.events[0]
		if ev.cancelled {
			s.events = s.events[1:]
			continue
		}
		if !ev.when.After(now) {
			s.events = s.events[1:]
			return ev
		}
		// Events are ordered by time, so if this one is in the future, all later ones are too
		break
	}
	return nil
}

// RunDue executes all events whose scheduled time is <= Now().
// It is safe to call multiple times; already-run events will not run again.
func (s *eventScheduler) RunDue() {
	for {
		s.mu.Lock()
		ev := s.popNextLocked()
		if ev == nil {
			s.mu.Unlock()
			return
		}
		delete(s.index, ev.id)
		s.mu.Unlock()

		// Execute callback OUTSIDE the lock so callbacks can schedule and cancel.
		if ev.f != nil {
			ev.f()
		}
	}
}
