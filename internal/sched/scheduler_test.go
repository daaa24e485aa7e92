package sched

import (
	"sync"
	"testing"
	"time"
)

// manualClock is a minimal test-only SimClock.
type manualClock struct {
	mu  sync.RWMutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

func (c *manualClock) set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func TestEventScheduler_RunsOnceWhenDue(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &manualClock{now: start}
	s := NewEventScheduler(clock)

	var counter int
	id := s.Schedule(start.Add(10*time.Second), func() { counter++ })
	if id == "" {
		t.Fatalf("Schedule returned empty ID")
	}

	s.RunDue()
	if counter != 0 {
		t.Fatalf("expected counter=0 before time advance, got %d", counter)
	}

	clock.set(start.Add(10 * time.Second))
	s.RunDue()
	s.RunDue()
	if counter != 1 {
		t.Fatalf("expected counter=1 after repeated RunDue, got %d", counter)
	}
}

func TestEventScheduler_OrdersByTimeThenSchedulingOrder(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &manualClock{now: start}
	s := NewEventScheduler(clock)

	var order []string
	at := start.Add(time.Second)
	s.Schedule(start.Add(2*time.Second), func() { order = append(order, "late") })
	s.Schedule(at, func() { order = append(order, "first") })
	s.Schedule(at, func() { order = append(order, "second") })

	clock.set(start.Add(2 * time.Second))
	s.RunDue()

	want := []string{"first", "second", "late"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestEventScheduler_CancelAfterFireIsNoop(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &manualClock{now: start}
	s := NewEventScheduler(clock)

	var counter int
	id := After(s, 0, func() { counter++ })
	s.RunDue()
	s.Cancel(id)
	s.Cancel("unknown-id")

	if counter != 1 {
		t.Fatalf("expected counter=1, got %d", counter)
	}
}

func TestEventScheduler_CancelledEventNeverRuns(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &manualClock{now: start}
	s := NewEventScheduler(clock)

	var counter int
	id := s.Schedule(start.Add(time.Second), func() { counter++ })
	s.Cancel(id)

	if _, ok := s.NextDue(); ok {
		t.Fatalf("expected no pending events after cancel")
	}

	clock.set(start.Add(time.Second))
	s.RunDue()
	if counter != 0 {
		t.Fatalf("expected cancelled event to not run, counter=%d", counter)
	}
}

func TestEventScheduler_RescheduleFromCallback(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &manualClock{now: start}
	s := NewEventScheduler(clock)

	var fired int
	var tick func()
	tick = func() {
		fired++
		After(s, 500*time.Millisecond, tick)
	}
	After(s, 500*time.Millisecond, tick)

	for i := 1; i <= 4; i++ {
		clock.set(start.Add(time.Duration(i) * 500 * time.Millisecond))
		s.RunDue()
	}
	if fired != 4 {
		t.Fatalf("expected 4 firings, got %d", fired)
	}

	next, ok := s.NextDue()
	if !ok || !next.Equal(start.Add(2500*time.Millisecond)) {
		t.Fatalf("NextDue() = %v, %v; want %v", next, ok, start.Add(2500*time.Millisecond))
	}
}
