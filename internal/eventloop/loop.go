// Package eventloop runs an EventScheduler against wall-clock time and
// serialises work posted from other goroutines onto the same logical thread.
package eventloop

import (
	"context"
	"sync"
	"time"

	"github.com/signalsfoundry/disposition-checker/internal/logging"
	"github.com/signalsfoundry/disposition-checker/internal/sched"
	"github.com/signalsfoundry/disposition-checker/timectrl"
)

// idleWait bounds how long the loop sleeps when no timer is pending.
const idleWait = time.Second

// Loop owns the single goroutine on which scheduled callbacks and posted
// functions execute. Callbacks never run concurrently with each other.
type Loop struct {
	sched sched.EventScheduler
	log   logging.Logger

	posts chan func()

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

// New creates a loop backed by a wall-clock scheduler.
func New(log logging.Logger) *Loop {
	return NewWithScheduler(sched.NewEventScheduler(timectrl.WallClock{}), log)
}

// NewWithScheduler creates a loop around an existing scheduler. The
// scheduler's clock must follow wall-clock time.
func NewWithScheduler(s sched.EventScheduler, log logging.Logger) *Loop {
	if log == nil {
		log = logging.Noop()
	}
	return &Loop{
		sched: s,
		log:   log,
		posts: make(chan func(), 1024),
		done:  make(chan struct{}),
	}
}

// Scheduler returns the scheduler driven by this loop. Schedule and Cancel
// must only be called from the loop goroutine; other goroutines use Post.
func (l *Loop) Scheduler() sched.EventScheduler { return l.sched }

// Post queues f to run on the loop goroutine. It is safe to call from any
// goroutine. Posts after Stop are dropped.
func (l *Loop) Post(f func()) {
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return
	}
	select {
	case l.posts <- f:
	case <-l.done:
	}
}

// Stop makes Run return once the current callback has finished.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	close(l.done)
}

// Done is closed when Stop has been called.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Run executes callbacks until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		l.sched.RunDue()

		wait := idleWait
		if next, ok := l.sched.NextDue(); ok {
			wait = time.Until(next)
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			l.log.Debug(ctx, "event loop cancelled")
			return ctx.Err()
		case <-l.done:
			return nil
		case f := <-l.posts:
			f()
			l.drainPosts()
		case <-timer.C:
		}
	}
}

// drainPosts runs every post that is already queued without blocking.
func (l *Loop) drainPosts() {
	for {
		select {
		case f := <-l.posts:
			f()
		default:
			return
		}
	}
}
