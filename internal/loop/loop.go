// Package loop provides the single-threaded event loop that hosts connection
// engines: a work queue drained by one goroutine, one-shot deferred
// callbacks, and a process-wide stop that cancels all pending work.
//
// Every callback submitted or scheduled through a Loop runs on the same
// goroutine, strictly serialized. That serialization is the correctness
// invariant the engine depends on — no two state transitions for a hosted
// connection ever run concurrently, so the engine itself needs no locks.
package loop

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Loop is a serialized work queue with a timer scheduler. The clock is
// injected so tests can drive deferred callbacks deterministically.
type Loop struct {
	clock  clock.Clock
	logger *slog.Logger

	work   chan func()
	stopCh chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	timers   map[*Timer]struct{}
	stopping bool
}

// New creates a Loop using the real clock.
func New(logger *slog.Logger) *Loop {
	return NewWithClock(clock.New(), logger)
}

// NewWithClock creates a Loop with an injected clock. Tests pass a mock
// clock to fire scheduled work without real delays.
func NewWithClock(c clock.Clock, logger *slog.Logger) *Loop {
	return &Loop{
		clock:  c,
		logger: logger,
		work:   make(chan func(), 128),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		timers: make(map[*Timer]struct{}),
	}
}

// Run drains the work queue until Stop is called. It blocks; callers run it
// on a dedicated goroutine. All submitted and scheduled callbacks execute
// here.
func (l *Loop) Run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.work:
			fn()
		case <-l.stopCh:
			return
		}
	}
}

// Submit enqueues fn for execution on the loop goroutine. It returns false
// if the loop is stopping; the callback is then dropped.
func (l *Loop) Submit(fn func()) bool {
	select {
	case <-l.stopCh:
		return false
	default:
	}
	select {
	case l.work <- fn:
		return true
	case <-l.stopCh:
		return false
	}
}

// Timer is a handle to a scheduled one-shot callback.
type Timer struct {
	loop *Loop
	t    *clock.Timer

	mu    sync.Mutex
	fired bool
}

// Schedule arms a one-shot callback that runs on the loop goroutine after
// delay. The returned Timer can cancel it. A stopped loop never delivers the
// callback.
func (l *Loop) Schedule(delay time.Duration, fn func()) *Timer {
	t := &Timer{loop: l}

	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		t.fired = true
		return t
	}
	t.t = l.clock.AfterFunc(delay, func() {
		t.mu.Lock()
		if t.fired {
			t.mu.Unlock()
			return
		}
		t.fired = true
		t.mu.Unlock()
		l.forget(t)
		l.Submit(fn)
	})
	l.timers[t] = struct{}{}
	l.mu.Unlock()
	return t
}

// Stop cancels the timer. Returns true if the callback was prevented from
// running. Safe to call multiple times.
func (t *Timer) Stop() bool {
	t.mu.Lock()
	if t.fired {
		t.mu.Unlock()
		return false
	}
	t.fired = true
	t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
	}
	t.loop.forget(t)
	return true
}

func (l *Loop) forget(t *Timer) {
	l.mu.Lock()
	delete(l.timers, t)
	l.mu.Unlock()
}

// Stop halts the loop: every pending timer is cancelled, queued work is
// discarded, and Run returns. Deferred callbacks scheduled before the stop
// never fire. Safe to call from any goroutine, including loop callbacks.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		return
	}
	l.stopping = true
	timers := make([]*Timer, 0, len(l.timers))
	for t := range l.timers {
		timers = append(timers, t)
	}
	l.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	close(l.stopCh)
	if l.logger != nil {
		l.logger.Debug("event loop stopped", "cancelled_timers", len(timers))
	}
}

// Done returns a channel closed when Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Stopping reports whether Stop has been called.
func (l *Loop) Stopping() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopping
}

// Now returns the loop clock's current time.
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}
