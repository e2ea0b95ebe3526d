// Package loop implements the single-threaded, cooperative event loop
// that spec.md §5 requires: every datapipe operation, timer fire, bus
// dispatch and filesystem-readiness notification funnels through here.
// No component may call back into the fabric from another OS thread;
// goroutines owned by a component (a bus listener, an fsnotify reader)
// must post their continuation onto the Loop instead of touching
// datapipes or the settings store directly.
//
// The shape generalizes the teacher's pkg/tasks.TaskManager, which
// tracks exactly one outstanding task and replaces it on a new request;
// here each named idle task tracks its own "is one outstanding"
// invariant instead of there being a single global slot, per spec.md §5:
// "deferred idle tasks ... each carry exactly one source id; scheduling
// is idempotent ... Destruction cancels pending ids."
package loop

import (
	"sync"
	"time"

	"github.com/sasha-s/go-deadlock"
)

// TaskID names an idle task's outstanding-request slot.
type TaskID string

// Loop is a single-threaded dispatcher for idle callbacks. It has no
// goroutine of its own other than the one that calls Run; Run must be
// called from the single thread that owns the fabric.
type Loop struct {
	mu      deadlock.Mutex
	pending map[TaskID]func()
	ids     chan TaskID
	stop    chan struct{}
	once    sync.Once
}

// New constructs a Loop with room for a generous backlog of idle posts;
// PostIdle blocks only if this backlog is exceeded, which would indicate
// a runaway scheduling bug upstream.
func New() *Loop {
	return &Loop{
		pending: make(map[TaskID]func()),
		ids:     make(chan TaskID, 4096),
		stop:    make(chan struct{}),
	}
}

// PostIdle schedules fn to run on the next idle turn under id. If a task
// with the same id is already pending, this call is a no-op: scheduling
// is idempotent per spec.md §5.
func (l *Loop) PostIdle(id TaskID, fn func()) {
	l.mu.Lock()
	if _, already := l.pending[id]; already {
		l.mu.Unlock()
		return
	}
	l.pending[id] = fn
	l.mu.Unlock()
	l.ids <- id
}

// CancelIdle cancels a pending idle task if it has not yet run. It is safe
// to call on an id with nothing pending.
func (l *Loop) CancelIdle(id TaskID) {
	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
}

// AfterFunc schedules fn to be posted as idle task id after d elapses. If
// id is already pending (idle or still waiting on the timer), this call
// is a no-op and the existing schedule is left untouched.
func (l *Loop) AfterFunc(d time.Duration, id TaskID, fn func()) {
	l.mu.Lock()
	if _, already := l.pending[id]; already {
		l.mu.Unlock()
		return
	}
	// Reserve the slot immediately so a second AfterFunc/PostIdle call
	// for the same id during the wait is also a no-op.
	l.pending[id] = fn
	l.mu.Unlock()
	time.AfterFunc(d, func() {
		l.ids <- id
	})
}

// Run processes idle tasks until Stop is called. It must be invoked from
// the single designated loop thread.
func (l *Loop) Run() {
	for {
		select {
		case <-l.stop:
			return
		case id := <-l.ids:
			l.mu.Lock()
			fn, ok := l.pending[id]
			delete(l.pending, id)
			l.mu.Unlock()
			if ok && fn != nil {
				fn()
			}
		}
	}
}

// RunUntilIdle drains any currently queued idle tasks and returns, without
// blocking for more. Intended for tests that want deterministic turns
// instead of a free-running Run.
func (l *Loop) RunUntilIdle() {
	for {
		select {
		case id := <-l.ids:
			l.mu.Lock()
			fn, ok := l.pending[id]
			delete(l.pending, id)
			l.mu.Unlock()
			if ok && fn != nil {
				fn()
			}
		default:
			return
		}
	}
}

// Stop terminates Run. Safe to call multiple times.
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.stop) })
}
