// Package loop provides the cooperative single-threaded task loop that
// drives rebuild flushes and other deferred work.
//
// Tasks posted with [Loop.Post] never run inside the call that posted them;
// they run on the next tick. A tick executes the tasks that were queued when
// it started. Tasks queued during a tick wait for the following tick, which
// gives "next tick" semantics even for tasks that post more tasks.
//
// The loop can be driven manually with [Loop.RunPending] and
// [Loop.RunUntilIdle] (tests, embedders with their own frame clock), or by a
// dedicated goroutine with [Loop.Run], in which case [Loop.Dispatch] is the
// way other goroutines hand work to the loop.
package loop

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/go-drift/arbor/pkg/errors"
)

var (
	// ErrLoopClosed is returned when work is submitted to a closed loop.
	ErrLoopClosed = stderrors.New("loop: closed")
	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = stderrors.New("loop: already running")
)

// defaultIdleTicks bounds RunUntilIdle when callers pass a non-positive limit.
const defaultIdleTicks = 1000

// Loop is a cooperative task queue. All tasks run on one goroutine at a time.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	spare   []func()
	closed  bool
	running bool
	ticks   uint64
	wake    chan struct{}

	// OnPost, when set, is called after a task is queued while the loop was
	// idle. Embedders use it to request a frame from the host.
	OnPost func()
}

// New creates an idle loop.
func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post queues task for the next tick. Posting to a closed loop drops the task.
func (l *Loop) Post(task func()) {
	_ = l.Dispatch(task)
}

// Dispatch queues task for the next tick and reports an error if the loop is
// closed. Safe to call from any goroutine.
func (l *Loop) Dispatch(task func()) error {
	if task == nil {
		return errors.InvalidArgument("loop.Dispatch", "task is nil")
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	wasIdle := len(l.queue) == 0
	l.queue = append(l.queue, task)
	onPost := l.OnPost
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	if wasIdle && onPost != nil {
		onPost()
	}
	return nil
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Ticks returns how many non-empty ticks have run.
func (l *Loop) Ticks() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ticks
}

// RunPending runs one tick: every task queued before the call, in FIFO
// order. It returns the number of tasks executed.
func (l *Loop) RunPending() int {
	l.mu.Lock()
	if len(l.queue) == 0 {
		l.mu.Unlock()
		return 0
	}
	tasks := l.queue
	l.queue = l.spare[:0]
	l.spare = nil
	l.ticks++
	l.mu.Unlock()

	for i, task := range tasks {
		safeExecute(task)
		tasks[i] = nil
	}

	l.mu.Lock()
	if l.spare == nil {
		l.spare = tasks[:0]
	}
	l.mu.Unlock()
	return len(tasks)
}

// RunUntilIdle runs ticks until the queue is empty or maxTicks ticks have
// run. It returns the number of ticks executed.
func (l *Loop) RunUntilIdle(maxTicks int) int {
	if maxTicks <= 0 {
		maxTicks = defaultIdleTicks
	}
	ticks := 0
	for ticks < maxTicks && l.RunPending() > 0 {
		ticks++
	}
	return ticks
}

// Run drives the loop on the calling goroutine until ctx is done or the
// loop is closed.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrAlreadyRunning
	}
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.running = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	for {
		for l.RunPending() > 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		if l.isClosed() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Close stops accepting tasks and wakes a running loop so Run returns once
// the remaining queue is drained.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// safeExecute isolates a panicking task so the loop keeps running.
func safeExecute(task func()) {
	defer errors.Recover("loop.task")
	task()
}
