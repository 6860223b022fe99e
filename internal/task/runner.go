// Package task provides the cooperative task runner used by the op pipeline:
// four strict priority classes drained by a single worker, with support for
// continuations and child tasks in the same class.
package task

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Priority orders the scheduling classes. Lower runs first.
type Priority int

const (
	P1UserInteractive Priority = iota + 1
	P2SignatureCalc
	P3BackgroundCacheLoad
	P4LiveUpdate
)

func (p Priority) String() string {
	switch p {
	case P1UserInteractive:
		return "P1_USER_INTERACTIVE"
	case P2SignatureCalc:
		return "P2_SIGNATURE_CALC"
	case P3BackgroundCacheLoad:
		return "P3_BACKGROUND_CACHE_LOAD"
	case P4LiveUpdate:
		return "P4_LIVE_UPDATE"
	}
	return "P?"
}

// Task is one unit of scheduled work. The function receives its own task so
// it can attach continuations or spawn child tasks.
type Task struct {
	Priority Priority
	fn       func(*Task)
	runner   *Runner

	mu   sync.Mutex
	next []func(*Task)
}

// AddNextTask queues a continuation which runs (as its own task, same
// priority) after this task's function returns.
func (t *Task) AddNextTask(fn func(*Task)) {
	t.mu.Lock()
	t.next = append(t.next, fn)
	t.mu.Unlock()
}

// CreateChildTask builds a task in the same priority class. The caller must
// still submit it.
func (t *Task) CreateChildTask(fn func(*Task)) *Task {
	return &Task{Priority: t.Priority, fn: fn, runner: t.runner}
}

// Runner drains tasks strictly by priority class on a single worker.
type Runner struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queues   map[Priority][]*Task
	shutdown bool
	done     sync.WaitGroup
}

// NewRunner builds a runner; call Start to begin processing.
func NewRunner() *Runner {
	r := &Runner{queues: make(map[Priority][]*Task)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Start launches the worker goroutine.
func (r *Runner) Start() {
	r.done.Add(1)
	go r.loop()
}

// NewTask builds a task bound to this runner.
func (r *Runner) NewTask(p Priority, fn func(*Task)) *Task {
	return &Task{Priority: p, fn: fn, runner: r}
}

// Submit enqueues the task for execution.
func (r *Runner) Submit(t *Task) {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		log.Warn().Msg("Task submitted after runner shutdown; dropping.")
		return
	}
	r.queues[t.Priority] = append(r.queues[t.Priority], t)
	r.mu.Unlock()
	r.cond.Signal()
}

func (r *Runner) popLocked() *Task {
	for _, p := range []Priority{P1UserInteractive, P2SignatureCalc, P3BackgroundCacheLoad, P4LiveUpdate} {
		if q := r.queues[p]; len(q) > 0 {
			r.queues[p] = q[1:]
			return q[0]
		}
	}
	return nil
}

func (r *Runner) loop() {
	defer r.done.Done()
	for {
		r.mu.Lock()
		var t *Task
		for {
			if r.shutdown {
				r.mu.Unlock()
				return
			}
			if t = r.popLocked(); t != nil {
				break
			}
			r.cond.Wait()
		}
		r.mu.Unlock()

		t.fn(t)

		t.mu.Lock()
		next := t.next
		t.next = nil
		t.mu.Unlock()
		for _, fn := range next {
			r.Submit(r.NewTask(t.Priority, fn))
		}
	}
}

// Shutdown stops the worker after the current task finishes. Queued tasks are
// dropped.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	r.shutdown = true
	r.mu.Unlock()
	r.cond.Broadcast()
	r.done.Wait()
}
