// Package taskrunner provides a single-flight task serializer: units of
// work submitted from any number of goroutines execute strictly one at a
// time, in submission order, with each unit's outcome reported only to its
// own submitter.
//
// The sync engine funnels every mutation of the operation queue and the
// local store through a runner, which is what makes the "at most one
// pending operation per item" invariant hold under concurrent calls.
package taskrunner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrNilTask is returned when a nil unit of work is submitted.
var ErrNilTask = errors.New("taskrunner: nil task")

// Task is the handle for one submitted unit of work.
type Task struct {
	done  chan struct{}
	value interface{}
	err   error
}

// Done is closed when the task has finished executing.
func (t *Task) Done() <-chan struct{} { return t.done }

// Result returns the task outcome. It blocks until the task finishes or
// ctx is cancelled; cancellation abandons the wait, not the task.
func (t *Task) Result(ctx context.Context) (interface{}, error) {
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Runner executes submitted tasks strictly one at a time in FIFO order.
// The zero value is not usable; call New.
type Runner struct {
	mu     sync.Mutex
	tail   chan struct{} // done channel of the most recently submitted task
	logger *zap.Logger
}

// New creates a runner. A nil logger disables logging.
func New(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{logger: logger}
}

// Run submits a unit of work and immediately returns its handle. The work
// executes after every earlier-submitted unit has finished, successfully
// or not. A failure is reported only through the returned handle; it never
// stops the runner.
func (r *Runner) Run(ctx context.Context, fn func(context.Context) (interface{}, error)) *Task {
	task := &Task{done: make(chan struct{})}

	if fn == nil {
		task.err = ErrNilTask
		close(task.done)
		return task
	}

	r.mu.Lock()
	prev := r.tail
	r.tail = task.done
	r.mu.Unlock()

	go func() {
		defer close(task.done)
		if prev != nil {
			<-prev
		}
		if err := ctx.Err(); err != nil {
			task.err = err
			return
		}
		task.value, task.err = runGuarded(ctx, fn)
		if task.err != nil {
			r.logger.Debug("Task failed", zap.Error(task.err))
		}
	}()
	return task
}

// Do submits a unit of work and waits for its outcome.
func (r *Runner) Do(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	return r.Run(ctx, fn).Result(ctx)
}

func runGuarded(ctx context.Context, fn func(context.Context) (interface{}, error)) (value interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("taskrunner: task panicked: %v", rec)
		}
	}()
	return fn(ctx)
}
