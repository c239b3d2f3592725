// ============================================================================
// Refreshtree Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that executes refresh tasks, each Worker runs in an
// independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait)
//   2. Execute task.Run (with timeout control)
//   3. Send result to resultCh
//   4. Repeat above process until taskCh is closed
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for task := range taskCh     │   │
//   │  │   ├─ Context with timeout    │   │
//   │  │   ├─ execute(task)           │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Timeout Control:
//   - Each task has an independent Context derived from the pool context
//   - Timeout > 0 wraps it with context.WithTimeout
//   - A task that returns after its deadline is reported as failed with
//     context.DeadlineExceeded
//
// Error Handling:
//   - Task error: returned as Result.Error
//   - Panic inside task.Run: recovered and reported as ErrTaskPanicked
//   - Results are always delivered; a task never disappears silently
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTaskPanicked wraps a panic recovered from a task
var ErrTaskPanicked = errors.New("task panicked")

// Worker represents a work execution unit
type Worker struct {
	id       int             // Worker unique identifier, used for logging and debugging
	ctx      context.Context // Parent context of every task
	taskCh   <-chan Task     // Task channel (read-only), receives tasks to execute
	resultCh chan<- Result   // Result channel (write-only), sends task execution results
}

// newWorker creates a new Worker instance
func newWorker(ctx context.Context, id int, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		ctx:      ctx,
		taskCh:   taskCh,
		resultCh: resultCh,
	}
}

// Run is the main loop of Worker, receives tasks from task channel and executes them
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()

		ctx, cancel := w.taskContext(task)
		err := w.execute(ctx, task.Run)
		if err == nil && ctx.Err() == context.DeadlineExceeded {
			err = ctx.Err()
		}
		cancel()

		w.resultCh <- Result{
			Handle:   task.Handle,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}
	}
}

func (w *Worker) taskContext(task Task) (context.Context, context.CancelFunc) {
	if task.Timeout > 0 {
		return context.WithTimeout(w.ctx, task.Timeout)
	}
	return context.WithCancel(w.ctx)
}

// execute runs fn, converting a panic into an error
func (w *Worker) execute(ctx context.Context, fn Func) (err error) {
	if fn == nil {
		return errors.New("task has no work function")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("Task panicked", "worker", w.id, "panic", r)
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()

	return fn(ctx)
}
