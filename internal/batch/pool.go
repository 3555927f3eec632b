// Package batch drives a repricing run: it fans per-product work out over a
// bounded worker pool, stops dispatch when a fatal provider error appears, and
// collects outcomes into a run report.
package batch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Task is one unit of work for the pool.
type Task[T any] struct {
	Run func(ctx context.Context) (T, error)
	ID  string
}

// TaskResult is the outcome of a task. Skipped is set for tasks that were
// never claimed because dispatch stopped first. Stack holds the goroutine
// stack of a task that panicked.
type TaskResult[T any] struct {
	Value    T
	Err      error
	ID       string
	Stack    []byte
	Duration time.Duration
	Skipped  bool
}

// Run executes tasks on min(concurrency, len(tasks)) workers sharing one
// cursor. Before claiming the next task a worker checks halt and the
// context; once either says stop, no further tasks are claimed, but tasks
// already claimed run to completion. Errors and panics become failed results.
// The returned slice is index-aligned with tasks.
func Run[T any](ctx context.Context, tasks []Task[T], concurrency int, halt func() bool) []TaskResult[T] {
	results := make([]TaskResult[T], len(tasks))
	if len(tasks) == 0 {
		return results
	}
	if halt == nil {
		halt = func() bool { return false }
	}
	workers := min(max(concurrency, 1), len(tasks))

	var (
		cursor  atomic.Int64
		claimed = make([]bool, len(tasks))
		wg      sync.WaitGroup
	)
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for {
				if halt() || ctx.Err() != nil {
					return
				}
				i := int(cursor.Add(1) - 1)
				if i >= len(tasks) {
					return
				}
				claimed[i] = true
				results[i] = execute(ctx, tasks[i])
			}
		}()
	}
	wg.Wait()

	for i := range results {
		if !claimed[i] {
			results[i] = TaskResult[T]{ID: tasks[i].ID, Skipped: true}
		}
	}
	return results
}

func execute[T any](ctx context.Context, task Task[T]) (result TaskResult[T]) {
	start := time.Now()
	result.ID = task.ID
	defer func() {
		result.Duration = time.Since(start)
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("task %s panicked: %v", task.ID, r)
			result.Stack = debug.Stack()
		}
	}()
	result.Value, result.Err = task.Run(ctx)
	return result
}
