// Package scheduler runs batches of independent tasks with bounded
// parallelism. Slots are handed out first come, first served.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Scheduler is a fixed pool of slots
type Scheduler struct {
	sem   *semaphore.Weighted
	slots int
}

// New creates a scheduler with n slots (at least one).
func New(n int) *Scheduler {
	if n < 1 {
		n = 1
	}
	return &Scheduler{sem: semaphore.NewWeighted(int64(n)), slots: n}
}

// Slots returns the pool size
func (s *Scheduler) Slots() int { return s.slots }

// Acquire blocks until a slot is free or ctx is done. Waiters are served in
// arrival order.
func (s *Scheduler) Acquire(ctx context.Context) error {
	return s.sem.Acquire(ctx, 1)
}

// Release hands the slot to the next waiter.
func (s *Scheduler) Release() {
	s.sem.Release(1)
}

// ItemError is the failure of a single task
type ItemError struct {
	Item  string
	Index int
	Err   error
}

func (e ItemError) Error() string { return fmt.Sprintf("%s: %v", e.Item, e.Err) }

// Result summarises one batch
type Result struct {
	Total     int
	Succeeded int
	Failed    int
	Errors    []ItemError
}

// Option configures Run
type Option func(*options)

type options struct {
	onDone func(done, total int)
}

// OnDone registers a callback invoked after every finished task. Calls are
// serialised; done is strictly increasing.
func OnDone(fn func(done, total int)) Option {
	return func(o *options) { o.onDone = fn }
}

// Run starts fn for every item in submission order as slots free up and
// waits for the whole batch. A task error or panic is recorded against the
// item and never stops the batch. If ctx ends while waiting for a slot, the
// items not yet started fail with the context error.
func Run[T any](ctx context.Context, s *Scheduler, items []T, key func(T) string, fn func(context.Context, T) error, opts ...Option) *Result {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	result := &Result{Total: len(items)}
	if len(items) == 0 {
		return result
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		done int
	)
	finish := func(idx int, item T, err error) {
		mu.Lock()
		defer mu.Unlock()
		done++
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, ItemError{Item: key(item), Index: idx, Err: err})
		} else {
			result.Succeeded++
		}
		if o.onDone != nil {
			o.onDone(done, len(items))
		}
	}

	for i, item := range items {
		if err := s.Acquire(ctx); err != nil {
			for j := i; j < len(items); j++ {
				finish(j, items[j], err)
			}
			break
		}
		wg.Add(1)
		go func(idx int, item T) {
			defer wg.Done()
			defer s.Release()
			finish(idx, item, call(ctx, item, fn))
		}(i, item)
	}
	wg.Wait()

	sort.Slice(result.Errors, func(a, b int) bool {
		return result.Errors[a].Index < result.Errors[b].Index
	})
	return result
}

func call[T any](ctx context.Context, item T, fn func(context.Context, T) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx, item)
}
