package scheduler

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func itemKey(s string) string { return s }

func TestRunSequentialPreservesOrder(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e"}
	var (
		mu       sync.Mutex
		executed []string
	)

	result := Run(context.Background(), New(1), items, itemKey, func(_ context.Context, item string) error {
		mu.Lock()
		executed = append(executed, item)
		mu.Unlock()
		return nil
	})

	if result.Total != 5 || result.Succeeded != 5 || result.Failed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	for i, item := range items {
		if executed[i] != item {
			t.Errorf("Order not preserved: expected %s at index %d, got %s", item, i, executed[i])
		}
	}
}

func TestRunBoundsParallelism(t *testing.T) {
	const slots = 3
	items := make([]string, 20)
	for i := range items {
		items[i] = strconv.Itoa(i)
	}

	var inFlight, peak atomic.Int32
	result := Run(context.Background(), New(slots), items, itemKey, func(_ context.Context, _ string) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})

	if result.Succeeded != len(items) {
		t.Errorf("Expected %d successes, got %d", len(items), result.Succeeded)
	}
	if got := peak.Load(); got > slots {
		t.Errorf("Expected at most %d concurrent tasks, saw %d", slots, got)
	}
	if got := peak.Load(); got < 2 {
		t.Errorf("Expected tasks to overlap, peak was %d", got)
	}
}

func TestRunStartsInSubmissionOrder(t *testing.T) {
	items := make([]string, 30)
	for i := range items {
		items[i] = strconv.Itoa(i)
	}

	var (
		mu      sync.Mutex
		started []int
	)
	Run(context.Background(), New(4), items, itemKey, func(_ context.Context, item string) error {
		n, _ := strconv.Atoi(item)
		mu.Lock()
		started = append(started, n)
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return nil
	})

	// Slots are granted in order, so no task may start before one submitted
	// more than a full pool earlier.
	for pos, n := range started {
		if n > pos+4 {
			t.Errorf("task %d started at position %d, ahead of its turn", n, pos)
		}
	}
}

func TestRunRecordsErrorsAndContinues(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e"}

	result := Run(context.Background(), New(2), items, itemKey, func(_ context.Context, item string) error {
		if item == "b" || item == "d" {
			return errors.New("boom")
		}
		return nil
	})

	if result.Succeeded != 3 || result.Failed != 2 {
		t.Fatalf("Expected 3 successes and 2 failures, got %+v", result)
	}
	if len(result.Errors) != 2 || result.Errors[0].Item != "b" || result.Errors[1].Item != "d" {
		t.Errorf("Errors should be sorted by submission order, got %+v", result.Errors)
	}
}

func TestRunRecoversPanics(t *testing.T) {
	result := Run(context.Background(), New(2), []string{"ok", "bad"}, itemKey, func(_ context.Context, item string) error {
		if item == "bad" {
			panic("nil map")
		}
		return nil
	})

	if result.Failed != 1 || result.Succeeded != 1 {
		t.Fatalf("Expected panic to count as one failure, got %+v", result)
	}
	if !strings.Contains(result.Errors[0].Err.Error(), "nil map") {
		t.Errorf("Expected panic value in error, got %v", result.Errors[0].Err)
	}
}

func TestRunCancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})

	var once sync.Once
	result := Run(ctx, New(1), []string{"a", "b", "c"}, itemKey, func(_ context.Context, item string) error {
		once.Do(func() {
			cancel()
			close(release)
		})
		<-release
		return nil
	})

	if result.Total != 3 {
		t.Fatalf("Expected 3 total items, got %d", result.Total)
	}
	if result.Succeeded != 1 || result.Failed != 2 {
		t.Fatalf("Expected 1 success and 2 cancelled, got %+v", result)
	}
	for _, e := range result.Errors {
		if !errors.Is(e.Err, context.Canceled) {
			t.Errorf("Expected context.Canceled for %s, got %v", e.Item, e.Err)
		}
	}
}

func TestOnDoneProgress(t *testing.T) {
	var calls []int
	Run(context.Background(), New(3), []string{"a", "b", "c", "d"}, itemKey,
		func(context.Context, string) error { return nil },
		OnDone(func(done, total int) {
			if total != 4 {
				t.Errorf("Expected total 4, got %d", total)
			}
			calls = append(calls, done)
		}))

	if len(calls) != 4 {
		t.Fatalf("Expected 4 progress calls, got %d", len(calls))
	}
	for i, d := range calls {
		if d != i+1 {
			t.Errorf("Expected done=%d, got %d", i+1, d)
		}
	}
}

func TestEmptyItems(t *testing.T) {
	called := false
	result := Run(context.Background(), New(4), nil, itemKey, func(context.Context, string) error {
		called = true
		return nil
	})
	if called || result.Total != 0 || result.Failed != 0 {
		t.Errorf("Expected no-op result, got %+v", result)
	}
}

func TestNewClampsSlots(t *testing.T) {
	if got := New(0).Slots(); got != 1 {
		t.Errorf("Expected 1 slot, got %d", got)
	}
}
