// Package retry holds the single retry policy used for calls to the source
// service: capped exponential backoff, a bounded attempt budget and
// server-provided retry hints.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Hinted is implemented by errors that carry a server-provided delay
// (for example an HTTP 429 Retry-After).
type Hinted interface {
	RetryHint() time.Duration
}

// Policy describes how a failing operation is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Retryable decides whether err is worth another attempt. Nil retries
	// everything.
	Retryable func(err error) bool

	// OnRetry is called before each pause with the error and the delay.
	OnRetry func(err error, wait time.Duration)

	// NewTimer overrides the pause timer. Tests use it to observe delays
	// without sleeping.
	NewTimer func() backoff.Timer
}

// Default returns the stock policy: 5 attempts, 1s doubling to a 10s cap.
func Default() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
	}
}

// Do runs op until it succeeds, fails with a non-retryable error or the
// attempt budget is spent. It returns the number of attempts made and the
// last error.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.MaxInterval = p.MaxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	hb := &hintedBackOff{BackOff: backoff.WithMaxRetries(exp, uint64(maxAttempts-1))}
	b := backoff.WithContext(hb, ctx)

	attempts := 0
	operation := func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		var h Hinted
		if errors.As(err, &h) && h.RetryHint() > 0 {
			hb.hint = h.RetryHint()
		}
		return err
	}

	var timer backoff.Timer
	if p.NewTimer != nil {
		timer = p.NewTimer()
	}

	err := backoff.RetryNotifyWithTimer(operation, b, p.OnRetry, timer)
	return attempts, err
}

// hintedBackOff replaces the next computed delay with a pending hint while
// still consuming the wrapped policy's attempt budget.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	next := h.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if h.hint > 0 {
		next = h.hint
		h.hint = 0
	}
	return next
}

func (h *hintedBackOff) Reset() {
	h.hint = 0
	h.BackOff.Reset()
}
