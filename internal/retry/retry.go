package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Backoff describes a bounded exponential retry schedule:
// delay(n) = min(Base * 2^n + jitter, Cap).
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
	Jitter      time.Duration
}

const (
	defaultBase        = 250 * time.Millisecond
	defaultCap         = 30 * time.Second
	defaultMaxAttempts = 5
)

func (b Backoff) normalized() Backoff {
	if b.Base <= 0 {
		b.Base = defaultBase
	}
	if b.Cap <= 0 {
		b.Cap = defaultCap
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = defaultMaxAttempts
	}
	return b
}

// Delay returns the sleep before retry attempt n (zero-based). The
// deterministic part is non-decreasing up to Cap.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.normalized()
	if attempt < 0 {
		attempt = 0
	}
	delay := b.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= b.Cap {
			delay = b.Cap
			break
		}
	}
	if delay > b.Cap {
		delay = b.Cap
	}
	if b.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(b.Jitter)))
		if delay > b.Cap {
			delay = b.Cap
		}
	}
	return delay
}

// PushPolicy carries the asymmetric transport retry configuration:
// intermediate snapshot pushes are best-effort (a stale snapshot is
// replaced by the next tick anyway), the final push is retried so the
// finished turn is not lost.
type PushPolicy struct {
	Intermediate Backoff
	Final        Backoff
}

func DefaultPushPolicy() PushPolicy {
	return PushPolicy{
		Intermediate: Backoff{MaxAttempts: 1},
		Final:        Backoff{Base: 500 * time.Millisecond, Cap: 10 * time.Second, MaxAttempts: 4},
	}
}

// Do runs fn with bounded retries. Only errors the classifier reports
// as transient are retried; permanent errors and context cancellation
// return immediately.
func Do(ctx context.Context, policy Backoff, classify Classifier, fn func(ctx context.Context) error) error {
	policy = policy.normalized()
	if classify == nil {
		classify = IsTransient
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, policy.Delay(attempt-1)); err != nil {
				return errors.Join(err, lastErr)
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !classify(lastErr) {
			return lastErr
		}
		if ctx != nil && ctx.Err() != nil {
			return errors.Join(ctx.Err(), lastErr)
		}
	}
	return lastErr
}

func sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	if ctx == nil {
		time.Sleep(delay)
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
