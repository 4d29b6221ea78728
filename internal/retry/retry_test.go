package retry

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"
)

func TestDelayNonDecreasingUpToCap(t *testing.T) {
	policy := Backoff{Base: 100 * time.Millisecond, Cap: 2 * time.Second, MaxAttempts: 10}

	previous := time.Duration(0)
	for attempt := 0; attempt < 10; attempt++ {
		delay := policy.Delay(attempt)
		if delay < previous {
			t.Fatalf("delay decreased at attempt %d: %v < %v", attempt, delay, previous)
		}
		if delay > policy.Cap {
			t.Fatalf("delay %v exceeds cap %v", delay, policy.Cap)
		}
		previous = delay
	}
	if previous != policy.Cap {
		t.Fatalf("expected schedule to reach cap %v, got %v", policy.Cap, previous)
	}
}

func TestDelayJitterStaysUnderCap(t *testing.T) {
	policy := Backoff{Base: time.Second, Cap: 2 * time.Second, Jitter: 5 * time.Second, MaxAttempts: 3}
	for attempt := 0; attempt < 5; attempt++ {
		if delay := policy.Delay(attempt); delay > policy.Cap {
			t.Fatalf("jittered delay %v above cap", delay)
		}
	}
}

func TestDoRetriesTransientOnly(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Backoff{Base: time.Millisecond, Cap: time.Millisecond, MaxAttempts: 3}, nil,
		func(ctx context.Context) error {
			calls++
			return syscall.ECONNRESET
		})
	if err == nil {
		t.Fatalf("expected final error")
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts for transient error, got %d", calls)
	}

	calls = 0
	permanent := errors.New("malformed request")
	err = Do(context.Background(), Backoff{Base: time.Millisecond, MaxAttempts: 3}, nil,
		func(ctx context.Context) error {
			calls++
			return permanent
		})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error back, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt for permanent error, got %d", calls)
	}
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Backoff{Base: time.Millisecond, MaxAttempts: 5}, nil,
		func(ctx context.Context) error {
			calls++
			cancel()
			return syscall.ECONNRESET
		})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one attempt, got %d", calls)
	}
}

func TestDoSucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Backoff{Base: time.Millisecond, MaxAttempts: 4}, nil,
		func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return syscall.ECONNREFUSED
			}
			return nil
		})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

type statusErr struct {
	status int
}

func (e *statusErr) Error() string   { return fmt.Sprintf("http %d", e.status) }
func (e *statusErr) HTTPStatus() int { return e.status }

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{&statusErr{status: 429}, true},
		{&statusErr{status: 503}, true},
		{&statusErr{status: 404}, false},
		{&statusErr{status: 401}, false},
		{syscall.ECONNRESET, true},
		{context.Canceled, false},
		{errors.New("opaque"), false},
	}
	for _, testCase := range cases {
		if got := IsTransient(testCase.err); got != testCase.want {
			t.Fatalf("IsTransient(%v) = %v, want %v", testCase.err, got, testCase.want)
		}
	}
}

func TestDefaultPushPolicyIsAsymmetric(t *testing.T) {
	policy := DefaultPushPolicy()
	if policy.Intermediate.MaxAttempts != 1 {
		t.Fatalf("intermediate pushes must be best-effort, got %d attempts", policy.Intermediate.MaxAttempts)
	}
	if policy.Final.MaxAttempts <= 1 {
		t.Fatalf("final push must be retried, got %d attempts", policy.Final.MaxAttempts)
	}
}
