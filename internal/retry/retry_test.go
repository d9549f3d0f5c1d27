package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

func TestDoFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do() = %v, want nil", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoRecovers(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		if calls++; calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() = %v, want nil", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("Do() = %v, want %v", err, errTransient)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoPermanentShortCircuits(t *testing.T) {
	sentinel := errors.New("not retryable")
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(sentinel)
	})
	if err != sentinel {
		t.Fatalf("Do() = %v, want the unwrapped sentinel", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoPermanentAfterTransient(t *testing.T) {
	sentinel := errors.New("gave up")
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		if calls++; calls == 1 {
			return errTransient
		}
		return Permanent(sentinel)
	})
	if err != sentinel {
		t.Fatalf("Do() = %v, want the unwrapped sentinel", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestDoCancelDuringBackoff(t *testing.T) {
	// The hour-long delay only ends the test quickly if cancellation
	// short-circuits the sleep.
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, 5, time.Hour, func() error {
		calls++
		cancel()
		return errTransient
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() = %v, want context.Canceled", err)
	}
	if !errors.Is(err, errTransient) {
		t.Fatalf("Do() = %v, want the last attempt error joined in", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoZeroAttemptsMeansOne(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), 0, time.Millisecond, func() error {
		calls++
		return errTransient
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestBackoffBounds(t *testing.T) {
	const delay = time.Second
	for i := 0; i < 200; i++ {
		s := backoff(delay)
		if s < delay/2 || s > delay {
			t.Fatalf("backoff(%v) = %v, want within [%v, %v]", delay, s, delay/2, delay)
		}
	}
}

func TestPermanentUnwraps(t *testing.T) {
	sentinel := errors.New("root cause")
	wrapped := Permanent(sentinel)
	if !errors.Is(wrapped, sentinel) {
		t.Fatal("Permanent must keep the cause reachable via errors.Is")
	}
	var perm *PermanentError
	if !errors.As(wrapped, &perm) || perm.Err != sentinel {
		t.Fatal("Permanent must expose the cause through PermanentError")
	}
}
