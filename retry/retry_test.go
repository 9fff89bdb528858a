package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errFlaky = errors.New("flaky")

// collectDelays 按策略推进 n 次，返回每次的基准值与休眠值。
func collectDelays(s Strategy, n int) (nexts, sleeps []time.Duration) {
	prev := s.Seed()
	for range n {
		next, sleep := s.Next(prev)
		nexts = append(nexts, next)
		sleeps = append(sleeps, sleep)
		prev = next
	}
	return nexts, sleeps
}

func TestExponentialDelaySequence(t *testing.T) {
	s := Exponential{Attempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 30 * time.Second, Multiplier: 2.0}

	_, sleeps := collectDelays(s, 3)
	want := []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	for i, w := range want {
		if sleeps[i] != w {
			t.Errorf("sleep[%d] = %v, want %v", i, sleeps[i], w)
		}
	}
}

func TestExponentialCapsAtMaxDelay(t *testing.T) {
	s := Exponential{Attempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond, Multiplier: 2.0}

	nexts, _ := collectDelays(s, 4)
	want := []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 500 * time.Millisecond, 500 * time.Millisecond}
	for i, w := range want {
		if nexts[i] != w {
			t.Errorf("next[%d] = %v, want %v", i, nexts[i], w)
		}
	}
}

func TestExponentialDefaultMultiplier(t *testing.T) {
	s := Exponential{Attempts: 3, BaseDelay: 50 * time.Millisecond}

	next, _ := s.Next(s.Seed())
	if next != 100*time.Millisecond {
		t.Errorf("next = %v, want 100ms with default multiplier", next)
	}
}

func TestExponentialJitterBounds(t *testing.T) {
	s := Exponential{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond, Multiplier: 2.0, Jitter: true}

	for range 200 {
		next, sleep := s.Next(s.Seed())
		if next != 200*time.Millisecond {
			t.Fatalf("next = %v, jitter must not affect the baseline", next)
		}
		if sleep < 160*time.Millisecond || sleep > 240*time.Millisecond {
			t.Fatalf("sleep = %v, want within [160ms, 240ms]", sleep)
		}
	}
}

func TestExponentialJitterMayExceedMaxDelay(t *testing.T) {
	// 基准值已封顶在 500ms，抖动后的休眠允许超出至多 20%
	s := Exponential{Attempts: 3, BaseDelay: 400 * time.Millisecond, MaxDelay: 500 * time.Millisecond, Multiplier: 2.0, Jitter: true}

	for range 200 {
		next, sleep := s.Next(s.Seed())
		if next != 500*time.Millisecond {
			t.Fatalf("next = %v, want capped baseline 500ms", next)
		}
		if sleep < 400*time.Millisecond || sleep > 600*time.Millisecond {
			t.Fatalf("sleep = %v, want within [400ms, 600ms]", sleep)
		}
	}
}

func TestLinearDelaySequence(t *testing.T) {
	s := Linear{Attempts: 4, InitialDelay: 100 * time.Millisecond, Increment: 50 * time.Millisecond, MaxDelay: 220 * time.Millisecond}

	_, sleeps := collectDelays(s, 3)
	want := []time.Duration{150 * time.Millisecond, 200 * time.Millisecond, 220 * time.Millisecond}
	for i, w := range want {
		if sleeps[i] != w {
			t.Errorf("sleep[%d] = %v, want %v", i, sleeps[i], w)
		}
	}
}

func TestFixedDelaySequence(t *testing.T) {
	s := Fixed{Attempts: 3, Delay: 75 * time.Millisecond}

	_, sleeps := collectDelays(s, 3)
	for i, sleep := range sleeps {
		if sleep != 75*time.Millisecond {
			t.Errorf("sleep[%d] = %v, want constant 75ms", i, sleep)
		}
	}
}

func TestClampAttempts(t *testing.T) {
	if got := (Fixed{Attempts: 0}).MaxAttempts(); got != 1 {
		t.Errorf("MaxAttempts() = %d, want clamp to 1", got)
	}
	if got := (Fixed{Attempts: -2}).MaxAttempts(); got != 1 {
		t.Errorf("MaxAttempts() = %d, want clamp to 1", got)
	}
}

func TestExecuteSucceedsFirstTry(t *testing.T) {
	p := NewPolicy(Fixed{Attempts: 3, Delay: time.Millisecond})

	calls := 0
	err := p.Execute(context.Background(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	p := NewPolicy(Fixed{Attempts: 5, Delay: time.Millisecond})

	calls := 0
	err := p.Execute(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestExecuteExhaustsAttempts(t *testing.T) {
	p := NewPolicy(Fixed{Attempts: 3, Delay: time.Millisecond})

	calls := 0
	err := p.Execute(context.Background(), func() error {
		calls++
		return errFlaky
	})
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %T, want *ExhaustedError", err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", exhausted.Attempts)
	}
	if !errors.Is(err, errFlaky) {
		t.Errorf("err chain does not contain the last failure: %v", err)
	}
}

func TestSingleAttemptDoesNotSleep(t *testing.T) {
	p := NewPolicy(Fixed{Attempts: 1, Delay: 300 * time.Millisecond})

	start := time.Now()
	err := p.Execute(context.Background(), func() error { return errFlaky })
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("elapsed = %v, single attempt must not wait", elapsed)
	}

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Attempts != 1 {
		t.Errorf("err = %v, want ExhaustedError with 1 attempt", err)
	}
}

func TestCancelDuringSleep(t *testing.T) {
	p := NewPolicy(Fixed{Attempts: 3, Delay: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	calls := 0
	start := time.Now()
	err := p.Execute(ctx, func() error {
		calls++
		return errFlaky
	})
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("elapsed = %v, cancellation must abort the pending sleep", elapsed)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want wrapped context.Canceled", err)
	}
}

func TestCancelledContextSkipsExecution(t *testing.T) {
	p := NewPolicy(Fixed{Attempts: 3, Delay: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := p.Execute(ctx, func() error {
		calls++
		return nil
	})
	if calls != 0 {
		t.Errorf("calls = %d, cancelled context must prevent execution", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want wrapped context.Canceled", err)
	}
}

func TestShouldRetryStopsEarly(t *testing.T) {
	permanent := errors.New("permanent")
	p := NewPolicy(
		Fixed{Attempts: 5, Delay: time.Millisecond},
		WithShouldRetry(func(err error) bool { return !errors.Is(err, permanent) }),
	)

	calls := 0
	err := p.Execute(context.Background(), func() error {
		calls++
		return permanent
	})
	if calls != 1 {
		t.Errorf("calls = %d, non-retryable error must stop immediately", calls)
	}

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Attempts != 1 {
		t.Errorf("err = %v, want ExhaustedError with 1 attempt", err)
	}
}

func TestExecuteTyped(t *testing.T) {
	p := NewPolicy(Fixed{Attempts: 3, Delay: time.Millisecond})

	calls := 0
	got, err := ExecuteTyped(context.Background(), p, func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errFlaky
		}
		return 7, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 7 {
		t.Errorf("result = %d, want 7", got)
	}

	zero, err := ExecuteTyped(context.Background(), p, func() (string, error) {
		return "partial", errFlaky
	})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if zero != "" {
		t.Errorf("result = %q, want zero value on failure", zero)
	}
}

func TestDo(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Fixed{Attempts: 2, Delay: time.Millisecond}, func() error {
		calls++
		return errFlaky
	})
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
}
