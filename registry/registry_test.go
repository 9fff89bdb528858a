package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wyfcoding/resilience/breaker"
	"github.com/wyfcoding/resilience/bulkhead"
	"github.com/wyfcoding/resilience/config"
	"github.com/wyfcoding/resilience/degrade"
	"github.com/wyfcoding/resilience/policy"
)

var errBoom = errors.New("boom")

func TestSameNameSharesInstance(t *testing.T) {
	r := New(config.ResilienceConfig{})
	defer r.Close()

	if r.CircuitBreaker("orders") != r.CircuitBreaker("orders") {
		t.Error("same name must return the same breaker instance")
	}
	if r.Bulkhead("orders") != r.Bulkhead("orders") {
		t.Error("same name must return the same bulkhead instance")
	}
	if r.CircuitBreaker("orders").Name() != "orders" {
		t.Errorf("breaker name = %q, want %q", r.CircuitBreaker("orders").Name(), "orders")
	}
}

func TestDifferentNamesIsolated(t *testing.T) {
	r := New(config.ResilienceConfig{})
	defer r.Close()

	if r.CircuitBreaker("a") == r.CircuitBreaker("b") {
		t.Error("different names must not share breaker state")
	}
	if r.Bulkhead("a") == r.Bulkhead("b") {
		t.Error("different names must not share bulkhead state")
	}
}

func TestConcurrentLookupSingleInstance(t *testing.T) {
	r := New(config.ResilienceConfig{})
	defer r.Close()

	results := make([]*breaker.Breaker, 32)
	var g errgroup.Group
	for i := range results {
		g.Go(func() error {
			results[i] = r.CircuitBreaker("shared")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i, b := range results {
		if b != results[0] {
			t.Fatalf("goroutine %d observed a different instance", i)
		}
	}
}

func TestBreakerBuiltFromConfig(t *testing.T) {
	r := New(config.ResilienceConfig{
		CircuitBreakerFailureThreshold: 2,
		CircuitBreakerTimeoutSeconds:   60,
	})
	defer r.Close()

	b := r.CircuitBreaker("cfg")
	for range 2 {
		_, _ = b.Execute(func() (any, error) { return nil, errBoom })
	}
	if got := b.State(); got != breaker.StateOpen {
		t.Errorf("state = %v after threshold failures, want open", got)
	}
}

func TestBulkheadBuiltFromConfig(t *testing.T) {
	r := New(config.ResilienceConfig{BulkheadMaxConcurrent: 3})
	defer r.Close()

	if got := r.Bulkhead("cfg").TotalPermits(); got != 3 {
		t.Errorf("TotalPermits() = %d, want 3", got)
	}
}

func TestDefaultsApplied(t *testing.T) {
	r := New(config.ResilienceConfig{})
	defer r.Close()

	if got := r.Bulkhead("defaults").TotalPermits(); got != 10 {
		t.Errorf("TotalPermits() = %d, want default 10", got)
	}
	if !r.Degradation().Enabled() {
		t.Error("degradation must be enabled by default")
	}
}

func TestDegradationDisabledByConfig(t *testing.T) {
	r := New(config.ResilienceConfig{DegradationEnabled: false})
	defer r.Close()

	m := r.Degradation()
	m.SetLevel("svc", degrade.LevelOffline)

	got, err := degrade.ExecuteWithFallback(context.Background(), m, "svc", "", func(context.Context) (string, error) {
		return "real", nil
	})
	if err != nil || got != "real" {
		t.Errorf("disabled degradation must run the real operation, got (%q, %v)", got, err)
	}
}

func TestRetryPolicyFromConfig(t *testing.T) {
	r := New(config.ResilienceConfig{RetryMaxAttempts: 2, RetryBaseDelayMs: 1, RetryMaxDelayMs: 5})
	defer r.Close()

	calls := 0
	err := r.RetryPolicy("op").Execute(context.Background(), func() error {
		calls++
		return errBoom
	})
	if calls != 2 {
		t.Errorf("calls = %d, want 2 attempts from config", calls)
	}
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
}

func TestPolicyForComposesNamedInstances(t *testing.T) {
	r := New(config.ResilienceConfig{
		CircuitBreakerFailureThreshold: 1,
		RetryMaxAttempts:               1,
	})
	defer r.Close()

	p := r.PolicyFor("payments")
	_ = p.Execute(context.Background(), func(context.Context) error { return errBoom })

	// 失败穿过重试与熔断层，共享的命名熔断器随之断开
	if got := r.CircuitBreaker("payments").State(); got != breaker.StateOpen {
		t.Fatalf("state = %v, want open after policy failure", got)
	}

	err := p.Execute(context.Background(), func(context.Context) error { return nil })
	if !policy.IsRejected(err) {
		t.Errorf("err = %v, want rejection from the shared open breaker", err)
	}
}

func TestCloseShutsDownBulkheads(t *testing.T) {
	r := New(config.ResilienceConfig{})
	b := r.Bulkhead("doomed")
	r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := b.Acquire(ctx); !errors.Is(err, bulkhead.ErrClosed) {
		t.Errorf("Acquire after Close = %v, want ErrClosed", err)
	}

	// 重复 Close 必须安全
	r.Close()
}
