// Package retry 提供了可组合退避策略的重试执行器。
//
// 退避序列由基准值迭代生成: 首次休眠即对种子应用一次步进函数,
// 之后每次休眠在上一个基准值上继续步进。指数策略可叠加随机抖动,
// 以避免大量调用方在同一时刻重试。
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/wyfcoding/resilience/metrics"
)

// Func 定义了可被重试执行的业务函数原型.
type Func func() error

// ExhaustedError 表示所有尝试均失败，重试配额已耗尽。
type ExhaustedError struct {
	Attempts int   // 实际执行的尝试次数
	Err      error // 最后一次失败原因
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Strategy 决定总尝试次数与每次重试前的等待序列。
type Strategy interface {
	// MaxAttempts 返回总尝试次数上限（含首次执行），至少为 1。
	MaxAttempts() int
	// Seed 返回基准序列的种子值。
	Seed() time.Duration
	// Next 对上一个基准值应用一次步进，返回推进后的基准值与实际休眠时长。
	// 两者仅在叠加抖动时不同。
	Next(prev time.Duration) (next, sleep time.Duration)
}

// Fixed 在每次重试前等待固定时长。
type Fixed struct {
	Attempts int           // 总尝试次数
	Delay    time.Duration // 每次重试前的等待
}

func (f Fixed) MaxAttempts() int    { return clampAttempts(f.Attempts) }
func (f Fixed) Seed() time.Duration { return f.Delay }

func (f Fixed) Next(time.Duration) (time.Duration, time.Duration) {
	return f.Delay, f.Delay
}

// Linear 每次重试在上一次基础上线性递增等待时长。
type Linear struct {
	Attempts     int
	InitialDelay time.Duration
	Increment    time.Duration
	MaxDelay     time.Duration // 基准延迟上限，0 表示不封顶
}

func (l Linear) MaxAttempts() int    { return clampAttempts(l.Attempts) }
func (l Linear) Seed() time.Duration { return l.InitialDelay }

func (l Linear) Next(prev time.Duration) (time.Duration, time.Duration) {
	next := prev + l.Increment
	if l.MaxDelay > 0 && next > l.MaxDelay {
		next = l.MaxDelay
	}
	return next, next
}

// Exponential 每次重试按倍率递增等待时长，可叠加随机抖动。
type Exponential struct {
	Attempts   int
	BaseDelay  time.Duration // 基准序列的种子
	MaxDelay   time.Duration // 基准延迟上限，0 表示不封顶
	Multiplier float64       // 递增倍率，默认 2.0
	Jitter     bool          // 叠加 [0.8, 1.2) 区间的随机系数
}

func (e Exponential) MaxAttempts() int    { return clampAttempts(e.Attempts) }
func (e Exponential) Seed() time.Duration { return e.BaseDelay }

func (e Exponential) Next(prev time.Duration) (time.Duration, time.Duration) {
	m := e.Multiplier
	if m <= 0 {
		m = 2.0
	}
	next := time.Duration(float64(prev) * m)
	if e.MaxDelay > 0 && next > e.MaxDelay {
		next = e.MaxDelay
	}
	sleep := next
	if e.Jitter {
		// 抖动作用于封顶后的值，实际休眠可能超出 MaxDelay 至多 20%；
		// 基准序列推进时不带抖动
		sleep = time.Duration(float64(next) * (0.8 + 0.4*rand.Float64()))
	}
	return next, sleep
}

func clampAttempts(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// Policy 将退避策略与可观测性选项组合为可复用的重试执行器。
type Policy struct {
	name        string
	strategy    Strategy
	shouldRetry func(error) bool
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// Option 配置 Policy 的可选行为。
type Option func(*Policy)

// WithName 设置指标与日志中使用的策略名称。
func WithName(name string) Option {
	return func(p *Policy) { p.name = name }
}

// WithLogger 设置重试过程的日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(p *Policy) { p.logger = l }
}

// WithMetrics 设置指标采集器。
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Policy) { p.metrics = m }
}

// WithShouldRetry 设置重试判定，返回 false 的错误立即终止重试。
func WithShouldRetry(f func(error) bool) Option {
	return func(p *Policy) { p.shouldRetry = f }
}

// NewPolicy 使用给定策略构建重试执行器。
func NewPolicy(s Strategy, opts ...Option) *Policy {
	p := &Policy{
		name:        "default",
		strategy:    s,
		shouldRetry: func(error) bool { return true },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute 执行 fn，按策略重试直至成功、上下文取消或配额耗尽。
// 取消发生在休眠期间时立即返回，不再执行剩余尝试。
func (p *Policy) Execute(ctx context.Context, fn Func) error {
	maxAttempts := p.strategy.MaxAttempts()
	backoff := p.strategy.Seed()

	var lastErr error
	attempts := 0

	for attempts < maxAttempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		if p.metrics != nil {
			p.metrics.RetryAttempts.WithLabelValues(p.name).Inc()
		}

		attempts++
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if attempts == maxAttempts || !p.shouldRetry(lastErr) {
			break
		}

		next, sleep := p.strategy.Next(backoff)
		backoff = next

		if p.logger != nil {
			p.logger.DebugContext(ctx, "retrying after failure",
				"name", p.name,
				"attempt", attempts,
				"sleep", sleep,
				"error", lastErr,
			)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(sleep):
		}
	}

	if p.metrics != nil {
		p.metrics.RetryExhausted.WithLabelValues(p.name).Inc()
	}

	return &ExhaustedError{Attempts: attempts, Err: lastErr}
}

// ExecuteTyped 是 Execute 的泛型版本，保留返回值类型。
func ExecuteTyped[T any](ctx context.Context, p *Policy, fn func() (T, error)) (T, error) {
	var result T
	err := p.Execute(ctx, func() error {
		var fnErr error
		result, fnErr = fn()
		return fnErr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// Do 使用给定策略执行 fn，是一次性场景下 Policy 的简写。
func Do(ctx context.Context, s Strategy, fn Func) error {
	return NewPolicy(s).Execute(ctx, fn)
}
