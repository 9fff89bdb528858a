// Package policy 将各容错原语组合为围绕单次调用的统一执行策略。
//
// 各层从外到内依次为: 降级检查、熔断、舱壁、限流、重试, 每一层都是可选的,
// 且彼此独立。外层将内层的合成错误视为普通的操作失败, 例如熔断器会把
// 重试耗尽计为一次失败。
package policy

import (
	"context"
	"errors"

	"github.com/wyfcoding/resilience/breaker"
	"github.com/wyfcoding/resilience/bulkhead"
	"github.com/wyfcoding/resilience/degrade"
	"github.com/wyfcoding/resilience/ratelimit"
	"github.com/wyfcoding/resilience/retry"
	"github.com/wyfcoding/resilience/tracing"
)

// Policy 按固定次序串联多个容错层执行一次调用。
type Policy struct {
	name     string
	degrade  *degrade.Manager
	service  string
	breaker  *breaker.Breaker
	bulkhead *bulkhead.Bulkhead
	limiter  ratelimit.Limiter
	retry    *retry.Policy
	traced   bool
}

// Option 配置 Policy 的组成层。
type Option func(*Policy)

// WithName 设置策略名称，用于限流 key 与追踪 Span 命名。
func WithName(name string) Option {
	return func(p *Policy) { p.name = name }
}

// WithDegradation 启用降级检查层，service 用于级别查询与回退路由。
func WithDegradation(m *degrade.Manager, service string) Option {
	return func(p *Policy) {
		p.degrade = m
		p.service = service
	}
}

// WithBreaker 启用熔断层。
func WithBreaker(b *breaker.Breaker) Option {
	return func(p *Policy) { p.breaker = b }
}

// WithBulkhead 启用舱壁隔离层。
func WithBulkhead(b *bulkhead.Bulkhead) Option {
	return func(p *Policy) { p.bulkhead = b }
}

// WithRateLimit 启用限流层。限流器内部错误时放行（fail-open）。
func WithRateLimit(l ratelimit.Limiter) Option {
	return func(p *Policy) { p.limiter = l }
}

// WithRetry 启用最内层的重试。
func WithRetry(r *retry.Policy) Option {
	return func(p *Policy) { p.retry = r }
}

// WithTracing 为整次受保护调用创建追踪 Span。
func WithTracing() Option {
	return func(p *Policy) { p.traced = true }
}

// New 按选项构建执行策略。不带任何选项的策略等价于直接调用。
func New(opts ...Option) *Policy {
	p := &Policy{name: "default"}
	for _, opt := range opts {
		opt(p)
	}
	if p.service == "" {
		p.service = p.name
	}
	return p
}

// Execute 在全部已启用的容错层内执行 fn。
func (p *Policy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	call := fn

	if p.retry != nil {
		inner := call
		call = func(ctx context.Context) error {
			return p.retry.Execute(ctx, func() error { return inner(ctx) })
		}
	}

	if p.limiter != nil {
		inner := call
		call = func(ctx context.Context) error {
			allowed, err := p.limiter.Allow(ctx, p.name)
			if err == nil && !allowed {
				return ratelimit.ErrLimited
			}
			return inner(ctx)
		}
	}

	if p.bulkhead != nil {
		inner := call
		call = func(ctx context.Context) error {
			return p.bulkhead.Execute(ctx, func() error { return inner(ctx) })
		}
	}

	if p.breaker != nil {
		inner := call
		call = func(ctx context.Context) error {
			_, err := p.breaker.Execute(func() (any, error) {
				return nil, inner(ctx)
			})
			return err
		}
	}

	if p.degrade != nil {
		inner := call
		call = func(ctx context.Context) error {
			_, err := degrade.ExecuteWithFallback[any](ctx, p.degrade, p.service, nil,
				func(ctx context.Context) (any, error) {
					return nil, inner(ctx)
				})
			return err
		}
	}

	if p.traced {
		inner := call
		call = func(ctx context.Context) error {
			ctx, span := tracing.StartSpan(ctx, "resilience.policy."+p.name)
			defer span.End()
			err := inner(ctx)
			if err != nil {
				tracing.SetError(ctx, err)
			}
			return err
		}
	}

	return call(ctx)
}

// ExecuteTyped 是 Execute 的泛型版本，保留返回值类型。
func ExecuteTyped[T any](ctx context.Context, p *Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := p.Execute(ctx, func(ctx context.Context) error {
		var fnErr error
		result, fnErr = fn(ctx)
		return fnErr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// IsRejected 报告错误是否表示调用被策略直接拒绝、业务操作从未执行。
// 调用方可据此在立即回退与退避重试之间做不同处置。
func IsRejected(err error) bool {
	return errors.Is(err, breaker.ErrCircuitOpen) ||
		errors.Is(err, bulkhead.ErrAtCapacity) ||
		errors.Is(err, bulkhead.ErrClosed) ||
		errors.Is(err, degrade.ErrUnavailable) ||
		errors.Is(err, ratelimit.ErrLimited)
}
