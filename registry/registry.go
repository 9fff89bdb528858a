// Package registry 提供容错原语的命名实例注册中心。
//
// 注册中心按名称创建并缓存熔断器与舱壁, 使用同一名称的所有调用方
// 共享同一份实例状态。它是由应用显式构造并传递的对象, 不是进程级单例。
package registry

import (
	"sync"
	"time"

	"github.com/wyfcoding/resilience/breaker"
	"github.com/wyfcoding/resilience/bulkhead"
	"github.com/wyfcoding/resilience/config"
	"github.com/wyfcoding/resilience/degrade"
	"github.com/wyfcoding/resilience/logging"
	"github.com/wyfcoding/resilience/metrics"
	"github.com/wyfcoding/resilience/policy"
	"github.com/wyfcoding/resilience/retry"
)

// Registry 按名称创建并缓存容错原语实例。
// 所有方法并发安全；同名实例只会被创建一次。
type Registry struct {
	cfg     config.ResilienceConfig
	metrics *metrics.Metrics
	logger  *logging.Logger

	onStateChange func(name string, from, to breaker.State)
	probeInterval time.Duration

	mu        sync.RWMutex
	breakers  map[string]*breaker.Breaker
	bulkheads map[string]*bulkhead.Bulkhead

	degradation *degrade.Manager
	closeOnce   sync.Once
}

// Option 配置注册中心的可选依赖。
type Option func(*Registry)

// WithMetrics 注入指标采集器，传递给所有新建实例。
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithLogger 注入日志记录器。
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithOnStateChange 为所有新建熔断器注册状态迁移回调。
func WithOnStateChange(fn func(name string, from, to breaker.State)) Option {
	return func(r *Registry) { r.onStateChange = fn }
}

// WithRecoveryProber 启动降级管理器的后台恢复探测循环。
func WithRecoveryProber(interval time.Duration) Option {
	return func(r *Registry) { r.probeInterval = interval }
}

// New 按给定配置构建注册中心。配置中的零值字段会被替换为默认值。
func New(cfg config.ResilienceConfig, opts ...Option) *Registry {
	r := &Registry{
		cfg:       cfg.Normalize(),
		logger:    logging.Default(),
		breakers:  make(map[string]*breaker.Breaker),
		bulkheads: make(map[string]*bulkhead.Bulkhead),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.degradation = degrade.NewManager(
		degrade.WithLogger(r.logger),
		degrade.WithMetrics(r.metrics),
		degrade.WithEnabled(r.cfg.DegradationEnabled),
	)
	if r.probeInterval > 0 {
		r.degradation.StartRecoveryProber(r.probeInterval)
	}

	return r
}

// CircuitBreaker 返回指定名称的熔断器，不存在时按注册中心配置创建。
func (r *Registry) CircuitBreaker(name string) *breaker.Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}

	b = breaker.NewBreaker(breaker.Settings{
		Name: name,
		Config: breaker.Config{
			FailureThreshold: r.cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: r.cfg.CircuitBreakerSuccessThreshold,
			Timeout:          r.cfg.CircuitBreakerTimeout(),
		},
		OnStateChange: r.onStateChange,
	}, r.metrics)
	r.breakers[name] = b
	return b
}

// Bulkhead 返回指定名称的舱壁，不存在时按注册中心配置创建。
func (r *Registry) Bulkhead(name string) *bulkhead.Bulkhead {
	r.mu.RLock()
	b, ok := r.bulkheads[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bulkheads[name]; ok {
		return b
	}

	b = bulkhead.NewBulkhead(name, r.cfg.BulkheadMaxConcurrent, r.metrics)
	r.bulkheads[name] = b
	return b
}

// RetryPolicy 按注册中心配置构建指数退避重试策略。
// 策略是无共享状态的配置值，每次调用都返回新实例。
func (r *Registry) RetryPolicy(name string) *retry.Policy {
	return retry.NewPolicy(retry.Exponential{
		Attempts:   r.cfg.RetryMaxAttempts,
		BaseDelay:  r.cfg.RetryBaseDelay(),
		MaxDelay:   r.cfg.RetryMaxDelay(),
		Multiplier: 2.0,
		Jitter:     true,
	},
		retry.WithName(name),
		retry.WithLogger(r.logger.Logger),
		retry.WithMetrics(r.metrics),
	)
}

// Degradation 返回注册中心共享的降级管理器。
func (r *Registry) Degradation() *degrade.Manager {
	return r.degradation
}

// PolicyFor 返回围绕指定服务的完整组合策略:
// 降级检查、同名熔断器与舱壁、默认重试。
func (r *Registry) PolicyFor(service string) *policy.Policy {
	return policy.New(
		policy.WithName(service),
		policy.WithDegradation(r.degradation, service),
		policy.WithBreaker(r.CircuitBreaker(service)),
		policy.WithBulkhead(r.Bulkhead(service)),
		policy.WithRetry(r.RetryPolicy(service)),
	)
}

// Names 返回已创建的熔断器名称快照，仅用于观测。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}

// Close 关闭所有舱壁并停止降级恢复探测。重复调用无副作用。
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		for _, b := range r.bulkheads {
			b.Close()
		}
		r.mu.Unlock()
		r.degradation.Close()
	})
}
