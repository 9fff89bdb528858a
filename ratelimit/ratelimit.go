// Package ratelimit 提供了进程内的令牌桶限流实现。
package ratelimit

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/wyfcoding/resilience/metrics"
)

// ErrLimited 表示请求被限流拒绝。
var ErrLimited = errors.New("rate limit exceeded")

// Limiter 接口定义了限流器的通用行为。
// 任何实现了此接口的类型都可以用作限流器。
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error) // 检查是否允许请求通过。
}

// TokenBucket 是基于令牌桶算法的全局限流器。
// key 参数不参与判断，所有调用共享同一个桶。
type TokenBucket struct {
	name    string
	limiter *rate.Limiter
	metrics *metrics.Metrics
}

// NewTokenBucket 创建令牌桶限流器。
// r: 每秒生成的令牌数，代表允许的平均请求速率。
// b: 令牌桶的容量，代表允许的瞬时突发请求数。
func NewTokenBucket(name string, r rate.Limit, b int, m *metrics.Metrics) *TokenBucket {
	return &TokenBucket{
		name:    name,
		limiter: rate.NewLimiter(r, b),
		metrics: m,
	}
}

// Allow 尝试立即取得一个令牌，桶空时返回 false，不等待。
func (t *TokenBucket) Allow(ctx context.Context, key string) (bool, error) {
	if t.limiter.Allow() {
		return true, nil
	}
	if t.metrics != nil {
		t.metrics.RateLimitRejected.WithLabelValues(t.name).Inc()
	}
	return false, nil
}

// Wait 阻塞等待下一个令牌，支持上下文取消。
func (t *TokenBucket) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

// SetLimit 动态调整速率与突发容量。
func (t *TokenBucket) SetLimit(r rate.Limit, b int) {
	t.limiter.SetLimit(r)
	t.limiter.SetBurst(b)
}

// KeyedLimiter 为每个 key 维护独立的令牌桶，适合按调用方或接口维度限流。
// 桶按需惰性创建且不会过期，调用方需保证 key 的基数可控。
type KeyedLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
	name     string
	metrics  *metrics.Metrics
}

// NewKeyedLimiter 创建按 key 维度隔离的限流器，每个 key 使用相同的速率参数。
func NewKeyedLimiter(name string, r rate.Limit, b int, m *metrics.Metrics) *KeyedLimiter {
	return &KeyedLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        r,
		b:        b,
		name:     name,
		metrics:  m,
	}
}

// Allow 尝试从 key 对应的桶中取得一个令牌。
func (k *KeyedLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if k.limiterFor(key).Allow() {
		return true, nil
	}
	if k.metrics != nil {
		k.metrics.RateLimitRejected.WithLabelValues(k.name).Inc()
	}
	return false, nil
}

func (k *KeyedLimiter) limiterFor(key string) *rate.Limiter {
	k.mu.RLock()
	l, ok := k.limiters[key]
	k.mu.RUnlock()
	if ok {
		return l
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if l, ok := k.limiters[key]; ok {
		return l
	}
	l = rate.NewLimiter(k.r, k.b)
	k.limiters[key] = l
	return l
}
