// Package adaptive 提供了基于系统负载反馈的自适应限流器。
//
// 以 CPU 使用率为反馈信号: 超过目标值时按比例收缩速率, 低于目标值时
// 线性回升以探测上限。速率调整直接作用于底层令牌桶。
package adaptive

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wyfcoding/resilience/ratelimit"
)

// StatsProvider 提供自适应调整所需的系统负载指标。
type StatsProvider interface {
	CPUUsage() float64 // 取值 [0.0, 1.0]
}

// Config 定义自适应限流器的调整参数。
type Config struct {
	MinRate       float64       // 速率下限 (QPS)
	MaxRate       float64       // 速率上限 (QPS)
	TargetCPU     float64       // 目标 CPU 使用率，例如 0.8
	RecoveryStep  float64       // 低负载时每个周期回升的 QPS，默认 10
	CheckInterval time.Duration // 调整周期，默认 10s
}

// Limiter 按负载反馈动态调整底层令牌桶的速率。
type Limiter struct {
	bucket *ratelimit.TokenBucket
	stats  StatsProvider
	cfg    Config

	mu          sync.Mutex
	currentRate float64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewLimiter 创建自适应限流器并启动后台调整循环。
func NewLimiter(bucket *ratelimit.TokenBucket, stats StatsProvider, cfg Config) *Limiter {
	if cfg.RecoveryStep <= 0 {
		cfg.RecoveryStep = 10.0
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}

	l := &Limiter{
		bucket:      bucket,
		stats:       stats,
		cfg:         cfg,
		currentRate: cfg.MaxRate,
		stop:        make(chan struct{}),
	}
	go l.loop()
	return l
}

// Allow 委托底层令牌桶判定是否放行。
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	return l.bucket.Allow(ctx, key)
}

// CurrentRate 返回当前生效的速率，仅用于观测。
func (l *Limiter) CurrentRate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentRate
}

// Close 停止后台调整循环。重复调用无副作用。
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) loop() {
	ticker := time.NewTicker(l.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.adjust()
		case <-l.stop:
			return
		}
	}
}

// adjust 按 CPU 反馈收缩或回升速率，思路类似简化的 BBR 探测。
func (l *Limiter) adjust() {
	cpu := l.stats.CPUUsage()

	l.mu.Lock()
	defer l.mu.Unlock()

	if cpu > l.cfg.TargetCPU && cpu > 0 {
		factor := l.cfg.TargetCPU / cpu
		l.currentRate = math.Max(l.cfg.MinRate, l.currentRate*factor)
	} else {
		l.currentRate = math.Min(l.cfg.MaxRate, l.currentRate+l.cfg.RecoveryStep)
	}

	burst := int(math.Ceil(l.currentRate))
	if burst < 1 {
		burst = 1
	}
	l.bucket.SetLimit(rate.Limit(l.currentRate), burst)
}
