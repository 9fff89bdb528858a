package breaker

import (
	"sync/atomic"

	"github.com/wyfcoding/resilience/metrics"
)

// DynamicBreaker 提供支持热更新的熔断器封装。
// Update 会整体替换内部实例，重建后计数与状态从零开始。
type DynamicBreaker struct {
	value   atomic.Value // 保存 *Breaker
	name    string
	metrics *metrics.Metrics
}

// NewDynamicBreaker 创建动态熔断器并按初始配置构建内部实例。
func NewDynamicBreaker(name string, m *metrics.Metrics, cfg Config) *DynamicBreaker {
	d := &DynamicBreaker{
		name:    name,
		metrics: m,
	}
	d.Update(cfg)
	return d
}

// Update 根据最新配置重建熔断器。
func (d *DynamicBreaker) Update(cfg Config) {
	if d == nil {
		return
	}
	d.value.Store(NewBreaker(Settings{
		Name:   d.name,
		Config: cfg,
	}, d.metrics))
}

// Execute 执行受熔断保护的函数。
func (d *DynamicBreaker) Execute(fn func() (any, error)) (any, error) {
	if d == nil {
		return fn()
	}
	return d.load().Execute(fn)
}

// State 返回当前内部实例的状态。
func (d *DynamicBreaker) State() State {
	if d == nil {
		return StateClosed
	}
	return d.load().State()
}

func (d *DynamicBreaker) load() *Breaker {
	return d.value.Load().(*Breaker)
}
