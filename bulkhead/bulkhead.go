// Package bulkhead 实现了基于信号量的舱壁隔离。
//
// 每个舱壁持有固定数量的许可, 调用在执行前必须取得许可,
// 以此限制同一依赖上的并发调用数, 防止单一依赖拖垮整个进程。
package bulkhead

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/wyfcoding/resilience/metrics"
)

var (
	// ErrAtCapacity 表示许可已全部占用，快速失败路径不进行等待。
	ErrAtCapacity = errors.New("bulkhead at capacity")
	// ErrClosed 表示舱壁已永久关闭，不再接受新调用。
	ErrClosed = errors.New("bulkhead is closed")
)

// Bulkhead 使用带缓冲的信号量限制并发调用数。
type Bulkhead struct {
	name    string
	sem     chan struct{}
	done    chan struct{}
	once    sync.Once
	metrics *metrics.Metrics
}

// NewBulkhead 创建一个容量为 max 的舱壁。
// max <= 0 时按默认容量 10 处理。
func NewBulkhead(name string, max int, m *metrics.Metrics) *Bulkhead {
	if max <= 0 {
		max = 10
	}
	return &Bulkhead{
		name:    name,
		sem:     make(chan struct{}, max),
		done:    make(chan struct{}),
		metrics: m,
	}
}

// Execute 取得许可后执行 fn，许可耗尽时阻塞等待。
// 无论 fn 正常返回、出错还是 panic，许可都会被归还；
// fn 的错误原样透传。
func (b *Bulkhead) Execute(ctx context.Context, fn func() error) error {
	if err := b.Acquire(ctx); err != nil {
		return err
	}
	defer b.Release()

	return fn()
}

// TryExecute 在有空闲许可时立即执行 fn，否则返回 ErrAtCapacity，不等待。
func (b *Bulkhead) TryExecute(fn func() error) error {
	if err := b.TryAcquire(); err != nil {
		return err
	}
	defer b.Release()

	return fn()
}

// Acquire 阻塞获取一个许可，支持上下文取消。
// 舱壁关闭时阻塞中的调用立即以 ErrClosed 返回。
func (b *Bulkhead) Acquire(ctx context.Context) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	select {
	case b.sem <- struct{}{}:
		return b.grant()
	case <-ctx.Done():
		// 调用方取消不计入拒绝指标
		return ctx.Err()
	case <-b.done:
		return ErrClosed
	}
}

// TryAcquire 尝试立即获取一个许可，不等待。
func (b *Bulkhead) TryAcquire() error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	select {
	case b.sem <- struct{}{}:
		return b.grant()
	default:
		if b.metrics != nil {
			b.metrics.BulkheadRejected.WithLabelValues(b.name).Inc()
		}
		return ErrAtCapacity
	}
}

// grant 在许可入账前复核关闭状态。关闭与获取竞争时以关闭为准，
// 刚赢得的许可立即回收，避免从关闭竞争窗口中漏出新许可。
func (b *Bulkhead) grant() error {
	select {
	case <-b.done:
		<-b.sem
		return ErrClosed
	default:
	}
	if b.metrics != nil {
		b.metrics.BulkheadInUse.WithLabelValues(b.name).Inc()
	}
	return nil
}

// Release 归还一个许可。超额释放仅记录告警。
func (b *Bulkhead) Release() {
	select {
	case <-b.sem:
		if b.metrics != nil {
			b.metrics.BulkheadInUse.WithLabelValues(b.name).Dec()
		}
	default:
		slog.Warn("bulkhead release without acquire", "name", b.name)
	}
}

// AvailablePermits 返回当前空闲许可数。仅用于观测，不能作为获取前的判断依据。
func (b *Bulkhead) AvailablePermits() int {
	return cap(b.sem) - len(b.sem)
}

// TotalPermits 返回许可总数。
func (b *Bulkhead) TotalPermits() int {
	return cap(b.sem)
}

// Utilization 返回许可占用率，取值 [0, 1]。
func (b *Bulkhead) Utilization() float64 {
	return float64(len(b.sem)) / float64(cap(b.sem))
}

// Name 返回舱壁名称。
func (b *Bulkhead) Name() string { return b.name }

// Close 永久关闭舱壁。阻塞中的获取立即以 ErrClosed 返回，
// 已持有的许可仍可正常归还。重复调用无副作用。
func (b *Bulkhead) Close() {
	b.once.Do(func() { close(b.done) })
}
