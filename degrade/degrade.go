// Package degrade 提供了按服务粒度的多级优雅降级管理。
//
// 级别从 Full 到 Offline 逐级收缩: Degraded 只改变观测行为, 操作照常执行;
// Minimal 跳过真实操作, 直接返回调用方给出的默认值; Offline 转交注册的
// 回退函数处理。自动降级与自动恢复每次只移动一级, 手动设置可跨级跳转。
package degrade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/wyfcoding/resilience/logging"
	"github.com/wyfcoding/resilience/metrics"
)

var (
	// ErrUnavailable 表示服务处于 Offline 且没有注册回退函数。
	ErrUnavailable = errors.New("service offline and no fallback registered")
	// ErrFallbackMismatch 表示回退函数的返回值无法断言为期望类型。
	ErrFallbackMismatch = errors.New("fallback result type mismatch")
)

// Level 表示服务的降级级别，数值越大可用功能越少。
type Level int32

const (
	// LevelFull 表示全功能运行。
	LevelFull Level = iota
	// LevelDegraded 表示降级运行，操作照常执行但会被标记观测。
	LevelDegraded
	// LevelMinimal 表示只保留核心路径，非核心操作返回默认值。
	LevelMinimal
	// LevelOffline 表示服务完全下线，仅回退函数可用。
	LevelOffline
)

// String 返回级别的可读名称。
func (l Level) String() string {
	switch l {
	case LevelFull:
		return "full"
	case LevelDegraded:
		return "degraded"
	case LevelMinimal:
		return "minimal"
	case LevelOffline:
		return "offline"
	default:
		return fmt.Sprintf("unknown level: %d", int32(l))
	}
}

// FallbackFunc 在服务 Offline 时代替真实操作执行。
// 返回值需要能断言为调用方期望的类型。
type FallbackFunc func(ctx context.Context) (any, error)

type serviceState struct {
	level    Level
	failures uint64 // 自动降级的累计失败数，级别变化时清零
	changes  uint64 // 级别变更次数
}

// Option 定义 Manager 构造参数。
type Option func(*Manager)

// WithLogger 注入日志记录器。
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics 注入指标采集器。
func WithMetrics(metricsInstance *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metricsInstance
	}
}

// WithEnabled 设置降级系统是否启用。
func WithEnabled(enabled bool) Option {
	return func(m *Manager) {
		m.enabled = enabled
	}
}

// WithOnChange 注册级别变更回调。
func WithOnChange(fn func(service string, from, to Level)) Option {
	return func(m *Manager) {
		m.onChange = fn
	}
}

// Manager 提供服务降级级别的统一管理能力。
type Manager struct {
	mu        sync.RWMutex
	services  map[string]*serviceState
	fallbacks map[string]FallbackFunc
	logger    *logging.Logger
	metrics   *metrics.Metrics
	onChange  func(service string, from, to Level)
	enabled   bool

	proberStop chan struct{}
	proberWG   conc.WaitGroup
}

// NewManager 创建降级管理器。所有服务初始处于 LevelFull。
func NewManager(opts ...Option) *Manager {
	manager := &Manager{
		services:  make(map[string]*serviceState),
		fallbacks: make(map[string]FallbackFunc),
		logger:    logging.Default(),
		enabled:   true,
	}
	for _, opt := range opts {
		opt(manager)
	}

	return manager
}

// SetEnabled 设置降级系统是否启用。
// 禁用时 ExecuteWithFallback 始终执行真实操作，自动降级不再生效。
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
}

// Enabled 返回降级系统是否启用。
func (m *Manager) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Level 返回服务当前级别，未知服务视为 LevelFull。
func (m *Manager) Level(service string) Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.services[service]; ok {
		return st.level
	}
	return LevelFull
}

// ChangeCount 返回服务的级别变更次数。
func (m *Manager) ChangeCount(service string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.services[service]; ok {
		return st.changes
	}
	return 0
}

// Levels 返回所有已知服务及其级别的快照。
func (m *Manager) Levels() map[string]Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Level, len(m.services))
	for name, st := range m.services {
		out[name] = st.level
	}
	return out
}

// SetLevel 将服务显式设置到指定级别，可跨级跳转。
// 重复设置同一级别不计入变更次数。
func (m *Manager) SetLevel(service string, level Level) {
	if level < LevelFull || level > LevelOffline {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLevelLocked(service, m.stateLocked(service), level, "manual")
}

// RegisterFallback 注册服务 Offline 时的回退函数。nil 表示移除。
func (m *Manager) RegisterFallback(service string, fb FallbackFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fb == nil {
		delete(m.fallbacks, service)
		return
	}
	m.fallbacks[service] = fb
}

// AutoDegradeOnFailure 在本次失败数达到阈值时将服务降低一级，
// 并将失败数累入服务的累计总数。多次未达阈值的失败不会叠加触发降级。
// 返回服务当前级别以及本次调用是否触发了降级。threshold 为 0 时不触发。
func (m *Manager) AutoDegradeOnFailure(service string, failures, threshold uint64) (Level, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stateLocked(service)
	if !m.enabled {
		return st.level, false
	}

	st.failures += failures
	if threshold == 0 || failures < threshold || st.level >= LevelOffline {
		return st.level, false
	}

	m.setLevelLocked(service, st, st.level+1, "auto")
	return st.level, true
}

// FailureTotal 返回服务自动降级路径上的累计失败总数。
// 级别发生变化时总数会被清零，重新开始累计。
func (m *Manager) FailureTotal(service string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.services[service]; ok {
		return st.failures
	}
	return 0
}

// AttemptRecovery 将服务回升一级。服务已处于 LevelFull 时返回 false。
func (m *Manager) AttemptRecovery(service string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.services[service]
	if !ok || st.level == LevelFull {
		return false
	}
	m.setLevelLocked(service, st, st.level-1, "recovery")
	return true
}

// StartRecoveryProber 启动后台恢复探测，每隔 interval 将所有低于
// LevelFull 的服务回升一级。重复调用只会保留第一个探测循环。
func (m *Manager) StartRecoveryProber(interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	m.mu.Lock()
	if m.proberStop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.proberStop = stop
	m.mu.Unlock()

	m.proberWG.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				for service, level := range m.Levels() {
					if level > LevelFull {
						m.AttemptRecovery(service)
					}
				}
			}
		}
	})
}

// Close 停止后台恢复探测并等待其退出。未启动探测时调用是安全的。
func (m *Manager) Close() {
	m.mu.Lock()
	if m.proberStop != nil {
		close(m.proberStop)
		m.proberStop = nil
	}
	m.mu.Unlock()
	m.proberWG.Wait()
}

// ExecuteWithFallback 按服务当前级别执行 fn 或其降级替代。
// Full 与 Degraded 级别执行真实操作; Minimal 跳过 fn 直接返回 defaultValue;
// Offline 转交注册的回退函数，未注册时返回 ErrUnavailable。
func ExecuteWithFallback[T any](ctx context.Context, m *Manager, service string, defaultValue T, fn func(ctx context.Context) (T, error)) (T, error) {
	if m == nil || !m.Enabled() {
		return fn(ctx)
	}

	switch m.Level(service) {
	case LevelDegraded:
		m.logger.DebugContext(ctx, "executing in degraded mode", "service", service)
		return fn(ctx)
	case LevelMinimal:
		m.recordFallback(ctx, service, "default")
		return defaultValue, nil
	case LevelOffline:
		fb := m.fallback(service)
		if fb == nil {
			var zero T
			return zero, ErrUnavailable
		}
		m.recordFallback(ctx, service, "fallback")
		res, err := fb(ctx)
		if err != nil {
			var zero T
			return zero, err
		}
		if res == nil {
			// 回退函数未给出值时视为零值结果
			var zero T
			return zero, nil
		}
		typed, ok := res.(T)
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: service %q returned %T", ErrFallbackMismatch, service, res)
		}
		return typed, nil
	default:
		return fn(ctx)
	}
}

func (m *Manager) fallback(service string) FallbackFunc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fallbacks[service]
}

func (m *Manager) recordFallback(ctx context.Context, service, kind string) {
	if m.metrics != nil {
		m.metrics.DegradeFallbacks.WithLabelValues(service, kind).Inc()
	}
	m.logger.WarnContext(ctx, "degraded execution path taken",
		"service", service,
		"kind", kind,
	)
}

// stateLocked 返回服务状态，不存在时创建。调用方必须持有写锁。
func (m *Manager) stateLocked(service string) *serviceState {
	st, ok := m.services[service]
	if !ok {
		st = &serviceState{level: LevelFull}
		m.services[service] = st
		if m.metrics != nil {
			m.metrics.DegradeLevel.WithLabelValues(service).Set(float64(LevelFull))
		}
	}
	return st
}

// setLevelLocked 执行级别变更并发布事件。调用方必须持有写锁。
func (m *Manager) setLevelLocked(service string, st *serviceState, to Level, reason string) {
	from := st.level
	if from == to {
		return
	}
	st.level = to
	st.changes++
	st.failures = 0

	if to > from {
		m.logger.Warn("service degraded",
			"service", service,
			"from", from.String(),
			"to", to.String(),
			"reason", reason,
		)
	} else {
		m.logger.Info("service recovered",
			"service", service,
			"from", from.String(),
			"to", to.String(),
			"reason", reason,
		)
	}
	if m.metrics != nil {
		m.metrics.DegradeLevel.WithLabelValues(service).Set(float64(to))
		m.metrics.DegradeChanges.WithLabelValues(service).Inc()
	}
	if m.onChange != nil {
		m.onChange(service, from, to)
	}
}
