// Package breaker 提供了基于连续失败计数的熔断器实现。
//
// 熔断器在 Closed、Open、HalfOpen 三个状态间迁移: 连续失败达到阈值后断开,
// 冷却窗口结束后进入半开试探, 试探成功即恢复闭合。状态到期采用惰性结算,
// 在每次调用或状态读取时完成, 不依赖后台定时器。
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wyfcoding/resilience/metrics"
)

// ErrCircuitOpen 表示熔断器处于断开状态，调用未执行即被拒绝。
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State 表示熔断器所处的状态。
type State int32

const (
	// StateClosed 表示正常放行，统计连续失败。
	StateClosed State = iota
	// StateOpen 表示熔断断开，所有调用快速失败。
	StateOpen
	// StateHalfOpen 表示冷却结束后的试探阶段。
	StateHalfOpen
)

// String 返回状态的可读名称。
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("unknown state: %d", int32(s))
	}
}

// OperationError 表示被保护的操作本身执行失败，熔断器正常放行了该调用。
type OperationError struct {
	Name string // 熔断器名称
	Err  error  // 原始失败原因
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("circuit breaker %q: operation failed: %v", e.Name, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// Config 定义了熔断器的行为参数。零值字段会被替换为默认值。
type Config struct {
	FailureThreshold uint32        // 触发熔断的连续失败次数，默认 5
	SuccessThreshold uint32        // 半开状态下恢复闭合所需的连续成功次数，默认 1
	Timeout          time.Duration // 断开后进入半开前的冷却时长，默认 30s
	Disabled         bool          // 为 true 时熔断器直通，不做统计与拦截
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Settings 定义了熔断器的初始化参数。
type Settings struct {
	Name          string
	Config        Config
	OnStateChange func(name string, from, to State) // 状态迁移回调，可为 nil
}

// Breaker 是基于连续失败计数的熔断器。
// 并发安全；被保护的操作在锁外执行，调用之间互不阻塞。
type Breaker struct {
	name          string
	cfg           Config
	onStateChange func(name string, from, to State)
	metrics       *metrics.Metrics

	mu         sync.Mutex
	state      State
	generation uint64    // 每次状态迁移递增，用于丢弃旧周期调用的迟到结果
	failures   uint32    // 连续失败计数
	successes  uint32    // 半开状态下的连续成功计数
	openedAt   time.Time // 最近一次进入 Open 的时间
}

// NewBreaker 初始化并返回一个新的熔断器。
func NewBreaker(st Settings, m *metrics.Metrics) *Breaker {
	b := &Breaker{
		name:          st.Name,
		cfg:           st.Config.withDefaults(),
		onStateChange: st.OnStateChange,
		metrics:       m,
	}
	if m != nil && !b.cfg.Disabled {
		m.BreakerState.WithLabelValues(b.name).Set(float64(StateClosed))
	}
	return b
}

// Execute 执行受熔断保护的函数。
// 断开状态下直接返回 ErrCircuitOpen，不会调用 fn；
// fn 自身的失败会被包装为 *OperationError 返回。
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	if b.cfg.Disabled {
		return fn()
	}

	gen, err := b.beforeCall()
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			b.afterCall(gen, false)
			panic(r)
		}
	}()

	res, err := fn()
	b.afterCall(gen, err == nil)
	if err != nil {
		return nil, &OperationError{Name: b.name, Err: err}
	}

	return res, nil
}

// ExecuteTyped 是 Execute 的泛型版本，提供更好的类型安全。
func ExecuteTyped[T any](b *Breaker, fn func() (T, error)) (T, error) {
	if b == nil {
		return fn()
	}

	res, err := b.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}

	return res.(T), nil
}

// State 返回当前状态。若 Open 的冷却窗口已过，读取本身会将其结算为 HalfOpen。
func (b *Breaker) State() State {
	if b.cfg.Disabled {
		return StateClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.currentState(time.Now())
	return s
}

// FailureCount 返回当前的连续失败计数。
func (b *Breaker) FailureCount() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Name 返回熔断器名称。
func (b *Breaker) Name() string { return b.name }

// Reset 手动将熔断器恢复到闭合状态并清零所有计数。
// 适用于依赖已通过其他途径确认恢复的场景。
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.successes = 0
	if b.state != StateClosed {
		b.setState(StateClosed, time.Now())
	}
}

func (b *Breaker) beforeCall() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, gen := b.currentState(time.Now())
	if state == StateOpen {
		if b.metrics != nil {
			b.metrics.BreakerRejected.WithLabelValues(b.name).Inc()
		}
		return gen, ErrCircuitOpen
	}
	return gen, nil
}

func (b *Breaker) afterCall(gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, current := b.currentState(now)
	if gen != current {
		// 结果产生于旧的状态周期，丢弃，不影响新周期的计数
		return
	}
	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

// currentState 结算到期的惰性迁移并返回当前状态与代数。调用方必须持有锁。
func (b *Breaker) currentState(now time.Time) (State, uint64) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.Timeout {
		b.setState(StateHalfOpen, now)
	}
	return b.state, b.generation
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

// setState 执行状态迁移并发布事件。调用方必须持有锁。
func (b *Breaker) setState(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.generation++
	b.successes = 0

	switch to {
	case StateClosed:
		b.failures = 0
		b.openedAt = time.Time{}
	case StateOpen:
		b.openedAt = now
	}

	slog.Warn("circuit breaker state changed",
		"name", b.name,
		"from", from.String(),
		"to", to.String(),
	)
	if b.metrics != nil {
		b.metrics.BreakerState.WithLabelValues(b.name).Set(float64(to))
		b.metrics.BreakerTransitions.WithLabelValues(b.name, from.String(), to.String()).Inc()
	}
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}
