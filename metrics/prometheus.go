package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 封装了基于 Prometheus 的指标采集注册表及预定义的容错组件监控指标。
type Metrics struct {
	registry *prometheus.Registry // 内部独立的 Prometheus 注册中心

	// 预定义的容错指标，供各组件共享，避免重复注册
	BreakerState       *prometheus.GaugeVec   // 熔断器当前状态 (维度: name)
	BreakerTransitions *prometheus.CounterVec // 熔断器状态迁移次数 (维度: name, from, to)
	BreakerRejected    *prometheus.CounterVec // 熔断器快速失败次数 (维度: name)
	RetryAttempts      *prometheus.CounterVec // 重试尝试总量 (维度: name)
	RetryExhausted     *prometheus.CounterVec // 重试耗尽次数 (维度: name)
	BulkheadInUse      *prometheus.GaugeVec   // 舱壁当前占用许可数 (维度: name)
	BulkheadRejected   *prometheus.CounterVec // 舱壁拒绝次数 (维度: name)
	DegradeLevel       *prometheus.GaugeVec   // 服务当前降级级别 (维度: service)
	DegradeChanges     *prometheus.CounterVec // 降级级别变更次数 (维度: service)
	DegradeFallbacks   *prometheus.CounterVec // 降级回退执行次数 (维度: service, kind)
	RateLimitRejected  *prometheus.CounterVec // 限流拒绝次数 (维度: name)
}

// NewMetrics 初始化并返回一个新的指标采集器。
// 它会自动注册 Go 运行时指标和进程指标。
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: reg}

	// 初始化各容错组件共享指标...
	m.BreakerState = m.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Circuit breaker state (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"name"})

	m.BreakerTransitions = m.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_transitions_total",
		Help: "Total number of circuit breaker state transitions",
	}, []string{"name", "from", "to"})

	m.BreakerRejected = m.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_rejected_total",
		Help: "Total number of calls rejected by an open circuit breaker",
	}, []string{"name"})

	m.RetryAttempts = m.NewCounterVec(prometheus.CounterOpts{
		Name: "retry_attempts_total",
		Help: "Total number of retry attempts",
	}, []string{"name"})

	m.RetryExhausted = m.NewCounterVec(prometheus.CounterOpts{
		Name: "retry_exhausted_total",
		Help: "Total number of operations that exhausted all retry attempts",
	}, []string{"name"})

	m.BulkheadInUse = m.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bulkhead_in_use_permits",
		Help: "Number of bulkhead permits currently held",
	}, []string{"name"})

	m.BulkheadRejected = m.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkhead_rejected_total",
		Help: "Total number of calls rejected by a saturated bulkhead",
	}, []string{"name"})

	m.DegradeLevel = m.NewGaugeVec(prometheus.GaugeOpts{
		Name: "degradation_level",
		Help: "Current degradation level (0: Full, 1: Degraded, 2: Minimal, 3: Offline)",
	}, []string{"service"})

	m.DegradeChanges = m.NewCounterVec(prometheus.CounterOpts{
		Name: "degradation_changes_total",
		Help: "Total number of degradation level changes",
	}, []string{"service"})

	m.DegradeFallbacks = m.NewCounterVec(prometheus.CounterOpts{
		Name: "degradation_fallbacks_total",
		Help: "Total number of degraded executions served by a fallback or default value",
	}, []string{"service", "kind"})

	m.RateLimitRejected = m.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limit_rejected_total",
		Help: "Total number of calls rejected by the rate limiter",
	}, []string{"name"})

	slog.Info("resilience metrics registry initialized", "service", serviceName)
	return m
}

// NewCounterVec 创建并注册一个新的计数器指标。
func (m *Metrics) NewCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(opts, labelNames)
	m.registry.MustRegister(cv)
	return cv
}

// NewGaugeVec 创建并注册一个新的仪表盘指标。
func (m *Metrics) NewGaugeVec(opts prometheus.GaugeOpts, labelNames []string) *prometheus.GaugeVec {
	gv := prometheus.NewGaugeVec(opts, labelNames)
	m.registry.MustRegister(gv)
	return gv
}

// NewHistogramVec 创建并注册一个新的直方图指标。
func (m *Metrics) NewHistogramVec(opts prometheus.HistogramOpts, labelNames []string) *prometheus.HistogramVec {
	hv := prometheus.NewHistogramVec(opts, labelNames)
	m.registry.MustRegister(hv)
	return hv
}

// Handler 返回用于暴露指标的 HTTP 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ExposeHttp 在指定端口启动一个独立的 HTTP 服务器用于暴露指标数据。
// 返回一个清理函数用于优雅关闭该服务器。
func (m *Metrics) ExposeHttp(port string) func() {
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: m.Handler(),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown metrics server", "error", err)
		}
	}
}
