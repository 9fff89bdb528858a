package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/wyfcoding/resilience/metrics"
)

// MetricsOptions 定义指标中间件的可选参数。
type MetricsOptions struct {
	SkipPaths []string
}

// HTTPMetrics 返回一个采集 HTTP 请求指标的 Gin 中间件。
// 指标在构造时注册，中间件只应创建一次。
func HTTPMetrics(m *metrics.Metrics, opts ...MetricsOptions) gin.HandlerFunc {
	opt := MetricsOptions{}
	if len(opts) > 0 {
		opt = opts[0]
	}
	skip := make(map[string]struct{}, len(opt.SkipPaths))
	for _, path := range opt.SkipPaths {
		skip[path] = struct{}{}
	}

	requests := m.NewCounterVec(prometheus.CounterOpts{
		Name: "http_server_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	duration := m.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_server_request_duration_seconds",
		Help:    "HTTP request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
	inFlight := m.NewGaugeVec(prometheus.GaugeOpts{
		Name: "http_server_in_flight_requests",
		Help: "Number of HTTP requests currently being served",
	}, []string{"method", "path"})

	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if _, ok := skip[path]; ok {
			c.Next()
			return
		}

		inFlight.WithLabelValues(c.Request.Method, path).Inc()
		defer inFlight.WithLabelValues(c.Request.Method, path).Dec()

		start := time.Now()
		c.Next()

		requests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		duration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// GRPCMetrics 返回一个采集 gRPC 请求指标的一元拦截器。
// 指标在构造时注册，拦截器只应创建一次。
func GRPCMetrics(m *metrics.Metrics) grpc.UnaryServerInterceptor {
	requests := m.NewCounterVec(prometheus.CounterOpts{
		Name: "grpc_server_requests_total",
		Help: "Total number of gRPC requests",
	}, []string{"method", "code"})
	duration := m.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "grpc_server_request_duration_seconds",
		Help:    "gRPC request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		st, _ := status.FromError(err)
		requests.WithLabelValues(info.FullMethod, st.Code().String()).Inc()
		duration.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())

		return resp, err
	}
}
