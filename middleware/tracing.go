package middleware

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
)

// Tracing 返回一个注入 OpenTelemetry 追踪的 Gin 中间件。
// serviceName 用于标识 Span 的来源服务。
func Tracing(serviceName string) gin.HandlerFunc {
	return otelgin.Middleware(serviceName)
}

// GRPCTracingServerOption 返回启用 OpenTelemetry 追踪的 gRPC ServerOption。
// 使用 stats handler 机制而非拦截器，以获得更完整的指标与时序信息。
func GRPCTracingServerOption(opts ...otelgrpc.Option) grpc.ServerOption {
	return grpc.StatsHandler(otelgrpc.NewServerHandler(opts...))
}
