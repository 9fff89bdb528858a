package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/wyfcoding/resilience/degrade"
)

const headerDegradationLevel = "X-Degradation-Level"

// HTTPDegradation 返回一个降级守卫 Gin 中间件。
// Offline 级别直接返回 503；其余级别放行并在响应头标注当前级别，
// 便于上游与客户端观测降级状态。
func HTTPDegradation(m *degrade.Manager, service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		level := m.Level(service)
		if level == degrade.LevelOffline {
			c.Header(headerDegradationLevel, level.String())
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service offline"})
			return
		}

		if level > degrade.LevelFull {
			c.Header(headerDegradationLevel, level.String())
		}
		c.Next()
	}
}

// GRPCDegradation 返回一个降级守卫 gRPC 一元拦截器。
// Offline 级别映射为 codes.Unavailable。
func GRPCDegradation(m *degrade.Manager, service string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if m.Level(service) == degrade.LevelOffline {
			return nil, status.Error(codes.Unavailable, "service offline")
		}
		return handler(ctx, req)
	}
}
