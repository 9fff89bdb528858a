package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/wyfcoding/resilience/logging"
	"github.com/wyfcoding/resilience/ratelimit"
)

// HTTPRateLimit 返回一个限流 Gin 中间件，以客户端 IP 作为限流标识。
// 限流器内部故障时放行（fail-open），但会记录告警日志。
func HTTPRateLimit(l ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		key := c.ClientIP()

		allowed, err := l.Allow(ctx, key)
		if err != nil {
			logging.Error(ctx, "rate limiter internal error, fail-open applied", "key", key, "error", err)
			c.Next()
			return
		}

		if !allowed {
			logging.Warn(ctx, "request rejected by rate limiter", "key", key, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}

		c.Next()
	}
}

// GRPCRateLimit 返回一个限流 gRPC 一元拦截器，以完整方法名作为限流标识。
func GRPCRateLimit(l ratelimit.Limiter) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		allowed, err := l.Allow(ctx, info.FullMethod)
		if err != nil {
			logging.Error(ctx, "rate limiter internal error, fail-open applied", "method", info.FullMethod, "error", err)
			return handler(ctx, req)
		}

		if !allowed {
			logging.Warn(ctx, "request rejected by rate limiter", "method", info.FullMethod)
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}

		return handler(ctx, req)
	}
}
