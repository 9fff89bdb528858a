// Package middleware 提供了将容错原语接入 Gin 与 gRPC 边界的适配层。
//
// 每个关注点提供 HTTP 中间件与 gRPC 一元拦截器两种形态, 原语实例由
// 调用方从注册中心获取后传入, 中间件自身不持有配置。
package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/wyfcoding/resilience/breaker"
)

// HTTPCircuitBreaker 返回一个熔断 Gin 中间件。
// 5xx 响应计为一次失败；熔断断开时返回 503，不再进入处理链。
func HTTPCircuitBreaker(b *breaker.Breaker) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, err := b.Execute(func() (any, error) {
			c.Next()
			if c.Writer.Status() >= http.StatusInternalServerError {
				return nil, http.ErrHandlerTimeout
			}
			return nil, nil
		})

		if errors.Is(err, breaker.ErrCircuitOpen) {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "circuit breaker open"})
		}
	}
}

// GRPCCircuitBreaker 返回一个熔断 gRPC 一元拦截器。
// 熔断断开映射为 codes.Unavailable；业务错误原样透传。
func GRPCCircuitBreaker(b *breaker.Breaker) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := b.Execute(func() (any, error) {
			return handler(ctx, req)
		})
		if err != nil {
			if errors.Is(err, breaker.ErrCircuitOpen) {
				return nil, status.Error(codes.Unavailable, "circuit breaker open")
			}
			var opErr *breaker.OperationError
			if errors.As(err, &opErr) {
				return nil, opErr.Err
			}
			return nil, err
		}
		return resp, nil
	}
}
