package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/wyfcoding/resilience/bulkhead"
	"github.com/wyfcoding/resilience/logging"
)

// BulkheadOptions 定义舱壁中间件的可选参数。
type BulkheadOptions struct {
	// WaitTimeout 为许可等待上限。为 0 时不等待，满载立即拒绝。
	WaitTimeout time.Duration
}

// HTTPBulkhead 返回一个并发隔离 Gin 中间件。
// 超时或满载返回 503；许可在请求处理结束后归还。
func HTTPBulkhead(b *bulkhead.Bulkhead, opts ...BulkheadOptions) gin.HandlerFunc {
	opt := BulkheadOptions{}
	if len(opts) > 0 {
		opt = opts[0]
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if err := acquire(ctx, b, opt.WaitTimeout); err != nil {
			logging.Warn(ctx, "http bulkhead rejected request",
				"name", b.Name(),
				"path", c.Request.URL.Path,
				"error", err,
			)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "concurrency limit exceeded"})
			return
		}
		defer b.Release()

		c.Next()
	}
}

// GRPCBulkhead 返回一个并发隔离 gRPC 一元拦截器。
// 超时或满载映射为 codes.ResourceExhausted。
func GRPCBulkhead(b *bulkhead.Bulkhead, opts ...BulkheadOptions) grpc.UnaryServerInterceptor {
	opt := BulkheadOptions{}
	if len(opts) > 0 {
		opt = opts[0]
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := acquire(ctx, b, opt.WaitTimeout); err != nil {
			logging.Warn(ctx, "grpc bulkhead rejected request",
				"name", b.Name(),
				"method", info.FullMethod,
				"error", err,
			)
			return nil, status.Error(codes.ResourceExhausted, "concurrency limit exceeded")
		}
		defer b.Release()

		return handler(ctx, req)
	}
}

func acquire(ctx context.Context, b *bulkhead.Bulkhead, waitTimeout time.Duration) error {
	if waitTimeout <= 0 {
		return b.TryAcquire()
	}

	acquireCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	return b.Acquire(acquireCtx)
}
