// Package logging 提供了统一的结构化日志（slog）封装，支持 OpenTelemetry 追踪上下文注入与运行时级别调整。
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"go.opentelemetry.io/otel/trace"
)

var (
	// defaultLogger 是全局默认的Logger实例，采用单例模式。
	defaultLogger *Logger
	// once 用于确保InitLogger函数只被执行一次，保证defaultLogger的单例性。
	once sync.Once
)

// Config 定义日志配置
type Config struct {
	Service    string
	Module     string
	Level      string
	File       string // 日志文件路径，为空则只输出到 stdout
	Stdout     bool   // 配置了文件时是否同时保留控制台输出
	MaxSize    int    // 每个日志文件最大尺寸 (MB)
	MaxBackups int    // 保留旧日志文件的最大个数
	MaxAge     int    // 保留旧日志文件的最大天数
	Compress   bool   // 是否压缩旧日志
}

// Logger 结构体封装了原生的 `*slog.Logger`，并添加了服务名和模块名，方便在日志中区分来源。
// 日志级别通过 LevelVar 持有，支持运行时动态调整。
type Logger struct {
	*slog.Logger
	Service string // 服务名称
	Module  string // 模块名称

	level *slog.LevelVar
}

// TraceHandler 是一个自定义的 `slog.Handler` 装饰器，用于从 `context.Context` 中提取并注入 `trace_id` 和 `span_id` 到日志记录中。
type TraceHandler struct {
	slog.Handler
}

// Handle 方法实现了 `slog.Handler` 接口，在处理日志记录之前，
// 会尝试从上下文获取OpenTelemetry的SpanContext，如果有效，则将trace_id和span_id添加到日志属性中。
func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() { // 检查SpanContext是否有效，即是否存在正在进行的追踪
		r.AddAttrs(
			slog.String("trace_id", spanCtx.TraceID().String()), // 注入追踪ID
			slog.String("span_id", spanCtx.SpanID().String()),   // 注入Span ID
		)
	}
	return h.Handler.Handle(ctx, r) // 调用被装饰的原始Handler继续处理日志
}

// ParseLevel 将文本级别转换为 slog.Level，无法识别时返回 Info。
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewFromConfig 创建一个新的Logger实例。
// 支持通过 Config 结构体配置日志切割与多目标输出。
func NewFromConfig(cfg Config) *Logger {
	levelVar := new(slog.LevelVar)
	levelVar.Set(ParseLevel(cfg.Level))

	replaceAttr := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key == slog.TimeKey {
			a.Key = "timestamp"
		}
		return a
	}

	opts := &slog.HandlerOptions{
		Level:       levelVar,
		ReplaceAttr: replaceAttr,
	}

	var handler slog.Handler

	// 如果配置了文件路径，则使用 lumberjack 进行日志切割
	if cfg.File != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize, // MB
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge, // days
			Compress:   cfg.Compress,
		}
		handler = slog.NewJSONHandler(fileWriter, opts)
		if cfg.Stdout {
			// 文件与控制台同时输出
			handler = newMultiHandler(handler, slog.NewJSONHandler(os.Stdout, opts))
		}
	} else {
		// 默认输出到 Stdout
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	// 使用TraceHandler装饰
	traceHandler := &TraceHandler{Handler: handler}

	logger := slog.New(traceHandler).With(
		slog.String("service", cfg.Service),
		slog.String("module", cfg.Module),
	)

	return &Logger{
		Logger:  logger,
		Service: cfg.Service,
		Module:  cfg.Module,
		level:   levelVar,
	}
}

// NewLogger 是创建一个带有简单参数的 logger 的兼容别名。
func NewLogger(service, module string, level ...string) *Logger {
	lvl := "info"
	if len(level) > 0 {
		lvl = level[0]
	}
	return NewFromConfig(Config{
		Service: service,
		Module:  module,
		Level:   lvl,
	})
}

// SetLevel 动态调整该 Logger 的输出级别。
func (l *Logger) SetLevel(level string) {
	if l == nil || l.level == nil {
		return
	}
	l.level.Set(ParseLevel(level))
}

// InitLogger 初始化全局默认日志记录器
// 兼容旧的参数列表，但推荐使用新的 NewFromConfig(Config)
func InitLogger(service, module string, level ...string) {
	once.Do(func() {
		lvl := "info"
		if len(level) > 0 {
			lvl = level[0]
		}
		defaultLogger = NewFromConfig(Config{
			Service: service,
			Module:  module,
			Level:   lvl,
		})
		slog.SetDefault(defaultLogger.Logger)
	})
}

// EnsureDefaultLogger 确保默认日志记录器已初始化
func EnsureDefaultLogger() {
	if defaultLogger == nil {
		InitLogger("default", "default", "info")
	}
}

// Default 返回默认日志记录器实例
func Default() *Logger {
	EnsureDefaultLogger()
	return defaultLogger
}

// SetLevel 动态调整全局默认日志记录器的输出级别，供配置热更新回调使用。
func SetLevel(level string) {
	EnsureDefaultLogger()
	defaultLogger.SetLevel(level)
}

// Info 记录 Info 级别日志
func Info(ctx context.Context, msg string, args ...any) {
	EnsureDefaultLogger()
	defaultLogger.InfoContext(ctx, msg, args...)
}

// Warn 记录 Warn 级别日志
func Warn(ctx context.Context, msg string, args ...any) {
	EnsureDefaultLogger()
	defaultLogger.WarnContext(ctx, msg, args...)
}

// Error 记录 Error 级别日志
func Error(ctx context.Context, msg string, args ...any) {
	EnsureDefaultLogger()
	defaultLogger.ErrorContext(ctx, msg, args...)
}

// Debug 记录 Debug 级别日志
func Debug(ctx context.Context, msg string, args ...any) {
	EnsureDefaultLogger()
	defaultLogger.DebugContext(ctx, msg, args...)
}

// InfoContext 兼容接口
func InfoContext(ctx context.Context, msg string, args ...any) {
	Info(ctx, msg, args...)
}

// WarnContext 兼容接口
func WarnContext(ctx context.Context, msg string, args ...any) {
	Warn(ctx, msg, args...)
}

// ErrorContext 兼容接口
func ErrorContext(ctx context.Context, msg string, args ...any) {
	Error(ctx, msg, args...)
}

// DebugContext 兼容接口
func DebugContext(ctx context.Context, msg string, args ...any) {
	Debug(ctx, msg, args...)
}

// LogDuration 记录操作耗时
func LogDuration(ctx context.Context, operation string, args ...any) func() {
	start := time.Now()
	return func() {
		// 将耗时附加到日志参数中
		logArgs := append(args, "duration", time.Since(start))
		Info(ctx, fmt.Sprintf("%s finished", operation), logArgs...)
	}
}

// GetLogger 返回全局默认的Logger实例。
// 如果尚未通过InitLogger初始化，它会返回一个带有"unknown"服务和模块的默认Logger。
func GetLogger() *Logger {
	if defaultLogger == nil {
		return NewFromConfig(Config{Service: "unknown", Module: "unknown"})
	}
	return defaultLogger
}
