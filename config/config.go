// Package config 提供了统一的配置加载与热更新能力.
//
// 配置来源为 TOML 文件, 环境变量 (APP_ 前缀) 可覆盖任意键;
// 文件变更通过 fsnotify 监听并在去抖后重新加载, 已注册的回调
// 会收到新配置, 供动态组件 (熔断器、日志级别等) 就地重建。
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/wyfcoding/resilience/logging"
	"github.com/wyfcoding/resilience/tracing"
)

// Config 全局顶级配置结构.
type Config struct {
	Version    string           `mapstructure:"version"    toml:"version"`
	Log        LogConfig        `mapstructure:"log"        toml:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"    toml:"metrics"`
	Tracing    TracingConfig    `mapstructure:"tracing"    toml:"tracing"`
	Resilience ResilienceConfig `mapstructure:"resilience" toml:"resilience"`
}

// LogConfig 定义日志输出、级别与切割策略.
type LogConfig struct {
	Level      string `mapstructure:"level"       toml:"level"`       // 日志级别。
	File       string `mapstructure:"file"        toml:"file"`        // 日志文件路径，为空则只输出到 stdout。
	Stdout     bool   `mapstructure:"stdout"      toml:"stdout"`      // 写文件时是否同时输出到控制台。
	MaxSize    int    `mapstructure:"max_size"    toml:"max_size"`    // 单个文件最大大小 (MB)。
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"` // 最大备份数。
	MaxAge     int    `mapstructure:"max_age"     toml:"max_age"`     // 最大保留天数。
	Compress   bool   `mapstructure:"compress"    toml:"compress"`    // 是否启用压缩。
}

// Logging 将日志配置转换为 logging 包的构建参数。
func (c LogConfig) Logging(service, module string) logging.Config {
	return logging.Config{
		Service:    service,
		Module:     module,
		Level:      c.Level,
		File:       c.File,
		Stdout:     c.Stdout,
		MaxSize:    c.MaxSize,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAge,
		Compress:   c.Compress,
	}
}

// MetricsConfig 普罗米修斯监控指标暴露配置.
type MetricsConfig struct {
	Port    string `mapstructure:"port"    toml:"port"`
	Path    string `mapstructure:"path"    toml:"path"`
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
}

// TracingConfig 分布式链路追踪（OpenTelemetry）配置.
type TracingConfig struct {
	ServiceName  string  `mapstructure:"service_name"  toml:"service_name"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint" toml:"otlp_endpoint"`
	SamplerRatio float64 `mapstructure:"sampler_ratio" toml:"sampler_ratio"`
	Enabled      bool    `mapstructure:"enabled"       toml:"enabled"`
}

// Tracing 将追踪配置转换为 tracing 包的初始化参数。
func (c TracingConfig) Tracing() tracing.Config {
	return tracing.Config{
		ServiceName:  c.ServiceName,
		OTLPEndpoint: c.OTLPEndpoint,
		SamplerRatio: c.SamplerRatio,
	}
}

// ResilienceConfig 汇集各容错原语的缺省构建参数，注册中心据此创建实例。
// 零值字段在使用前会被 Normalize 替换为默认值。
type ResilienceConfig struct {
	CircuitBreakerFailureThreshold uint32 `mapstructure:"circuit_breaker_failure_threshold" toml:"circuit_breaker_failure_threshold" validate:"omitempty,min=1"`
	CircuitBreakerSuccessThreshold uint32 `mapstructure:"circuit_breaker_success_threshold" toml:"circuit_breaker_success_threshold" validate:"omitempty,min=1"`
	CircuitBreakerTimeoutSeconds   int    `mapstructure:"circuit_breaker_timeout_seconds"   toml:"circuit_breaker_timeout_seconds"   validate:"omitempty,min=1"`
	RetryMaxAttempts               int    `mapstructure:"retry_max_attempts"                toml:"retry_max_attempts"                validate:"omitempty,min=1"`
	RetryBaseDelayMs               int    `mapstructure:"retry_base_delay_ms"               toml:"retry_base_delay_ms"               validate:"omitempty,min=1"`
	RetryMaxDelayMs                int    `mapstructure:"retry_max_delay_ms"                toml:"retry_max_delay_ms"                validate:"omitempty,min=1"`
	BulkheadMaxConcurrent          int    `mapstructure:"bulkhead_max_concurrent"           toml:"bulkhead_max_concurrent"           validate:"omitempty,min=1"`
	DegradationEnabled             bool   `mapstructure:"degradation_enabled"               toml:"degradation_enabled"`
}

// DefaultResilienceConfig 返回内置默认值:
// 熔断阈值 5 次、冷却 30s、半开恢复 1 次成功; 重试 3 次、
// 基准延迟 100ms、封顶 30s; 舱壁并发 10; 降级启用。
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		CircuitBreakerFailureThreshold: 5,
		CircuitBreakerSuccessThreshold: 1,
		CircuitBreakerTimeoutSeconds:   30,
		RetryMaxAttempts:               3,
		RetryBaseDelayMs:               100,
		RetryMaxDelayMs:                30000,
		BulkheadMaxConcurrent:          10,
		DegradationEnabled:             true,
	}
}

// Normalize 将零值数值字段替换为默认值后返回副本，布尔开关保持原样。
func (c ResilienceConfig) Normalize() ResilienceConfig {
	def := DefaultResilienceConfig()
	if c.CircuitBreakerFailureThreshold == 0 {
		c.CircuitBreakerFailureThreshold = def.CircuitBreakerFailureThreshold
	}
	if c.CircuitBreakerSuccessThreshold == 0 {
		c.CircuitBreakerSuccessThreshold = def.CircuitBreakerSuccessThreshold
	}
	if c.CircuitBreakerTimeoutSeconds <= 0 {
		c.CircuitBreakerTimeoutSeconds = def.CircuitBreakerTimeoutSeconds
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = def.RetryMaxAttempts
	}
	if c.RetryBaseDelayMs <= 0 {
		c.RetryBaseDelayMs = def.RetryBaseDelayMs
	}
	if c.RetryMaxDelayMs <= 0 {
		c.RetryMaxDelayMs = def.RetryMaxDelayMs
	}
	if c.BulkheadMaxConcurrent <= 0 {
		c.BulkheadMaxConcurrent = def.BulkheadMaxConcurrent
	}
	return c
}

// CircuitBreakerTimeout 返回熔断冷却时长。
func (c ResilienceConfig) CircuitBreakerTimeout() time.Duration {
	return time.Duration(c.CircuitBreakerTimeoutSeconds) * time.Second
}

// RetryBaseDelay 返回重试基准延迟。
func (c ResilienceConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

// RetryMaxDelay 返回重试延迟上限。
func (c ResilienceConfig) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMs) * time.Millisecond
}

var vInstance = viper.New()
var onReload []func(*Config)

// RegisterReloadHook 注册配置热更新回调。回调应在启动阶段注册完毕。
func RegisterReloadHook(hook func(*Config)) {
	if hook == nil {
		return
	}
	onReload = append(onReload, hook)
}

func applyDefaults(v *viper.Viper) {
	def := DefaultResilienceConfig()
	v.SetDefault("log.level", "info")
	v.SetDefault("resilience.circuit_breaker_failure_threshold", def.CircuitBreakerFailureThreshold)
	v.SetDefault("resilience.circuit_breaker_success_threshold", def.CircuitBreakerSuccessThreshold)
	v.SetDefault("resilience.circuit_breaker_timeout_seconds", def.CircuitBreakerTimeoutSeconds)
	v.SetDefault("resilience.retry_max_attempts", def.RetryMaxAttempts)
	v.SetDefault("resilience.retry_base_delay_ms", def.RetryBaseDelayMs)
	v.SetDefault("resilience.retry_max_delay_ms", def.RetryMaxDelayMs)
	v.SetDefault("resilience.bulkhead_max_concurrent", def.BulkheadMaxConcurrent)
	v.SetDefault("resilience.degradation_enabled", def.DegradationEnabled)
}

// Load 加载并监听配置文件.
func Load(path string, conf any) error {
	vInstance.SetConfigFile(path)
	vInstance.SetConfigType("toml")

	vInstance.SetEnvPrefix("APP")
	vInstance.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vInstance.AutomaticEnv()

	applyDefaults(vInstance)

	if err := vInstance.ReadInConfig(); err != nil {
		return fmt.Errorf("read config error: %w", err)
	}

	if err := vInstance.Unmarshal(conf); err != nil {
		return fmt.Errorf("unmarshal config error: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(conf); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	vInstance.WatchConfig()
	vInstance.OnConfigChange(func(event fsnotify.Event) {
		slog.Info("detecting config change", "file", event.Name)
		const debounceTimeout = 500 * time.Millisecond
		time.Sleep(debounceTimeout)

		if unmarshalErr := vInstance.Unmarshal(conf); unmarshalErr != nil {
			slog.Error("reload config unmarshal failed", "error", unmarshalErr)

			return
		}

		if validateErr := validate.Struct(conf); validateErr != nil {
			slog.Error("reload config validation failed", "error", validateErr)

			return
		}

		slog.Info("config hot-reloaded and validated successfully")

		if cfg, ok := conf.(*Config); ok {
			// 日志级别随配置联动，无需重启
			logging.SetLevel(cfg.Log.Level)
			for _, hook := range onReload {
				hook(cfg)
			}
		}
	})

	return nil
}

// PrintWithMask 脱敏打印当前配置.
func PrintWithMask(conf any) {
	data, err := json.Marshal(conf)
	if err != nil {
		slog.Error("failed to marshal config for printing", "error", err)

		return
	}

	var configMap map[string]any
	if unmarshalErr := json.Unmarshal(data, &configMap); unmarshalErr != nil {
		slog.Error("failed to unmarshal config for masking", "error", unmarshalErr)

		return
	}

	mask(configMap)

	maskedJSON, marshalErr := json.MarshalIndent(configMap, "  ", "  ")
	if marshalErr != nil {
		slog.Error("failed to marshal masked config", "error", marshalErr)

		return
	}

	slog.Info("Current effective configuration", "config", string(maskedJSON))
}

func mask(configMap map[string]any) {
	sensitiveKeys := []string{"password", "secret", "dsn", "key", "token"}

	for key, val := range configMap {
		if subMap, ok := val.(map[string]any); ok {
			mask(subMap)

			continue
		}

		if slice, ok := val.([]any); ok {
			for _, item := range slice {
				if itemMap, ok := item.(map[string]any); ok {
					mask(itemMap)
				}
			}

			continue
		}

		for _, sensitiveKey := range sensitiveKeys {
			if strings.Contains(strings.ToLower(key), sensitiveKey) {
				configMap[key] = "******"

				break
			}
		}
	}
}

// GetViper 返回底层的 Viper 实例.
func GetViper() *viper.Viper {
	return vInstance
}
