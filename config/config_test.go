package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultResilienceConfig(t *testing.T) {
	def := DefaultResilienceConfig()

	if def.CircuitBreakerFailureThreshold != 5 {
		t.Errorf("failure threshold = %d, want 5", def.CircuitBreakerFailureThreshold)
	}
	if def.CircuitBreakerTimeoutSeconds != 30 {
		t.Errorf("breaker timeout = %d, want 30", def.CircuitBreakerTimeoutSeconds)
	}
	if def.RetryMaxAttempts != 3 {
		t.Errorf("retry attempts = %d, want 3", def.RetryMaxAttempts)
	}
	if def.RetryBaseDelayMs != 100 {
		t.Errorf("retry base delay = %d, want 100", def.RetryBaseDelayMs)
	}
	if def.RetryMaxDelayMs != 30000 {
		t.Errorf("retry max delay = %d, want 30000", def.RetryMaxDelayMs)
	}
	if def.BulkheadMaxConcurrent != 10 {
		t.Errorf("bulkhead concurrency = %d, want 10", def.BulkheadMaxConcurrent)
	}
	if !def.DegradationEnabled {
		t.Error("degradation must default to enabled")
	}
}

func TestNormalizeFillsZeroFields(t *testing.T) {
	got := ResilienceConfig{CircuitBreakerFailureThreshold: 2}.Normalize()

	if got.CircuitBreakerFailureThreshold != 2 {
		t.Errorf("explicit threshold = %d, must be preserved", got.CircuitBreakerFailureThreshold)
	}
	if got.RetryMaxAttempts != 3 {
		t.Errorf("retry attempts = %d, want default 3", got.RetryMaxAttempts)
	}
	if got.BulkheadMaxConcurrent != 10 {
		t.Errorf("bulkhead concurrency = %d, want default 10", got.BulkheadMaxConcurrent)
	}

	// Normalize 不改写布尔开关
	if (ResilienceConfig{DegradationEnabled: false}).Normalize().DegradationEnabled {
		t.Error("Normalize must not flip the degradation switch")
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := ResilienceConfig{
		CircuitBreakerTimeoutSeconds: 45,
		RetryBaseDelayMs:             250,
		RetryMaxDelayMs:              5000,
	}

	if got := cfg.CircuitBreakerTimeout(); got != 45*time.Second {
		t.Errorf("CircuitBreakerTimeout() = %v, want 45s", got)
	}
	if got := cfg.RetryBaseDelay(); got != 250*time.Millisecond {
		t.Errorf("RetryBaseDelay() = %v, want 250ms", got)
	}
	if got := cfg.RetryMaxDelay(); got != 5*time.Second {
		t.Errorf("RetryMaxDelay() = %v, want 5s", got)
	}
}

func TestLoadFromTOML(t *testing.T) {
	content := `
version = "test"

[log]
level = "warn"

[resilience]
circuit_breaker_failure_threshold = 7
bulkhead_max_concurrent = 20
degradation_enabled = false
`
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	var conf Config
	if err := Load(path, &conf); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if conf.Version != "test" {
		t.Errorf("version = %q, want %q", conf.Version, "test")
	}
	if conf.Log.Level != "warn" {
		t.Errorf("log level = %q, want %q", conf.Log.Level, "warn")
	}
	if conf.Resilience.CircuitBreakerFailureThreshold != 7 {
		t.Errorf("failure threshold = %d, want file value 7", conf.Resilience.CircuitBreakerFailureThreshold)
	}
	if conf.Resilience.BulkheadMaxConcurrent != 20 {
		t.Errorf("bulkhead concurrency = %d, want file value 20", conf.Resilience.BulkheadMaxConcurrent)
	}
	if conf.Resilience.DegradationEnabled {
		t.Error("degradation_enabled = true, want file value false")
	}

	// 未出现在文件中的键落到注册的默认值
	if conf.Resilience.RetryMaxAttempts != 3 {
		t.Errorf("retry attempts = %d, want default 3", conf.Resilience.RetryMaxAttempts)
	}
}

func TestLoadMissingFile(t *testing.T) {
	var conf Config
	if err := Load(filepath.Join(t.TempDir(), "absent.toml"), &conf); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
