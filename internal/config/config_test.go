package config

import (
	"os"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")
	t.Setenv("CARTESIA_API_KEY", "test-cartesia-key")
	t.Setenv("OPENAI_API_KEY", "test-openai-key")
	t.Setenv("STORE_DRIVER", "memory")
}

func TestLoadFromEnv(t *testing.T) {
	setRequired(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.DeepgramAPIKey != "test-deepgram-key" {
		t.Errorf("Expected DeepgramAPIKey 'test-deepgram-key', got '%s'", cfg.DeepgramAPIKey)
	}
	if cfg.OpenAIAPIKey != "test-openai-key" {
		t.Errorf("Expected OpenAIAPIKey 'test-openai-key', got '%s'", cfg.OpenAIAPIKey)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	os.Unsetenv("DEEPGRAM_API_KEY")
	os.Unsetenv("CARTESIA_API_KEY")
	os.Unsetenv("OPENAI_API_KEY")

	_, err := LoadFromEnv()
	if err == nil {
		t.Error("Expected error when required keys are missing")
	}
}

func TestLoad_PostgresNeedsDatabaseURL(t *testing.T) {
	setRequired(t)
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error when DATABASE_URL is empty for postgres driver")
	}
}

func TestLoad_UnsupportedEncoding(t *testing.T) {
	setRequired(t)
	t.Setenv("TTS_OUTPUT_ENCODING", "opus")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error for unsupported TTS encoding")
	}
}

func TestLoad_ConversationDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default Port '8080', got '%s'", cfg.Port)
	}
	if cfg.MediaRateMs != 20 {
		t.Errorf("Expected default MediaRateMs 20, got %d", cfg.MediaRateMs)
	}
	if cfg.SilenceThresholdMs != 250 {
		t.Errorf("Expected default SilenceThresholdMs 250, got %d", cfg.SilenceThresholdMs)
	}
	if cfg.SilenceTimeoutMs != 3000 {
		t.Errorf("Expected default SilenceTimeoutMs 3000, got %d", cfg.SilenceTimeoutMs)
	}
	if cfg.AgentTryLimit != 5 || cfg.MachineTryLimit != 3 {
		t.Errorf("Expected try limits 5/3, got %d/%d", cfg.AgentTryLimit, cfg.MachineTryLimit)
	}
	if cfg.LLMTimeoutMs != 5000 {
		t.Errorf("Expected default LLMTimeoutMs 5000, got %d", cfg.LLMTimeoutMs)
	}
	if cfg.TTSIdleTimeout != 30*time.Second {
		t.Errorf("Expected default TTSIdleTimeout 30s, got %v", cfg.TTSIdleTimeout)
	}
	if cfg.HandoffTTL != 60 {
		t.Errorf("Expected default HandoffTTL 60, got %d", cfg.HandoffTTL)
	}
	if cfg.AudioAssetMaxBytes != 10*1024*1024 {
		t.Errorf("Expected default AudioAssetMaxBytes 10MB, got %d", cfg.AudioAssetMaxBytes)
	}
	if !cfg.RealtimePacing {
		t.Error("Expected default RealtimePacing true")
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_KEY", "test-value")

	value := GetEnv("TEST_KEY", "default")
	if value != "test-value" {
		t.Errorf("Expected 'test-value', got '%s'", value)
	}

	value = GetEnv("NON_EXISTENT_KEY", "default")
	if value != "default" {
		t.Errorf("Expected 'default', got '%s'", value)
	}
}

func TestConfig_ResilienceDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.CircuitBreakerMaxFailures != 5 {
		t.Errorf("Expected default CircuitBreakerMaxFailures 5, got %d", cfg.CircuitBreakerMaxFailures)
	}
	if cfg.RetryMaxAttempts != 3 {
		t.Errorf("Expected default RetryMaxAttempts 3, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.ReconnectBackoff != 1000 {
		t.Errorf("Expected default ReconnectBackoff 1000, got %d", cfg.ReconnectBackoff)
	}
}

func TestConfig_ObservabilityDefaults(t *testing.T) {
	setRequired(t)
	os.Unsetenv("LOG_LEVEL")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}
	if cfg.LogPretty {
		t.Error("Expected default LogPretty false, got true")
	}
	if !cfg.MetricsEnabled {
		t.Error("Expected default MetricsEnabled true, got false")
	}
}
