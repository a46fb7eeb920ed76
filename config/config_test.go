package config

import (
	"testing"
	"time"
)

func TestGetEnvOrDefault(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		envValue   string
		defaultVal string
		expected   string
	}{
		{"uses env value", "CHATRELAY_TEST_VAR_1", "hello", "default", "hello"},
		{"uses default when empty", "CHATRELAY_TEST_VAR_2", "", "default", "default"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.envValue)

			result := getEnvOrDefault(tc.key, tc.defaultVal)
			if result != tc.expected {
				t.Errorf("Expected %q, got %q", tc.expected, result)
			}
		})
	}
}

func TestGetEnvAsIntOrDefault(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		envValue   string
		defaultVal int
		expected   int
	}{
		{"parses integer", "CHATRELAY_TEST_INT_1", "42", 10, 42},
		{"uses default for empty", "CHATRELAY_TEST_INT_2", "", 10, 10},
		{"uses default for non-numeric", "CHATRELAY_TEST_INT_3", "abc", 10, 10},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.envValue)

			result := getEnvAsIntOrDefault(tc.key, tc.defaultVal)
			if result != tc.expected {
				t.Errorf("Expected %d, got %d", tc.expected, result)
			}
		})
	}
}

func TestGetEnvAsDurationOrDefault(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected time.Duration
	}{
		{"parses duration", "90s", 90 * time.Second},
		{"uses default for garbage", "soon", time.Minute},
		{"uses default for negative", "-5s", time.Minute},
		{"uses default for empty", "", time.Minute},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("CHATRELAY_TEST_DURATION", tc.envValue)

			result := getEnvAsDurationOrDefault("CHATRELAY_TEST_DURATION", time.Minute)
			if result != tc.expected {
				t.Errorf("Expected %v, got %v", tc.expected, result)
			}
		})
	}
}

func TestMustGetEnv_Panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic for missing required env var")
		}
	}()

	t.Setenv("CHATRELAY_MISSING_REQUIRED_VAR", "")
	mustGetEnv("CHATRELAY_MISSING_REQUIRED_VAR")
}

func TestLoad(t *testing.T) {
	t.Setenv("YA_API_KEY", "key-123")
	t.Setenv("YA_FOLDER_ID", "b1gfolder")
	t.Setenv("SECRET_KEY", "s3cret")
	t.Setenv("LLM_MODEL", "")
	t.Setenv("HISTORY_LIMIT", "")
	t.Setenv("STORE_BACKEND", "")

	cfg := Load()

	if cfg.LLMModel != "gpt://b1gfolder/yandexgpt/latest" {
		t.Errorf("unexpected model %q", cfg.LLMModel)
	}
	if cfg.HistoryLimit != 10 {
		t.Errorf("expected default history limit 10, got %d", cfg.HistoryLimit)
	}
	if cfg.HistoryPairFactor != 2 {
		t.Errorf("expected default pair factor 2, got %d", cfg.HistoryPairFactor)
	}
	if cfg.StoreBackend != "sqlite" {
		t.Errorf("expected sqlite backend, got %q", cfg.StoreBackend)
	}
	if cfg.APIKey != "key-123" {
		t.Errorf("unexpected api key %q", cfg.APIKey)
	}
}
