package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp(t.TempDir(), "config_*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	if _, err := tmpFile.Write([]byte(content)); err != nil {
		t.Fatalf("Failed to write to temp file: %v", err)
	}
	tmpFile.Close()
	return tmpFile.Name()
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Run.Mode != "sequential" || cfg.Run.BatchSize != 8 || cfg.Run.MaxRetries != 3 {
		t.Errorf("unexpected run defaults: %+v", cfg.Run)
	}
	if cfg.Run.BackoffBase != time.Second || cfg.Run.BackoffMax != 60*time.Second {
		t.Errorf("unexpected backoff defaults: %s..%s", cfg.Run.BackoffBase, cfg.Run.BackoffMax)
	}
	if cfg.Run.CircuitBreakerThreshold != 5 || cfg.Run.CheckpointInterval != 10 {
		t.Errorf("unexpected breaker/checkpoint defaults: %+v", cfg.Run)
	}
	if !cfg.Run.CountsExhausted() || !cfg.Run.CountsParseErrors() {
		t.Error("breaker should count every failure kind by default")
	}
	if cfg.Checkpoint.Backend != "file" {
		t.Errorf("Backend = %q", cfg.Checkpoint.Backend)
	}
}

func TestLoad_EnvSubstitution(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "sk-test")

	path := writeConfig(t, `
llm:
  api_key: ${TEST_LLM_KEY}
  model: gpt-4o-mini
run:
  mode: concurrent
  batch_size: 16
  backoff_base: 500ms
  backoff_max: 10s
  count_exhausted: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("Expected api key sk-test, got %s", cfg.LLM.APIKey)
	}
	if cfg.Run.Mode != "concurrent" || cfg.Run.BatchSize != 16 {
		t.Errorf("unexpected run config: %+v", cfg.Run)
	}
	if cfg.Run.BackoffBase != 500*time.Millisecond || cfg.Run.BackoffMax != 10*time.Second {
		t.Errorf("unexpected backoff: %s..%s", cfg.Run.BackoffBase, cfg.Run.BackoffMax)
	}
	if cfg.Run.CountsExhausted() {
		t.Error("count_exhausted: false was ignored")
	}
	// Untouched values keep their defaults.
	if cfg.Run.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d", cfg.Run.MaxRetries)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
run:
  batch_size: 4
checkpoint:
  backend: file
`)
	t.Setenv("LLMBATCH_RUN_BATCH_SIZE", "32")
	t.Setenv("LLMBATCH_RUN_MODE", "concurrent")
	t.Setenv("LLMBATCH_CHECKPOINT_BACKEND", "sqlite")
	t.Setenv("LLMBATCH_CHECKPOINT_DB_DSN", "/tmp/ck.db")
	t.Setenv("LLMBATCH_LLM_REQUIRED_FIELDS", "label,score")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Run.BatchSize != 32 || cfg.Run.Mode != "concurrent" {
		t.Errorf("env did not override run: %+v", cfg.Run)
	}
	if cfg.Checkpoint.Backend != "sqlite" || cfg.Checkpoint.Database.DSN != "/tmp/ck.db" {
		t.Errorf("env did not override checkpoint: %+v", cfg.Checkpoint)
	}
	if strings.Join(cfg.LLM.RequiredFields, "|") != "label|score" {
		t.Errorf("RequiredFields = %v", cfg.LLM.RequiredFields)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"mode", "run:\n  mode: parallel\n", "run.mode"},
		{"backoff", "run:\n  backoff_base: 2m\n  backoff_max: 1m\n", "backoff_max"},
		{"backend", "checkpoint:\n  backend: s3\n", "unknown checkpoint backend"},
		{"redis url", "checkpoint:\n  backend: redis\n", "redis.url"},
		{"on trip", "run:\n  on_trip: retry\n", "on_trip"},
		{"http operator without server", "run:\n  on_trip: http\n", "server.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
