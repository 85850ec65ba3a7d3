package config

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("listen:\n  port: 8080\n"), 0600)
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("WRIGHT_TEST_KEY", "sk-secret123")
	path := writeConfig(t, "openai:\n  api_key: ${WRIGHT_TEST_KEY}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.OpenAI.APIKey != "sk-secret123" {
		t.Errorf("api_key = %q, want %q", cfg.OpenAI.APIKey, "sk-secret123")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, "data_dir: /var/lib/wright\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 8000 {
		t.Errorf("port = %d, want 8000", cfg.Listen.Port)
	}
	if cfg.Models.Default != "gpt-4o" {
		t.Errorf("default model = %q, want gpt-4o", cfg.Models.Default)
	}
	if cfg.Adhoc.Model != "gpt-4o" {
		t.Errorf("adhoc model = %q, want default model", cfg.Adhoc.Model)
	}
	if cfg.Adhoc.MaxRetries != 5 || cfg.Adhoc.TimeoutSec != 60 || cfg.Adhoc.RetryDelayMS != 500 {
		t.Errorf("adhoc defaults = %+v", cfg.Adhoc)
	}
	if cfg.Audit.Path != "/var/lib/wright/audit.db" {
		t.Errorf("audit path = %q", cfg.Audit.Path)
	}
	if _, ok := cfg.Pricing["gpt-4o-mini"]; !ok {
		t.Error("default pricing missing gpt-4o-mini")
	}
	if cfg.Health.PollInterval() != 5*time.Minute {
		t.Errorf("health poll interval = %v, want 5m", cfg.Health.PollInterval())
	}
	if cfg.Sandbox.Search.Configured() {
		t.Error("search configured without any backend")
	}
}

func TestLoad_PricingOverridesMerge(t *testing.T) {
	path := writeConfig(t, `
pricing:
  gpt-4o:
    input_per_1k: 0.005
    output_per_1k: 0.015
  local-model:
    input_per_1k: 0
    output_per_1k: 0
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got := cfg.Pricing["gpt-4o"].InputPer1K; got != 0.005 {
		t.Errorf("gpt-4o input = %v, want 0.005", got)
	}
	if _, ok := cfg.Pricing["gpt-4o-mini"]; !ok {
		t.Error("override replaced the whole table")
	}
	if _, ok := cfg.Pricing["local-model"]; !ok {
		t.Error("new pricing entry missing")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"bad log level", "log_level: loud\n", "unknown log level"},
		{"bad log format", "log_format: xml\n", "log_format"},
		{"negative retries", "adhoc:\n  max_retries: -1\n", "max_retries"},
		{"unknown provider", "models:\n  available:\n    - name: x\n      provider: acme\n", "unknown provider"},
		{"task without command", "tasks:\n  - name: weather\n", "command is required"},
		{"duplicate task", "tasks:\n  - name: a\n    command: [echo]\n  - name: a\n    command: [echo]\n", "declared twice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestProviderFor(t *testing.T) {
	cfg := Default()
	cfg.Models.Available = []ModelConfig{{Name: "claude-sonnet-4-20250514", Provider: "anthropic"}}

	if got := cfg.ProviderFor("claude-sonnet-4-20250514"); got != "anthropic" {
		t.Errorf("ProviderFor(claude) = %q, want anthropic", got)
	}
	if got := cfg.ProviderFor("gpt-4o"); got != "openai" {
		t.Errorf("ProviderFor(gpt-4o) = %q, want openai", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogAttrs(t *testing.T) {
	tests := []struct {
		attr slog.Attr
		want string
	}{
		{slog.Any(slog.LevelKey, LevelTrace), "TRACE"},
		{slog.Any(slog.LevelKey, slog.LevelWarn), "WARN"},
		{slog.String("api_key", "sk-live"), "[redacted]"},
		{slog.String("Authorization", "Bearer x"), "[redacted]"},
		{slog.String("api_key", ""), ""},
		{slog.String("model", "gpt-4o"), "gpt-4o"},
	}
	for _, tt := range tests {
		if got := ReplaceLogAttrs(nil, tt.attr).Value.String(); got != tt.want {
			t.Errorf("%s rendered as %q, want %q", tt.attr.Key, got, tt.want)
		}
	}
}

func TestConfigLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{LogLevel: "trace", LogFormat: "json"}
	logger := cfg.Logger(&buf)
	logger.Log(context.Background(), LevelTrace, "payload", "password", "hunter2")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("not JSON: %q", buf.String())
	}
	if line["level"] != "TRACE" || line["password"] != "[redacted]" || line["msg"] != "payload" {
		t.Errorf("line = %v", line)
	}

	buf.Reset()
	(&Config{LogLevel: "warn", LogFormat: "text"}).Logger(&buf).Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
}
