package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_CRM_TOKEN", "secret-token")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
listen:
  port: 9000
backends:
  - name: crm
    url: http://localhost:8001
    headers:
      Authorization: "Bearer ${TEST_CRM_TOKEN}"
anthropic:
  api_key: ${TEST_CRM_TOKEN}
log_level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Listen.Port)
	}
	if len(cfg.Backends) != 1 || cfg.Backends[0].Headers["Authorization"] != "Bearer secret-token" {
		t.Errorf("backends = %+v, want env-expanded header", cfg.Backends)
	}
	if cfg.Anthropic.APIKey != "secret-token" {
		t.Errorf("api_key = %q", cfg.Anthropic.APIKey)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
}

func TestLoadKeepsDefaultsForOmittedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("data_dir: /var/lib/opsbridge\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/opsbridge" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
	if cfg.Limits.MaxStepsOrDefault() != 15 {
		t.Errorf("max steps = %d, want default 15", cfg.Limits.MaxStepsOrDefault())
	}
	if cfg.Memory.WindowSize != 20 {
		t.Errorf("window = %d, want default 20", cfg.Memory.WindowSize)
	}
}

func TestLimitsDefaults(t *testing.T) {
	var l LimitsConfig
	if l.ProbeTimeout() != 10*time.Second {
		t.Errorf("probe timeout = %v", l.ProbeTimeout())
	}
	if l.ToolTimeout() != 30*time.Second {
		t.Errorf("tool timeout = %v", l.ToolTimeout())
	}
	if l.MaxStepsOrDefault() != 15 {
		t.Errorf("max steps = %d", l.MaxStepsOrDefault())
	}

	l = LimitsConfig{MaxSteps: 3, ProbeTimeoutSec: 1, ToolTimeoutSec: 5}
	if l.ProbeTimeout() != time.Second || l.ToolTimeout() != 5*time.Second || l.MaxStepsOrDefault() != 3 {
		t.Errorf("configured limits not honored: %+v", l)
	}
}

func TestFindConfigExplicitMustExist(t *testing.T) {
	if _, err := FindConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config")
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := FindConfig(path)
	if err != nil || got != path {
		t.Errorf("FindConfig = %q, %v", got, err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"", slog.LevelInfo, true},
		{"info", slog.LevelInfo, true},
		{"TRACE", LevelTrace, true},
		{"Debug", slog.LevelDebug, true},
		{"warning", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"verbose", slog.LevelInfo, false},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ParseLogLevel(%q) err = %v", tt.in, err)
			continue
		}
		if tt.ok && got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(LevelTrace)})
	if a.Value.String() != "TRACE" {
		t.Errorf("trace rendered as %q", a.Value.String())
	}

	a = ReplaceLogLevelNames(nil, slog.Attr{Key: slog.LevelKey, Value: slog.AnyValue(slog.LevelInfo)})
	if a.Value.String() == "TRACE" {
		t.Error("info level rewritten")
	}
}
