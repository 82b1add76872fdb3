package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "autopilotd.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
[general]
log_level = "info"
state_db = "/tmp/autopilot-test.db"

[runner]
tick_interval = "2s"
max_runs_per_tick = 10
default_max_retries = 4

[mission]
tick_interval = "2s"

[learning]
compaction_event_threshold = 25

[telemetry]
log_format = "json"
metrics_addr = "127.0.0.1:9090"
`

func TestLoadValidConfig(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Runner.TickInterval.Duration != 2*time.Second {
		t.Errorf("Runner.TickInterval = %v, want 2s", cfg.Runner.TickInterval)
	}
	if cfg.Runner.MaxRunsPerTick != 10 {
		t.Errorf("Runner.MaxRunsPerTick = %d, want 10", cfg.Runner.MaxRunsPerTick)
	}
	if cfg.Telemetry.LogFormat != "json" {
		t.Errorf("Telemetry.LogFormat = %q, want json", cfg.Telemetry.LogFormat)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTestConfig(t, `
[general]
state_db = "/tmp/autopilot-test.db"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.General.LogLevel != "info" {
		t.Errorf("General.LogLevel = %q, want info (default)", cfg.General.LogLevel)
	}
	if cfg.Runner.TickInterval.Duration != 5*time.Second {
		t.Errorf("Runner.TickInterval = %v, want 5s default", cfg.Runner.TickInterval)
	}
	if cfg.Runner.DefaultMaxRetries != 3 {
		t.Errorf("Runner.DefaultMaxRetries = %d, want 3 default", cfg.Runner.DefaultMaxRetries)
	}
	if cfg.Learning.CompactionEventThreshold != 25 {
		t.Errorf("Learning.CompactionEventThreshold = %d, want 25 default", cfg.Learning.CompactionEventThreshold)
	}
	if cfg.Telemetry.LogFormat != "text" {
		t.Errorf("Telemetry.LogFormat = %q, want text default", cfg.Telemetry.LogFormat)
	}
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	path := writeTestConfig(t, `
[general]
log_level = "verbose"
state_db = "/tmp/autopilot-test.db"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
}

func TestLoadRejectsBadCronExpr(t *testing.T) {
	path := writeTestConfig(t, `
[general]
state_db = "/tmp/autopilot-test.db"

[scheduler]
cron_expr = "not a cron expression"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid scheduler.cron_expr, got nil")
	}
}

func TestLoadAcceptsValidCronExpr(t *testing.T) {
	path := writeTestConfig(t, `
[general]
state_db = "/tmp/autopilot-test.db"

[scheduler]
cron_expr = "*/5 * * * *"
`)
	if _, err := Load(path); err != nil {
		t.Fatalf("Load failed for valid cron_expr: %v", err)
	}
}

func TestLoadAggregatesMultipleValidationIssues(t *testing.T) {
	path := writeTestConfig(t, `
[general]
log_level = "verbose"
state_db = "   "

[telemetry]
log_format = "xml"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for multiple invalid fields, got nil")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected wrapped *ValidationError, got %T: %v", err, err)
	}
	if len(verr.Issues) < 3 {
		t.Fatalf("expected at least 3 aggregated issues (log_level, state_db, log_format), got %d: %+v", len(verr.Issues), verr.Issues)
	}
}

func TestMissingFileReturnsError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}
