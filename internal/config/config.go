// Package config loads and validates the autopilot host TOML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
)

func cronParseStandard(expr string) (cron.Schedule, error) {
	return cron.ParseStandard(expr)
}

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full host configuration for cmd/autopilotd.
type Config struct {
	General   General   `toml:"general"`
	Runner    Runner    `toml:"runner"`
	Mission   Mission   `toml:"mission"`
	Learning  Learning  `toml:"learning"`
	Scheduler Scheduler `toml:"scheduler"`
	Telemetry Telemetry `toml:"telemetry"`
}

// General holds process-wide settings.
type General struct {
	LogLevel string `toml:"log_level"` // debug, info, warn, error
	StateDB  string `toml:"state_db"`  // path to the SQLite store file
}

// Runner configures the scheduler's run-tick loop.
type Runner struct {
	TickInterval         Duration `toml:"tick_interval"`          // how often the scheduler drives ready/running runs forward
	MaxRunsPerTick        int      `toml:"max_runs_per_tick"`      // cap on runs ticked per scheduler pass
	DefaultMaxRetries     int      `toml:"default_max_retries"`    // loaded and validated; no package outside config reads it
	ApprovalPollInterval Duration `toml:"approval_poll_interval"` // loaded and validated; no package outside config reads it
}

// Mission configures the scheduler's mission-tick loop.
type Mission struct {
	TickInterval    Duration `toml:"tick_interval"`
	MaxMissionsPerTick int      `toml:"max_missions_per_tick"`
}

// Learning configures the learning pipeline's ambient behavior.
type Learning struct {
	CompactionEventThreshold int `toml:"compaction_event_threshold"` // loaded and validated; the learning pipeline does not read it
}

// Scheduler configures the host scheduler's cadence. CronExpr, when set,
// overrides TickInterval-based polling with a standard five-field cron
// expression (parsed with robfig/cron's ParseStandard, not a full
// cron.New() scheduler — the host still drives one loop).
type Scheduler struct {
	CronExpr string `toml:"cron_expr"`
}

// Telemetry configures structured logging and metrics exposition.
type Telemetry struct {
	LogFormat   string `toml:"log_format"`   // text or json
	MetricsAddr string `toml:"metrics_addr"` // address promhttp listens on, empty disables it
}

// Clone returns a deep copy of cfg so callers can safely mutate the result.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	cloned := *cfg
	return &cloned
}

// Load reads and validates an autopilotd TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Reload reads and validates a config file again; it mirrors Load but is
// named to reflect the SIGHUP refresh path in cmd/autopilotd.
func Reload(path string) (*Config, error) {
	return Load(path)
}

func applyDefaults(cfg *Config) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.StateDB == "" {
		cfg.General.StateDB = "autopilot.db"
	}

	if cfg.Runner.TickInterval.Duration == 0 {
		cfg.Runner.TickInterval.Duration = 5 * time.Second
	}
	if cfg.Runner.MaxRunsPerTick == 0 {
		cfg.Runner.MaxRunsPerTick = 20
	}
	if cfg.Runner.DefaultMaxRetries == 0 {
		cfg.Runner.DefaultMaxRetries = 3
	}
	if cfg.Runner.ApprovalPollInterval.Duration == 0 {
		cfg.Runner.ApprovalPollInterval.Duration = 10 * time.Second
	}

	if cfg.Mission.TickInterval.Duration == 0 {
		cfg.Mission.TickInterval.Duration = 5 * time.Second
	}
	if cfg.Mission.MaxMissionsPerTick == 0 {
		cfg.Mission.MaxMissionsPerTick = 10
	}

	if cfg.Learning.CompactionEventThreshold == 0 {
		cfg.Learning.CompactionEventThreshold = 25
	}

	if cfg.Telemetry.LogFormat == "" {
		cfg.Telemetry.LogFormat = "text"
	}
}

// ValidationIssue is one structured configuration validation failure.
type ValidationIssue struct {
	FieldPath  string
	Message    string
	Suggestion string
}

// ValidationError aggregates every configuration validation failure found
// in a single Load call, rather than stopping at the first bad field, so
// an operator can fix a broken config file in one pass.
type ValidationError struct {
	Issues []ValidationIssue
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("config validation failed")
	for _, issue := range e.Issues {
		b.WriteString("\n  - ")
		if issue.FieldPath != "" {
			b.WriteString(issue.FieldPath)
			b.WriteString(": ")
		}
		b.WriteString(issue.Message)
		if strings.TrimSpace(issue.Suggestion) != "" {
			b.WriteString(" (suggestion: ")
			b.WriteString(issue.Suggestion)
			b.WriteString(")")
		}
	}
	return b.String()
}

func (e *ValidationError) add(fieldPath, message, suggestion string) {
	e.Issues = append(e.Issues, ValidationIssue{FieldPath: fieldPath, Message: message, Suggestion: suggestion})
}

func validate(cfg *Config) error {
	issues := &ValidationError{}

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		issues.add("general.log_level", fmt.Sprintf("must be one of debug/info/warn/error, got %q", cfg.General.LogLevel), "use info")
	}
	if strings.TrimSpace(cfg.General.StateDB) == "" {
		issues.add("general.state_db", "is required", "set a path to the SQLite state file")
	}
	if cfg.Runner.TickInterval.Duration <= 0 {
		issues.add("runner.tick_interval", "must be positive", `use a duration like "5s"`)
	}
	if cfg.Runner.MaxRunsPerTick <= 0 {
		issues.add("runner.max_runs_per_tick", "must be positive", "")
	}
	if cfg.Runner.DefaultMaxRetries < 0 {
		issues.add("runner.default_max_retries", "must not be negative", "")
	}
	if cfg.Mission.TickInterval.Duration <= 0 {
		issues.add("mission.tick_interval", "must be positive", `use a duration like "5s"`)
	}
	if cfg.Learning.CompactionEventThreshold <= 0 {
		issues.add("learning.compaction_event_threshold", "must be positive", "")
	}
	if cfg.Scheduler.CronExpr != "" {
		if _, err := cronParseStandard(cfg.Scheduler.CronExpr); err != nil {
			issues.add("scheduler.cron_expr", fmt.Sprintf("is invalid: %v", err), "use a standard 5-field cron expression")
		}
	}
	switch strings.ToLower(cfg.Telemetry.LogFormat) {
	case "text", "json":
	default:
		issues.add("telemetry.log_format", fmt.Sprintf("must be text or json, got %q", cfg.Telemetry.LogFormat), "")
	}

	if len(issues.Issues) > 0 {
		return issues
	}
	return nil
}
