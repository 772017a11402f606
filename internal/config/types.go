// Package config loads, validates, and watches the runner configuration.
// Files may be YAML or JSON; YAML is coerced to JSON so both formats go
// through the same strict decoder.
package config

import (
	"fmt"
	"strings"
	"time"

	"jobrunner/internal/executor"
	"jobrunner/internal/storage"
	"jobrunner/internal/system"
	"jobrunner/pkg/logx"
)

// Config is the on-disk configuration. All durations are Go duration
// strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Database  DatabaseConfig  `json:"database"`
	Executor  ExecutorConfig  `json:"executor"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Cleanup   CleanupConfig   `json:"cleanup,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`
}

// PprofConfig exposes the profiling endpoints of a running instance.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// DatabaseConfig selects and locates the persistence backend.
type DatabaseConfig struct {
	Type        string `json:"type"` // "sqlite" (default) or "file"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type ExecutorConfig struct {
	MaxWorkers     int    `json:"max_workers,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	IdleSleep      string `json:"idle_sleep,omitempty"`
	CancelGrace    string `json:"cancel_grace,omitempty"`
	StopGrace      string `json:"stop_grace,omitempty"`
}

// SchedulerConfig controls the tick loop. Enabled is a pointer so an
// omitted field defaults to true while an explicit false sticks.
type SchedulerConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	TickInterval string `json:"tick_interval,omitempty"`
}

type CleanupConfig struct {
	Interval      string `json:"interval,omitempty"`
	RetentionDays int    `json:"retention_days,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console *bool         `json:"console,omitempty"`
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// Default is the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Type: "sqlite", Path: "jobs.db"},
	}
}

func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Database.Type)) {
	case "", "sqlite", "sqlite3", "file":
	default:
		return fmt.Errorf("config: database.type: unknown driver %q", c.Database.Type)
	}
	if c.Executor.MaxWorkers < 0 {
		return fmt.Errorf("config: executor.max_workers must be >= 0")
	}
	if c.Cleanup.RetentionDays < 0 {
		return fmt.Errorf("config: cleanup.retention_days must be >= 0")
	}
	durations := map[string]string{
		"database.busy_timeout":    c.Database.BusyTimeout,
		"executor.default_timeout": c.Executor.DefaultTimeout,
		"executor.idle_sleep":      c.Executor.IdleSleep,
		"executor.cancel_grace":    c.Executor.CancelGrace,
		"executor.stop_grace":      c.Executor.StopGrace,
		"scheduler.tick_interval":  c.Scheduler.TickInterval,
		"cleanup.interval":         c.Cleanup.Interval,
	}
	for path, raw := range durations {
		if _, err := parseDurationField(path, raw); err != nil {
			return err
		}
	}
	return nil
}

// SystemConfig maps the file representation onto the orchestrator's config.
// Zero values delegate to the component defaults.
func (c *Config) SystemConfig() (system.Config, error) {
	var (
		sys system.Config
		err error
	)
	if sys.Executor, err = c.executorConfig(); err != nil {
		return system.Config{}, err
	}
	if sys.Scheduler.TickInterval, err = parseDurationField("scheduler.tick_interval", c.Scheduler.TickInterval); err != nil {
		return system.Config{}, err
	}
	sys.SchedulerEnabled = c.Scheduler.Enabled
	if sys.CleanupInterval, err = parseDurationField("cleanup.interval", c.Cleanup.Interval); err != nil {
		return system.Config{}, err
	}
	sys.RetentionDays = c.Cleanup.RetentionDays
	return sys, nil
}

func (c *Config) executorConfig() (executor.Config, error) {
	var (
		cfg executor.Config
		err error
	)
	cfg.MaxWorkers = c.Executor.MaxWorkers
	if cfg.DefaultTimeout, err = parseDurationField("executor.default_timeout", c.Executor.DefaultTimeout); err != nil {
		return executor.Config{}, err
	}
	if cfg.IdleSleep, err = parseDurationField("executor.idle_sleep", c.Executor.IdleSleep); err != nil {
		return executor.Config{}, err
	}
	if cfg.CancelGrace, err = parseDurationField("executor.cancel_grace", c.Executor.CancelGrace); err != nil {
		return executor.Config{}, err
	}
	if cfg.StopGrace, err = parseDurationField("executor.stop_grace", c.Executor.StopGrace); err != nil {
		return executor.Config{}, err
	}
	return cfg, nil
}

// StorageConfig maps the database section onto the storage factory's config.
func (c *Config) StorageConfig() (storage.Config, error) {
	busy, err := parseDurationField("database.busy_timeout", c.Database.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(c.Database.Type)),
		Path:        c.Database.Path,
		BusyTimeout: busy,
	}, nil
}

// LogxConfig maps the logging section onto the logging service's config.
// Console output defaults to on.
func (c *Config) LogxConfig() logx.Config {
	console := true
	if c.Logging.Console != nil {
		console = *c.Logging.Console
	}
	return logx.Config{
		Level:   c.Logging.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

func parseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: %s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: %s: duration must be >= 0", path)
	}
	return d, nil
}
