package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Load reads the file at path, applies JOBRUNNER_* environment overrides,
// and validates the result. A missing file is not an error; defaults plus
// the environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if cfg, err = parse(path, data); err != nil {
			return nil, err
		}
	case os.IsNotExist(err):
	default:
		return nil, err
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(path string, data []byte) (*Config, error) {
	jb, err := coerceToJSON(path, data)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	// Reject trailing tokens such as concatenated JSON documents.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("config: %s: trailing data", path)
		}
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// coerceToJSON turns a YAML document into JSON bytes so one strict decoder
// serves both formats. JSON input passes through untouched.
func coerceToJSON(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("config: %s: yaml: %w", path, err)
	}
	jb, err := json.Marshal(stringifyKeys(v))
	if err != nil {
		return nil, fmt.Errorf("config: %s: yaml to json: %w", path, err)
	}
	return jb, nil
}

// stringifyKeys rewrites YAML's map[any]any keys as strings so the value
// round-trips through encoding/json.
func stringifyKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = stringifyKeys(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = stringifyKeys(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringifyKeys(x[i])
		}
		return x
	default:
		return in
	}
}

// applyEnv overlays JOBRUNNER_* variables on top of the file values.
func applyEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setStr("JOBRUNNER_DATABASE_TYPE", &cfg.Database.Type)
	setStr("JOBRUNNER_DATABASE_PATH", &cfg.Database.Path)
	setStr("JOBRUNNER_DEFAULT_TIMEOUT", &cfg.Executor.DefaultTimeout)
	setStr("JOBRUNNER_TICK_INTERVAL", &cfg.Scheduler.TickInterval)
	setStr("JOBRUNNER_CLEANUP_INTERVAL", &cfg.Cleanup.Interval)
	setStr("JOBRUNNER_LOG_LEVEL", &cfg.Logging.Level)

	if v, ok := os.LookupEnv("JOBRUNNER_LOG_FILE"); ok {
		cfg.Logging.File.Enabled = v != ""
		cfg.Logging.File.Path = v
	}
	if v, ok := os.LookupEnv("JOBRUNNER_MAX_WORKERS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Executor.MaxWorkers = n
		}
	}
	if v, ok := os.LookupEnv("JOBRUNNER_RETENTION_DAYS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cleanup.RetentionDays = n
		}
	}
	if v, ok := os.LookupEnv("JOBRUNNER_SCHEDULER_ENABLED"); ok {
		enabled := parseBool(v)
		cfg.Scheduler.Enabled = &enabled
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
