package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file, expanding ${ENV_VAR}
// references and applying defaults. If a .checksums file exists next to the
// config, the config is verified against it before parsing.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		// Directory provided - look for config.yaml inside
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	if err := verifyIfLocked(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", absPath, err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", absPath, err)
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", absPath, err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR} with the environment value. Unset variables
// expand to the empty string, mirroring shell behavior.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := envVarPattern.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})
}

// applyDefaults fills zero values the YAML decoder may have cleared.
func applyDefaults(cfg *Config) {
	d := Defaults()
	if cfg.Service.Name == "" {
		cfg.Service.Name = d.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = d.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = d.Service.LogFormat
	}
	if cfg.State.Path == "" {
		cfg.State.Path = d.State.Path
	}
	if cfg.State.LockPath == "" {
		cfg.State.LockPath = filepath.Join(filepath.Dir(cfg.State.Path), "fanq.lock")
	}
	if cfg.Output.Dir == "" {
		cfg.Output.Dir = d.Output.Dir
	}
	if cfg.Worker.Timeout <= 0 {
		cfg.Worker.Timeout = d.Worker.Timeout
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = d.API.Listen
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Dispatch.MaxWorkers < 0 {
		return fmt.Errorf("dispatch.max_workers must be >= 0, got %d", c.Dispatch.MaxWorkers)
	}
	if c.Worker.Timeout <= 0 {
		return fmt.Errorf("worker.timeout must be positive, got %v", c.Worker.Timeout)
	}
	switch strings.ToUpper(c.Service.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("service.log_level must be one of debug/info/warn/error, got %q", c.Service.LogLevel)
	}
	switch strings.ToLower(c.Service.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format must be json or text, got %q", c.Service.LogFormat)
	}
	for i, cmd := range c.Worker.Command {
		if strings.TrimSpace(cmd) == "" {
			return fmt.Errorf("worker.command[%d] is empty", i)
		}
	}
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api.enabled is true")
	}
	return nil
}

// EffectiveMaxWorkers resolves the concurrency bound, defaulting to the
// machine's CPU count.
func (c *Config) EffectiveMaxWorkers() int {
	if c.Dispatch.MaxWorkers > 0 {
		return c.Dispatch.MaxWorkers
	}
	return runtime.NumCPU()
}
