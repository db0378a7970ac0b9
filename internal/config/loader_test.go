package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
service:
  name: test-fanq
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test-fanq", cfg.Service.Name)
	assert.Equal(t, "info", cfg.Service.LogLevel)
	assert.Equal(t, "json", cfg.Service.LogFormat)
	assert.Equal(t, 10*time.Minute, cfg.Worker.Timeout)
	assert.Equal(t, "./output", cfg.Output.Dir)
	assert.Equal(t, 0, cfg.Dispatch.MaxWorkers)
	assert.Positive(t, cfg.EffectiveMaxWorkers())
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("FANQ_TEST_OUTPUT", "/tmp/fanq-out")

	path := writeConfig(t, `
output:
  dir: ${FANQ_TEST_OUTPUT}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/fanq-out", cfg.Output.Dir)
}

func TestLoadDirectoryResolvesConfigYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("service:\n  name: dircfg\n"), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "dircfg", cfg.Service.Name)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "negative workers",
			mutate:  func(c *Config) { c.Dispatch.MaxWorkers = -1 },
			wantErr: "max_workers",
		},
		{
			name:    "zero timeout",
			mutate:  func(c *Config) { c.Worker.Timeout = 0 },
			wantErr: "timeout",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Service.LogLevel = "loud" },
			wantErr: "log_level",
		},
		{
			name:    "empty worker argv element",
			mutate:  func(c *Config) { c.Worker.Command = []string{"sh", " "} },
			wantErr: "worker.command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLockAndCheck(t *testing.T) {
	path := writeConfig(t, "service:\n  name: locked\n")

	require.Error(t, Check(path), "unlocked config should fail check")

	_, err := Lock(path)
	require.NoError(t, err)
	require.NoError(t, Check(path))

	// Load succeeds against a matching lock.
	_, err = Load(path)
	require.NoError(t, err)

	// Tampering after lock must fail both Check and Load.
	require.NoError(t, os.WriteFile(path, []byte("service:\n  name: tampered\n"), 0o644))
	assert.Error(t, Check(path))
	_, err = Load(path)
	assert.Error(t, err)
}
