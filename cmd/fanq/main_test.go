package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msetz/fanq/internal/config"
	"github.com/msetz/fanq/internal/queue"
)

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "config.yaml"), false)
	require.NoError(t, err)
	assert.Equal(t, "fanq", cfg.Service.Name)
}

func TestLoadConfigExplicitMissingFails(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "config.yaml"), true)
	assert.Error(t, err)
}

func TestLoadConfigReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service:\n  name: from-file\n"), 0o644))

	cfg, err := loadConfig(path, false)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Service.Name)
}

func TestResolveWorkerCommandPrefersConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Worker.Command = []string{"python3", "process.py", "--combine"}

	cmd, err := resolveWorkerCommand(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"python3", "process.py", "--combine"}, cmd)
}

func TestResolveWorkerCommandDefaultsToSelf(t *testing.T) {
	cmd, err := resolveWorkerCommand(config.Defaults())
	require.NoError(t, err)
	require.Len(t, cmd, 2)
	assert.Equal(t, "worker", cmd[1])

	self, err := os.Executable()
	require.NoError(t, err)
	assert.Equal(t, self, cmd[0])
}

func TestRunElapsed(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	first := created.Add(10 * time.Second)
	last := created.Add(42 * time.Second)

	jobs := []*queue.Job{
		{CompletedAt: &first},
		{CompletedAt: &last},
		{}, // still running
	}
	assert.Equal(t, 42*time.Second, runElapsed(created, jobs))
	assert.Equal(t, time.Duration(0), runElapsed(created, []*queue.Job{{}}))
}
