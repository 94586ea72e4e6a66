package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perry-workspaces/backend/internal/model"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PERRY_ADDR", "")
	t.Setenv("PERRY_DATA_DIR", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultAddr, cfg.Server.Addr)
	assert.Equal(t, DefaultBufferCapacity, cfg.Buffer.Capacity)
	assert.Equal(t, RegistryBackendFile, cfg.Registry.Backend)
	assert.Equal(t, filepath.Join(cfg.DataDir, "sessions.json"), cfg.Registry.Path)
	assert.Equal(t, "claude", cfg.Agents.Claude.Binary)
	assert.Equal(t, 30*time.Second, cfg.Agents.OpenCode.ReadinessTimeout)
}

func TestLoadFile(t *testing.T) {
	t.Setenv("PERRY_ADDR", "")
	dataDir := t.TempDir()
	t.Setenv("PERRY_DATA_DIR", dataDir)

	path := writeConfig(t, `
server:
  addr: ":9000"
buffer:
  capacity: 50
registry:
  backend: sqlite
workspaces:
  alpha:
    dir: /home/workspace/alpha
    model: opus
    container: alpha-box
agents:
  claude:
    activityTimeout: 90s
  opencode:
    port: 4096
    username: opencode
    password: secret
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 50, cfg.Buffer.Capacity)
	assert.Equal(t, filepath.Join(dataDir, "sessions.db"), cfg.Registry.Path)
	assert.Equal(t, 90*time.Second, cfg.Agents.Claude.ActivityTimeout)
	assert.Equal(t, 4096, cfg.Agents.OpenCode.Port)

	assert.Equal(t, "/home/workspace/alpha", cfg.WorkspaceDir("alpha"))
	assert.Equal(t, "opus", cfg.WorkspaceModel("alpha", model.AgentTypeClaude))
	assert.Equal(t, "alpha-box", cfg.ContainerName("alpha"))
	assert.Equal(t, DefaultContainerPrefix+"beta", cfg.ContainerName("beta"))
	assert.Equal(t, DefaultContainerHome, cfg.WorkspaceDir("beta"))
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PERRY_ADDR", "127.0.0.1:1234")
	t.Setenv("PERRY_DATA_DIR", "")

	cfg, err := Load(writeConfig(t, "server:\n  addr: \":9000\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:1234", cfg.Server.Addr)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "bad backend", content: "registry:\n  backend: redis\n"},
		{name: "bad port", content: "agents:\n  opencode:\n    port: 70000\n"},
		{name: "half credentials", content: "agents:\n  opencode:\n    username: only\n"},
		{name: "bad yaml", content: "server: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
