package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "~/.repoask", cfg.Dirs.ConfigRoot)
	assert.Equal(t, "opencode", cfg.Agent.Binary)
	assert.Equal(t, 3420, cfg.Agent.BasePort)
	assert.Equal(t, 30, cfg.Agent.PortWindow)
	assert.Equal(t, 30, cfg.Agent.StartupTimeout)
	assert.Equal(t, "", cfg.Bus.URL, "default bus is in-memory")
	assert.True(t, cfg.History.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`
agent:
  binary: my-agent
  basePort: 5000
logging:
  level: debug
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, "my-agent", cfg.Agent.Binary)
	assert.Equal(t, 5000, cfg.Agent.BasePort)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched keys keep defaults.
	assert.Equal(t, 30, cfg.Agent.PortWindow)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("REPOASK_AGENT_BASE_PORT", "4100")
	t.Setenv("REPOASK_LOGGING_LEVEL", "warn")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 4100, cfg.Agent.BasePort)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`
agent:
  basePort: 99999
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644))

	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "basePort")
}

func TestExpandedDirs(t *testing.T) {
	d := DirsConfig{ConfigRoot: "~/.repoask"}

	home, err := os.UserHomeDir()
	require.NoError(t, err)

	root, err := d.ExpandedConfigRoot()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".repoask"), root)

	repos, err := d.ExpandedReposDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "repos"), repos)

	workspaces, err := d.ExpandedWorkspacesDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "workspaces"), workspaces)
}

func TestWriteDefault(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "configroot")
	path, err := WriteDefault(dir)
	require.NoError(t, err)
	assert.FileExists(t, path)

	// Idempotent: a second call keeps the existing file.
	again, err := WriteDefault(dir)
	require.NoError(t, err)
	assert.Equal(t, path, again)
}
