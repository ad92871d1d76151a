package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 2, cfg.Build.Workers)
	assert.Equal(t, "build.ando", cfg.Build.ScriptName)
	assert.Equal(t, 10*time.Second, cfg.Build.DedupeWindow)
	assert.Equal(t, 14, cfg.Storage.ArtifactRetentionDays)
	assert.Equal(t, 14*24*time.Hour, cfg.ArtifactRetention())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ando.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
build:
  workers: 4
  dedupe_window: 30s
storage:
  artifact_retention_days: 7
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 4, cfg.Build.Workers)
	assert.Equal(t, 30*time.Second, cfg.Build.DedupeWindow)
	assert.Equal(t, 7, cfg.Storage.ArtifactRetentionDays)

	// Untouched sections keep their defaults.
	assert.Equal(t, "mcr.microsoft.com/dotnet/sdk:8.0", cfg.Docker.DefaultImage)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ando.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9000\"\n"), 0o600))

	t.Setenv("ANDO_SERVER_ADDR", ":7000")
	t.Setenv("ANDO_BUILD_WORKERS", "8")
	t.Setenv("ANDO_NOTIFY_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, 8, cfg.Build.Workers)
	assert.True(t, cfg.Notify.Enabled)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ando.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	broken := func(mutate func(*Config)) error {
		cfg := Default()
		mutate(cfg)
		return cfg.Validate()
	}

	require.NoError(t, Default().Validate())
	assert.Error(t, broken(func(c *Config) { c.Server.Addr = "" }))
	assert.Error(t, broken(func(c *Config) { c.Storage.DatabasePath = "" }))
	assert.Error(t, broken(func(c *Config) { c.Storage.ArtifactRoot = "" }))
	assert.Error(t, broken(func(c *Config) { c.Storage.ArtifactRetentionDays = 0 }))
	assert.Error(t, broken(func(c *Config) { c.Build.Workers = 0 }))
	assert.Error(t, broken(func(c *Config) { c.Build.QueueSize = 0 }))
	assert.Error(t, broken(func(c *Config) { c.Docker.WorkspacePath = "relative" }))
	assert.Error(t, broken(func(c *Config) { c.Vault.Key = "not-base64!" }))
	assert.Error(t, broken(func(c *Config) { c.Vault.Key = "c2hvcnQ=" })) // decodes to 5 bytes
	assert.Error(t, broken(func(c *Config) { c.Logging.Format = "xml" }))
	assert.NoError(t, broken(func(c *Config) { c.Logging.Format = "json" }))
}

func TestInit_RefusesOverwriteWithoutForce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ando.yaml")

	require.NoError(t, Init(path, false))
	assert.FileExists(t, path)

	// The generated file round-trips through Load.
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)

	err = Init(path, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, Init(path, true))
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ando.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9000\"\n"), 0o600))

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, err)
	w.debounceTime = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9100\"\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, ":9100", cfg.Server.Addr)
	case <-time.After(5 * time.Second):
		t.Fatal("config change was never observed")
	}
}

func TestWatcher_KeepsRunningOnBrokenReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ando.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9000\"\n"), 0o600))

	reloaded := make(chan *Config, 2)
	w, err := NewWatcher(path, func(cfg *Config) { reloaded <- cfg })
	require.NoError(t, err)
	w.debounceTime = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// Invalid content: callback must not fire, watcher must survive.
	require.NoError(t, os.WriteFile(path, []byte("server: [broken"), 0o600))
	time.Sleep(300 * time.Millisecond)
	select {
	case <-reloaded:
		t.Fatal("broken config must not reach the callback")
	default:
	}

	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9200\"\n"), 0o600))
	select {
	case cfg := <-reloaded:
		assert.Equal(t, ":9200", cfg.Server.Addr)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not recover after a broken reload")
	}
}
