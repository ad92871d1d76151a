// Package config loads and validates the Ando controller configuration.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Docker  DockerConfig  `yaml:"docker"`
	Vault   VaultConfig   `yaml:"vault"`
	Forge   ForgeConfig   `yaml:"forge"`
	Notify  NotifyConfig  `yaml:"notify"`
	Build   BuildConfig   `yaml:"build"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// ReadTimeout bounds request reads. There is deliberately no write
	// timeout: SSE log streams stay open for the length of a build.
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// StorageConfig controls durable state locations.
type StorageConfig struct {
	DatabasePath          string `yaml:"database_path"`
	ArtifactRoot          string `yaml:"artifact_root"`
	ArtifactRetentionDays int    `yaml:"artifact_retention_days"`
}

// DockerConfig controls the container runtime integration.
type DockerConfig struct {
	Host          string `yaml:"host"`           // empty uses the environment default
	DefaultImage  string `yaml:"default_image"`  // image for projects without an override
	WorkspacePath string `yaml:"workspace_path"` // mount point inside containers
	// HostRoot is the project root as the outer Docker daemon sees it when the
	// controller itself runs in a container with the socket mounted. LocalRoot
	// is the controller's own view, used for tar staging.
	HostRoot  string `yaml:"host_root"`
	LocalRoot string `yaml:"local_root"`
}

// VaultConfig controls secret encryption at rest.
type VaultConfig struct {
	// Key is the base64 encoding of a 32-byte AES key.
	Key string `yaml:"key"`
	// TokenKey signs API token hashes (HMAC-SHA256).
	TokenKey string `yaml:"token_key"`
}

// ForgeConfig controls GitHub API access.
type ForgeConfig struct {
	APIBaseURL string `yaml:"api_base_url"`
	Token      string `yaml:"token"`
}

// NotifyConfig controls the optional NATS build notification publisher.
type NotifyConfig struct {
	Enabled       bool   `yaml:"enabled"`
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// BuildConfig controls the work queue and executors.
type BuildConfig struct {
	Workers          int           `yaml:"workers"`
	QueueSize        int           `yaml:"queue_size"`
	StepTimeout      time.Duration `yaml:"step_timeout"`
	DedupeWindow     time.Duration `yaml:"dedupe_window"`
	TransientRetries int           `yaml:"transient_retries"`
	TransientBackoff time.Duration `yaml:"transient_backoff"`
	ScriptName       string        `yaml:"script_name"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text|json
}

// Load reads a YAML config file, layering .env and environment overrides on
// top. A missing file yields the defaults so `ando server` works out of the box.
func Load(path string) (*Config, error) {
	// Not finding a .env is normal; existing process env always wins.
	_ = godotenv.Load()

	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// fall through to env overrides
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays ANDO_* environment variables onto the config.
func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("ANDO_SERVER_ADDR", &c.Server.Addr)
	setString("ANDO_DATABASE_PATH", &c.Storage.DatabasePath)
	setString("ANDO_ARTIFACT_ROOT", &c.Storage.ArtifactRoot)
	setString("ANDO_DOCKER_HOST", &c.Docker.Host)
	setString("ANDO_DEFAULT_IMAGE", &c.Docker.DefaultImage)
	setString("ANDO_VAULT_KEY", &c.Vault.Key)
	setString("ANDO_TOKEN_KEY", &c.Vault.TokenKey)
	setString("ANDO_GITHUB_TOKEN", &c.Forge.Token)
	setString("ANDO_GITHUB_API_URL", &c.Forge.APIBaseURL)
	setString("ANDO_NATS_URL", &c.Notify.NATSURL)
	setString("ANDO_LOG_LEVEL", &c.Logging.Level)

	if v := os.Getenv("ANDO_BUILD_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Build.Workers = n
		}
	}
	if v := os.Getenv("ANDO_NOTIFY_ENABLED"); v != "" {
		c.Notify.Enabled = v == "true" || v == "1"
	}
}

// Validate checks invariants that would otherwise surface as late runtime
// failures deep inside a build.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path must not be empty")
	}
	if c.Storage.ArtifactRoot == "" {
		return fmt.Errorf("storage.artifact_root must not be empty")
	}
	if c.Storage.ArtifactRetentionDays <= 0 {
		return fmt.Errorf("storage.artifact_retention_days must be positive")
	}
	if c.Build.Workers <= 0 {
		return fmt.Errorf("build.workers must be positive")
	}
	if c.Build.QueueSize <= 0 {
		return fmt.Errorf("build.queue_size must be positive")
	}
	if !strings.HasPrefix(c.Docker.WorkspacePath, "/") {
		return fmt.Errorf("docker.workspace_path must be absolute, got %q", c.Docker.WorkspacePath)
	}
	if c.Vault.Key != "" {
		raw, err := base64.StdEncoding.DecodeString(c.Vault.Key)
		if err != nil {
			return fmt.Errorf("vault.key is not valid base64: %w", err)
		}
		if len(raw) != 32 {
			return fmt.Errorf("vault.key must decode to 32 bytes, got %d", len(raw))
		}
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// ArtifactRetention returns the retention window for new artifacts.
func (c *Config) ArtifactRetention() time.Duration {
	return time.Duration(c.Storage.ArtifactRetentionDays) * 24 * time.Hour
}

// Init writes a starter config file. Existing files are preserved unless
// force is set.
func Init(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
