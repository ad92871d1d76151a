package config

import "time"

// Default returns the baseline configuration every load starts from.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":8080",
			ReadTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			DatabasePath:          "ando.db",
			ArtifactRoot:          "artifacts",
			ArtifactRetentionDays: 14,
		},
		Docker: DockerConfig{
			DefaultImage:  "mcr.microsoft.com/dotnet/sdk:8.0",
			WorkspacePath: "/workspace",
		},
		Forge: ForgeConfig{
			APIBaseURL: "https://api.github.com",
		},
		Notify: NotifyConfig{
			SubjectPrefix: "ando.builds",
		},
		Build: BuildConfig{
			Workers:          2,
			QueueSize:        100,
			StepTimeout:      5 * time.Minute,
			DedupeWindow:     10 * time.Second,
			TransientRetries: 2,
			TransientBackoff: time.Second,
			ScriptName:       "build.ando",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
