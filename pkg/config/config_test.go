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

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	return configPath
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, `
global:
  log_level: info
server:
  listen: ":9000"
  tick_token: original-token
kv:
  driver: sqlite
  sqlite:
    path: /data/original.db
runs:
  tick:
    default_limit: 3
    max_limit: 10
  scheduler:
    enabled: false
generation:
  provider: stub
publish:
  max_versions: 5
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, ":9000", cfg.Server.Listen)
				assert.Equal(t, "/data/original.db", cfg.KV.SQLite.Path)
				assert.Equal(t, 3, cfg.Runs.Tick.DefaultLimit)
				assert.Equal(t, 5, cfg.Publish.MaxVersions)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"SITEWRIGHT_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "string override - kv driver",
			envVars: map[string]string{
				"SITEWRIGHT_KV_DRIVER": "memory",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "memory", cfg.KV.Driver)
			},
		},
		{
			name: "integer override - tick max_limit",
			envVars: map[string]string{
				"SITEWRIGHT_RUNS_TICK_MAX_LIMIT": "25",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 25, cfg.Runs.Tick.MaxLimit)
			},
		},
		{
			name: "boolean override - scheduler enabled",
			envVars: map[string]string{
				"SITEWRIGHT_RUNS_SCHEDULER_ENABLED": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Runs.Scheduler.Enabled)
			},
		},
		{
			name: "multiple overrides",
			envVars: map[string]string{
				"SITEWRIGHT_GLOBAL_LOG_LEVEL":     "trace",
				"SITEWRIGHT_SERVER_LISTEN":        ":7000",
				"SITEWRIGHT_SERVER_TICK_TOKEN":    "from-env",
				"SITEWRIGHT_PUBLISH_MAX_VERSIONS": "7",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "trace", cfg.Global.LogLevel)
				assert.Equal(t, ":7000", cfg.Server.Listen)
				assert.Equal(t, "from-env", cfg.Server.TickToken)
				assert.Equal(t, 7, cfg.Publish.MaxVersions)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	configPath := writeConfig(t, "global: {}\n")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Equal(t, DefaultKVDriver, cfg.KV.Driver)
	assert.Equal(t, DefaultSQLitePath, cfg.KV.SQLite.Path)
	assert.Equal(t, DefaultTickLimit, cfg.Runs.Tick.DefaultLimit)
	assert.Equal(t, DefaultTickMaxLimit, cfg.Runs.Tick.MaxLimit)
	assert.Equal(t, DefaultGenerationProvider, cfg.Generation.Provider)
	assert.Equal(t, DefaultMaxVersions, cfg.Publish.MaxVersions)
	assert.Equal(t, DefaultMetricsPath, cfg.Metrics.Path)
	assert.Equal(t, 10*time.Minute, cfg.TickLeaseTTL())
	assert.Equal(t, 3*time.Minute, cfg.RunLeaseTTL())
	assert.Equal(t, 15*time.Minute, cfg.StaleAfter())

	require.NoError(t, cfg.Validate())
}

func TestLoad_NoFileUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv("SITEWRIGHT_KV_DRIVER", "memory")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.KV.Driver)
	assert.Equal(t, DefaultListen, cfg.Server.Listen)
}

func TestLoad_EnvVarOverridesDefaults(t *testing.T) {
	configPath := writeConfig(t, "server:\n  listen: \":8081\"\n")

	t.Setenv("SITEWRIGHT_GLOBAL_LOG_LEVEL", "warn")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Global.LogLevel)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid: yaml: content:")

	_, err := Load(configPath)
	require.Error(t, err)
}

func validConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()

	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(cfg *Config)
		wantErr   bool
		errSubstr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(cfg *Config) {},
		},
		{
			name:      "unknown kv driver",
			mutate:    func(cfg *Config) { cfg.KV.Driver = "redis" },
			wantErr:   true,
			errSubstr: "unsupported kv driver",
		},
		{
			name: "postgres without host",
			mutate: func(cfg *Config) {
				cfg.KV.Driver = "postgres"
				cfg.KV.Postgres.Database = "sitewright"
			},
			wantErr:   true,
			errSubstr: "kv.postgres.host",
		},
		{
			name:      "invalid duration",
			mutate:    func(cfg *Config) { cfg.Runs.Tick.LeaseTTL = "soon" },
			wantErr:   true,
			errSubstr: "runs.tick.lease_ttl",
		},
		{
			name:      "negative duration",
			mutate:    func(cfg *Config) { cfg.Runs.StaleAfter = "-1m" },
			wantErr:   true,
			errSubstr: "runs.stale_after must be positive",
		},
		{
			name: "default limit above max",
			mutate: func(cfg *Config) {
				cfg.Runs.Tick.DefaultLimit = 20
				cfg.Runs.Tick.MaxLimit = 10
			},
			wantErr:   true,
			errSubstr: "exceeds runs.tick.max_limit",
		},
		{
			name: "stale bound shorter than run lease",
			mutate: func(cfg *Config) {
				cfg.Runs.RunLeaseTTL = "10m"
				cfg.Runs.StaleAfter = "5m"
			},
			wantErr:   true,
			errSubstr: "runs.stale_after must be at least",
		},
		{
			name:      "openai without api key",
			mutate:    func(cfg *Config) { cfg.Generation.Provider = "openai" },
			wantErr:   true,
			errSubstr: "generation.api_key",
		},
		{
			name: "openai with api key",
			mutate: func(cfg *Config) {
				cfg.Generation.Provider = "openai"
				cfg.Generation.APIKey = "sk-test"
			},
		},
		{
			name:      "unknown provider",
			mutate:    func(cfg *Config) { cfg.Generation.Provider = "magic" },
			wantErr:   true,
			errSubstr: "unsupported generation provider",
		},
		{
			name: "s3 mirror without bucket",
			mutate: func(cfg *Config) {
				cfg.Publish.S3 = &S3Config{Enabled: true}
			},
			wantErr:   true,
			errSubstr: "publish.s3.bucket",
		},
		{
			name: "rate limit without tiers",
			mutate: func(cfg *Config) {
				cfg.Server.RateLimit.Enabled = true
			},
			wantErr:   true,
			errSubstr: "requests_per_minute",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errSubstr)

				return
			}

			require.NoError(t, err)
		})
	}
}

func TestConfig_Redacted(t *testing.T) {
	cfg := validConfig()
	cfg.Server.TickToken = "tick-secret"
	cfg.Server.Auth.Tokens = map[string]string{"bearer-secret": "user-1"}
	cfg.Generation.APIKey = "sk-secret"
	cfg.Publish.S3 = &S3Config{Enabled: true, Bucket: "sites", SecretAccessKey: "s3-secret"}

	redacted := cfg.Redacted()

	assert.Equal(t, "********", redacted.Server.TickToken)
	assert.Equal(t, "********", redacted.Generation.APIKey)
	assert.Equal(t, "********", redacted.Publish.S3.SecretAccessKey)
	assert.Equal(t, "sites", redacted.Publish.S3.Bucket)
	assert.NotContains(t, redacted.Server.Auth.Tokens, "bearer-secret")

	// Original is untouched.
	assert.Equal(t, "tick-secret", cfg.Server.TickToken)
	assert.Equal(t, "s3-secret", cfg.Publish.S3.SecretAccessKey)
	assert.Contains(t, cfg.Server.Auth.Tokens, "bearer-secret")
}
