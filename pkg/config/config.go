package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// SITEWRIGHT_SERVER_LISTEN overrides server.listen.
	EnvPrefix = "SITEWRIGHT"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultKVDriver is the default key-value backend.
	DefaultKVDriver = "sqlite"

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "./sitewright.db"

	// DefaultTickLimit is the number of runs a tick processes when the
	// caller does not ask for a specific limit.
	DefaultTickLimit = 5

	// DefaultTickMaxLimit caps the limit a caller may request.
	DefaultTickMaxLimit = 50

	// DefaultTickLeaseTTL must cover the worst-case duration of one tick.
	DefaultTickLeaseTTL = "10m"

	// DefaultRunLeaseTTL must cover the worst-case duration of one execution.
	DefaultRunLeaseTTL = "3m"

	// DefaultStaleAfter is how long a run may stay running before the
	// sweep fails it.
	DefaultStaleAfter = "15m"

	// DefaultSchedulerInterval is the in-process tick interval.
	DefaultSchedulerInterval = "30s"

	// DefaultGenerationProvider produces pages without an external call.
	DefaultGenerationProvider = "stub"

	// DefaultGenerationBaseURL is the OpenAI-compatible API root.
	DefaultGenerationBaseURL = "https://api.openai.com/v1"

	// DefaultGenerationModel is the completion model.
	DefaultGenerationModel = "gpt-4o-mini"

	// DefaultGenerationTimeout bounds one completion call.
	DefaultGenerationTimeout = "90s"

	// DefaultGenerationMaxTokens bounds the completion length.
	DefaultGenerationMaxTokens = 8192

	// DefaultMaxVersions is the number of published versions kept per project.
	DefaultMaxVersions = 20

	// DefaultMinHTMLLength is the shortest document accepted for publishing.
	DefaultMinHTMLLength = 32

	// DefaultEventsSubjectPrefix prefixes every lifecycle event subject.
	DefaultEventsSubjectPrefix = "sitewright"

	// DefaultMetricsPath is where prometheus metrics are served.
	DefaultMetricsPath = "/metrics"
)

// Config is the root configuration for sitewright.
type Config struct {
	Global     GlobalConfig     `yaml:"global" mapstructure:"global"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	KV         KVConfig         `yaml:"kv" mapstructure:"kv"`
	Runs       RunsConfig       `yaml:"runs" mapstructure:"runs"`
	Generation GenerationConfig `yaml:"generation" mapstructure:"generation"`
	Publish    PublishConfig    `yaml:"publish" mapstructure:"publish"`
	Events     EventsConfig     `yaml:"events,omitempty" mapstructure:"events"`
	Metrics    MetricsConfig    `yaml:"metrics,omitempty" mapstructure:"metrics"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// RunsConfig contains run orchestration settings.
type RunsConfig struct {
	Tick        TickConfig      `yaml:"tick" mapstructure:"tick"`
	RunLeaseTTL string          `yaml:"run_lease_ttl" mapstructure:"run_lease_ttl"`
	StaleAfter  string          `yaml:"stale_after" mapstructure:"stale_after"`
	MaxHistory  int             `yaml:"max_history" mapstructure:"max_history"`
	Scheduler   SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
}

// TickConfig contains batch processing settings.
type TickConfig struct {
	DefaultLimit int    `yaml:"default_limit" mapstructure:"default_limit"`
	MaxLimit     int    `yaml:"max_limit" mapstructure:"max_limit"`
	LeaseTTL     string `yaml:"lease_ttl" mapstructure:"lease_ttl"`
}

// SchedulerConfig configures the optional in-process tick loop.
type SchedulerConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Interval string `yaml:"interval" mapstructure:"interval"`
	Limit    int    `yaml:"limit" mapstructure:"limit"`
}

// GenerationConfig configures the completion provider.
type GenerationConfig struct {
	Provider    string  `yaml:"provider" mapstructure:"provider"`
	BaseURL     string  `yaml:"base_url,omitempty" mapstructure:"base_url"`
	APIKey      string  `yaml:"api_key,omitempty" mapstructure:"api_key"`
	Model       string  `yaml:"model,omitempty" mapstructure:"model"`
	Timeout     string  `yaml:"timeout" mapstructure:"timeout"`
	MaxTokens   int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
}

// PublishConfig contains publish and preview settings.
type PublishConfig struct {
	MaxVersions   int       `yaml:"max_versions" mapstructure:"max_versions"`
	MinHTMLLength int       `yaml:"min_html_length" mapstructure:"min_html_length"`
	S3            *S3Config `yaml:"s3,omitempty" mapstructure:"s3"`
}

// EventsConfig configures lifecycle event publishing. Events are disabled
// when NATSURL is empty.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url,omitempty" mapstructure:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix,omitempty" mapstructure:"subject_prefix"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path,omitempty" mapstructure:"path"`
}

// defaultValues are registered with viper so that environment overrides
// apply to keys that are absent from the config file.
var defaultValues = map[string]any{
	"global.log_level":              DefaultLogLevel,
	"server.listen":                 DefaultListen,
	"server.public_base_url":        "",
	"server.cors_origins":           []string{},
	"server.tick_token":             "",
	"server.rate_limit.enabled":     false,
	"server.auth.trust_user_header": false,
	"kv.driver":                     DefaultKVDriver,
	"kv.sqlite.path":                DefaultSQLitePath,
	"runs.tick.default_limit":       DefaultTickLimit,
	"runs.tick.max_limit":           DefaultTickMaxLimit,
	"runs.tick.lease_ttl":           DefaultTickLeaseTTL,
	"runs.run_lease_ttl":            DefaultRunLeaseTTL,
	"runs.stale_after":              DefaultStaleAfter,
	"runs.max_history":              0,
	"runs.scheduler.enabled":        false,
	"runs.scheduler.interval":       DefaultSchedulerInterval,
	"runs.scheduler.limit":          DefaultTickLimit,
	"generation.provider":           DefaultGenerationProvider,
	"generation.base_url":           DefaultGenerationBaseURL,
	"generation.api_key":            "",
	"generation.model":              DefaultGenerationModel,
	"generation.timeout":            DefaultGenerationTimeout,
	"generation.max_tokens":         DefaultGenerationMaxTokens,
	"publish.max_versions":          DefaultMaxVersions,
	"publish.min_html_length":       DefaultMinHTMLLength,
	"events.nats_url":               "",
	"events.subject_prefix":         DefaultEventsSubjectPrefix,
	"metrics.enabled":               false,
	"metrics.path":                  DefaultMetricsPath,
}

// Load reads the configuration file at path (optional) and applies
// SITEWRIGHT_* environment overrides on top of it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaultValues {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.KV.Driver == "" {
		c.KV.Driver = DefaultKVDriver
	}

	if c.KV.Driver == "sqlite" && c.KV.SQLite.Path == "" {
		c.KV.SQLite.Path = DefaultSQLitePath
	}

	if c.KV.Postgres.SSLMode == "" {
		c.KV.Postgres.SSLMode = "disable"
	}

	if c.Runs.Tick.DefaultLimit <= 0 {
		c.Runs.Tick.DefaultLimit = DefaultTickLimit
	}

	if c.Runs.Tick.MaxLimit <= 0 {
		c.Runs.Tick.MaxLimit = DefaultTickMaxLimit
	}

	if c.Runs.Tick.LeaseTTL == "" {
		c.Runs.Tick.LeaseTTL = DefaultTickLeaseTTL
	}

	if c.Runs.RunLeaseTTL == "" {
		c.Runs.RunLeaseTTL = DefaultRunLeaseTTL
	}

	if c.Runs.StaleAfter == "" {
		c.Runs.StaleAfter = DefaultStaleAfter
	}

	if c.Runs.Scheduler.Interval == "" {
		c.Runs.Scheduler.Interval = DefaultSchedulerInterval
	}

	if c.Runs.Scheduler.Limit <= 0 {
		c.Runs.Scheduler.Limit = c.Runs.Tick.DefaultLimit
	}

	if c.Generation.Provider == "" {
		c.Generation.Provider = DefaultGenerationProvider
	}

	if c.Generation.BaseURL == "" {
		c.Generation.BaseURL = DefaultGenerationBaseURL
	}

	if c.Generation.Model == "" {
		c.Generation.Model = DefaultGenerationModel
	}

	if c.Generation.Timeout == "" {
		c.Generation.Timeout = DefaultGenerationTimeout
	}

	if c.Generation.MaxTokens <= 0 {
		c.Generation.MaxTokens = DefaultGenerationMaxTokens
	}

	if c.Publish.MaxVersions <= 0 {
		c.Publish.MaxVersions = DefaultMaxVersions
	}

	if c.Publish.MinHTMLLength <= 0 {
		c.Publish.MinHTMLLength = DefaultMinHTMLLength
	}

	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = DefaultEventsSubjectPrefix
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.KV.Driver {
	case "memory":
	case "sqlite":
		if c.KV.SQLite.Path == "" {
			return fmt.Errorf("kv.sqlite.path is required for the sqlite driver")
		}
	case "postgres":
		if c.KV.Postgres.Host == "" || c.KV.Postgres.Database == "" {
			return fmt.Errorf("kv.postgres.host and kv.postgres.database are required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported kv driver %q", c.KV.Driver)
	}

	durations := map[string]string{
		"runs.tick.lease_ttl":     c.Runs.Tick.LeaseTTL,
		"runs.run_lease_ttl":      c.Runs.RunLeaseTTL,
		"runs.stale_after":        c.Runs.StaleAfter,
		"runs.scheduler.interval": c.Runs.Scheduler.Interval,
		"generation.timeout":      c.Generation.Timeout,
	}

	for key, raw := range durations {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q: %w", key, raw, err)
		}

		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}

	if c.Runs.Tick.DefaultLimit > c.Runs.Tick.MaxLimit {
		return fmt.Errorf(
			"runs.tick.default_limit (%d) exceeds runs.tick.max_limit (%d)",
			c.Runs.Tick.DefaultLimit, c.Runs.Tick.MaxLimit,
		)
	}

	if c.Runs.MaxHistory < 0 {
		return fmt.Errorf("runs.max_history must not be negative")
	}

	if c.StaleAfter() < c.RunLeaseTTL() {
		return fmt.Errorf("runs.stale_after must be at least runs.run_lease_ttl")
	}

	switch c.Generation.Provider {
	case "stub":
	case "openai":
		if c.Generation.APIKey == "" {
			return fmt.Errorf("generation.api_key is required for the openai provider")
		}
	default:
		return fmt.Errorf("unsupported generation provider %q", c.Generation.Provider)
	}

	if c.Publish.S3 != nil && c.Publish.S3.Enabled && c.Publish.S3.Bucket == "" {
		return fmt.Errorf("publish.s3.bucket is required when the s3 mirror is enabled")
	}

	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.Runs.RequestsPerMinute <= 0 ||
			c.Server.RateLimit.Publish.RequestsPerMinute <= 0 {
			return fmt.Errorf("rate limit tiers need a positive requests_per_minute")
		}
	}

	return nil
}

// TickLeaseTTL returns the parsed tick lease TTL.
func (c *Config) TickLeaseTTL() time.Duration {
	return parseDurationOr(c.Runs.Tick.LeaseTTL, DefaultTickLeaseTTL)
}

// RunLeaseTTL returns the parsed per-run lease TTL.
func (c *Config) RunLeaseTTL() time.Duration {
	return parseDurationOr(c.Runs.RunLeaseTTL, DefaultRunLeaseTTL)
}

// StaleAfter returns the parsed staleness bound for running runs.
func (c *Config) StaleAfter() time.Duration {
	return parseDurationOr(c.Runs.StaleAfter, DefaultStaleAfter)
}

// SchedulerInterval returns the parsed in-process tick interval.
func (c *Config) SchedulerInterval() time.Duration {
	return parseDurationOr(c.Runs.Scheduler.Interval, DefaultSchedulerInterval)
}

// GenerationTimeout returns the parsed completion call timeout.
func (c *Config) GenerationTimeout() time.Duration {
	return parseDurationOr(c.Generation.Timeout, DefaultGenerationTimeout)
}

// Redacted returns a copy of the configuration with secrets masked.
func (c *Config) Redacted() *Config {
	out := *c

	out.Server.TickToken = redact(c.Server.TickToken)
	out.Generation.APIKey = redact(c.Generation.APIKey)
	out.KV.Postgres.Password = redact(c.KV.Postgres.Password)

	if len(c.Server.Auth.Tokens) > 0 {
		tokens := make(map[string]string, len(c.Server.Auth.Tokens))
		for token, user := range c.Server.Auth.Tokens {
			tokens[redact(token)+"#"+user] = user
		}

		out.Server.Auth.Tokens = tokens
	}

	if c.Publish.S3 != nil {
		s3 := *c.Publish.S3
		s3.SecretAccessKey = redact(s3.SecretAccessKey)
		out.Publish.S3 = &s3
	}

	return &out
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}

	return "********"
}

func parseDurationOr(raw, fallback string) time.Duration {
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}

	d, _ := time.ParseDuration(fallback)

	return d
}
