// Package config loads the tap runtime configuration once at process start.
// The returned *Config is shared by reference and must be treated as read-only.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Features   FeaturesConfig   `mapstructure:"features"`
	Auth       AuthConfig       `mapstructure:"auth"`
	URLFilter  URLFilterConfig  `mapstructure:"url_filter"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	OpenSearch OpenSearchConfig `mapstructure:"opensearch"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	DLQ        DLQConfig        `mapstructure:"dlq"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Usage      UsageConfig      `mapstructure:"usage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type ProxyConfig struct {
	Listen          string        `mapstructure:"listen"`
	CACertPath      string        `mapstructure:"ca_cert"`
	CAKeyPath       string        `mapstructure:"ca_key"`
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

type AdminConfig struct {
	Listen string `mapstructure:"listen"`
}

// FeaturesConfig holds the three historic toggles. They are also bound to
// ENABLE_AUTH, ENABLE_URL_FILTERING and ENABLE_TELEMETRY_FILE_SAVE.
type FeaturesConfig struct {
	Auth              bool `mapstructure:"auth"`
	URLFiltering      bool `mapstructure:"url_filtering"`
	TelemetryFileSave bool `mapstructure:"telemetry_file_save"`
}

type AuthConfig struct {
	CredentialsFile   string   `mapstructure:"credentials_file"`
	ExemptPatterns    []string `mapstructure:"exempt_patterns"`
	ReservedUsers     []string `mapstructure:"reserved_users"`
	GitHubLoginSuffix string   `mapstructure:"github_login_suffix"`
}

type URLFilterConfig struct {
	Patterns []string `mapstructure:"patterns"`
}

type TelemetryConfig struct {
	URLMarkers        []string `mapstructure:"url_markers"`
	CompletionMarkers []string `mapstructure:"completion_markers"`
	NamespacePrefixes []string `mapstructure:"namespace_prefixes"`
	SurvivalDelayMs   float64  `mapstructure:"survival_delay_ms"`
	RawSnippetBytes   int      `mapstructure:"raw_snippet_bytes"`
	LogAllTraffic     bool     `mapstructure:"log_all_traffic"`
}

type OpenSearchConfig struct {
	URL             string        `mapstructure:"url"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	TLSSkipVerify   bool          `mapstructure:"tls_skip_verify"`
	TelemetryIndex  string        `mapstructure:"telemetry_index"`
	TrafficIndex    string        `mapstructure:"traffic_index"`
	RawIndex        string        `mapstructure:"raw_index"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryInitial    time.Duration `mapstructure:"retry_initial"`
	RetryMax        time.Duration `mapstructure:"retry_max"`
	ShardCount      int           `mapstructure:"shard_count"`
	ReplicaCount    int           `mapstructure:"replica_count"`
	RefreshInterval string        `mapstructure:"refresh_interval"`
}

type ArchiveConfig struct {
	BaseDir      string        `mapstructure:"base_dir"`
	MaxFileBytes int64         `mapstructure:"max_file_bytes"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DLQConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	NatsURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

type UsageConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// legacyEnv maps config keys to the bare environment variables the proxy
// has always honored.
var legacyEnv = map[string]string{
	"features.auth":                "ENABLE_AUTH",
	"features.url_filtering":       "ENABLE_URL_FILTERING",
	"features.telemetry_file_save": "ENABLE_TELEMETRY_FILE_SAVE",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("proxy.listen", ":8080")
	v.SetDefault("proxy.ca_cert", "")
	v.SetDefault("proxy.ca_key", "")
	v.SetDefault("proxy.upstream_timeout", "120s")
	v.SetDefault("proxy.max_body_bytes", 16<<20)
	v.SetDefault("admin.listen", ":9090")
	v.SetDefault("features.auth", false)
	v.SetDefault("features.url_filtering", false)
	v.SetDefault("features.telemetry_file_save", false)
	v.SetDefault("auth.credentials_file", "creds.txt")
	v.SetDefault("auth.exempt_patterns", []string{})
	v.SetDefault("auth.reserved_users", []string{"admin"})
	v.SetDefault("auth.github_login_suffix", "")
	v.SetDefault("url_filter.patterns", []string{".*"})
	v.SetDefault("telemetry.url_markers", []string{"telemetry"})
	v.SetDefault("telemetry.completion_markers", []string{"complet"})
	v.SetDefault("telemetry.namespace_prefixes", []string{"vscode.editTelemetry.", "conversation.codeMapper."})
	v.SetDefault("telemetry.survival_delay_ms", 300000)
	v.SetDefault("telemetry.raw_snippet_bytes", 1000)
	v.SetDefault("telemetry.log_all_traffic", true)
	v.SetDefault("opensearch.url", "http://localhost:9200")
	v.SetDefault("opensearch.username", "admin")
	v.SetDefault("opensearch.password", "")
	v.SetDefault("opensearch.tls_skip_verify", true)
	v.SetDefault("opensearch.telemetry_index", "telemetry-streaming")
	v.SetDefault("opensearch.traffic_index", "mitmproxy-stream")
	v.SetDefault("opensearch.raw_index", "telemetry-raw")
	v.SetDefault("opensearch.timeout", "10s")
	v.SetDefault("opensearch.max_retries", 0)
	v.SetDefault("opensearch.retry_initial", "200ms")
	v.SetDefault("opensearch.retry_max", "2s")
	v.SetDefault("opensearch.shard_count", 1)
	v.SetDefault("opensearch.replica_count", 0)
	v.SetDefault("opensearch.refresh_interval", "5s")
	v.SetDefault("archive.base_dir", "copilot_telemetry_data")
	v.SetDefault("archive.max_file_bytes", 0)
	v.SetDefault("archive.write_timeout", "5s")
	v.SetDefault("dlq.enabled", false)
	v.SetDefault("dlq.nats_url", "nats://localhost:4222")
	v.SetDefault("dlq.subject_prefix", "tap.dlq")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("usage.ttl", "720h")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads defaults, an optional YAML file, and environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/telemetry-tap")
	}

	// Environment variables override
	v.SetEnvPrefix("TAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, "TAP_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configPath != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects combinations the proxy cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Features.Auth && c.Auth.CredentialsFile == "" {
		errs = append(errs, errors.New("auth enabled but auth.credentials_file is empty"))
	}
	if c.OpenSearch.MaxRetries < 0 {
		errs = append(errs, errors.New("opensearch.max_retries must be >= 0"))
	}
	if c.OpenSearch.TelemetryIndex == "" || c.OpenSearch.TrafficIndex == "" || c.OpenSearch.RawIndex == "" {
		errs = append(errs, errors.New("opensearch index names must not be empty"))
	}
	if c.Archive.MaxFileBytes < 0 {
		errs = append(errs, errors.New("archive.max_file_bytes must be >= 0"))
	}
	if (c.Proxy.CACertPath == "") != (c.Proxy.CAKeyPath == "") {
		errs = append(errs, errors.New("proxy.ca_cert and proxy.ca_key must be set together"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
