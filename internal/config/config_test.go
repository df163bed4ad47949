package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_WithDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Proxy.Listen)
	assert.Equal(t, 120*time.Second, cfg.Proxy.UpstreamTimeout)
	assert.False(t, cfg.Features.Auth)
	assert.False(t, cfg.Features.URLFiltering)
	assert.False(t, cfg.Features.TelemetryFileSave)
	assert.Equal(t, "telemetry-streaming", cfg.OpenSearch.TelemetryIndex)
	assert.Equal(t, "mitmproxy-stream", cfg.OpenSearch.TrafficIndex)
	assert.Equal(t, "telemetry-raw", cfg.OpenSearch.RawIndex)
	assert.Equal(t, 0, cfg.OpenSearch.MaxRetries)
	assert.Equal(t, "copilot_telemetry_data", cfg.Archive.BaseDir)
	assert.Equal(t, int64(0), cfg.Archive.MaxFileBytes)
	assert.Equal(t, []string{"telemetry"}, cfg.Telemetry.URLMarkers)
	assert.Equal(t, float64(300000), cfg.Telemetry.SurvivalDelayMs)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_LegacyToggles(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ENABLE_AUTH", "true")
	t.Setenv("ENABLE_URL_FILTERING", "TRUE")
	t.Setenv("ENABLE_TELEMETRY_FILE_SAVE", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.Features.Auth)
	assert.True(t, cfg.Features.URLFiltering)
	assert.True(t, cfg.Features.TelemetryFileSave)
}

func TestLoad_PrefixedEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("TAP_OPENSEARCH_URL", "http://search:9200")
	t.Setenv("TAP_OPENSEARCH_MAX_RETRIES", "3")
	t.Setenv("TAP_ARCHIVE_BASE_DIR", "/data/archive")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://search:9200", cfg.OpenSearch.URL)
	assert.Equal(t, 3, cfg.OpenSearch.MaxRetries)
	assert.Equal(t, "/data/archive", cfg.Archive.BaseDir)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tap.yaml")
	content := `
proxy:
  listen: ":3128"
features:
  telemetry_file_save: true
url_filter:
  patterns:
    - "https://api\\.github\\.com/.*"
archive:
  max_file_bytes: 1048576
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":3128", cfg.Proxy.Listen)
	assert.True(t, cfg.Features.TelemetryFileSave)
	assert.Equal(t, []string{`https://api\.github\.com/.*`}, cfg.URLFilter.Patterns)
	assert.Equal(t, int64(1048576), cfg.Archive.MaxFileBytes)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "auth without credentials", mutate: func(c *Config) {
			c.Features.Auth = true
			c.Auth.CredentialsFile = ""
		}, wantErr: true},
		{name: "negative retries", mutate: func(c *Config) { c.OpenSearch.MaxRetries = -1 }, wantErr: true},
		{name: "empty index", mutate: func(c *Config) { c.OpenSearch.TelemetryIndex = "" }, wantErr: true},
		{name: "ca cert without key", mutate: func(c *Config) { c.Proxy.CACertPath = "ca.pem" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Auth: AuthConfig{CredentialsFile: "creds.txt"},
				OpenSearch: OpenSearchConfig{
					TelemetryIndex: "telemetry-streaming",
					TrafficIndex:   "mitmproxy-stream",
					RawIndex:       "telemetry-raw",
				},
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
