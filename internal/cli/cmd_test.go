package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telemetry-tap/internal/config"
	"github.com/telhawk-systems/telemetry-tap/internal/logging"
	"github.com/telhawk-systems/telemetry-tap/internal/model"
	"github.com/telhawk-systems/telemetry-tap/internal/proxy"
	"github.com/telhawk-systems/telemetry-tap/internal/sink"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandsRegistered(t *testing.T) {
	expected := map[string]bool{
		"serve":   false,
		"archive": false,
		"usage":   false,
		"ca":      false,
		"version": false,
	}
	for _, c := range rootCmd.Commands() {
		if _, ok := expected[c.Name()]; ok {
			expected[c.Name()] = true
		}
	}
	for name, found := range expected {
		assert.True(t, found, "command %q should be registered", name)
	}

	var subs []string
	for _, c := range archiveCmd.Commands() {
		subs = append(subs, c.Name())
	}
	assert.ElementsMatch(t, []string{"list", "summarize"}, subs)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "tap "+Version)
}

func TestCAInit(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.pem")
	keyPath := filepath.Join(dir, "ca-key.pem")

	out, err := execute(t, "ca", "init", "--cert", certPath, "--key", keyPath, "--name", "test CA")
	require.NoError(t, err)
	assert.Contains(t, out, `Generated CA "test CA"`)

	ca, err := proxy.LoadCA(certPath, keyPath)
	require.NoError(t, err)
	assert.Equal(t, "test CA", ca.Cert.Subject.CommonName)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = execute(t, "ca", "init", "--cert", certPath, "--key", keyPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func writeArchive(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	a := sink.NewArchive(dir, 0)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	docs := []*model.PersistedDocument{
		{User: "alice", ConnectionID: "c1", Timestamp: at, Request: map[string]any{
			"baseData":     "copilot/ghostText.shown",
			"measurements": map[string]any{"numLines": 2, "compCharLen": 40},
			"properties":   map[string]any{"languageId": "go"},
		}},
		{User: "alice", ConnectionID: "c1", Timestamp: at, Request: map[string]any{
			"baseData":     "copilot/ghostText.accepted",
			"measurements": map[string]any{"numLines": 2, "compCharLen": 40},
		}},
		{User: "bob", ConnectionID: "c2", Timestamp: at.Add(24 * time.Hour), Request: map[string]any{
			"baseData": "reportEditArc",
		}},
	}
	for _, d := range docs {
		require.NoError(t, a.Write(context.Background(), d))
	}
	require.NoError(t, a.Close())
	return dir
}

func TestArchiveSummarize(t *testing.T) {
	dir := writeArchive(t)

	t.Run("json", func(t *testing.T) {
		out, err := execute(t, "archive", "summarize", "--dir", dir, "--date=", "--user=", "--output", "json")
		require.NoError(t, err)

		var got map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.EqualValues(t, 3, got["total_events"])
		assert.EqualValues(t, 2, got["connections"])
		assert.EqualValues(t, 100, got["acceptance_rate"])
		assert.Equal(t, map[string]any{"alice": float64(2), "bob": float64(1)}, got["users"])
	})

	t.Run("filtered table", func(t *testing.T) {
		out, err := execute(t, "archive", "summarize", "--dir", dir, "--date", "20260302", "--user=", "--output", "table")
		require.NoError(t, err)
		assert.Contains(t, out, "Total events:  1")
		assert.Contains(t, out, "reportEditArc")
		assert.NotContains(t, out, "alice")
	})

	t.Run("bad format", func(t *testing.T) {
		_, err := execute(t, "archive", "summarize", "--dir", dir, "--date=", "--user=", "--output", "xml")
		require.Error(t, err)
	})
}

func TestArchiveList(t *testing.T) {
	dir := writeArchive(t)

	out, err := execute(t, "archive", "list", "--dir", dir, "--output", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "date: \"20260301\"")
	assert.Contains(t, out, "date: \"20260302\"")
	assert.Contains(t, out, "files: 1")
}

func defaultConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestLoadAccess(t *testing.T) {
	t.Run("all disabled", func(t *testing.T) {
		cfg := defaultConfig(t)

		a, err := loadAccess(cfg, logging.Discard())
		require.NoError(t, err)
		assert.Nil(t, a.verifier)
		assert.Nil(t, a.exempt)
		assert.Nil(t, a.filter)
		assert.Nil(t, a.guard)
	})

	t.Run("all enabled", func(t *testing.T) {
		cfg := defaultConfig(t)
		creds := filepath.Join(t.TempDir(), "creds.txt")
		require.NoError(t, os.WriteFile(creds, []byte("alice:secret\n"), 0o600))
		cfg.Features.Auth = true
		cfg.Features.URLFiltering = true
		cfg.Auth.CredentialsFile = creds
		cfg.Auth.ExemptPatterns = []string{`https://api\.github\.com/`}
		cfg.Auth.GitHubLoginSuffix = "_corp"
		cfg.URLFilter.Patterns = []string{`https://.*\.githubcopilot\.com/`}

		a, err := loadAccess(cfg, logging.Discard())
		require.NoError(t, err)
		require.NotNil(t, a.verifier)
		assert.NoError(t, a.verifier.Check("alice", "secret"))
		assert.True(t, a.exempt.Allowed("https://api.github.com/user"))
		assert.True(t, a.filter.Allowed("https://copilot-telemetry.githubcopilot.com/telemetry"))
		assert.False(t, a.filter.Allowed("https://example.com/"))
		require.NotNil(t, a.guard)
		assert.Equal(t, "_corp", a.guard.Suffix)
	})

	t.Run("missing credentials file", func(t *testing.T) {
		cfg := defaultConfig(t)
		cfg.Features.Auth = true
		cfg.Auth.CredentialsFile = filepath.Join(t.TempDir(), "absent.txt")

		_, err := loadAccess(cfg, logging.Discard())
		require.Error(t, err)
	})

	t.Run("bad filter pattern", func(t *testing.T) {
		cfg := defaultConfig(t)
		cfg.Features.URLFiltering = true
		cfg.URLFilter.Patterns = []string{"(unclosed"}

		_, err := loadAccess(cfg, logging.Discard())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "url_filter.patterns")
	})
}

func TestAppLifecycle(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.OpenSearch.URL = "http://127.0.0.1:1"
	cfg.OpenSearch.Timeout = time.Second
	cfg.Features.TelemetryFileSave = true
	cfg.Archive.BaseDir = filepath.Join(t.TempDir(), "archive")
	cfg.Proxy.Listen = "127.0.0.1:0"
	cfg.Admin.Listen = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	a, err := newApp(ctx, cfg, logging.Discard())
	require.NoError(t, err)
	require.NotNil(t, a.pipeline)
	require.NotNil(t, a.proxy)
	require.NotNil(t, a.archive)
	assert.Nil(t, a.collector)
	assert.Nil(t, a.nats)

	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	a.close()
	assert.Nil(t, a.archive)
}
