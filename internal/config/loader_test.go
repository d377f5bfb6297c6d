package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a fresh temp dir and returns it.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	t.Setenv("HOME", home)
	return home
}

func writeConfig(t *testing.T, home, content string, perm os.FileMode) string {
	t.Helper()
	dir := filepath.Join(home, ".config", "scriber-inspector")
	require.NoError(t, os.MkdirAll(dir, 0700))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	return path
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	home := setupTestHome(t)
	path := writeConfig(t, home, `engine:
  strict_review: true
  workers: 8
  run_timeout: 30s
store:
  driver: postgres
  dsn: postgres://app:pw@localhost/inspector
  max_conns: 10
documents:
  dir: /srv/documents
  cache_size: 16
logging:
  level: debug
`, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.True(t, cfg.Engine.StrictReview)
	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.Equal(t, 30*time.Second, cfg.Engine.RunTimeout.Duration())
	assert.Equal(t, 2*time.Second, cfg.Engine.ScriptTimeout.Duration(), "default kept")
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://app:pw@localhost/inspector", cfg.Store.DSN.Value())
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "/srv/documents", cfg.Documents.Dir)
	assert.Equal(t, 16, cfg.Documents.CacheSize)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	setupTestHome(t)

	cfg, err := LoadWithFile("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
}

func TestLoadWithFile_EnvOverridesFile(t *testing.T) {
	home := setupTestHome(t)
	path := writeConfig(t, home, "engine:\n  workers: 8\nstore:\n  driver: sqlite\n", 0600)

	t.Setenv("SCRIBER_ENGINE_WORKERS", "2")
	t.Setenv("SCRIBER_ENGINE_STRICT_REVIEW", "true")
	t.Setenv("SCRIBER_STORE_DRIVER", "memory")
	t.Setenv("SCRIBER_LOGGING_FORMAT", "console")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Engine.Workers)
	assert.True(t, cfg.Engine.StrictReview)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoadWithFile_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		perm    os.FileMode
		wantErr string
	}{
		{name: "world readable", content: "engine:\n  workers: 2\n", perm: 0644, wantErr: "insecure config file permissions"},
		{name: "too large", content: strings.Repeat("#", maxConfigFileSize+1), perm: 0600, wantErr: "too large"},
		{name: "invalid yaml", content: "engine: [", perm: 0600, wantErr: "failed to load config file"},
		{name: "invalid value", content: "store:\n  driver: mongo\n", perm: 0600, wantErr: "validation failed"},
		{name: "bad duration", content: "engine:\n  run_timeout: soon\n", perm: 0600, wantErr: "unmarshal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := setupTestHome(t)
			path := writeConfig(t, home, tt.content, tt.perm)

			_, err := LoadWithFile(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateConfigPath(t *testing.T) {
	home := setupTestHome(t)

	valid := []string{
		filepath.Join(home, ".config", "scriber-inspector", "config.yaml"),
		filepath.Join(home, ".config", "scriber-inspector", "prod", "config.yaml"),
		"/etc/scriber-inspector/config.yaml",
	}
	for _, p := range valid {
		assert.NoError(t, validateConfigPath(p), p)
	}

	invalid := []string{
		"/etc/passwd",
		"/tmp/config.yaml",
		"/etc/scriber-inspector-evil/config.yaml",
		filepath.Join(home, ".config", "scriber-inspector", "..", "..", "config.yaml"),
	}
	for _, p := range invalid {
		assert.Error(t, validateConfigPath(p), p)
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "store.dsn", envKey("SCRIBER_STORE_DSN"))
	assert.Equal(t, "engine.strict_review", envKey("SCRIBER_ENGINE_STRICT_REVIEW"))
	assert.Equal(t, "debug", envKey("SCRIBER_DEBUG"))
}
