package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "task-attachments", cfg.Storage.Bucket)
	assert.Equal(t, time.Hour, cfg.Storage.SignedURLTTL)
	assert.Equal(t, 120*time.Millisecond, cfg.Board.RefreshDelay)
	assert.Equal(t, 30*time.Minute, cfg.Board.IdleTTL)
	assert.Equal(t, 6, cfg.Auth.MinPasswordLength)
	assert.Equal(t, "http://localhost:8080", cfg.PublicURL())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskboard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9090"
storage:
  public_url: "https://board.example.com"
  signed_url_ttl: 10m
board:
  refresh_delay: 150ms
`), 0o644))
	t.Setenv("TASKBOARD_AUTH_SECRET", "from-env")
	t.Setenv("TASKBOARD_DB_PATH", "/tmp/board.db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "/tmp/board.db", cfg.DBPath)
	assert.Equal(t, "from-env", cfg.Auth.Secret)
	assert.Equal(t, 10*time.Minute, cfg.Storage.SignedURLTTL)
	assert.Equal(t, 150*time.Millisecond, cfg.Board.RefreshDelay)
	assert.Equal(t, "https://board.example.com", cfg.PublicURL())
	assert.True(t, Exists(path))
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("TASKBOARD_LOG_LEVEL=debug\n"), 0o644))
	t.Setenv("TASKBOARD_LOG_LEVEL", "")
	require.NoError(t, os.Unsetenv("TASKBOARD_LOG_LEVEL"))

	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "absent.env")))
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidateGeneratesSecret(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	generated, err := cfg.Validate()
	require.NoError(t, err)
	assert.True(t, generated)
	assert.Len(t, cfg.Auth.Secret, 64)

	generated, err = cfg.Validate()
	require.NoError(t, err)
	assert.False(t, generated)

	cfg.Addr = ""
	_, err = cfg.Validate()
	assert.Error(t, err)
}
