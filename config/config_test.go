package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
client:
  remote_url: http://inventory.example:9000
  remote_timeout: 3s
  max_attempts: 5
server:
  listen_addr: ":9090"
log:
  format: json
`), 0o600))
	t.Setenv("INVSYNC_CLIENT_DEVICE_ID", "tablet-7")
	t.Setenv("INVSYNC_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "http://inventory.example:9000", cfg.Client.RemoteURL)
	require.Equal(t, 3*time.Second, cfg.Client.RemoteTimeout)
	require.Equal(t, 5, cfg.Client.MaxAttempts)
	require.Equal(t, "tablet-7", cfg.Client.DeviceID)
	require.Equal(t, "invsync.db", cfg.Client.LocalDB)
	require.Equal(t, ":9090", cfg.Server.ListenAddr)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Client.MaxAttempts = -1
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Log.Format = "xml"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Log.Level = "loud"
	require.Error(t, cfg.Validate())
}

func TestNewLogger(t *testing.T) {
	logger, err := LogConfig{Level: "info", Format: "json"}.NewLogger("warn")
	require.NoError(t, err)
	require.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	require.True(t, logger.Enabled(context.Background(), slog.LevelWarn))
}
