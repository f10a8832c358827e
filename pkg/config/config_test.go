package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buslink/buslink/internal/bytesize"
	"github.com/buslink/buslink/pkg/busconn"
	"github.com/buslink/buslink/pkg/busdata"
)

func TestLoad_NoConfigFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, busconn.DefaultReplyTimeout, cfg.Bus.ReplyTimeout)
	assert.Equal(t, "epoll", cfg.Bus.Poller)
	assert.Equal(t, 64, cfg.Bus.MaxConcurrentConnections)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
logging:
  level: DEBUG
  format: json
bus:
  reply_timeout: 5s
  session_address: "unix:abstract=test-bus"
limits:
  max_message_length: 1Mi
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 5*time.Second, cfg.Bus.ReplyTimeout)
	assert.Equal(t, "unix:abstract=test-bus", cfg.Bus.SessionAddress)
	assert.Equal(t, bytesize.ByteSize(1024*1024), cfg.Limits.MaxMessageLength)
	// Untouched fields still get their defaults.
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, "epoll", cfg.Bus.Poller)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: INFO\n"), 0o644))

	t.Setenv("BUSLINK_LOGGING_LEVEL", "ERROR")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ERROR", cfg.Logging.Level)
}

func TestGetDefaultConfig_PassesValidation(t *testing.T) {
	t.Parallel()

	cfg := GetDefaultConfig()
	assert.NoError(t, Validate(cfg))
}

func TestValidate_RejectsInvalidLogLevel(t *testing.T) {
	t.Parallel()

	cfg := GetDefaultConfig()
	cfg.Logging.Level = "VERBOSE"
	assert.Error(t, Validate(cfg))
}

func TestValidate_RejectsZeroReplyTimeout(t *testing.T) {
	t.Parallel()

	cfg := GetDefaultConfig()
	cfg.Bus.ReplyTimeout = 0
	assert.Error(t, Validate(cfg))
}

func TestValidate_RejectsMessageLengthAboveWireCeiling(t *testing.T) {
	t.Parallel()

	cfg := GetDefaultConfig()
	cfg.Limits.MaxMessageLength = bytesize.ByteSize(busdata.MaxMessageBytes + 1)
	assert.Error(t, Validate(cfg))
}

func TestValidate_AcceptsTighterLimitsThanDefault(t *testing.T) {
	t.Parallel()

	cfg := GetDefaultConfig()
	cfg.Limits.MaxMessageLength = bytesize.ByteSize(1024)
	cfg.Limits.MaxArrayLength = bytesize.ByteSize(512)
	assert.NoError(t, Validate(cfg))
}

func TestSaveConfig_RoundTrips(t *testing.T) {
	t.Parallel()

	cfg := GetDefaultConfig()
	cfg.Logging.Level = "DEBUG"

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", loaded.Logging.Level)
}
