package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	assert.Equal(t, "development", config.Environment)
	assert.Equal(t, 8085, config.Server.Port)
	assert.Equal(t, "localhost", config.Server.Host)

	assert.Equal(t, "localhost:8188", config.Comfy.Address)
	assert.False(t, config.Comfy.Secure)
	assert.Equal(t, "60s", config.Comfy.ConnectTimeout)
	assert.Equal(t, "20s", config.Comfy.PingInterval)
	assert.Equal(t, "20s", config.Comfy.PingTimeout)
	assert.Equal(t, "5s", config.Comfy.ReadTimeout)
	assert.Equal(t, 60, config.Comfy.IdleLimit)
	assert.Equal(t, 3, config.Comfy.MaxRetries)
	assert.Equal(t, "2s", config.Comfy.RetryBaseDelay)
	assert.Equal(t, "60s", config.Comfy.RetryMaxDelay)

	assert.Equal(t, "./data/visage", config.Storage.Badger.Path)
	assert.Equal(t, "info", config.Logging.Level)
	assert.Equal(t, 32, config.WebSocket.MaxConnections)
	assert.Equal(t, "24h", config.Registry.TTL)
	assert.Equal(t, 64, config.Relay.SinkBuffer)
}

func TestLoadFromFiles(t *testing.T) {
	base := writeConfigFile(t, "base.toml", `
environment = "production"

[server]
port = 9000

[comfy]
address = "engine:8188"
max_retries = 5
`)
	override := writeConfigFile(t, "override.toml", `
[server]
port = 9001
`)

	config, err := LoadFromFiles(base, override)
	require.NoError(t, err)

	assert.Equal(t, "production", config.Environment)
	assert.Equal(t, 9001, config.Server.Port, "later files must win")
	assert.Equal(t, "engine:8188", config.Comfy.Address)
	assert.Equal(t, 5, config.Comfy.MaxRetries)
	assert.Equal(t, "localhost", config.Server.Host, "untouched values keep defaults")
}

func TestLoadFromFiles_SkipsEmptyPaths(t *testing.T) {
	config, err := LoadFromFiles("")
	require.NoError(t, err)
	assert.Equal(t, 8085, config.Server.Port)
}

func TestLoadFromFiles_MissingFile(t *testing.T) {
	_, err := LoadFromFiles("/nonexistent/visage.toml")
	assert.Error(t, err)
}

func TestLoadFromFiles_InvalidTOML(t *testing.T) {
	path := writeConfigFile(t, "bad.toml", `server = {{{`)
	_, err := LoadFromFiles(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VISAGE_ENV", "production")
	t.Setenv("VISAGE_SERVER_PORT", "7777")
	t.Setenv("VISAGE_COMFY_ADDRESS", "comfy.internal:8188")
	t.Setenv("VISAGE_COMFY_SECURE", "true")
	t.Setenv("VISAGE_WS_MAX_CONNECTIONS", "8")

	config, err := LoadFromFiles()
	require.NoError(t, err)

	assert.Equal(t, "production", config.Environment)
	assert.Equal(t, 7777, config.Server.Port)
	assert.Equal(t, "comfy.internal:8188", config.Comfy.Address)
	assert.True(t, config.Comfy.Secure)
	assert.Equal(t, 8, config.WebSocket.MaxConnections)
}

func TestApplyFlagOverrides(t *testing.T) {
	config := NewDefaultConfig()

	ApplyFlagOverrides(config, 9090, "0.0.0.0")
	assert.Equal(t, 9090, config.Server.Port)
	assert.Equal(t, "0.0.0.0", config.Server.Host)

	ApplyFlagOverrides(config, 0, "")
	assert.Equal(t, 9090, config.Server.Port, "zero values must not override")
	assert.Equal(t, "0.0.0.0", config.Server.Host)
}

func TestDuration(t *testing.T) {
	tests := []struct {
		name  string
		input string
		def   time.Duration
		want  time.Duration
	}{
		{"valid", "30s", time.Second, 30 * time.Second},
		{"empty falls back", "", time.Minute, time.Minute},
		{"garbage falls back", "soon", time.Minute, time.Minute},
		{"non-positive falls back", "-5s", time.Minute, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Duration(tt.input, tt.def))
		})
	}
}
