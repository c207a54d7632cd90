package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  http_port: 9090\n"))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.HTTPPort)
	assert.Equal(t, 50051, cfg.Server.GRPCPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, []string{"./devices"}, cfg.Devices.SearchPaths)
	assert.True(t, cfg.Devices.AutoConnect)
	assert.Equal(t, types.DefaultTimeout, cfg.Defaults.Timeout)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, 256, cfg.Events.BufferSize)
	assert.False(t, cfg.Database.Enabled)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("OLC_SERVER_HTTP_PORT", "7070")
	t.Setenv("OLC_HTTP_RETRY_COUNT", "5")

	cfg, err := Load(writeConfig(t, "server:\n  http_port: 9090\n"))
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.HTTPPort)
	assert.Equal(t, 5, cfg.HTTP.RetryCount)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	_, err := Load(writeConfig(t, "server:\n  http_port: 70000\n"))
	assert.ErrorContains(t, err, "server.http_port")

	_, err = Load(writeConfig(t, "influxdb:\n  enabled: true\n"))
	assert.ErrorContains(t, err, "influxdb.url")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config")
}

func TestShippedConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "openlab", cfg.MQTT.ClientIDPrefix)
	assert.Equal(t, "readings", cfg.InfluxDB.Bucket)
}

func TestApplyFillsZeroFields(t *testing.T) {
	cfg, err := Load(writeConfig(t, "defaults:\n  timeout: 2s\nhttp:\n  retry_delay: 250ms\n"))
	require.NoError(t, err)

	conn := types.DeviceConnectionConfig{
		ConnectionType: types.ConnectionHTTP,
		TimeoutMs:      800,
		HTTP:           &types.HTTPParams{BaseURL: "http://reader.lab"},
	}
	cfg.Apply(&conn)

	assert.Equal(t, 800, conn.TimeoutMs)
	assert.Equal(t, 1000, conn.PollIntervalMs)
	assert.Equal(t, 5000, conn.ReconnectIntervalMs)
	assert.Equal(t, 3, conn.HTTP.RetryCount)
	assert.Equal(t, 250, conn.HTTP.RetryDelayMs)

	mqtt := types.DeviceConnectionConfig{ConnectionType: types.ConnectionMQTT, MQTT: &types.MQTTParams{}}
	cfg.Apply(&mqtt)
	assert.Equal(t, 2000, mqtt.TimeoutMs)
	assert.Equal(t, 30, mqtt.MQTT.KeepAliveSec)
}
