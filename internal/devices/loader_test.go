package devices

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const incubatorYAML = `
id: incubator-1
name: CO2 incubator
type: incubator
location: cell-culture
metadata:
  vendor: Acme
config:
  connection_type: mqtt
  auto_reconnect: true
  mqtt:
    broker_url: tcp://broker.lab:1883
    base_topic: lab/incubators
    qos: 1
    topics:
      humidity:
        topic: lab/incubators/incubator-1/humidity
        access: read_only
`

const pumpsJSON = `{
  "devices": [
    {
      "id": "pump-1",
      "enabled": false,
      "config": {
        "connection_type": "tcp-socket",
        "tcp_socket": {"host": "10.0.0.20", "port": 5025, "encoding": "text"}
      }
    },
    {
      "id": "plc-1",
      "config": {
        "connection_type": "modbus-tcp",
        "modbus_tcp": {
          "host": "10.0.0.30",
          "registers": {
            "setpoint": {"address": 100, "register_type": "holding", "data_type": "float32"}
          }
        }
      }
    }
  ]
}`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadYAMLDefinition(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "incubator.yaml", incubatorYAML)

	loader, err := NewDefinitionLoader([]string{filepath.Join(dir, "missing"), dir})
	require.NoError(t, err)

	devices, err := loader.Load("incubator")
	require.NoError(t, err)
	require.Len(t, devices, 1)

	d := devices[0]
	assert.Equal(t, "incubator-1", d.ID)
	assert.Equal(t, "incubator", d.Kind)
	assert.True(t, d.Enabled)
	assert.Equal(t, types.DeviceStatusOffline, d.Status)
	assert.Equal(t, "Acme", d.Metadata["vendor"])
	require.NotNil(t, d.Config)
	require.NotNil(t, d.Config.MQTT)
	assert.Equal(t, byte(1), d.Config.MQTT.QoS)
	assert.Equal(t, types.AccessTypeReadOnly, d.Config.MQTT.Topics["humidity"].Access)

	// second load is served from cache
	require.NoError(t, os.Remove(filepath.Join(dir, "incubator.yaml")))
	cached, err := loader.Load("incubator")
	require.NoError(t, err)
	assert.Equal(t, devices, cached)

	loader.ClearCache()
	_, err = loader.Load("incubator")
	assert.ErrorContains(t, err, "not found")
}

func TestLoadAllReadsListsAndSkipsOtherFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "incubator.yml", incubatorYAML)
	writeFile(t, dir, "pumps.json", pumpsJSON)
	writeFile(t, dir, "README.md", "# not a definition")

	loader, err := NewDefinitionLoader([]string{dir})
	require.NoError(t, err)

	devices, err := loader.LoadAll()
	require.NoError(t, err)
	require.Len(t, devices, 3)

	byID := map[string]types.Device{}
	for _, d := range devices {
		byID[d.ID] = d
	}
	assert.False(t, byID["pump-1"].Enabled)
	assert.Equal(t, types.EncodingText, byID["pump-1"].Config.TCPSocket.Encoding)
	assert.Equal(t, types.DataTypeFloat32, byID["plc-1"].Config.ModbusTCP.Registers["setpoint"].DataType)
}

func TestLoadAllReportsDuplicates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", incubatorYAML)
	writeFile(t, dir, "b.yaml", incubatorYAML)

	loader, err := NewDefinitionLoader([]string{dir})
	require.NoError(t, err)

	devices, err := loader.LoadAll()
	assert.ErrorContains(t, err, "incubator-1 defined in")
	assert.Len(t, devices, 1)
}

func TestSchemaRejectsInvalidDefinitions(t *testing.T) {
	loader, err := NewDefinitionLoader(nil)
	require.NoError(t, err)

	cases := map[string]string{
		"missing params":  `{"id": "x", "config": {"connection_type": "mqtt"}}`,
		"unknown type":    `{"id": "x", "config": {"connection_type": "bluetooth"}}`,
		"bad method":      `{"id": "x", "config": {"connection_type": "http", "http": {"base_url": "http://a", "endpoints": {"s": {"path": "/s", "method": "TRACE"}}}}}`,
		"unknown field":   `{"id": "x", "colour": "red", "config": {"connection_type": "usb", "serial": {"port": "/dev/ttyUSB0"}}}`,
		"register bounds": `{"id": "x", "config": {"connection_type": "modbus-tcp", "modbus_tcp": {"host": "h", "registers": {"r": {"address": 70000, "register_type": "holding"}}}}}`,
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			var cfgErr *types.ConfigError
			assert.ErrorAs(t, loader.Validator().ValidateJSON([]byte(doc)), &cfgErr)
		})
	}
}

func TestValidateConfigStructRules(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	cfg := types.DeviceConnectionConfig{
		ConnectionType: types.ConnectionTCPSocket,
		TCPSocket:      &types.TCPSocketParams{Host: "10.0.0.20", Port: 70000},
	}
	err = v.ValidateConfig("pump-1", cfg)

	var cfgErr *types.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "pump-1", cfgErr.DeviceID)
	assert.Equal(t, "tcp_socket.port", cfgErr.Field)

	cfg.TCPSocket.Port = 5025
	cfg.MQTT = &types.MQTTParams{BrokerURL: "tcp://b:1883", BaseTopic: "lab"}
	assert.ErrorAs(t, v.ValidateConfig("pump-1", cfg), &cfgErr)

	cfg.MQTT = nil
	assert.NoError(t, v.ValidateConfig("pump-1", cfg))
}
