package mqtt

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func mqttConfig() types.DeviceConnectionConfig {
	return types.DeviceConnectionConfig{
		ConnectionType: types.ConnectionMQTT,
		TimeoutMs:      500,
		MQTT: &types.MQTTParams{
			BrokerURL: "tcp://broker.lab:1883",
			BaseTopic: "lab/devices",
			QoS:       1,
		},
	}
}

func newTestAdapter(t *testing.T, broker *memBroker) *Adapter {
	t.Helper()
	a := NewAdapter(zaptest.NewLogger(t), WithConnector(broker.connect))
	t.Cleanup(func() { a.Close(context.Background()) })
	return a
}

// answerCommands makes the peer reply to every command on the device's
// command topic.
func answerCommands(t *testing.T, broker *memBroker, deviceID string, reply func(cmd commandMessage) map[string]any) {
	t.Helper()
	peer := broker.peer()
	topics := ResolveTopics(deviceID, mqttConfig().MQTT)

	require.NoError(t, peer.Subscribe(context.Background(), topics.Commands, 1, func(topic string, payload []byte) {
		var cmd commandMessage
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return
		}
		resp := reply(cmd)
		if resp == nil {
			return
		}
		out, _ := json.Marshal(resp)
		peer.Publish(context.Background(), topics.Responses, 1, false, out)
	}))
}

func TestCommandResponseCorrelation(t *testing.T) {
	broker := newMemBroker()
	a := newTestAdapter(t, broker)

	answerCommands(t, broker, "incubator", func(cmd commandMessage) map[string]any {
		switch cmd.Command {
		case "setTemperature":
			return map[string]any{"commandId": cmd.ID, "status": "success", "data": map[string]any{"target": cmd.Parameters["value"]}}
		case "selfDestruct":
			return map[string]any{"commandId": cmd.ID, "status": "error", "error": "not permitted"}
		}
		return nil
	})

	require.NoError(t, a.Connect(context.Background(), "incubator", mqttConfig()))

	result, err := a.SendCommand(context.Background(), "incubator", types.Command{
		Command:    "setTemperature",
		Parameters: map[string]any{"value": 37.0},
	})
	require.NoError(t, err)
	assert.Equal(t, types.CommandCompleted, result.Status)
	assert.Equal(t, map[string]any{"target": 37.0}, result.Data)

	result, err = a.SendCommand(context.Background(), "incubator", types.Command{Command: "selfDestruct"})
	var cmdErr *types.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, types.CommandFailed, result.Status)
	assert.Equal(t, "not permitted", result.Error)

	_, err = a.SendCommand(context.Background(), "incubator", types.Command{Command: "ignored"})
	var timeoutErr *types.CommandTimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}

func TestOnlineStatusAndWill(t *testing.T) {
	broker := newMemBroker()
	a := newTestAdapter(t, broker)

	require.NoError(t, a.Connect(context.Background(), "incubator", mqttConfig()))

	statusTopic := "lab/devices/incubator/status"
	var status statusMessage
	require.NoError(t, json.Unmarshal(broker.retainedOn(statusTopic), &status))
	assert.Equal(t, "online", status.Status)

	will := broker.lastClient().cfg.Will
	require.NotNil(t, will)
	assert.Equal(t, statusTopic, will.Topic)
	assert.True(t, will.Retained)
	assert.Contains(t, string(will.Payload), `"offline"`)

	require.NoError(t, a.Disconnect(context.Background(), "incubator"))
	require.NoError(t, json.Unmarshal(broker.retainedOn(statusTopic), &status))
	assert.Equal(t, "offline", status.Status)
	assert.Equal(t, "disconnect", status.Reason)
}

func TestDataTopicEmitsReadings(t *testing.T) {
	broker := newMemBroker()
	a := newTestAdapter(t, broker)

	data, unsubscribe := a.Subscribe(types.EventDataReceived)
	defer unsubscribe()

	cfg := mqttConfig()
	cfg.Transform = &types.TransformSpec{Fields: []types.FieldRule{
		{Source: "sensors.0.value", Target: "co2", Unit: "ppm", Type: "number"},
	}}
	require.NoError(t, a.Connect(context.Background(), "incubator", cfg))

	peer := broker.peer()
	require.NoError(t, peer.Publish(context.Background(), "lab/devices/incubator/data", 0, false,
		[]byte(`{"sensors":[{"value":"412"}]}`)))

	select {
	case ev := <-data:
		reading := ev.Payload.(types.Reading)
		assert.Equal(t, 412.0, reading.Values["co2"])
		assert.Equal(t, "ppm", reading.Units["co2"])
		assert.Equal(t, "incubator", ev.DeviceID)
	case <-time.After(time.Second):
		t.Fatal("no data event")
	}
}

func TestTopicMapReadAndSet(t *testing.T) {
	broker := newMemBroker()
	a := newTestAdapter(t, broker)

	// retained before the adapter subscribes
	peer := broker.peer()
	require.NoError(t, peer.Publish(context.Background(), "lab/devices/incubator/humidity", 0, true, []byte("61.5")))

	cfg := mqttConfig()
	cfg.MQTT.Topics = types.TopicMap{
		"humidity": {Topic: "lab/devices/{deviceId}/humidity", Access: types.AccessTypeReadOnly, Unit: "%"},
		"setpoint": {Topic: "lab/devices/{deviceId}/setpoint", Access: types.AccessTypeReadWrite},
	}
	require.NoError(t, a.Connect(context.Background(), "incubator", cfg))

	event, err := a.ReadData(context.Background(), "incubator", types.Query{Names: []string{"humidity"}})
	require.NoError(t, err)
	reading := event.Payload.(types.Reading)
	assert.Equal(t, 61.5, reading.Values["humidity"])
	assert.Equal(t, "%", reading.Units["humidity"])

	written := make(chan string, 1)
	require.NoError(t, peer.Subscribe(context.Background(), "lab/devices/incubator/setpoint", 0, func(topic string, payload []byte) {
		written <- string(payload)
	}))

	result, err := a.SendCommand(context.Background(), "incubator", types.Command{
		Command:    "set",
		Parameters: map[string]any{"name": "setpoint", "value": 37.5},
	})
	require.NoError(t, err)
	assert.Equal(t, types.CommandCompleted, result.Status)
	assert.Equal(t, "37.5", <-written)

	var cfgErr *types.ConfigError
	_, err = a.SendCommand(context.Background(), "incubator", types.Command{
		Command:    "set",
		Parameters: map[string]any{"name": "humidity", "value": 1},
	})
	assert.ErrorAs(t, err, &cfgErr)

	_, err = a.SendCommand(context.Background(), "incubator", types.Command{
		Command:    "set",
		Parameters: map[string]any{"name": "co2", "value": 1},
	})
	assert.ErrorAs(t, err, &cfgErr)
}

func TestReadDataRequestsFreshReading(t *testing.T) {
	broker := newMemBroker()
	a := newTestAdapter(t, broker)

	peer := broker.peer()
	require.NoError(t, peer.Subscribe(context.Background(), "lab/devices/incubator/data/request", 0, func(topic string, payload []byte) {
		go peer.Publish(context.Background(), "lab/devices/incubator/data", 0, false, []byte(`{"temperature":36.9}`))
	}))

	require.NoError(t, a.Connect(context.Background(), "incubator", mqttConfig()))

	event, err := a.ReadData(context.Background(), "incubator", types.Query{})
	require.NoError(t, err)
	assert.Equal(t, 36.9, event.Payload.(types.Reading).Values["temperature"])
	assert.Equal(t, types.EventDataReceived, event.Type)
}

func TestBrokerLossReconnects(t *testing.T) {
	broker := newMemBroker()
	a := newTestAdapter(t, broker)

	cfg := mqttConfig()
	cfg.AutoReconnect = true
	cfg.ReconnectIntervalMs = 50
	require.NoError(t, a.Connect(context.Background(), "incubator", cfg))

	disconnected, unsubDisc := a.Subscribe(types.EventDisconnected)
	defer unsubDisc()
	connected, unsubConn := a.Subscribe(types.EventConnected)
	defer unsubConn()

	first := broker.lastClient()
	broker.drop(first)

	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("no disconnected event")
	}

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect")
	}

	assert.NotSame(t, first, broker.lastClient())
	assert.Equal(t, types.StateConnected, a.ConnectionState("incubator").State)
}

func TestReconnectIgnoresOwnRetainedStatus(t *testing.T) {
	broker := newMemBroker()
	a := newTestAdapter(t, broker)

	errs, unsubscribe := a.Subscribe(types.EventError)
	defer unsubscribe()

	cfg := mqttConfig()
	cfg.AutoReconnect = true
	cfg.ReconnectIntervalMs = 50

	require.NoError(t, a.Connect(context.Background(), "incubator", cfg))
	require.NoError(t, a.Disconnect(context.Background(), "incubator"))
	require.NoError(t, a.Connect(context.Background(), "incubator", cfg))

	connected, unsubConn := a.Subscribe(types.EventConnected)
	defer unsubConn()

	// the will of the dropped session is retained with the old client id
	broker.drop(broker.lastClient())
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect")
	}

	select {
	case ev := <-errs:
		t.Fatalf("unexpected error event: %+v", ev.Payload)
	case <-time.After(100 * time.Millisecond):
	}
	for _, e := range a.ConnectionState("incubator").Errors {
		assert.NotContains(t, e.Message, "device reported")
	}
}

func TestDeviceReportedOfflineIsAnError(t *testing.T) {
	broker := newMemBroker()
	a := newTestAdapter(t, broker)

	errs, unsubscribe := a.Subscribe(types.EventError)
	defer unsubscribe()

	require.NoError(t, a.Connect(context.Background(), "incubator", mqttConfig()))

	payload, _ := json.Marshal(statusMessage{Status: "offline", Reason: "door open"})
	require.NoError(t, broker.peer().Publish(context.Background(), "lab/devices/incubator/status", 1, false, payload))

	select {
	case ev := <-errs:
		assert.Contains(t, ev.Payload.(types.ErrorPayload).Message, "door open")
	case <-time.After(time.Second):
		t.Fatal("no error event")
	}
}

func TestBacklogDrainKeepsOrder(t *testing.T) {
	broker := newMemBroker()
	a := newTestAdapter(t, broker)

	data, unsubscribe := a.Subscribe(types.EventDataReceived)
	defer unsubscribe()

	require.NoError(t, a.Connect(context.Background(), "incubator", mqttConfig()))
	l, err := a.activeLink("incubator")
	require.NoError(t, err)

	seq := func(n int) []byte {
		out, _ := json.Marshal(map[string]any{"seq": n})
		return out
	}

	l.mu.Lock()
	l.started = false
	for i := 0; i < 50; i++ {
		l.backlog = append(l.backlog, message{topic: l.topics.Data, payload: seq(i)})
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 50; i < 100; i++ {
			l.receive(l.topics.Data, seq(i))
		}
	}()
	l.Start()
	<-done

	for want := 0; want < 100; want++ {
		select {
		case ev := <-data:
			assert.Equal(t, float64(want), ev.Payload.(types.Reading).Values["seq"])
		case <-time.After(time.Second):
			t.Fatalf("reading %d missing", want)
		}
	}
}

func TestConnectFailures(t *testing.T) {
	broker := newMemBroker()
	a := newTestAdapter(t, broker)

	cfg := mqttConfig()
	cfg.MQTT.BrokerURL = "http://broker.lab"
	var cfgErr *types.ConfigError
	assert.ErrorAs(t, a.Connect(context.Background(), "bad-url", cfg), &cfgErr)
	assert.Equal(t, types.StateDisconnected, a.ConnectionState("bad-url").State)

	broker.refuse = true
	var connErr *types.ConnectionError
	assert.ErrorAs(t, a.Connect(context.Background(), "refused", mqttConfig()), &connErr)
	assert.Zero(t, broker.clientCount())
}
