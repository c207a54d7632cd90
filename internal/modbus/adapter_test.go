package modbus

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tbrandon/mbserver"
	"go.uber.org/zap/zaptest"
)

// startSimulator runs an mbserver Modbus TCP slave on a free local port.
func startSimulator(t *testing.T, setup func(s *mbserver.Server)) (string, int) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	require.NoError(t, l.Close())

	server := mbserver.NewServer()
	if setup != nil {
		setup(server)
	}
	require.NoError(t, server.ListenTCP(addr.String()))
	t.Cleanup(server.Close)

	return "127.0.0.1", addr.Port
}

func tcpConfig(host string, port int, registers types.RegisterMap) types.DeviceConnectionConfig {
	return types.DeviceConnectionConfig{
		ConnectionType: types.ConnectionModbusTCP,
		TimeoutMs:      1000,
		PollIntervalMs: 50,
		ModbusTCP: &types.ModbusTCPParams{
			Host:      host,
			Port:      port,
			UnitID:    1,
			Registers: registers,
		},
	}
}

func newConnectedAdapter(t *testing.T, cfg types.DeviceConnectionConfig) *Adapter {
	t.Helper()
	a := NewAdapter(zaptest.NewLogger(t))
	require.NoError(t, a.Initialize(context.Background()))
	require.NoError(t, a.Connect(context.Background(), "plc-1", cfg))
	t.Cleanup(func() { a.Close(context.Background()) })
	return a
}

func TestWriteThenReadRegister(t *testing.T) {
	host, port := startSimulator(t, nil)
	a := newConnectedAdapter(t, tcpConfig(host, port, types.RegisterMap{
		"temperature": {Address: 100, Type: types.RegisterTypeHolding, DataType: types.DataTypeInt16, Access: types.AccessTypeReadWrite},
	}))

	result, err := a.SendCommand(context.Background(), "plc-1", types.Command{
		Command:    "write",
		Parameters: map[string]any{"param": "temperature", "value": 25},
	})
	require.NoError(t, err)
	assert.Equal(t, types.CommandCompleted, result.Status)

	result, err = a.SendCommand(context.Background(), "plc-1", types.Command{
		Command:    "read",
		Parameters: map[string]any{"param": "temperature"},
	})
	require.NoError(t, err)
	data, ok := result.DataMap()
	require.True(t, ok)
	assert.EqualValues(t, 25, data["temperature"])
}

func TestRegisterNamedCommand(t *testing.T) {
	host, port := startSimulator(t, nil)
	a := newConnectedAdapter(t, tcpConfig(host, port, types.RegisterMap{
		"setpoint": {Address: 7, Type: types.RegisterTypeHolding, DataType: types.DataTypeFloat32, Access: types.AccessTypeReadWrite},
		"pump":     {Address: 3, Type: types.RegisterTypeCoil, Access: types.AccessTypeReadWrite},
	}))

	_, err := a.SendCommand(context.Background(), "plc-1", types.Command{Command: "setpoint", Parameters: map[string]any{"value": 37.5}})
	require.NoError(t, err)
	_, err = a.SendCommand(context.Background(), "plc-1", types.Command{Command: "pump", Parameters: map[string]any{"value": true}})
	require.NoError(t, err)

	event, err := a.ReadData(context.Background(), "plc-1", types.Query{})
	require.NoError(t, err)
	reading := event.Payload.(types.Reading)
	assert.InDelta(t, 37.5, reading.Values["setpoint"], 1e-6)
	assert.Equal(t, true, reading.Values["pump"])
}

func TestPollingEmitsAllValues(t *testing.T) {
	host, port := startSimulator(t, func(s *mbserver.Server) {
		s.HoldingRegisters[10] = 215
		s.InputRegisters[5] = 7
	})

	a := NewAdapter(zaptest.NewLogger(t))
	defer a.Close(context.Background())

	data, unsubscribe := a.Subscribe(types.EventDataReceived)
	defer unsubscribe()

	require.NoError(t, a.Connect(context.Background(), "plc-1", tcpConfig(host, port, types.RegisterMap{
		"temperature": {Address: 10, Type: types.RegisterTypeHolding, DataType: types.DataTypeUint16, ScaleFactor: 0.1, Unit: "C"},
		"stage":       {Address: 5, Type: types.RegisterTypeInput},
		"reset":       {Address: 0, Type: types.RegisterTypeCoil, Access: types.AccessTypeWriteOnly},
	})))

	select {
	case ev := <-data:
		reading := ev.Payload.(types.Reading)
		assert.InDelta(t, 21.5, reading.Values["temperature"], 1e-9)
		assert.EqualValues(t, 7, reading.Values["stage"])
		assert.NotContains(t, reading.Values, "reset")
		assert.Equal(t, "C", reading.Units["temperature"])
	case <-time.After(2 * time.Second):
		t.Fatal("no poll data received")
	}
}

func TestUnknownRegisterFailsFast(t *testing.T) {
	host, port := startSimulator(t, nil)
	a := newConnectedAdapter(t, tcpConfig(host, port, types.RegisterMap{
		"temperature": {Address: 100, Type: types.RegisterTypeHolding, Access: types.AccessTypeReadOnly},
	}))

	var cfgErr *types.ConfigError

	_, err := a.SendCommand(context.Background(), "plc-1", types.Command{Command: "read", Parameters: map[string]any{"param": "pressure"}})
	assert.ErrorAs(t, err, &cfgErr)

	_, err = a.SendCommand(context.Background(), "plc-1", types.Command{Command: "write", Parameters: map[string]any{"param": "temperature", "value": 1}})
	assert.ErrorAs(t, err, &cfgErr)

	_, err = a.SendCommand(context.Background(), "plc-1", types.Command{Command: "calibrate"})
	assert.ErrorAs(t, err, &cfgErr)

	assert.Zero(t, a.ConnectionState("plc-1").Statistics.CommandsSent)
}

func TestInvalidRegisterMapRejectedAtConnect(t *testing.T) {
	a := NewAdapter(zaptest.NewLogger(t))
	defer a.Close(context.Background())

	err := a.Connect(context.Background(), "plc-1", tcpConfig("127.0.0.1", 1, types.RegisterMap{
		"level": {Address: 1, Type: types.RegisterTypeInput, Access: types.AccessTypeReadWrite},
	}))

	var cfgErr *types.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "registers.level", cfgErr.Field)
	assert.Equal(t, types.StateDisconnected, a.ConnectionState("plc-1").State)
}

func TestConnectRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	a := NewAdapter(zaptest.NewLogger(t))
	defer a.Close(context.Background())

	err = a.Connect(context.Background(), "plc-1", tcpConfig("127.0.0.1", port, nil))
	var connErr *types.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, types.StateError, a.ConnectionState("plc-1").State)
}

func TestProtocolMethods(t *testing.T) {
	host, port := startSimulator(t, nil)
	a := newConnectedAdapter(t, tcpConfig(host, port, nil))
	ctx := context.Background()

	fn, ok := a.ProtocolMethod("writeRegisters")
	require.True(t, ok)
	require.NoError(t, fn.(WriteRegistersFunc)(ctx, "plc-1", 200, []uint16{1, 2, 3}))

	fn, ok = a.ProtocolMethod("readHoldingRegisters")
	require.True(t, ok)
	regs, err := fn.(ReadRegistersFunc)(ctx, "plc-1", 200, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2, 3}, regs)

	fn, _ = a.ProtocolMethod("writeCoils")
	require.NoError(t, fn.(WriteCoilsFunc)(ctx, "plc-1", 8, []bool{true, false, true}))

	fn, _ = a.ProtocolMethod("readCoils")
	bits, err := fn.(ReadBitsFunc)(ctx, "plc-1", 8, 3)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, bits)

	fn, _ = a.ProtocolMethod("readHoldingRegisters")
	_, err = fn.(ReadRegistersFunc)(ctx, "plc-1", 65535, 2)
	var exc *ExceptionError
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, uint8(ExceptionIllegalDataAddress), exc.Code)

	// an exception is not a transport failure
	assert.Equal(t, types.StateConnected, a.ConnectionState("plc-1").State)
}

func TestScanCommand(t *testing.T) {
	host, port := startSimulator(t, func(s *mbserver.Server) {
		s.HoldingRegisters[3] = 42
	})
	a := newConnectedAdapter(t, tcpConfig(host, port, nil))

	result, err := a.SendCommand(context.Background(), "plc-1", types.Command{
		Command:    "scan",
		Parameters: map[string]any{"startAddress": 0, "endAddress": 9},
	})
	require.NoError(t, err)

	data, _ := result.DataMap()
	values := data["values"].(map[string]any)
	assert.Len(t, values, 10)
	assert.Equal(t, uint16(42), values[strconv.Itoa(3)])
}

func TestPeerCloseCutsLink(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	a := NewAdapter(zaptest.NewLogger(t))
	defer a.Close(context.Background())

	disconnected, unsubscribe := a.Subscribe(types.EventDisconnected)
	defer unsubscribe()

	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, a.Connect(context.Background(), "plc-1", tcpConfig("127.0.0.1", port, types.RegisterMap{
		"temperature": {Address: 1, Type: types.RegisterTypeHolding},
	})))

	select {
	case ev := <-disconnected:
		assert.False(t, ev.Payload.(types.DisconnectPayload).Expected)
	case <-time.After(3 * time.Second):
		t.Fatal("transport loss not detected")
	}

	assert.Eventually(t, func() bool {
		return a.ConnectionState("plc-1").State == types.StateDisconnected
	}, time.Second, 5*time.Millisecond)
}

func TestGarbledResponseCutsLink(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 260)
				for {
					if _, err := conn.Read(buf); err != nil {
						return
					}
					// MBAP header with a length no frame can have
					conn.Write([]byte{0x00, 0x01, 0x00, 0x00, 0xFF, 0xFF, 0x01})
				}
			}()
		}
	}()

	a := NewAdapter(zaptest.NewLogger(t))
	defer a.Close(context.Background())

	disconnected, unsubscribe := a.Subscribe(types.EventDisconnected)
	defer unsubscribe()

	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, a.Connect(context.Background(), "plc-1", tcpConfig("127.0.0.1", port, types.RegisterMap{
		"temperature": {Address: 1, Type: types.RegisterTypeHolding},
	})))

	select {
	case ev := <-disconnected:
		assert.Contains(t, ev.Payload.(types.DisconnectPayload).Reason, "invalid MBAP length")
	case <-time.After(3 * time.Second):
		t.Fatal("garbled stream did not cut the link")
	}
}

func TestPartialFrameIsFramingError(t *testing.T) {
	client, device := net.Pipe()
	defer device.Close()

	go func() {
		buf := make([]byte, 260)
		if _, err := device.Read(buf); err != nil {
			return
		}
		// half a header, then silence until the deadline fires
		device.Write([]byte{0x00, 0x01, 0x00})
	}()

	transport := NewTCPTransport(client, 100*time.Millisecond)
	defer transport.Close()

	_, err := NewClient(transport, 1).ReadHoldingRegisters(context.Background(), 0, 1)
	require.ErrorIs(t, err, ErrFraming)
	assert.True(t, IsTransportError(err))
}
