package modbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"sync/atomic"

	"github.com/KevinKickass/OpenLabCore/internal/adapter"
	"github.com/KevinKickass/OpenLabCore/internal/serial"
	"github.com/KevinKickass/OpenLabCore/internal/transform"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"go.uber.org/zap"
)

const (
	AdapterID   = "modbus"
	DefaultPort = 502

	maxScanRange = 10000
)

// Protocol method signatures, returned by ProtocolMethod.
type (
	ReadBitsFunc       func(ctx context.Context, deviceID string, addr, quantity uint16) ([]bool, error)
	ReadRegistersFunc  func(ctx context.Context, deviceID string, addr, quantity uint16) ([]uint16, error)
	WriteCoilFunc      func(ctx context.Context, deviceID string, addr uint16, on bool) error
	WriteCoilsFunc     func(ctx context.Context, deviceID string, addr uint16, values []bool) error
	WriteRegisterFunc  func(ctx context.Context, deviceID string, addr, value uint16) error
	WriteRegistersFunc func(ctx context.Context, deviceID string, addr uint16, values []uint16) error
)

// Adapter handles modbus-tcp and modbus-rtu devices through one register map layer.
type Adapter struct {
	*adapter.Base
	openPort serial.Opener
}

type Option func(*Adapter)

// WithPortOpener replaces the serial port opener used for RTU.
func WithPortOpener(opener serial.Opener) Option {
	return func(a *Adapter) { a.openPort = opener }
}

func NewAdapter(logger *zap.Logger, opts ...Option) *Adapter {
	a := &Adapter{openPort: serial.OpenPort}
	for _, opt := range opts {
		opt(a)
	}

	a.Base = adapter.NewBase(adapter.Options{
		ID:              AdapterID,
		Name:            "Modbus TCP/RTU",
		ConnectionTypes: []types.ConnectionType{types.ConnectionModbusTCP, types.ConnectionModbusRTU},
		Dialer:          a,
		Logger:          logger,
		Features:        []string{"polling", "read", "write", "scan", "protocol-methods"},
	})
	a.registerMethods()

	return a
}

func (a *Adapter) registerMethods() {
	a.RegisterMethod("readCoils", ReadBitsFunc(func(ctx context.Context, deviceID string, addr, quantity uint16) ([]bool, error) {
		var out []bool
		err := a.withClient(ctx, deviceID, func(ctx context.Context, c *Client) (err error) {
			out, err = c.ReadCoils(ctx, addr, quantity)
			return err
		})
		return out, err
	}))
	a.RegisterMethod("readDiscreteInputs", ReadBitsFunc(func(ctx context.Context, deviceID string, addr, quantity uint16) ([]bool, error) {
		var out []bool
		err := a.withClient(ctx, deviceID, func(ctx context.Context, c *Client) (err error) {
			out, err = c.ReadDiscreteInputs(ctx, addr, quantity)
			return err
		})
		return out, err
	}))
	a.RegisterMethod("readHoldingRegisters", ReadRegistersFunc(func(ctx context.Context, deviceID string, addr, quantity uint16) ([]uint16, error) {
		var out []uint16
		err := a.withClient(ctx, deviceID, func(ctx context.Context, c *Client) (err error) {
			out, err = c.ReadHoldingRegisters(ctx, addr, quantity)
			return err
		})
		return out, err
	}))
	a.RegisterMethod("readInputRegisters", ReadRegistersFunc(func(ctx context.Context, deviceID string, addr, quantity uint16) ([]uint16, error) {
		var out []uint16
		err := a.withClient(ctx, deviceID, func(ctx context.Context, c *Client) (err error) {
			out, err = c.ReadInputRegisters(ctx, addr, quantity)
			return err
		})
		return out, err
	}))
	a.RegisterMethod("writeCoil", WriteCoilFunc(func(ctx context.Context, deviceID string, addr uint16, on bool) error {
		return a.withClient(ctx, deviceID, func(ctx context.Context, c *Client) error {
			return c.WriteSingleCoil(ctx, addr, on)
		})
	}))
	a.RegisterMethod("writeCoils", WriteCoilsFunc(func(ctx context.Context, deviceID string, addr uint16, values []bool) error {
		return a.withClient(ctx, deviceID, func(ctx context.Context, c *Client) error {
			return c.WriteMultipleCoils(ctx, addr, values)
		})
	}))
	a.RegisterMethod("writeRegister", WriteRegisterFunc(func(ctx context.Context, deviceID string, addr, value uint16) error {
		return a.withClient(ctx, deviceID, func(ctx context.Context, c *Client) error {
			return c.WriteSingleRegister(ctx, addr, value)
		})
	}))
	a.RegisterMethod("writeRegisters", WriteRegistersFunc(func(ctx context.Context, deviceID string, addr uint16, values []uint16) error {
		return a.withClient(ctx, deviceID, func(ctx context.Context, c *Client) error {
			return c.WriteMultipleRegisters(ctx, addr, values)
		})
	}))
}

func (a *Adapter) withClient(ctx context.Context, deviceID string, fn func(context.Context, *Client) error) error {
	l, cfg, err := a.activeLink(deviceID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()
	return l.call(ctx, fn)
}

func (a *Adapter) activeLink(deviceID string) (*link, types.DeviceConnectionConfig, error) {
	l, cfg, err := a.ActiveLink(deviceID)
	if err != nil {
		return nil, cfg, err
	}
	return l.(*link), cfg, nil
}

// Validate checks the register map before the first connection attempt.
func (a *Adapter) Validate(deviceID string, cfg types.DeviceConnectionConfig) error {
	switch cfg.ConnectionType {
	case types.ConnectionModbusTCP:
		return validateRegisters(deviceID, cfg.ModbusTCP.Registers)
	case types.ConnectionModbusRTU:
		return validateRegisters(deviceID, cfg.ModbusRTU.Registers)
	}
	return nil
}

// Dial opens the TCP or RTU transport.
func (a *Adapter) Dial(ctx context.Context, deviceID string, cfg types.DeviceConnectionConfig) (adapter.Link, error) {
	var (
		transport Transport
		unitID    uint8
		registers types.RegisterMap
	)

	switch cfg.ConnectionType {
	case types.ConnectionModbusTCP:
		p := cfg.ModbusTCP
		port := p.Port
		if port == 0 {
			port = DefaultPort
		}
		tcp, err := DialTCP(ctx, net.JoinHostPort(p.Host, strconv.Itoa(port)), cfg.Timeout())
		if err != nil {
			return nil, err
		}
		transport, unitID, registers = tcp, p.UnitID, p.Registers

	case types.ConnectionModbusRTU:
		p := cfg.ModbusRTU
		port, err := a.openPort(serial.PortConfig{
			Name:     p.Port,
			BaudRate: p.BaudRate,
			DataBits: p.DataBits,
			StopBits: p.StopBits,
			Parity:   p.Parity,
		})
		if err != nil {
			return nil, err
		}
		transport, unitID, registers = NewRTUTransport(port, cfg.Timeout()), p.UnitID, p.Registers

	default:
		return nil, fmt.Errorf("unsupported connection type %s", cfg.ConnectionType)
	}

	l := &link{
		Lifeline:  adapter.NewLifeline(),
		owner:     a,
		deviceID:  deviceID,
		client:    NewClient(transport, unitID),
		registers: registers,
		transform: cfg.Transform,
	}
	l.poller = adapter.NewPoller(deviceID, cfg.PollInterval(), l.poll, a.Logger().With(zap.String("device_id", deviceID)))

	return l, nil
}

// validateRegisters rejects register maps that could only fail at runtime.
func validateRegisters(deviceID string, registers types.RegisterMap) error {
	for name, def := range registers {
		field := "registers." + name
		fail := func(format string, args ...any) error {
			return &types.ConfigError{DeviceID: deviceID, Field: field, Err: fmt.Errorf(format, args...)}
		}

		switch def.Type {
		case types.RegisterTypeCoil, types.RegisterTypeDiscrete:
			if def.DataType != "" && def.DataType != types.DataTypeBool {
				return fail("%s registers hold bits, not %s", def.Type, def.DataType)
			}
		case types.RegisterTypeHolding, types.RegisterTypeInput:
			if def.DataType == types.DataTypeString && def.Length == 0 {
				return fail("string registers need a length")
			}
		default:
			return fail("unknown register type %q", def.Type)
		}

		if def.Access.CanWrite() && !def.Type.Writable() {
			return fail("%s registers are read-only", def.Type)
		}
		if int(def.Address)+int(registerQuantity(def)) > 0x10000 {
			return fail("address %d + %d exceeds register space", def.Address, registerQuantity(def))
		}
	}
	return nil
}

// SendCommand runs read, write, scan or a register name command.
func (a *Adapter) SendCommand(ctx context.Context, deviceID string, cmd types.Command) (*types.CommandResult, error) {
	l, _, err := a.activeLink(deviceID)
	if err != nil {
		return nil, err
	}

	op, err := l.plan(cmd)
	if err != nil {
		return nil, err
	}

	return a.Execute(ctx, deviceID, cmd, func(ctx context.Context, _ adapter.Link, cmd types.Command) error {
		data, err := op(ctx)
		if err != nil {
			return err
		}
		a.Correlator().Complete(cmd.ID, data)
		return nil
	})
}

// ReadData reads the queried registers (all readable ones when empty).
func (a *Adapter) ReadData(ctx context.Context, deviceID string, query types.Query) (types.DeviceEvent, error) {
	l, cfg, err := a.activeLink(deviceID)
	if err != nil {
		return types.DeviceEvent{}, err
	}
	if err := l.checkReadable(query.Names); err != nil {
		return types.DeviceEvent{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	reading, n, err := l.readAll(ctx, query.Names)
	if err != nil {
		return types.DeviceEvent{}, &types.CommandError{DeviceID: deviceID, Command: "readData", Err: err}
	}
	a.RecordReceived(deviceID, n)

	event := types.NewEvent(deviceID, types.EventDataReceived, reading)
	event.AdapterID = a.ID()
	return event, nil
}

// link is one Modbus session. Client access is serialized by the transport.
type link struct {
	*adapter.Lifeline
	owner     *Adapter
	deviceID  string
	client    *Client
	registers types.RegisterMap
	transform *types.TransformSpec
	poller    *adapter.Poller
	failing   atomic.Bool
}

func (l *link) Start() {
	for _, def := range l.registers {
		if def.Access != types.AccessTypeWriteOnly {
			l.poller.Start()
			return
		}
	}
}

func (l *link) Close() error {
	l.Cut(nil)
	err := l.client.Close()
	l.poller.Stop()
	return err
}

// call runs fn against the client and cuts the link on transport errors.
func (l *link) call(ctx context.Context, fn func(context.Context, *Client) error) error {
	if l.IsCut() {
		return types.ErrNotConnected
	}
	err := fn(ctx, l.client)
	if isTransportError(err) {
		l.Cut(err)
	}
	return err
}

func isTransportError(err error) bool {
	if errors.Is(err, ErrFraming) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return false
	}
	return IsTransportError(err) || errors.Is(err, os.ErrClosed)
}

func (l *link) poll(ctx context.Context) error {
	reading, n, err := l.readAll(ctx, nil)
	if err != nil {
		if !l.IsCut() && !l.failing.Swap(true) {
			l.owner.EmitError(l.deviceID, &types.CommandError{DeviceID: l.deviceID, Command: "poll", Err: err})
		}
		return err
	}
	l.failing.Store(false)
	l.owner.EmitData(l.deviceID, reading, n)
	return nil
}

func (l *link) readableNames() []string {
	names := make([]string, 0, len(l.registers))
	for name, def := range l.registers {
		if def.Access != types.AccessTypeWriteOnly {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

func (l *link) checkReadable(names []string) error {
	for _, name := range names {
		def, ok := l.registers[name]
		if !ok {
			return &types.ConfigError{DeviceID: l.deviceID, Field: name, Err: errors.New("register not found")}
		}
		if def.Access == types.AccessTypeWriteOnly {
			return &types.ConfigError{DeviceID: l.deviceID, Field: name, Err: errors.New("register is write-only")}
		}
	}
	return nil
}

func (l *link) checkWritable(name string) (types.RegisterDefinition, error) {
	def, ok := l.registers[name]
	if !ok {
		return def, &types.ConfigError{DeviceID: l.deviceID, Field: name, Err: errors.New("register not found")}
	}
	if !def.Access.CanWrite() {
		return def, &types.ConfigError{DeviceID: l.deviceID, Field: name, Err: errors.New("register is read-only")}
	}
	return def, nil
}

// readAll reads named registers into a reading and reports the payload size.
func (l *link) readAll(ctx context.Context, names []string) (types.Reading, int, error) {
	if len(names) == 0 {
		names = l.readableNames()
	}

	reading := types.Reading{Values: make(map[string]any, len(names)), Source: "modbus"}
	var n int
	for _, name := range names {
		def := l.registers[name]
		value, err := l.readRegister(ctx, def)
		if err != nil {
			return types.Reading{}, 0, fmt.Errorf("register %s: %w", name, err)
		}
		reading.Values[name] = value
		n += 2 * int(registerQuantity(def))

		if def.Unit != "" {
			if reading.Units == nil {
				reading.Units = make(map[string]string)
			}
			reading.Units[name] = def.Unit
		}
	}

	if l.transform != nil {
		transformed, err := transform.Apply(l.transform, reading.Values)
		if err != nil {
			return types.Reading{}, 0, err
		}
		transformed.Source = reading.Source
		for k, v := range reading.Units {
			if _, ok := transformed.Values[k]; ok {
				if transformed.Units == nil {
					transformed.Units = make(map[string]string)
				}
				if _, set := transformed.Units[k]; !set {
					transformed.Units[k] = v
				}
			}
		}
		reading = transformed
	}

	return reading, n, nil
}

func (l *link) readRegister(ctx context.Context, def types.RegisterDefinition) (any, error) {
	quantity := registerQuantity(def)

	var value any
	err := l.call(ctx, func(ctx context.Context, c *Client) error {
		switch def.Type {
		case types.RegisterTypeCoil, types.RegisterTypeDiscrete:
			read := c.ReadCoils
			if def.Type == types.RegisterTypeDiscrete {
				read = c.ReadDiscreteInputs
			}
			bits, err := read(ctx, def.Address, quantity)
			if err != nil {
				return err
			}
			value = decodeBits(def, bits)
			return nil

		default:
			read := c.ReadHoldingRegisters
			if def.Type == types.RegisterTypeInput {
				read = c.ReadInputRegisters
			}
			regs, err := read(ctx, def.Address, quantity)
			if err != nil {
				return err
			}
			value, err = decodeRegisters(def, regs)
			return err
		}
	})
	return value, err
}

func (l *link) writeRegister(ctx context.Context, def types.RegisterDefinition, value any) error {
	return l.call(ctx, func(ctx context.Context, c *Client) error {
		if def.Type == types.RegisterTypeCoil {
			bits, err := encodeBits(def, value)
			if err != nil {
				return err
			}
			if len(bits) == 1 {
				return c.WriteSingleCoil(ctx, def.Address, bits[0])
			}
			return c.WriteMultipleCoils(ctx, def.Address, bits)
		}

		regs, err := encodeValue(def, value)
		if err != nil {
			return err
		}
		if len(regs) == 1 {
			return c.WriteSingleRegister(ctx, def.Address, regs[0])
		}
		return c.WriteMultipleRegisters(ctx, def.Address, regs)
	})
}

type operation func(ctx context.Context) (any, error)

// plan resolves a command against the register map before anything is sent.
func (l *link) plan(cmd types.Command) (operation, error) {
	params := cmd.Parameters

	switch cmd.Command {
	case "read":
		if def, ok, err := rawRegister(params); ok || err != nil {
			if err != nil {
				return nil, &types.ConfigError{DeviceID: l.deviceID, Field: "parameters", Err: err}
			}
			return func(ctx context.Context) (any, error) {
				value, err := l.readRegister(ctx, def)
				if err != nil {
					return nil, err
				}
				return map[string]any{"address": def.Address, "value": value}, nil
			}, nil
		}

		names, ok := adapter.StringsParam(params, "names")
		if !ok {
			if name, ok := adapter.StringParam(params, "param", "name"); ok {
				names = []string{name}
			}
		}
		if err := l.checkReadable(names); err != nil {
			return nil, err
		}
		return func(ctx context.Context) (any, error) {
			reading, _, err := l.readAll(ctx, names)
			if err != nil {
				return nil, err
			}
			return reading.Values, nil
		}, nil

	case "write":
		if def, ok, err := rawRegister(params); ok || err != nil {
			if err == nil && !def.Type.Writable() {
				err = fmt.Errorf("%s registers are read-only", def.Type)
			}
			if err != nil {
				return nil, &types.ConfigError{DeviceID: l.deviceID, Field: "parameters", Err: err}
			}
			value := params["value"]
			return func(ctx context.Context) (any, error) {
				if err := l.writeRegister(ctx, def, value); err != nil {
					return nil, err
				}
				return map[string]any{"address": def.Address, "value": value}, nil
			}, nil
		}

		values, ok := params["values"].(map[string]any)
		if !ok {
			name, hasName := adapter.StringParam(params, "param", "name")
			value, hasValue := params["value"]
			if !hasName || !hasValue {
				return nil, &types.ConfigError{DeviceID: l.deviceID, Field: "parameters", Err: errors.New("write needs param and value")}
			}
			values = map[string]any{name: value}
		}
		return l.planWrites(values)

	case "scan":
		return l.planScan(params)
	}

	// command named after a register: write when a value is given, else read
	if _, ok := l.registers[cmd.Command]; ok {
		if value, hasValue := params["value"]; hasValue {
			return l.planWrites(map[string]any{cmd.Command: value})
		}
		names := []string{cmd.Command}
		if err := l.checkReadable(names); err != nil {
			return nil, err
		}
		return func(ctx context.Context) (any, error) {
			reading, _, err := l.readAll(ctx, names)
			if err != nil {
				return nil, err
			}
			return reading.Values, nil
		}, nil
	}

	return nil, &types.ConfigError{DeviceID: l.deviceID, Field: "command", Err: fmt.Errorf("unknown command %q", cmd.Command)}
}

func (l *link) planWrites(values map[string]any) (operation, error) {
	names := make([]string, 0, len(values))
	defs := make(map[string]types.RegisterDefinition, len(values))
	for name := range values {
		def, err := l.checkWritable(name)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
		defs[name] = def
	}
	slices.Sort(names)

	return func(ctx context.Context) (any, error) {
		for _, name := range names {
			if err := l.writeRegister(ctx, defs[name], values[name]); err != nil {
				return nil, fmt.Errorf("register %s: %w", name, err)
			}
		}
		return map[string]any{"written": names}, nil
	}, nil
}

// planScan reads a raw address range in protocol-sized chunks. Chunks the
// device rejects with an exception are skipped.
func (l *link) planScan(params map[string]any) (operation, error) {
	fail := func(err error) (operation, error) {
		return nil, &types.ConfigError{DeviceID: l.deviceID, Field: "parameters", Err: err}
	}

	regType := types.RegisterTypeHolding
	if s, ok := adapter.StringParam(params, "registerType", "register_type"); ok {
		regType = types.RegisterType(s)
	}
	start, err := adapter.Uint16Param(params, "startAddress")
	if err != nil {
		return fail(err)
	}
	end, err := adapter.Uint16Param(params, "endAddress")
	if err != nil {
		return fail(err)
	}
	if end < start || int(end-start) >= maxScanRange {
		return fail(fmt.Errorf("invalid scan range %d..%d", start, end))
	}

	chunk := maxReadRegisters
	switch regType {
	case types.RegisterTypeHolding, types.RegisterTypeInput:
	case types.RegisterTypeCoil, types.RegisterTypeDiscrete:
		chunk = maxReadBits
	default:
		return fail(fmt.Errorf("unknown register type %q", regType))
	}

	return func(ctx context.Context) (any, error) {
		found := make(map[string]any)
		for addr := int(start); addr <= int(end); addr += chunk {
			quantity := uint16(min(chunk, int(end)-addr+1))
			err := l.call(ctx, func(ctx context.Context, c *Client) error {
				switch regType {
				case types.RegisterTypeCoil, types.RegisterTypeDiscrete:
					read := c.ReadCoils
					if regType == types.RegisterTypeDiscrete {
						read = c.ReadDiscreteInputs
					}
					bits, err := read(ctx, uint16(addr), quantity)
					for i, b := range bits {
						found[strconv.Itoa(addr+i)] = b
					}
					return err
				default:
					read := c.ReadHoldingRegisters
					if regType == types.RegisterTypeInput {
						read = c.ReadInputRegisters
					}
					regs, err := read(ctx, uint16(addr), quantity)
					for i, r := range regs {
						found[strconv.Itoa(addr+i)] = r
					}
					return err
				}
			})

			var exc *ExceptionError
			if err != nil && !errors.As(err, &exc) {
				return nil, err
			}
		}
		return map[string]any{"registerType": regType, "values": found}, nil
	}, nil
}

// rawRegister parses {registerType, address, length, dataType} parameters.
// ok is false when no address is given.
func rawRegister(params map[string]any) (types.RegisterDefinition, bool, error) {
	if _, has := params["address"]; !has {
		return types.RegisterDefinition{}, false, nil
	}

	addr, err := adapter.Uint16Param(params, "address")
	if err != nil {
		return types.RegisterDefinition{}, true, err
	}

	def := types.RegisterDefinition{Address: addr, Type: types.RegisterTypeHolding}
	if s, ok := adapter.StringParam(params, "registerType", "register_type"); ok {
		def.Type = types.RegisterType(s)
	}
	if s, ok := adapter.StringParam(params, "dataType", "data_type"); ok {
		def.DataType = types.DataType(s)
	}
	if n, ok := adapter.IntParam(params, "length"); ok && n > 0 && n <= maxReadRegisters {
		def.Length = uint16(n)
	}
	if !isWordTable(def.Type) {
		def.DataType = types.DataTypeBool
	}

	if err := validateRegisters("", types.RegisterMap{"raw": def}); err != nil {
		var cfgErr *types.ConfigError
		if errors.As(err, &cfgErr) {
			err = cfgErr.Err
		}
		return def, true, err
	}
	return def, true, nil
}
