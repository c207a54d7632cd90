package serial

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/adapter"
	"github.com/KevinKickass/OpenLabCore/internal/transform"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"go.uber.org/zap"
)

const (
	USBAdapterID    = "usb"
	SocketAdapterID = "tcp-socket"

	readBufferSize = 4096
	keepAlive      = 30 * time.Second
)

// Protocol method signatures, returned by ProtocolMethod.
type (
	WriteRawFunc func(ctx context.Context, deviceID string, data []byte) error
	FlushFunc    func(deviceID string) error
)

// Adapter drives stream devices: USB/serial controllers or raw TCP sockets.
// Both share framing, command encoding and response correlation.
type Adapter struct {
	*adapter.Base
	openPort Opener
	dialTCP  func(ctx context.Context, address string, keepAlive bool) (net.Conn, error)
}

type Option func(*Adapter)

// WithPortOpener replaces the serial port opener, e.g. with net.Pipe in tests.
func WithPortOpener(opener Opener) Option {
	return func(a *Adapter) { a.openPort = opener }
}

// NewUSBAdapter handles usb devices through go.bug.st/serial.
func NewUSBAdapter(logger *zap.Logger, opts ...Option) *Adapter {
	return newAdapter(USBAdapterID, "USB/Serial", types.ConnectionUSB, logger, opts)
}

// NewSocketAdapter handles line or length-prefixed protocols over plain TCP.
func NewSocketAdapter(logger *zap.Logger, opts ...Option) *Adapter {
	return newAdapter(SocketAdapterID, "TCP Socket", types.ConnectionTCPSocket, logger, opts)
}

func newAdapter(id, name string, ct types.ConnectionType, logger *zap.Logger, opts []Option) *Adapter {
	a := &Adapter{openPort: OpenPort, dialTCP: dialTCP}
	for _, opt := range opts {
		opt(a)
	}

	a.Base = adapter.NewBase(adapter.Options{
		ID:              id,
		Name:            name,
		ConnectionTypes: []types.ConnectionType{ct},
		Dialer:          a,
		Logger:          logger,
		Features:        []string{"streaming", "raw-write"},
	})

	a.RegisterMethod("writeRaw", WriteRawFunc(func(ctx context.Context, deviceID string, data []byte) error {
		l, err := a.activeLink(deviceID)
		if err != nil {
			return err
		}
		return l.write(ctx, data)
	}))
	a.RegisterMethod("flush", FlushFunc(func(deviceID string) error {
		l, err := a.activeLink(deviceID)
		if err != nil {
			return err
		}
		l.flush()
		return nil
	}))

	return a
}

func dialTCP(ctx context.Context, address string, keep bool) (net.Conn, error) {
	d := net.Dialer{KeepAlive: -1}
	if keep {
		d.KeepAlive = keepAlive
	}
	return d.DialContext(ctx, "tcp", address)
}

func (a *Adapter) activeLink(deviceID string) (*link, error) {
	l, _, err := a.ActiveLink(deviceID)
	if err != nil {
		return nil, err
	}
	return l.(*link), nil
}

type streamParams struct {
	framing      types.FramingParams
	encoding     types.PayloadEncoding
	initCommands []string
}

func paramsOf(cfg types.DeviceConnectionConfig) streamParams {
	switch cfg.ConnectionType {
	case types.ConnectionUSB:
		return streamParams{framing: cfg.Serial.Framing, encoding: cfg.Serial.Encoding}
	case types.ConnectionTCPSocket:
		return streamParams{
			framing:      cfg.TCPSocket.Framing,
			encoding:     cfg.TCPSocket.Encoding,
			initCommands: cfg.TCPSocket.InitCommands,
		}
	}
	return streamParams{}
}

// Validate checks the framing parameters before any I/O.
func (a *Adapter) Validate(deviceID string, cfg types.DeviceConnectionConfig) error {
	if _, err := NewFramer(paramsOf(cfg).framing); err != nil {
		return &types.ConfigError{DeviceID: deviceID, Field: "framing", Err: err}
	}
	return nil
}

func (a *Adapter) Dial(ctx context.Context, deviceID string, cfg types.DeviceConnectionConfig) (adapter.Link, error) {
	sp := paramsOf(cfg)

	framer, err := NewFramer(sp.framing)
	if err != nil {
		return nil, &types.ConfigError{DeviceID: deviceID, Field: "framing", Err: err}
	}

	var port io.ReadWriteCloser
	switch cfg.ConnectionType {
	case types.ConnectionUSB:
		p := cfg.Serial
		port, err = a.openPort(PortConfig{
			Name:         p.Port,
			VendorID:     p.VendorID,
			ProductID:    p.ProductID,
			SerialNumber: p.SerialNumber,
			BaudRate:     p.BaudRate,
			DataBits:     p.DataBits,
			StopBits:     p.StopBits,
			Parity:       p.Parity,
		})
	case types.ConnectionTCPSocket:
		p := cfg.TCPSocket
		port, err = a.dialTCP(ctx, net.JoinHostPort(p.Host, strconv.Itoa(p.Port)), p.KeepAlive)
	default:
		err = fmt.Errorf("unsupported connection type %s", cfg.ConnectionType)
	}
	if err != nil {
		return nil, err
	}

	encoding := sp.encoding
	if encoding == "" {
		encoding = types.EncodingJSON
	}

	return &link{
		Lifeline:     adapter.NewLifeline(),
		owner:        a,
		deviceID:     deviceID,
		port:         port,
		framer:       framer,
		encoding:     encoding,
		transform:    cfg.Transform,
		initCommands: sp.initCommands,
		timeout:      cfg.Timeout(),
		logger:       a.Logger().With(zap.String("device_id", deviceID)),
	}, nil
}

// SendCommand writes the command as one frame. JSON devices answer with the
// command id, text devices answer in order.
func (a *Adapter) SendCommand(ctx context.Context, deviceID string, cmd types.Command) (*types.CommandResult, error) {
	return a.Execute(ctx, deviceID, cmd, func(ctx context.Context, l adapter.Link, cmd types.Command) error {
		sl := l.(*link)
		payload, err := sl.encodeCommand(cmd)
		if err != nil {
			return err
		}
		return sl.write(ctx, payload)
	})
}

// ReadData asks the device for a reading with a "read" command.
func (a *Adapter) ReadData(ctx context.Context, deviceID string, query types.Query) (types.DeviceEvent, error) {
	params := map[string]any{}
	if len(query.Names) > 0 {
		params["names"] = query.Names
	}
	for k, v := range query.Options {
		params[k] = v
	}

	result, err := a.SendCommand(ctx, deviceID, types.Command{Command: "read", Parameters: params})
	if err != nil {
		return types.DeviceEvent{}, err
	}

	l, _, _ := a.ActiveLink(deviceID)
	var spec *types.TransformSpec
	if sl, ok := l.(*link); ok {
		spec = sl.transform
	}

	reading, err := transform.Apply(spec, result.Data)
	if err != nil {
		return types.DeviceEvent{}, &types.CommandError{DeviceID: deviceID, CommandID: result.CommandID, Command: "read", Err: err}
	}
	reading.Source = a.ID()

	event := types.NewEvent(deviceID, types.EventDataReceived, reading)
	event.AdapterID = a.ID()
	return event, nil
}

type link struct {
	*adapter.Lifeline
	owner        *Adapter
	deviceID     string
	port         io.ReadWriteCloser
	encoding     types.PayloadEncoding
	transform    *types.TransformSpec
	initCommands []string
	timeout      time.Duration
	logger       *zap.Logger

	writeMu sync.Mutex

	framerMu sync.Mutex
	framer   *Framer

	wg sync.WaitGroup
}

func (l *link) Start() {
	l.wg.Add(1)
	go l.readLoop()

	if len(l.initCommands) > 0 {
		l.wg.Add(1)
		go l.sendInitCommands()
	}
}

func (l *link) Close() error {
	l.Cut(nil)
	err := l.port.Close()
	l.wg.Wait()
	return err
}

func (l *link) sendInitCommands() {
	defer l.wg.Done()

	for _, raw := range l.initCommands {
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		err := l.write(ctx, []byte(raw))
		cancel()
		if err != nil {
			l.logger.Warn("Init command failed", zap.String("command", raw), zap.Error(err))
			return
		}
	}
	l.logger.Debug("Init commands sent", zap.Int("count", len(l.initCommands)))
}

func (l *link) write(ctx context.Context, payload []byte) error {
	if l.IsCut() {
		return types.ErrNotConnected
	}

	l.framerMu.Lock()
	frame, err := l.framer.Encode(payload)
	l.framerMu.Unlock()
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if d, ok := l.port.(interface{ SetWriteDeadline(time.Time) error }); ok {
		deadline := time.Now().Add(l.timeout)
		if cd, ok := ctx.Deadline(); ok && cd.Before(deadline) {
			deadline = cd
		}
		d.SetWriteDeadline(deadline)
	}

	n, err := l.port.Write(frame)
	l.owner.RecordSent(l.deviceID, n)
	if err != nil {
		if !isTimeout(err) {
			l.Cut(err)
		}
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (l *link) flush() {
	l.framerMu.Lock()
	l.framer.Reset()
	l.framerMu.Unlock()
}

func (l *link) readLoop() {
	defer l.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, err := l.port.Read(buf)
		if n > 0 {
			l.framerMu.Lock()
			frames, ferr := l.framer.Push(buf[:n])
			l.framerMu.Unlock()

			if ferr != nil {
				l.owner.EmitError(l.deviceID, fmt.Errorf("framing: %w", ferr))
			}
			for _, frame := range frames {
				l.handleFrame(frame)
			}
		}
		if err != nil {
			if !l.IsCut() {
				l.logger.Debug("Stream read ended", zap.Error(err))
			}
			l.Cut(err)
			return
		}
	}
}

// handleFrame resolves a command response or publishes the frame as data.
func (l *link) handleFrame(frame []byte) {
	corr := l.owner.Correlator()

	switch l.encoding {
	case types.EncodingJSON:
		var obj map[string]any
		if err := json.Unmarshal(frame, &obj); err == nil {
			if result, ok := adapter.ParseResponse(obj); ok {
				corr.Resolve(result)
				l.owner.RecordReceived(l.deviceID, len(frame))
				return
			}
		}

	case types.EncodingText:
		if corr.PendingFor(l.deviceID) > 0 {
			corr.ResolveNext(l.deviceID, textResponse(string(frame)))
			l.owner.RecordReceived(l.deviceID, len(frame))
			return
		}
	}

	reading, err := transform.Apply(l.transform, transform.Decode(frame))
	if err != nil {
		l.owner.RecordReceived(l.deviceID, len(frame))
		l.owner.EmitError(l.deviceID, fmt.Errorf("transform: %w", err))
		return
	}
	reading.Source = l.owner.ID()
	l.owner.EmitData(l.deviceID, reading, len(frame))
}

// textResponse maps a reply line; ERR/NAK prefixes fail the command.
func textResponse(line string) types.CommandResult {
	line = strings.TrimSpace(line)
	upper := strings.ToUpper(line)
	if strings.HasPrefix(upper, "ERR") || strings.HasPrefix(upper, "NAK") {
		return types.CommandResult{Status: types.CommandFailed, Error: line}
	}
	return types.CommandResult{Status: types.CommandCompleted, Data: transform.Decode([]byte(line))}
}

func (l *link) encodeCommand(cmd types.Command) ([]byte, error) {
	if l.encoding == types.EncodingJSON {
		return json.Marshal(map[string]any{
			"id":         cmd.ID,
			"command":    cmd.Command,
			"parameters": cmd.Parameters,
		})
	}

	// text: COMMAND arg1 arg2 ... or COMMAND key=value ...
	parts := []string{cmd.Command}
	if args, ok := adapter.StringsParam(cmd.Parameters, "args"); ok {
		parts = append(parts, args...)
	} else {
		keys := make([]string, 0, len(cmd.Parameters))
		for k := range cmd.Parameters {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, cmd.Parameters[k]))
		}
	}
	return []byte(strings.Join(parts, " ")), nil
}
