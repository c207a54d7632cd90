package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ErrFraming means the byte stream no longer lines up with frame boundaries.
// Only a fresh connection recovers from it.
var ErrFraming = errors.New("modbus framing lost")

// Transport sends one request PDU and returns the matching response PDU.
// Implementations serialize access to the underlying connection.
type Transport interface {
	Send(ctx context.Context, unitID uint8, request PDU) (PDU, error)
	Close() error
}

// TCPTransport speaks Modbus TCP (MBAP framing) over a net.Conn.
type TCPTransport struct {
	conn          net.Conn
	mu            sync.Mutex
	transactionID uint16
	timeout       time.Duration
}

// DialTCP stellt TCP-Verbindung her
func DialTCP(ctx context.Context, address string, timeout time.Duration) (*TCPTransport, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	return NewTCPTransport(conn, timeout), nil
}

func NewTCPTransport(conn net.Conn, timeout time.Duration) *TCPTransport {
	return &TCPTransport{conn: conn, timeout: timeout}
}

// Close schließt die Verbindung
func (t *TCPTransport) Close() error {
	return t.conn.Close()
}

// Send sendet ein Frame und wartet auf Response
func (t *TCPTransport) Send(ctx context.Context, unitID uint8, request PDU) (PDU, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Unique Transaction ID
	t.transactionID++
	frame := &ModbusFrame{TransactionID: t.transactionID, UnitID: unitID, PDU: request}

	deadline := requestDeadline(ctx, t.timeout)
	stop := watchContext(ctx, t.conn)
	defer stop()

	t.conn.SetWriteDeadline(deadline)
	if _, err := t.conn.Write(frame.Encode()); err != nil {
		return PDU{}, fmt.Errorf("write failed: %w", ctxErr(ctx, err))
	}

	t.conn.SetReadDeadline(deadline)
	for {
		response, err := t.readFrame()
		if err != nil {
			return PDU{}, fmt.Errorf("read failed: %w", ctxErr(ctx, err))
		}

		// Antworten auf abgelaufene Requests verwerfen
		if response.TransactionID != frame.TransactionID {
			continue
		}
		if response.UnitID != unitID {
			return PDU{}, fmt.Errorf("unit ID mismatch: expected %d, got %d", unitID, response.UnitID)
		}
		return response.PDU, nil
	}
}

func (t *TCPTransport) readFrame() (*ModbusFrame, error) {
	header := make([]byte, mbapHeaderSize)
	if n, err := io.ReadFull(t.conn, header); err != nil {
		if n > 0 {
			return nil, fmt.Errorf("%w: %w", ErrFraming, err)
		}
		return nil, err
	}

	length := int(binary.BigEndian.Uint16(header[4:6]))
	if length < 2 || length > maxPDUSize+1 {
		return nil, fmt.Errorf("%w: invalid MBAP length %d", ErrFraming, length)
	}

	buf := make([]byte, mbapHeaderSize+length-1)
	copy(buf, header)
	if _, err := io.ReadFull(t.conn, buf[mbapHeaderSize:]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFraming, err)
	}
	frame, err := DecodeFrame(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFraming, err)
	}
	return frame, nil
}

// requestDeadline is the earlier of the context deadline and now+timeout.
func requestDeadline(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// watchContext unblocks pending I/O when ctx is cancelled.
func watchContext(ctx context.Context, conn deadliner) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	if errors.Is(err, ErrFraming) {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return ctx.Err()
}

// IsTransportError reports whether err means the connection itself is gone
// or unusable, as opposed to a timeout or a Modbus exception.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrFraming) {
		return true
	}
	var exc *ExceptionError
	if errors.As(err, &exc) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) || errors.As(err, new(*net.OpError))
}

// Client bietet die Modbus-Funktionen für eine Unit über einen Transport
type Client struct {
	transport Transport
	unitID    uint8
}

func NewClient(transport Transport, unitID uint8) *Client {
	return &Client{transport: transport, unitID: unitID}
}

func (c *Client) Close() error {
	return c.transport.Close()
}

func (c *Client) do(ctx context.Context, request PDU) (PDU, error) {
	response, err := c.transport.Send(ctx, c.unitID, request)
	if err != nil {
		return PDU{}, err
	}
	if err := CheckResponse(request, response); err != nil {
		return PDU{}, err
	}
	return response, nil
}

func (c *Client) readBits(ctx context.Context, functionCode uint8, addr, quantity uint16) ([]bool, error) {
	if quantity == 0 || quantity > maxReadBits {
		return nil, fmt.Errorf("quantity %d out of range 1-%d", quantity, maxReadBits)
	}
	response, err := c.do(ctx, ReadRequest(functionCode, addr, quantity))
	if err != nil {
		return nil, err
	}
	return response.ParseBitResponse(quantity)
}

func (c *Client) readRegisters(ctx context.Context, functionCode uint8, addr, quantity uint16) ([]uint16, error) {
	if quantity == 0 || quantity > maxReadRegisters {
		return nil, fmt.Errorf("quantity %d out of range 1-%d", quantity, maxReadRegisters)
	}
	response, err := c.do(ctx, ReadRequest(functionCode, addr, quantity))
	if err != nil {
		return nil, err
	}
	return response.ParseRegisterResponse(quantity)
}

// ReadCoils liest Coils (0x01)
func (c *Client) ReadCoils(ctx context.Context, addr, quantity uint16) ([]bool, error) {
	return c.readBits(ctx, FuncCodeReadCoils, addr, quantity)
}

// ReadDiscreteInputs liest Discrete Inputs (0x02)
func (c *Client) ReadDiscreteInputs(ctx context.Context, addr, quantity uint16) ([]bool, error) {
	return c.readBits(ctx, FuncCodeReadDiscreteInputs, addr, quantity)
}

// ReadHoldingRegisters liest Holding Registers (0x03)
func (c *Client) ReadHoldingRegisters(ctx context.Context, addr, quantity uint16) ([]uint16, error) {
	return c.readRegisters(ctx, FuncCodeReadHoldingRegisters, addr, quantity)
}

// ReadInputRegisters liest Input Registers (0x04)
func (c *Client) ReadInputRegisters(ctx context.Context, addr, quantity uint16) ([]uint16, error) {
	return c.readRegisters(ctx, FuncCodeReadInputRegisters, addr, quantity)
}

// WriteSingleCoil schreibt eine Coil (0x05)
func (c *Client) WriteSingleCoil(ctx context.Context, addr uint16, on bool) error {
	_, err := c.do(ctx, WriteSingleCoilRequest(addr, on))
	return err
}

// WriteSingleRegister schreibt ein einzelnes Register (0x06)
func (c *Client) WriteSingleRegister(ctx context.Context, addr uint16, value uint16) error {
	_, err := c.do(ctx, WriteSingleRegisterRequest(addr, value))
	return err
}

// WriteMultipleCoils schreibt mehrere Coils (0x0F)
func (c *Client) WriteMultipleCoils(ctx context.Context, addr uint16, values []bool) error {
	if len(values) == 0 || len(values) > maxWriteBits {
		return fmt.Errorf("quantity %d out of range 1-%d", len(values), maxWriteBits)
	}
	_, err := c.do(ctx, WriteMultipleCoilsRequest(addr, values))
	return err
}

// WriteMultipleRegisters schreibt mehrere Register (0x10)
func (c *Client) WriteMultipleRegisters(ctx context.Context, addr uint16, values []uint16) error {
	if len(values) == 0 || len(values) > maxWriteRegisters {
		return fmt.Errorf("quantity %d out of range 1-%d", len(values), maxWriteRegisters)
	}
	_, err := c.do(ctx, WriteMultipleRegistersRequest(addr, values))
	return err
}
