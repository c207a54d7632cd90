package modbus

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/serial"
	"github.com/tbrandon/mbserver"
)

// RTU inter-frame silence at 9600 baud is ~4ms; keep a little margin.
const rtuTurnaround = 5 * time.Millisecond

// RTUTransport speaks Modbus RTU (address + PDU + CRC16) over a serial port.
type RTUTransport struct {
	port    serial.Port
	mu      sync.Mutex
	timeout time.Duration
}

func NewRTUTransport(port serial.Port, timeout time.Duration) *RTUTransport {
	return &RTUTransport{port: port, timeout: timeout}
}

func (t *RTUTransport) Close() error {
	return t.port.Close()
}

func (t *RTUTransport) Send(ctx context.Context, unitID uint8, request PDU) (PDU, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	frame := &mbserver.RTUFrame{
		Address:  unitID,
		Function: request.FunctionCode,
		Data:     request.Data,
	}

	stop := context.AfterFunc(ctx, func() {
		t.port.SetReadDeadline(time.Now())
	})
	defer stop()

	if _, err := t.port.Write(frame.Bytes()); err != nil {
		return PDU{}, fmt.Errorf("write failed: %w", ctxErr(ctx, err))
	}

	t.port.SetReadDeadline(requestDeadline(ctx, t.timeout))
	raw, err := t.readResponse(request.FunctionCode)
	if err != nil {
		return PDU{}, fmt.Errorf("read failed: %w", ctxErr(ctx, err))
	}

	// NewRTUFrame prüft die CRC
	response, err := mbserver.NewRTUFrame(raw)
	if err != nil {
		return PDU{}, fmt.Errorf("decode failed: %w", err)
	}
	if response.Address != unitID {
		return PDU{}, fmt.Errorf("unit ID mismatch: expected %d, got %d", unitID, response.Address)
	}

	time.Sleep(rtuTurnaround)

	return PDU{FunctionCode: response.Function, Data: append([]byte(nil), response.Data...)}, nil
}

// readResponse reads exactly one RTU frame. RTU has no length header, so the
// size follows from the function code.
func (t *RTUTransport) readResponse(functionCode uint8) ([]byte, error) {
	head := make([]byte, 3) // address, function, byte count | exception | addr hi
	if _, err := io.ReadFull(t.port, head); err != nil {
		return nil, err
	}

	var remaining int
	switch {
	case head[1] == functionCode|exceptionFlag:
		remaining = 2 // CRC
	case head[1] != functionCode:
		return nil, fmt.Errorf("unexpected function code 0x%02X", head[1])
	case functionCode <= FuncCodeReadInputRegisters:
		remaining = int(head[2]) + 2
	default:
		// write echo: addr(2) + value/quantity(2) + CRC(2), one byte already read
		remaining = 5
	}

	frame := make([]byte, 3+remaining)
	copy(frame, head)
	if _, err := io.ReadFull(t.port, frame[3:]); err != nil {
		return nil, err
	}
	return frame, nil
}
