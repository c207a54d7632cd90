package modbus

import (
	"encoding/binary"
	"fmt"
)

// PDU ist Function Code + Data, unabhängig vom Transport (TCP/RTU)
type PDU struct {
	FunctionCode uint8
	Data         []byte
}

// MBAP Header (7 Bytes) + PDU
type ModbusFrame struct {
	TransactionID uint16 // 2 Bytes - Request/Response Korrelation
	ProtocolID    uint16 // 2 Bytes - Immer 0x0000 für Modbus
	Length        uint16 // 2 Bytes - Anzahl folgender Bytes
	UnitID        uint8  // 1 Byte - Slave Address
	PDU
}

const (
	mbapHeaderSize = 7
	maxPDUSize     = 253

	// Protocol limits per request
	maxReadBits       = 2000
	maxReadRegisters  = 125
	maxWriteBits      = 1968
	maxWriteRegisters = 123
)

// Modbus Function Codes
const (
	FuncCodeReadCoils              = 0x01
	FuncCodeReadDiscreteInputs     = 0x02
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeReadInputRegisters     = 0x04
	FuncCodeWriteSingleCoil        = 0x05
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeWriteMultipleCoils     = 0x0F
	FuncCodeWriteMultipleRegisters = 0x10

	exceptionFlag = 0x80
)

// Exception codes
const (
	ExceptionIllegalFunction        = 0x01
	ExceptionIllegalDataAddress     = 0x02
	ExceptionIllegalDataValue       = 0x03
	ExceptionServerDeviceFailure    = 0x04
	ExceptionAcknowledge            = 0x05
	ExceptionServerDeviceBusy       = 0x06
	ExceptionGatewayPathUnavailable = 0x0A
	ExceptionGatewayTargetFailed    = 0x0B
)

// ExceptionError is a Modbus exception response from the device.
type ExceptionError struct {
	FunctionCode uint8
	Code         uint8
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus exception 0x%02X (%s) for function 0x%02X", e.Code, exceptionName(e.Code), e.FunctionCode)
}

func exceptionName(code uint8) string {
	switch code {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddress:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionServerDeviceFailure:
		return "server device failure"
	case ExceptionAcknowledge:
		return "acknowledge"
	case ExceptionServerDeviceBusy:
		return "server device busy"
	case ExceptionGatewayPathUnavailable:
		return "gateway path unavailable"
	case ExceptionGatewayTargetFailed:
		return "gateway target failed to respond"
	default:
		return "unknown"
	}
}

// Encode erstellt das komplette TCP Frame
func (f *ModbusFrame) Encode() []byte {
	f.Length = uint16(len(f.Data) + 2) // +2 für UnitID + FunctionCode

	frame := make([]byte, mbapHeaderSize+1+len(f.Data))

	binary.BigEndian.PutUint16(frame[0:2], f.TransactionID)
	binary.BigEndian.PutUint16(frame[2:4], f.ProtocolID)
	binary.BigEndian.PutUint16(frame[4:6], f.Length)
	frame[6] = f.UnitID

	frame[7] = f.FunctionCode
	copy(frame[8:], f.Data)

	return frame
}

// DecodeFrame parst ein empfangenes Frame
func DecodeFrame(data []byte) (*ModbusFrame, error) {
	if len(data) < mbapHeaderSize+1 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	frame := &ModbusFrame{
		TransactionID: binary.BigEndian.Uint16(data[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(data[2:4]),
		Length:        binary.BigEndian.Uint16(data[4:6]),
		UnitID:        data[6],
		PDU:           PDU{FunctionCode: data[7]},
	}

	if frame.ProtocolID != 0x0000 {
		return nil, fmt.Errorf("invalid protocol ID: 0x%04X", frame.ProtocolID)
	}
	if int(frame.Length) != len(data)-6 {
		return nil, fmt.Errorf("length mismatch: header %d, frame %d", frame.Length, len(data)-6)
	}

	if len(data) > 8 {
		frame.Data = append([]byte(nil), data[8:]...)
	}

	return frame, nil
}

// ReadRequest erstellt Request für Function Codes 0x01-0x04
func ReadRequest(functionCode uint8, startAddr, quantity uint16) PDU {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], startAddr)
	binary.BigEndian.PutUint16(data[2:4], quantity)
	return PDU{FunctionCode: functionCode, Data: data}
}

// WriteSingleCoilRequest erstellt Request für Function Code 0x05
func WriteSingleCoilRequest(addr uint16, on bool) PDU {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], addr)
	if on {
		binary.BigEndian.PutUint16(data[2:4], 0xFF00)
	}
	return PDU{FunctionCode: FuncCodeWriteSingleCoil, Data: data}
}

// WriteSingleRegisterRequest erstellt Request für Function Code 0x06
func WriteSingleRegisterRequest(addr uint16, value uint16) PDU {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], addr)
	binary.BigEndian.PutUint16(data[2:4], value)
	return PDU{FunctionCode: FuncCodeWriteSingleRegister, Data: data}
}

// WriteMultipleCoilsRequest erstellt Request für Function Code 0x0F
func WriteMultipleCoilsRequest(addr uint16, values []bool) PDU {
	byteCount := (len(values) + 7) / 8
	data := make([]byte, 5+byteCount)
	binary.BigEndian.PutUint16(data[0:2], addr)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(values)))
	data[4] = byte(byteCount)
	for i, v := range values {
		if v {
			data[5+i/8] |= 1 << (i % 8)
		}
	}
	return PDU{FunctionCode: FuncCodeWriteMultipleCoils, Data: data}
}

// WriteMultipleRegistersRequest erstellt Request für Function Code 0x10
func WriteMultipleRegistersRequest(addr uint16, values []uint16) PDU {
	data := make([]byte, 5+2*len(values))
	binary.BigEndian.PutUint16(data[0:2], addr)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(values)))
	data[4] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(data[5+2*i:], v)
	}
	return PDU{FunctionCode: FuncCodeWriteMultipleRegisters, Data: data}
}

// CheckResponse validates a response PDU against its request and turns
// exception responses into *ExceptionError.
func CheckResponse(request, response PDU) error {
	if response.FunctionCode == request.FunctionCode|exceptionFlag {
		code := uint8(0)
		if len(response.Data) > 0 {
			code = response.Data[0]
		}
		return &ExceptionError{FunctionCode: request.FunctionCode, Code: code}
	}
	if response.FunctionCode != request.FunctionCode {
		return fmt.Errorf("function code mismatch: expected 0x%02X, got 0x%02X", request.FunctionCode, response.FunctionCode)
	}
	return nil
}

// ParseRegisterResponse parst Holding/Input Register Response
func (p PDU) ParseRegisterResponse(quantity uint16) ([]uint16, error) {
	if len(p.Data) < 1 {
		return nil, fmt.Errorf("response too short")
	}

	byteCount := int(p.Data[0])
	if len(p.Data) < byteCount+1 || byteCount != int(quantity)*2 {
		return nil, fmt.Errorf("incomplete response data: %d bytes for %d registers", byteCount, quantity)
	}

	registers := make([]uint16, quantity)
	for i := range registers {
		offset := 1 + (i * 2)
		registers[i] = binary.BigEndian.Uint16(p.Data[offset : offset+2])
	}

	return registers, nil
}

// ParseBitResponse parst Coil/Discrete Input Response
func (p PDU) ParseBitResponse(quantity uint16) ([]bool, error) {
	if len(p.Data) < 1 {
		return nil, fmt.Errorf("response too short")
	}

	byteCount := int(p.Data[0])
	if len(p.Data) < byteCount+1 || byteCount < (int(quantity)+7)/8 {
		return nil, fmt.Errorf("incomplete response data: %d bytes for %d bits", byteCount, quantity)
	}

	bits := make([]bool, quantity)
	for i := range bits {
		bits[i] = p.Data[1+i/8]&(1<<(i%8)) != 0
	}
	return bits, nil
}
