package modbus

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/KevinKickass/OpenLabCore/internal/transform"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

// registerQuantity liefert die Anzahl 16-Bit Register für einen Datentyp
func registerQuantity(def types.RegisterDefinition) uint16 {
	if !isWordTable(def.Type) {
		return max(def.Length, 1)
	}

	switch def.DataType {
	case types.DataTypeInt32, types.DataTypeUint32, types.DataTypeFloat32:
		return 2
	case types.DataTypeFloat64:
		return 4
	case types.DataTypeString:
		return max(def.Length, 1)
	default:
		return 1
	}
}

func isWordTable(t types.RegisterType) bool {
	return t == types.RegisterTypeHolding || t == types.RegisterTypeInput
}

func scaling(def types.RegisterDefinition) (scale, offset float64) {
	scale = def.ScaleFactor
	if scale == 0 {
		scale = 1.0
	}
	return scale, def.Offset
}

// registersToBytes applies word and byte order so the result is big-endian.
func registersToBytes(def types.RegisterDefinition, registers []uint16) []byte {
	words := append([]uint16(nil), registers...)
	if def.WordOrder == types.LittleEndian {
		for i, j := 0, len(words)-1; i < j; i, j = i+1, j-1 {
			words[i], words[j] = words[j], words[i]
		}
	}

	buf := make([]byte, 2*len(words))
	for i, w := range words {
		if def.ByteOrder == types.LittleEndian {
			binary.LittleEndian.PutUint16(buf[2*i:], w)
		} else {
			binary.BigEndian.PutUint16(buf[2*i:], w)
		}
	}
	return buf
}

func bytesToRegisters(def types.RegisterDefinition, buf []byte) []uint16 {
	words := make([]uint16, len(buf)/2)
	for i := range words {
		if def.ByteOrder == types.LittleEndian {
			words[i] = binary.LittleEndian.Uint16(buf[2*i:])
		} else {
			words[i] = binary.BigEndian.Uint16(buf[2*i:])
		}
	}
	if def.WordOrder == types.LittleEndian {
		for i, j := 0, len(words)-1; i < j; i, j = i+1, j-1 {
			words[i], words[j] = words[j], words[i]
		}
	}
	return words
}

// decodeRegisters wandelt Rohregister in einen typisierten Wert. Integer ohne
// Skalierung bleiben int64, alles andere wird float64.
func decodeRegisters(def types.RegisterDefinition, registers []uint16) (any, error) {
	if len(registers) < int(registerQuantity(def)) {
		return nil, fmt.Errorf("got %d registers, need %d", len(registers), registerQuantity(def))
	}
	buf := registersToBytes(def, registers[:registerQuantity(def)])

	var raw float64
	integer := true

	switch def.DataType {
	case types.DataTypeBool:
		return binary.BigEndian.Uint16(buf) != 0, nil
	case types.DataTypeString:
		return strings.TrimRight(string(buf), "\x00 "), nil
	case types.DataTypeInt16:
		raw = float64(int16(binary.BigEndian.Uint16(buf)))
	case types.DataTypeUint16, "":
		raw = float64(binary.BigEndian.Uint16(buf))
	case types.DataTypeInt32:
		raw = float64(int32(binary.BigEndian.Uint32(buf)))
	case types.DataTypeUint32:
		raw = float64(binary.BigEndian.Uint32(buf))
	case types.DataTypeFloat32:
		raw = float64(math.Float32frombits(binary.BigEndian.Uint32(buf)))
		integer = false
	case types.DataTypeFloat64:
		raw = math.Float64frombits(binary.BigEndian.Uint64(buf))
		integer = false
	default:
		return nil, fmt.Errorf("unsupported data type: %s", def.DataType)
	}

	scale, offset := scaling(def)
	if integer && scale == 1 && offset == 0 {
		return int64(raw), nil
	}
	return raw*scale + offset, nil
}

// encodeValue is the inverse of decodeRegisters.
func encodeValue(def types.RegisterDefinition, value any) ([]uint16, error) {
	quantity := registerQuantity(def)
	buf := make([]byte, 2*quantity)

	switch def.DataType {
	case types.DataTypeBool:
		on, err := toBool(value)
		if err != nil {
			return nil, err
		}
		if on {
			binary.BigEndian.PutUint16(buf, 1)
		}
		return bytesToRegisters(def, buf), nil
	case types.DataTypeString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", value)
		}
		if len(s) > len(buf) {
			return nil, fmt.Errorf("string of %d bytes exceeds %d registers", len(s), quantity)
		}
		copy(buf, s)
		return bytesToRegisters(def, buf), nil
	}

	f, ok := transform.ToFloat(value)
	if !ok {
		return nil, fmt.Errorf("unsupported value type: %T", value)
	}
	scale, offset := scaling(def)
	raw := (f - offset) / scale

	switch def.DataType {
	case types.DataTypeInt16:
		n, err := integerInRange(raw, math.MinInt16, math.MaxInt16)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint16(buf, uint16(int16(n)))
	case types.DataTypeUint16, "":
		n, err := integerInRange(raw, 0, math.MaxUint16)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint16(buf, uint16(n))
	case types.DataTypeInt32:
		n, err := integerInRange(raw, math.MinInt32, math.MaxInt32)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint32(buf, uint32(int32(n)))
	case types.DataTypeUint32:
		n, err := integerInRange(raw, 0, math.MaxUint32)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint32(buf, uint32(n))
	case types.DataTypeFloat32:
		binary.BigEndian.PutUint32(buf, math.Float32bits(float32(raw)))
	case types.DataTypeFloat64:
		binary.BigEndian.PutUint64(buf, math.Float64bits(raw))
	default:
		return nil, fmt.Errorf("unsupported data type: %s", def.DataType)
	}

	return bytesToRegisters(def, buf), nil
}

func integerInRange(v float64, lo, hi float64) (int64, error) {
	n := math.Round(v)
	if n < lo || n > hi {
		return 0, fmt.Errorf("value %v out of range [%v, %v]", v, lo, hi)
	}
	return int64(n), nil
}

// decodeBits returns a single bool for one-bit definitions and a slice otherwise.
func decodeBits(def types.RegisterDefinition, bits []bool) any {
	if registerQuantity(def) == 1 && len(bits) > 0 {
		return bits[0]
	}
	return bits
}

func encodeBits(def types.RegisterDefinition, value any) ([]bool, error) {
	if list, ok := value.([]any); ok {
		bits := make([]bool, len(list))
		for i, v := range list {
			b, err := toBool(v)
			if err != nil {
				return nil, err
			}
			bits[i] = b
		}
		return bits, nil
	}
	if bits, ok := value.([]bool); ok {
		return bits, nil
	}
	b, err := toBool(value)
	if err != nil {
		return nil, err
	}
	return []bool{b}, nil
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "on", "1":
			return true, nil
		case "false", "off", "0":
			return false, nil
		}
	}
	if f, ok := transform.ToFloat(v); ok {
		return f != 0, nil
	}
	return false, fmt.Errorf("cannot convert %T to bool", v)
}
