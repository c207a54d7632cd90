package serial

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenLabCore/internal/types"
)

const (
	DefaultDelimiter    = "\n"
	DefaultPrefixSize   = 2
	DefaultMaxFrameSize = 64 * 1024
)

var ErrFrameTooLarge = errors.New("frame exceeds max frame size")

// Framer splits a byte stream into frames and buffers partial frames between
// reads. It is not safe for concurrent use.
type Framer struct {
	mode       types.FramingMode
	delimiter  []byte
	prefixSize int
	maxSize    int
	buf        bytes.Buffer
}

func NewFramer(p types.FramingParams) (*Framer, error) {
	f := &Framer{
		mode:       p.Mode,
		delimiter:  []byte(p.Delimiter),
		prefixSize: p.PrefixSize,
		maxSize:    p.MaxFrameSize,
	}
	if f.mode == "" {
		f.mode = types.FramingDelimiter
	}
	if len(f.delimiter) == 0 {
		f.delimiter = []byte(DefaultDelimiter)
	}
	if f.prefixSize == 0 {
		f.prefixSize = DefaultPrefixSize
	}
	if f.maxSize <= 0 {
		f.maxSize = DefaultMaxFrameSize
	}

	switch f.mode {
	case types.FramingDelimiter:
	case types.FramingLengthPrefix:
		if f.prefixSize != 1 && f.prefixSize != 2 && f.prefixSize != 4 {
			return nil, fmt.Errorf("prefix size must be 1, 2 or 4, got %d", f.prefixSize)
		}
	default:
		return nil, fmt.Errorf("unknown framing mode %q", f.mode)
	}
	return f, nil
}

// Push appends data and returns every complete frame. An oversized frame is
// dropped, reported as ErrFrameTooLarge and the stream resynchronizes on the
// next delimiter or header.
func (f *Framer) Push(data []byte) ([][]byte, error) {
	f.buf.Write(data)

	var (
		frames [][]byte
		err    error
	)
	for {
		frame, ok, ferr := f.next()
		if ferr != nil {
			err = ferr
			continue
		}
		if !ok {
			break
		}
		frames = append(frames, frame)
	}
	return frames, err
}

func (f *Framer) next() ([]byte, bool, error) {
	if f.mode == types.FramingLengthPrefix {
		return f.nextPrefixed()
	}

	data := f.buf.Bytes()
	i := bytes.Index(data, f.delimiter)
	if i < 0 {
		if f.buf.Len() > f.maxSize {
			// keep a possible partial delimiter at the tail
			keep := len(f.delimiter) - 1
			tail := append([]byte(nil), data[len(data)-keep:]...)
			f.buf.Reset()
			f.buf.Write(tail)
			return nil, false, ErrFrameTooLarge
		}
		return nil, false, nil
	}

	frame := append([]byte(nil), data[:i]...)
	f.buf.Next(i + len(f.delimiter))
	if len(frame) > f.maxSize {
		return nil, false, ErrFrameTooLarge
	}
	return frame, true, nil
}

func (f *Framer) nextPrefixed() ([]byte, bool, error) {
	data := f.buf.Bytes()
	if len(data) < f.prefixSize {
		return nil, false, nil
	}

	var size int
	switch f.prefixSize {
	case 1:
		size = int(data[0])
	case 2:
		size = int(binary.BigEndian.Uint16(data))
	case 4:
		size = int(binary.BigEndian.Uint32(data))
	}

	if size > f.maxSize {
		// header is garbage, nothing to resync on but the next byte
		f.buf.Next(1)
		return nil, false, ErrFrameTooLarge
	}
	if len(data) < f.prefixSize+size {
		return nil, false, nil
	}

	frame := append([]byte(nil), data[f.prefixSize:f.prefixSize+size]...)
	f.buf.Next(f.prefixSize + size)
	return frame, true, nil
}

// Encode frames one outgoing payload.
func (f *Framer) Encode(payload []byte) ([]byte, error) {
	if len(payload) > f.maxSize {
		return nil, ErrFrameTooLarge
	}

	if f.mode == types.FramingDelimiter {
		if bytes.Contains(payload, f.delimiter) {
			return nil, errors.New("payload contains the frame delimiter")
		}
		return append(append([]byte(nil), payload...), f.delimiter...), nil
	}

	out := make([]byte, f.prefixSize, f.prefixSize+len(payload))
	switch f.prefixSize {
	case 1:
		if len(payload) > 0xFF {
			return nil, ErrFrameTooLarge
		}
		out[0] = byte(len(payload))
	case 2:
		if len(payload) > 0xFFFF {
			return nil, ErrFrameTooLarge
		}
		binary.BigEndian.PutUint16(out, uint16(len(payload)))
	case 4:
		binary.BigEndian.PutUint32(out, uint32(len(payload)))
	}
	return append(out, payload...), nil
}

// Reset discards any buffered partial frame.
func (f *Framer) Reset() {
	f.buf.Reset()
}

// Buffered returns the number of bytes waiting for the rest of a frame.
func (f *Framer) Buffered() int {
	return f.buf.Len()
}
