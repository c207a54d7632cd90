// Package serial implements stream transports (USB/serial ports and raw TCP
// sockets) with delimiter or length-prefix framing.
package serial

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	goserial "go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	DefaultBaudRate = 9600
	DefaultDataBits = 8

	// serial reads poll at this granularity so deadlines and Close are honored
	readSlice = 100 * time.Millisecond
)

// Port is a byte stream with read deadlines. net.Conn satisfies it.
type Port interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// PortConfig describes a serial line. Name may be empty when VendorID and
// ProductID identify the device.
type PortConfig struct {
	Name         string
	VendorID     string
	ProductID    string
	SerialNumber string
	BaudRate     int
	DataBits     int
	StopBits     int
	Parity       string
}

// Opener opens a port. Tests replace it with in-memory pipes.
type Opener func(cfg PortConfig) (Port, error)

// OpenPort opens a real serial port through go.bug.st/serial.
func OpenPort(cfg PortConfig) (Port, error) {
	name, err := ResolvePort(cfg)
	if err != nil {
		return nil, err
	}

	mode, err := cfg.mode()
	if err != nil {
		return nil, err
	}

	port, err := goserial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return newDeviceConn(port), nil
}

func (c PortConfig) mode() (*goserial.Mode, error) {
	mode := &goserial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		Parity:   goserial.NoParity,
		StopBits: goserial.OneStopBit,
	}
	if mode.BaudRate <= 0 {
		mode.BaudRate = DefaultBaudRate
	}
	if mode.DataBits <= 0 {
		mode.DataBits = DefaultDataBits
	}

	switch strings.ToLower(c.Parity) {
	case "", "none":
	case "odd":
		mode.Parity = goserial.OddParity
	case "even":
		mode.Parity = goserial.EvenParity
	case "mark":
		mode.Parity = goserial.MarkParity
	case "space":
		mode.Parity = goserial.SpaceParity
	default:
		return nil, fmt.Errorf("unsupported parity %q", c.Parity)
	}

	switch c.StopBits {
	case 0, 1:
	case 2:
		mode.StopBits = goserial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits %d", c.StopBits)
	}

	return mode, nil
}

// ResolvePort returns cfg.Name or looks the port up by USB vendor/product id.
func ResolvePort(cfg PortConfig) (string, error) {
	if cfg.Name != "" {
		return cfg.Name, nil
	}
	if cfg.VendorID == "" {
		return "", errors.New("neither port name nor vendor id given")
	}

	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("enumerate ports: %w", err)
	}

	for _, p := range ports {
		if !p.IsUSB || !strings.EqualFold(p.VID, cfg.VendorID) {
			continue
		}
		if cfg.ProductID != "" && !strings.EqualFold(p.PID, cfg.ProductID) {
			continue
		}
		if cfg.SerialNumber != "" && p.SerialNumber != cfg.SerialNumber {
			continue
		}
		return p.Name, nil
	}
	return "", fmt.Errorf("no USB port with VID %s PID %s", cfg.VendorID, cfg.ProductID)
}

// ListPorts beschreibt alle angeschlossenen seriellen Ports
func ListPorts() ([]*enumerator.PortDetails, error) {
	return enumerator.GetDetailedPortsList()
}

// deviceConn adapts goserial.Port to Port. go.bug.st/serial has only a read
// timeout, so deadlines are emulated by reading in short slices.
type deviceConn struct {
	port goserial.Port

	mu       sync.Mutex
	deadline time.Time
	closed   bool
}

func newDeviceConn(port goserial.Port) *deviceConn {
	return &deviceConn{port: port}
}

func (c *deviceConn) Read(p []byte) (int, error) {
	for {
		c.mu.Lock()
		deadline, closed := c.deadline, c.closed
		c.mu.Unlock()

		if closed {
			return 0, os.ErrClosed
		}

		slice := readSlice
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return 0, os.ErrDeadlineExceeded
			}
			slice = min(slice, remaining)
		}

		if err := c.port.SetReadTimeout(slice); err != nil {
			return 0, err
		}
		n, err := c.port.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func (c *deviceConn) Write(p []byte) (int, error) {
	return c.port.Write(p)
}

func (c *deviceConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *deviceConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.port.Close()
}
