package types

import (
	"errors"
	"fmt"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

var (
	ErrNotConnected     = errors.New("device not connected")
	ErrAlreadyConnected = errors.New("device already connected")
	ErrAdapterClosed    = errors.New("adapter closed")
)

// ConfigError reports a malformed or mismatched connection config.
type ConfigError struct {
	DeviceID string
	Field    string
	Err      error
}

func (e *ConfigError) Error() string {
	msg := "invalid config"
	if e.DeviceID != "" {
		msg += " for device " + e.DeviceID
	}
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	return msg + ": " + errString(e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ConnectionError reports a transport-level connect/disconnect failure.
type ConnectionError struct {
	DeviceID string
	Op       string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.DeviceID, errString(e.Err))
}

func (e *ConnectionError) Unwrap() error { return e.Err }

type CommandTimeoutError struct {
	DeviceID  string
	CommandID string
	Command   string
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("command %s (%s) to %s timed out", e.Command, e.CommandID, e.DeviceID)
}

// CommandError reports a command the device rejected or the adapter could not process.
type CommandError struct {
	DeviceID  string
	CommandID string
	Command   string
	Err       error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s to %s failed: %s", e.Command, e.DeviceID, errString(e.Err))
}

func (e *CommandError) Unwrap() error { return e.Err }

type UnsupportedProtocolError struct {
	ConnectionType ConnectionType
}

func (e *UnsupportedProtocolError) Error() string {
	return fmt.Sprintf("no adapter registered for connection type %q", e.ConnectionType)
}

type DeviceNotFoundError struct {
	DeviceID string
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("device not found: %s", e.DeviceID)
}

type AdapterInitError struct {
	AdapterID string
	Err       error
}

func (e *AdapterInitError) Error() string {
	return fmt.Sprintf("adapter %s init failed: %s", e.AdapterID, errString(e.Err))
}

func (e *AdapterInitError) Unwrap() error { return e.Err }

// ErrorKind names the taxonomy entry of err, used in error events and API payloads.
func ErrorKind(err error) string {
	var (
		configErr      *ConfigError
		connErr        *ConnectionError
		timeoutErr     *CommandTimeoutError
		commandErr     *CommandError
		unsupportedErr *UnsupportedProtocolError
		notFoundErr    *DeviceNotFoundError
		initErr        *AdapterInitError
	)
	switch {
	case errors.As(err, &timeoutErr):
		return "CommandTimeoutError"
	case errors.As(err, &commandErr):
		return "CommandError"
	case errors.As(err, &configErr):
		return "ConfigError"
	case errors.As(err, &connErr):
		return "ConnectionError"
	case errors.As(err, &unsupportedErr):
		return "UnsupportedProtocolError"
	case errors.As(err, &notFoundErr):
		return "DeviceNotFoundError"
	case errors.As(err, &initErr):
		return "AdapterInitError"
	default:
		return "Error"
	}
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
