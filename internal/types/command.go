package types

import (
	"time"
)

type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandSent      CommandStatus = "sent"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
	CommandTimedOut  CommandStatus = "timedOut"
)

func (s CommandStatus) Terminal() bool {
	return s == CommandCompleted || s == CommandFailed || s == CommandTimedOut
}

type Command struct {
	ID         string         `json:"id"`
	DeviceID   string         `json:"device_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Command    string         `json:"command" binding:"required"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Status     CommandStatus  `json:"status"`
}

// Param returns a parameter by name, nil when absent.
func (c Command) Param(name string) any {
	if c.Parameters == nil {
		return nil
	}
	return c.Parameters[name]
}

type CommandResult struct {
	CommandID   string        `json:"command_id"`
	DeviceID    string        `json:"device_id"`
	Command     string        `json:"command,omitempty"`
	Status      CommandStatus `json:"status"`
	Data        any           `json:"data,omitempty"`
	Error       string        `json:"error,omitempty"`
	CompletedAt time.Time     `json:"completed_at"`

	err error
}

// Err returns the typed error behind a failed or timed out result.
func (r *CommandResult) Err() error {
	return r.err
}

func (r *CommandResult) SetErr(err error) {
	r.err = err
	if err != nil {
		r.Error = err.Error()
	}
}

// DataMap returns Data as a JSON object when it is one.
func (r *CommandResult) DataMap() (map[string]any, bool) {
	m, ok := r.Data.(map[string]any)
	return m, ok
}
