package types

import (
	"time"
)

type EventType string

const (
	// EventAny matches every event type when subscribing.
	EventAny EventType = ""

	EventConnected     EventType = "connected"
	EventDisconnected  EventType = "disconnected"
	EventError         EventType = "error"
	EventDataReceived  EventType = "data_received"
	EventStateChanged  EventType = "state_changed"
	EventCommandSent   EventType = "command_sent"
	EventCommandResult EventType = "command_result"

	// Manager-level names, republished from adapter events
	EventDeviceConnected     EventType = "device:connected"
	EventDeviceDisconnected  EventType = "device:disconnected"
	EventDeviceData          EventType = "device:data"
	EventDeviceCommandSent   EventType = "device:command:sent"
	EventDeviceCommandResult EventType = "device:command:result"
	EventDeviceError         EventType = "device:error"
	EventDeviceState         EventType = "device:state"
	EventDeviceRegistered    EventType = "device:registered"
	EventDeviceUnregistered  EventType = "device:unregistered"
)

// DeviceEvent payloads by type:
//
//	data_received   Reading
//	error           ErrorPayload
//	state_changed   StatePayload
//	command_sent    Command
//	command_result  CommandResult
//	disconnected    DisconnectPayload
type DeviceEvent struct {
	DeviceID  string    `json:"device_id"`
	AdapterID string    `json:"adapter_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Payload   any       `json:"payload,omitempty"`
}

type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type StatePayload struct {
	From ConnectionState `json:"from"`
	To   ConnectionState `json:"to"`
}

type DisconnectPayload struct {
	Reason   string `json:"reason,omitempty"`
	Expected bool   `json:"expected"`
}

// Clone returns a copy whose mutable payload parts are not shared.
func (e DeviceEvent) Clone() DeviceEvent {
	switch p := e.Payload.(type) {
	case Reading:
		e.Payload = p.Clone()
	case Command:
		if p.Parameters != nil {
			params := make(map[string]any, len(p.Parameters))
			for k, v := range p.Parameters {
				params[k] = v
			}
			p.Parameters = params
		}
		e.Payload = p
	}
	return e
}

func NewEvent(deviceID string, eventType EventType, payload any) DeviceEvent {
	return DeviceEvent{
		DeviceID:  deviceID,
		Timestamp: time.Now(),
		Type:      eventType,
		Payload:   payload,
	}
}
