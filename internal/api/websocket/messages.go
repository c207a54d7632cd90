package websocket

import (
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/types"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Control messages
	MessageTypeWelcome    MessageType = "welcome"
	MessageTypeSubscribed MessageType = "subscribed"
	MessageTypeError      MessageType = "error"

	// Client requests
	RequestSubscribe   = "subscribe"
	RequestUnsubscribe = "unsubscribe"
)

// Message represents a WebSocket message. Device events use the manager's
// event name (device:data, device:error, ...) as Type.
type Message struct {
	Type      MessageType `json:"type"`
	DeviceID  string      `json:"device_id,omitempty"`
	AdapterID string      `json:"adapter_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data,omitempty"`
}

// Request is a client message. Empty Devices or Events mean "all".
type Request struct {
	Type    string            `json:"type"`
	Devices []string          `json:"devices,omitempty"`
	Events  []types.EventType `json:"events,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewEventMessage(event types.DeviceEvent) Message {
	return Message{
		Type:      MessageType(event.Type),
		DeviceID:  event.DeviceID,
		AdapterID: event.AdapterID,
		Timestamp: event.Timestamp,
		Data:      event.Payload,
	}
}

func NewErrorMessage(reason string) Message {
	return NewMessage(MessageTypeError, map[string]string{"reason": reason})
}
