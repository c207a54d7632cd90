package storage

import (
	"time"

	"github.com/google/uuid"
)

type DeviceRecord struct {
	DeviceID  string            `json:"device_id"`
	Name      string            `json:"name"`
	Kind      string            `json:"kind"`
	Location  string            `json:"location"`
	Metadata  map[string]string `json:"metadata"`
	Enabled   bool              `json:"enabled"`
	Config    []byte            `json:"config"` // JSONB
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// JournalEntry is one persisted device event.
type JournalEntry struct {
	ID         uuid.UUID `json:"id"`
	DeviceID   string    `json:"device_id"`
	AdapterID  string    `json:"adapter_id"`
	EventType  string    `json:"event_type"`
	CommandID  string    `json:"command_id,omitempty"`
	Payload    []byte    `json:"payload"` // JSONB
	OccurredAt time.Time `json:"occurred_at"`
}
