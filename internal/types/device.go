package types

import (
	"time"
)

// Declarative addressing maps: logical parameter name -> protocol address.
type (
	RegisterMap map[string]RegisterDefinition
	EndpointMap map[string]EndpointDefinition
	TopicMap    map[string]TopicDefinition
)

type RegisterDefinition struct {
	Address     uint16       `json:"address"`
	Type        RegisterType `json:"register_type" validate:"required,oneof=holding input coil discrete"`
	DataType    DataType     `json:"data_type,omitempty" validate:"omitempty,oneof=bool int16 uint16 int32 uint32 float32 float64 string"`
	Length      uint16       `json:"length,omitempty"`
	ScaleFactor float64      `json:"scale_factor,omitempty"`
	Offset      float64      `json:"offset,omitempty"`
	Unit        string       `json:"unit,omitempty"`
	Access      AccessType   `json:"access,omitempty" validate:"omitempty,oneof=read_only read_write write_only"`
	ByteOrder   ByteOrder    `json:"byte_order,omitempty" validate:"omitempty,oneof=big little"`
	WordOrder   ByteOrder    `json:"word_order,omitempty" validate:"omitempty,oneof=big little"`
	Description string       `json:"description,omitempty"`
}

type EndpointDefinition struct {
	Path           string         `json:"path" validate:"required"`
	Method         string         `json:"method" validate:"required,oneof=GET POST PUT PATCH DELETE"`
	PathParams     []string       `json:"path_params,omitempty"`
	QueryParams    []string       `json:"query_params,omitempty"`
	BodyFields     []string       `json:"body_fields,omitempty"`
	ExpectedStatus []int          `json:"expected_status,omitempty"`
	TimeoutMs      int            `json:"timeout_ms,omitempty" validate:"gte=0"`
	ContentType    string         `json:"content_type,omitempty"`
	Transform      *TransformSpec `json:"transform,omitempty"`
}

type TopicDefinition struct {
	Topic    string     `json:"topic" validate:"required"`
	Access   AccessType `json:"access,omitempty" validate:"omitempty,oneof=read_only read_write write_only"`
	DataType DataType   `json:"data_type,omitempty"`
	Unit     string     `json:"unit,omitempty"`
}

type RegisterType string

const (
	RegisterTypeCoil     RegisterType = "coil"
	RegisterTypeDiscrete RegisterType = "discrete"
	RegisterTypeInput    RegisterType = "input"
	RegisterTypeHolding  RegisterType = "holding"
)

// Writable reports whether the Modbus table accepts writes at all.
func (t RegisterType) Writable() bool {
	return t == RegisterTypeCoil || t == RegisterTypeHolding
}

type DataType string

const (
	DataTypeBool    DataType = "bool"
	DataTypeInt16   DataType = "int16"
	DataTypeUint16  DataType = "uint16"
	DataTypeInt32   DataType = "int32"
	DataTypeUint32  DataType = "uint32"
	DataTypeFloat32 DataType = "float32"
	DataTypeFloat64 DataType = "float64"
	DataTypeString  DataType = "string"
)

type AccessType string

const (
	AccessTypeReadOnly  AccessType = "read_only"
	AccessTypeReadWrite AccessType = "read_write"
	AccessTypeWriteOnly AccessType = "write_only"
)

func (a AccessType) CanRead() bool {
	return a != AccessTypeWriteOnly
}

func (a AccessType) CanWrite() bool {
	return a == AccessTypeReadWrite || a == AccessTypeWriteOnly
}

type ByteOrder string

const (
	BigEndian    ByteOrder = "big"
	LittleEndian ByteOrder = "little"
)

// TransformSpec maps fields of a raw payload onto a canonical reading.
type TransformSpec struct {
	Fields       []FieldRule `json:"fields" validate:"dive"`
	KeepUnmapped bool        `json:"keep_unmapped,omitempty"`
}

type FieldRule struct {
	Source string  `json:"source" validate:"required"`
	Target string  `json:"target,omitempty"`
	Scale  float64 `json:"scale,omitempty"`
	Offset float64 `json:"offset,omitempty"`
	Type   string  `json:"type,omitempty" validate:"omitempty,oneof=number string bool"`
	Unit   string  `json:"unit,omitempty"`
}

// Reading is the canonical shape of a data_received payload.
type Reading struct {
	Values map[string]any    `json:"values"`
	Units  map[string]string `json:"units,omitempty"`
	Source string            `json:"source,omitempty"`
}

func (r Reading) Clone() Reading {
	out := Reading{Source: r.Source, Values: make(map[string]any, len(r.Values))}
	for k, v := range r.Values {
		out.Values[k] = v
	}
	if r.Units != nil {
		out.Units = make(map[string]string, len(r.Units))
		for k, v := range r.Units {
			out.Units[k] = v
		}
	}
	return out
}

// Query narrows a one-shot read. Empty Names reads every readable parameter.
type Query struct {
	Names   []string       `json:"names,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type DeviceStatus string

const (
	DeviceStatusOffline    DeviceStatus = "offline"
	DeviceStatusConnecting DeviceStatus = "connecting"
	DeviceStatusOnline     DeviceStatus = "online"
	DeviceStatusError      DeviceStatus = "error"
)

// Device is a registry record. Config is what Connect uses when no explicit
// config is given.
type Device struct {
	ID          string                  `json:"id" validate:"required"`
	Name        string                  `json:"name,omitempty"`
	Kind        string                  `json:"type,omitempty"`
	Location    string                  `json:"location,omitempty"`
	Metadata    map[string]string       `json:"metadata,omitempty"`
	Enabled     bool                    `json:"enabled"`
	Config      *DeviceConnectionConfig `json:"config,omitempty"`
	Status      DeviceStatus            `json:"status"`
	LastError   string                  `json:"last_error,omitempty"`
	LastErrorAt time.Time               `json:"last_error_at,omitempty"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

type ErrorRecord struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

type Statistics struct {
	DataSent          uint64 `json:"data_sent"`
	DataReceived      uint64 `json:"data_received"`
	CommandsSent      uint64 `json:"commands_sent"`
	ResponsesReceived uint64 `json:"responses_received"`
}

// ConnectionSnapshot is a point-in-time copy of an adapter's view of one device.
type ConnectionSnapshot struct {
	DeviceID         string          `json:"device_id"`
	ConnectionType   ConnectionType  `json:"connection_type,omitempty"`
	State            ConnectionState `json:"state"`
	Attempts         int             `json:"connection_attempts"`
	LastConnected    time.Time       `json:"last_connected,omitempty"`
	LastDisconnected time.Time       `json:"last_disconnected,omitempty"`
	Errors           []ErrorRecord   `json:"errors"`
	Statistics       Statistics      `json:"statistics"`
}
