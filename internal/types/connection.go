package types

import (
	"fmt"
	"time"
)

type ConnectionType string

const (
	ConnectionUSB       ConnectionType = "usb"
	ConnectionMQTT      ConnectionType = "mqtt"
	ConnectionModbusTCP ConnectionType = "modbus-tcp"
	ConnectionModbusRTU ConnectionType = "modbus-rtu"
	ConnectionHTTP      ConnectionType = "http"
	ConnectionTCPSocket ConnectionType = "tcp-socket"
)

const (
	DefaultTimeout           = 5 * time.Second
	DefaultReconnectInterval = 5 * time.Second
	DefaultPollInterval      = time.Second
)

// DeviceConnectionConfig describes how to reach one device. Exactly one of
// the parameter variants must be set and it must match ConnectionType.
type DeviceConnectionConfig struct {
	ConnectionType       ConnectionType `json:"connection_type" validate:"required,oneof=usb mqtt modbus-tcp modbus-rtu http tcp-socket"`
	AutoReconnect        bool           `json:"auto_reconnect,omitempty"`
	ReconnectIntervalMs  int            `json:"reconnect_interval_ms,omitempty" validate:"gte=0"`
	MaxReconnectAttempts int            `json:"max_reconnect_attempts,omitempty" validate:"gte=0"`
	TimeoutMs            int            `json:"timeout_ms,omitempty" validate:"gte=0"`
	PollIntervalMs       int            `json:"poll_interval_ms,omitempty" validate:"gte=0"`
	Transform            *TransformSpec `json:"transform,omitempty"`

	Serial    *SerialParams    `json:"serial,omitempty"`
	MQTT      *MQTTParams      `json:"mqtt,omitempty"`
	ModbusTCP *ModbusTCPParams `json:"modbus_tcp,omitempty"`
	ModbusRTU *ModbusRTUParams `json:"modbus_rtu,omitempty"`
	HTTP      *HTTPParams      `json:"http,omitempty"`
	TCPSocket *TCPSocketParams `json:"tcp_socket,omitempty"`
}

// Params returns the active parameter variant. It fails when no variant,
// more than one variant, or a variant of the wrong type is set.
func (c DeviceConnectionConfig) Params() (any, error) {
	var (
		active []string
		params any
	)
	if c.Serial != nil {
		active, params = append(active, "serial"), c.Serial
	}
	if c.MQTT != nil {
		active, params = append(active, "mqtt"), c.MQTT
	}
	if c.ModbusTCP != nil {
		active, params = append(active, "modbus_tcp"), c.ModbusTCP
	}
	if c.ModbusRTU != nil {
		active, params = append(active, "modbus_rtu"), c.ModbusRTU
	}
	if c.HTTP != nil {
		active, params = append(active, "http"), c.HTTP
	}
	if c.TCPSocket != nil {
		active, params = append(active, "tcp_socket"), c.TCPSocket
	}

	switch len(active) {
	case 0:
		return nil, &ConfigError{Field: "parameters", Err: fmt.Errorf("no parameters for %s", c.ConnectionType)}
	case 1:
	default:
		return nil, &ConfigError{Field: "parameters", Err: fmt.Errorf("multiple parameter sets: %v", active)}
	}

	want := paramsKey(c.ConnectionType)
	if want == "" {
		return nil, &ConfigError{Field: "connection_type", Err: fmt.Errorf("unknown connection type %q", c.ConnectionType)}
	}
	if active[0] != want {
		return nil, &ConfigError{Field: active[0], Err: fmt.Errorf("parameters do not match connection type %s", c.ConnectionType)}
	}

	return params, nil
}

func paramsKey(ct ConnectionType) string {
	switch ct {
	case ConnectionUSB:
		return "serial"
	case ConnectionMQTT:
		return "mqtt"
	case ConnectionModbusTCP:
		return "modbus_tcp"
	case ConnectionModbusRTU:
		return "modbus_rtu"
	case ConnectionHTTP:
		return "http"
	case ConnectionTCPSocket:
		return "tcp_socket"
	}
	return ""
}

func (c DeviceConnectionConfig) Timeout() time.Duration {
	return msOrDefault(c.TimeoutMs, DefaultTimeout)
}

func (c DeviceConnectionConfig) ReconnectInterval() time.Duration {
	return msOrDefault(c.ReconnectIntervalMs, DefaultReconnectInterval)
}

func (c DeviceConnectionConfig) PollInterval() time.Duration {
	return msOrDefault(c.PollIntervalMs, DefaultPollInterval)
}

func msOrDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// Stream framing for serial and raw socket transports
type FramingMode string

const (
	FramingDelimiter    FramingMode = "delimiter"
	FramingLengthPrefix FramingMode = "length-prefix"
)

type FramingParams struct {
	Mode         FramingMode `json:"mode,omitempty" validate:"omitempty,oneof=delimiter length-prefix"`
	Delimiter    string      `json:"delimiter,omitempty"`
	PrefixSize   int         `json:"prefix_size,omitempty" validate:"omitempty,oneof=1 2 4"`
	MaxFrameSize int         `json:"max_frame_size,omitempty" validate:"gte=0"`
}

// PayloadEncoding selects how commands are written to a stream device.
// json frames carry the command id; text frames are answered in order.
type PayloadEncoding string

const (
	EncodingJSON PayloadEncoding = "json"
	EncodingText PayloadEncoding = "text"
)

type SerialParams struct {
	Port         string          `json:"port,omitempty" validate:"required_without=VendorID"`
	VendorID     string          `json:"vendor_id,omitempty" validate:"omitempty,hexadecimal"`
	ProductID    string          `json:"product_id,omitempty" validate:"omitempty,hexadecimal"`
	SerialNumber string          `json:"serial_number,omitempty"`
	BaudRate     int             `json:"baud_rate,omitempty" validate:"gte=0"`
	DataBits     int             `json:"data_bits,omitempty" validate:"omitempty,oneof=5 6 7 8"`
	StopBits     int             `json:"stop_bits,omitempty" validate:"omitempty,oneof=1 2"`
	Parity       string          `json:"parity,omitempty" validate:"omitempty,oneof=none even odd mark space"`
	Framing      FramingParams   `json:"framing"`
	Encoding     PayloadEncoding `json:"encoding,omitempty" validate:"omitempty,oneof=json text"`
}

type TCPSocketParams struct {
	Host         string          `json:"host" validate:"required"`
	Port         int             `json:"port" validate:"required,gt=0,lte=65535"`
	KeepAlive    bool            `json:"keep_alive,omitempty"`
	Framing      FramingParams   `json:"framing"`
	Encoding     PayloadEncoding `json:"encoding,omitempty" validate:"omitempty,oneof=json text"`
	InitCommands []string        `json:"init_commands,omitempty"`
}

type MQTTParams struct {
	BrokerURL     string   `json:"broker_url" validate:"required,url"`
	ClientID      string   `json:"client_id,omitempty"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	BaseTopic     string   `json:"base_topic" validate:"required"`
	CommandTopic  string   `json:"command_topic,omitempty"`
	DataTopic     string   `json:"data_topic,omitempty"`
	StatusTopic   string   `json:"status_topic,omitempty"`
	ResponseTopic string   `json:"response_topic,omitempty"`
	ErrorTopic    string   `json:"error_topic,omitempty"`
	QoS           byte     `json:"qos,omitempty" validate:"lte=2"`
	KeepAliveSec  int      `json:"keep_alive_sec,omitempty" validate:"gte=0"`
	CleanSession  bool     `json:"clean_session,omitempty"`
	Topics        TopicMap `json:"topics,omitempty" validate:"dive"`
}

type ModbusTCPParams struct {
	Host      string      `json:"host" validate:"required"`
	Port      int         `json:"port,omitempty" validate:"gte=0,lte=65535"`
	UnitID    uint8       `json:"unit_id,omitempty"`
	Registers RegisterMap `json:"registers" validate:"dive"`
}

type ModbusRTUParams struct {
	Port      string      `json:"port" validate:"required"`
	BaudRate  int         `json:"baud_rate,omitempty" validate:"gte=0"`
	DataBits  int         `json:"data_bits,omitempty" validate:"omitempty,oneof=7 8"`
	StopBits  int         `json:"stop_bits,omitempty" validate:"omitempty,oneof=1 2"`
	Parity    string      `json:"parity,omitempty" validate:"omitempty,oneof=none even odd mark space"`
	UnitID    uint8       `json:"unit_id,omitempty"`
	Registers RegisterMap `json:"registers" validate:"dive"`
}

type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBasic  AuthType = "basic"
	AuthBearer AuthType = "bearer"
	AuthAPIKey AuthType = "api-key"
)

type AuthParams struct {
	Type           AuthType `json:"type,omitempty" validate:"omitempty,oneof=none basic bearer api-key"`
	Username       string   `json:"username,omitempty"`
	Password       string   `json:"password,omitempty"`
	Token          string   `json:"token,omitempty"`
	APIKeyName     string   `json:"api_key_name,omitempty"`
	APIKeyLocation string   `json:"api_key_location,omitempty" validate:"omitempty,oneof=header query cookie"`
}

type HTTPParams struct {
	BaseURL             string            `json:"base_url" validate:"required,url"`
	Auth                AuthParams        `json:"auth"`
	Headers             map[string]string `json:"headers,omitempty"`
	DefaultContentType  string            `json:"default_content_type,omitempty"`
	RetryCount          int               `json:"retry_count,omitempty" validate:"gte=0,lte=10"`
	RetryDelayMs        int               `json:"retry_delay_ms,omitempty" validate:"gte=0"`
	HeartbeatPath       string            `json:"heartbeat_path,omitempty"`
	HeartbeatIntervalMs int               `json:"heartbeat_interval_ms,omitempty" validate:"gte=0"`
	Endpoints           EndpointMap       `json:"endpoints" validate:"required,min=1,dive"`
	PollEndpoints       []string          `json:"poll_endpoints,omitempty"`
}
