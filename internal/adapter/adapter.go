// Package adapter defines the protocol adapter contract and the shared
// connection lifecycle every transport builds on.
package adapter

import (
	"context"
	"sync"

	"github.com/KevinKickass/OpenLabCore/internal/events"
	"github.com/KevinKickass/OpenLabCore/internal/types"
)

// Adapter is implemented by every transport (USB/serial, MQTT, Modbus, HTTP).
type Adapter interface {
	ID() string
	Name() string
	ConnectionTypes() []types.ConnectionType

	Initialize(ctx context.Context) error
	Connect(ctx context.Context, deviceID string, cfg types.DeviceConnectionConfig) error
	Disconnect(ctx context.Context, deviceID string) error
	SendCommand(ctx context.Context, deviceID string, cmd types.Command) (*types.CommandResult, error)
	ReadData(ctx context.Context, deviceID string, query types.Query) (types.DeviceEvent, error)

	// On subscribes to events of one type (types.EventAny for all) for every
	// device handled by the adapter.
	On(eventType types.EventType, handler events.Handler) (unsubscribe func())

	ConnectionState(deviceID string) types.ConnectionSnapshot
	SupportsFeature(name string) bool

	// ProtocolMethod returns a typed function for protocol-native operations,
	// e.g. Modbus readCoils. Callers type-assert to the documented signature.
	ProtocolMethod(name string) (any, bool)

	Close(ctx context.Context) error
}

// Link is one live transport session for a device.
type Link interface {
	// Start begins background reads and polls. It is called only after the
	// connected event has been published.
	Start()
	// Done is closed when the transport is lost.
	Done() <-chan struct{}
	// Err reports why Done was closed.
	Err() error
	Close() error
}

// Dialer opens a Link for one device. Implemented by each transport.
type Dialer interface {
	Dial(ctx context.Context, deviceID string, cfg types.DeviceConnectionConfig) (Link, error)
}

// ConfigValidator is optionally implemented by a Dialer to reject a config
// before any state change or I/O happens.
type ConfigValidator interface {
	Validate(deviceID string, cfg types.DeviceConnectionConfig) error
}

// ConfigChecker is implemented by adapters built on Base. It lets callers
// reject a config before recording it anywhere.
type ConfigChecker interface {
	CheckConfig(deviceID string, cfg types.DeviceConnectionConfig) error
}

// Lifeline implements the Done/Err half of Link.
type Lifeline struct {
	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func NewLifeline() *Lifeline {
	return &Lifeline{done: make(chan struct{})}
}

func (l *Lifeline) Done() <-chan struct{} {
	return l.done
}

func (l *Lifeline) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Cut marks the transport as lost. Only the first call has an effect.
func (l *Lifeline) Cut(err error) {
	l.once.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
	})
}

func (l *Lifeline) IsCut() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
