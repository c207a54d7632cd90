package devices

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/adapter"
	"github.com/KevinKickass/OpenLabCore/internal/events"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"go.uber.org/zap"
)

// republished maps adapter events onto manager event names.
var republished = map[types.EventType]types.EventType{
	types.EventConnected:     types.EventDeviceConnected,
	types.EventDisconnected:  types.EventDeviceDisconnected,
	types.EventDataReceived:  types.EventDeviceData,
	types.EventCommandSent:   types.EventDeviceCommandSent,
	types.EventCommandResult: types.EventDeviceCommandResult,
	types.EventError:         types.EventDeviceError,
	types.EventStateChanged:  types.EventDeviceState,
}

var ErrDeviceExists = errors.New("device already registered")

type AdapterInfo struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	ConnectionTypes []types.ConnectionType `json:"connection_types"`
}

// Filter selects devices in Devices. Zero fields match everything.
type Filter struct {
	Status         types.DeviceStatus
	Kind           string
	ConnectionType types.ConnectionType
	Location       string
}

func (f Filter) matches(d types.Device) bool {
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.Kind != "" && d.Kind != f.Kind {
		return false
	}
	if f.Location != "" && d.Location != f.Location {
		return false
	}
	if f.ConnectionType != "" && (d.Config == nil || d.Config.ConnectionType != f.ConnectionType) {
		return false
	}
	return true
}

type registeredAdapter struct {
	adapter     adapter.Adapter
	unsubscribe func()
}

type deviceEntry struct {
	device    types.Device
	adapterID string // adapter the device was last connected through
}

// Manager routes device operations to the adapter serving each connection
// type and republishes adapter events as device:* events.
type Manager struct {
	mu       sync.RWMutex
	adapters map[string]*registeredAdapter
	byType   map[types.ConnectionType]string
	devices  map[string]*deviceEntry

	bus    *events.Bus
	logger *zap.Logger
}

type Option func(*Manager)

// WithEventBuffer sets the per-subscriber buffer of the manager's event bus.
func WithEventBuffer(size int) Option {
	return func(m *Manager) { m.bus = events.NewBus(size, m.logger) }
}

func NewManager(logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		adapters: make(map[string]*registeredAdapter),
		byType:   make(map[types.ConnectionType]string),
		devices:  make(map[string]*deviceEntry),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.bus == nil {
		m.bus = events.NewBus(events.DefaultBufferSize, logger)
	}
	return m
}

// RegisterAdapter adds an adapter. Adapter ids and connection types must be unique.
func (m *Manager) RegisterAdapter(a adapter.Adapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.adapters[a.ID()]; exists {
		return fmt.Errorf("adapter %s already registered", a.ID())
	}
	for _, ct := range a.ConnectionTypes() {
		if owner, taken := m.byType[ct]; taken {
			return fmt.Errorf("connection type %s already served by adapter %s", ct, owner)
		}
	}

	for _, ct := range a.ConnectionTypes() {
		m.byType[ct] = a.ID()
	}
	m.adapters[a.ID()] = &registeredAdapter{
		adapter:     a,
		unsubscribe: a.On(types.EventAny, m.forward),
	}

	m.logger.Info("Adapter registered",
		zap.String("adapter", a.ID()),
		zap.Any("connection_types", a.ConnectionTypes()))
	return nil
}

// UnregisterAdapter closes and removes an adapter. It is rejected while any
// device connected through it is not disconnected.
func (m *Manager) UnregisterAdapter(ctx context.Context, id string) error {
	m.mu.Lock()
	reg, ok := m.adapters[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("adapter %s not registered", id)
	}
	for deviceID, entry := range m.devices {
		if entry.adapterID != id {
			continue
		}
		if reg.adapter.ConnectionState(deviceID).State != types.StateDisconnected {
			m.mu.Unlock()
			return fmt.Errorf("adapter %s still serves active device %s", id, deviceID)
		}
	}
	delete(m.adapters, id)
	for ct, owner := range m.byType {
		if owner == id {
			delete(m.byType, ct)
		}
	}
	m.mu.Unlock()

	reg.unsubscribe()
	return reg.adapter.Close(ctx)
}

func (m *Manager) Adapters() []AdapterInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]AdapterInfo, 0, len(m.adapters))
	for _, reg := range m.adapters {
		out = append(out, AdapterInfo{
			ID:              reg.adapter.ID(),
			Name:            reg.adapter.Name(),
			ConnectionTypes: reg.adapter.ConnectionTypes(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Initialize initializes every registered adapter and reports all failures.
func (m *Manager) Initialize(ctx context.Context) error {
	var errs []error
	for _, a := range m.adapterList() {
		if err := a.Initialize(ctx); err != nil {
			m.logger.Error("Adapter initialization failed", zap.String("adapter", a.ID()), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) adapterList() []adapter.Adapter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]adapter.Adapter, 0, len(m.adapters))
	for _, reg := range m.adapters {
		out = append(out, reg.adapter)
	}
	return out
}

// adapterFor resolves the adapter serving a connection type.
func (m *Manager) adapterFor(ct types.ConnectionType) (adapter.Adapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byType[ct]
	if !ok {
		return nil, &types.UnsupportedProtocolError{ConnectionType: ct}
	}
	return m.adapters[id].adapter, nil
}

// RegisterDevice adds a device record. A stored config must name a
// connection type some adapter serves.
func (m *Manager) RegisterDevice(d types.Device) error {
	if d.ID == "" {
		return &types.ConfigError{Field: "id", Err: errors.New("device id required")}
	}
	if d.Config != nil {
		if _, err := m.adapterFor(d.Config.ConnectionType); err != nil {
			return err
		}
	}

	m.mu.Lock()
	if _, exists := m.devices[d.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceExists, d.ID)
	}
	d.Status = types.DeviceStatusOffline
	d.UpdatedAt = time.Now()
	m.devices[d.ID] = &deviceEntry{device: d}
	m.mu.Unlock()

	m.publish(d.ID, "", types.EventDeviceRegistered, d)
	m.logger.Info("Device registered", zap.String("device_id", d.ID), zap.String("name", d.Name))
	return nil
}

// UnregisterDevice disconnects the device if needed and removes it.
func (m *Manager) UnregisterDevice(ctx context.Context, id string) error {
	if err := m.DisconnectDevice(ctx, id); err != nil {
		var notFound *types.DeviceNotFoundError
		if errors.As(err, &notFound) {
			return err
		}
		m.logger.Warn("Disconnect before unregister failed", zap.String("device_id", id), zap.Error(err))
	}

	m.mu.Lock()
	entry, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return &types.DeviceNotFoundError{DeviceID: id}
	}
	delete(m.devices, id)
	m.mu.Unlock()

	m.publish(id, entry.adapterID, types.EventDeviceUnregistered, nil)
	return nil
}

// UpdateDevice replaces the descriptive fields and the stored config. The
// config of a device that is not disconnected cannot change.
func (m *Manager) UpdateDevice(d types.Device) (types.Device, error) {
	if d.Config != nil {
		if _, err := m.adapterFor(d.Config.ConnectionType); err != nil {
			return types.Device{}, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.devices[d.ID]
	if !ok {
		return types.Device{}, &types.DeviceNotFoundError{DeviceID: d.ID}
	}
	if d.Config != nil && entry.adapterID != "" && m.stateLocked(entry) != types.StateDisconnected {
		return types.Device{}, &types.ConnectionError{DeviceID: d.ID, Op: "update", Err: types.ErrAlreadyConnected}
	}

	cur := &entry.device
	cur.Name = d.Name
	cur.Kind = d.Kind
	cur.Location = d.Location
	cur.Metadata = d.Metadata
	cur.Enabled = d.Enabled
	if d.Config != nil {
		cur.Config = d.Config
	}
	cur.UpdatedAt = time.Now()

	return m.viewLocked(entry), nil
}

func (m *Manager) Device(id string) (types.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.devices[id]
	if !ok {
		return types.Device{}, &types.DeviceNotFoundError{DeviceID: id}
	}
	return m.viewLocked(entry), nil
}

// Devices lists registered devices ordered by id.
func (m *Manager) Devices(filter Filter) []types.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Device, 0, len(m.devices))
	for _, entry := range m.devices {
		d := m.viewLocked(entry)
		if filter.matches(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// viewLocked returns a copy with the live status. Caller holds m.mu.
func (m *Manager) viewLocked(entry *deviceEntry) types.Device {
	d := entry.device
	if d.Metadata != nil {
		md := make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			md[k] = v
		}
		d.Metadata = md
	}
	if entry.adapterID != "" {
		d.Status = statusOf(m.stateLocked(entry))
	}
	return d
}

func (m *Manager) stateLocked(entry *deviceEntry) types.ConnectionState {
	reg, ok := m.adapters[entry.adapterID]
	if !ok {
		return types.StateDisconnected
	}
	return reg.adapter.ConnectionState(entry.device.ID).State
}

func statusOf(state types.ConnectionState) types.DeviceStatus {
	switch state {
	case types.StateConnected:
		return types.DeviceStatusOnline
	case types.StateConnecting, types.StateReconnecting:
		return types.DeviceStatusConnecting
	case types.StateError:
		return types.DeviceStatusError
	default:
		return types.DeviceStatusOffline
	}
}

// ConnectDevice connects through the adapter serving cfg.ConnectionType and
// stores cfg on the device record. Unknown devices are registered on the fly,
// but only once the adapter has accepted cfg.
func (m *Manager) ConnectDevice(ctx context.Context, id string, cfg types.DeviceConnectionConfig) error {
	a, err := m.adapterFor(cfg.ConnectionType)
	if err != nil {
		return err
	}
	if c, ok := a.(adapter.ConfigChecker); ok {
		if err := c.CheckConfig(id, cfg); err != nil {
			return err
		}
	}

	m.mu.Lock()
	entry, ok := m.devices[id]
	if !ok {
		entry = &deviceEntry{device: types.Device{ID: id, Enabled: true, Status: types.DeviceStatusOffline}}
		m.devices[id] = entry
	}
	if entry.adapterID != "" && entry.adapterID != a.ID() && m.stateLocked(entry) != types.StateDisconnected {
		m.mu.Unlock()
		return &types.ConnectionError{DeviceID: id, Op: "connect", Err: types.ErrAlreadyConnected}
	}
	entry.adapterID = a.ID()
	stored := cfg
	entry.device.Config = &stored
	entry.device.UpdatedAt = time.Now()
	registered := entry.device
	m.mu.Unlock()

	if !ok {
		m.publish(id, a.ID(), types.EventDeviceRegistered, registered)
	}

	m.logger.Debug("Routing connect",
		zap.String("device_id", id),
		zap.String("adapter", a.ID()))
	return a.Connect(ctx, id, cfg)
}

// Connect connects a registered device with its stored config.
func (m *Manager) Connect(ctx context.Context, id string) error {
	d, err := m.Device(id)
	if err != nil {
		return err
	}
	if d.Config == nil {
		return &types.ConfigError{DeviceID: id, Field: "config", Err: errors.New("device has no stored connection config")}
	}
	return m.ConnectDevice(ctx, id, *d.Config)
}

// ConnectAll connects every enabled device with a stored config.
func (m *Manager) ConnectAll(ctx context.Context) error {
	var errs []error
	for _, d := range m.Devices(Filter{}) {
		if !d.Enabled || d.Config == nil {
			continue
		}
		if err := m.ConnectDevice(ctx, d.ID, *d.Config); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DisconnectDevice is a no-op for devices that never connected.
func (m *Manager) DisconnectDevice(ctx context.Context, id string) error {
	a, err := m.boundAdapter(id)
	if err != nil {
		return err
	}
	if a == nil {
		return nil
	}
	return a.Disconnect(ctx, id)
}

func (m *Manager) SendCommand(ctx context.Context, id string, cmd types.Command) (*types.CommandResult, error) {
	a, err := m.connectedAdapter(id, "send")
	if err != nil {
		return nil, err
	}
	return a.SendCommand(ctx, id, cmd)
}

func (m *Manager) ReadData(ctx context.Context, id string, query types.Query) (types.DeviceEvent, error) {
	a, err := m.connectedAdapter(id, "read")
	if err != nil {
		return types.DeviceEvent{}, err
	}
	return a.ReadData(ctx, id, query)
}

// DeviceConnectionState returns the adapter's snapshot for a device.
func (m *Manager) DeviceConnectionState(id string) (types.ConnectionSnapshot, error) {
	a, err := m.boundAdapter(id)
	if err != nil {
		return types.ConnectionSnapshot{}, err
	}
	if a == nil {
		return types.ConnectionSnapshot{DeviceID: id, State: types.StateDisconnected, Errors: []types.ErrorRecord{}}, nil
	}
	return a.ConnectionState(id), nil
}

// ProtocolMethod exposes an adapter's protocol-native operation for a device.
func (m *Manager) ProtocolMethod(id, name string) (any, error) {
	a, err := m.connectedAdapter(id, name)
	if err != nil {
		return nil, err
	}
	fn, ok := a.ProtocolMethod(name)
	if !ok {
		return nil, fmt.Errorf("adapter %s has no method %q", a.ID(), name)
	}
	return fn, nil
}

func (m *Manager) boundAdapter(id string) (adapter.Adapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.devices[id]
	if !ok {
		return nil, &types.DeviceNotFoundError{DeviceID: id}
	}
	reg, ok := m.adapters[entry.adapterID]
	if !ok {
		return nil, nil
	}
	return reg.adapter, nil
}

func (m *Manager) connectedAdapter(id, op string) (adapter.Adapter, error) {
	a, err := m.boundAdapter(id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, &types.ConnectionError{DeviceID: id, Op: op, Err: types.ErrNotConnected}
	}
	return a, nil
}

// On registers a handler for manager events (types.EventAny for all).
func (m *Manager) On(eventType types.EventType, handler events.Handler) func() {
	return m.bus.Handle(eventType, handler)
}

func (m *Manager) Subscribe(eventType types.EventType) (<-chan types.DeviceEvent, func()) {
	return m.bus.Subscribe(eventType)
}

// DroppedEvents counts events skipped because a subscriber fell behind.
func (m *Manager) DroppedEvents() uint64 {
	return m.bus.Dropped()
}

// forward republishes an adapter event and keeps the device's last error.
func (m *Manager) forward(event types.DeviceEvent) {
	name, ok := republished[event.Type]
	if !ok {
		return
	}

	if event.Type == types.EventError {
		if payload, ok := event.Payload.(types.ErrorPayload); ok {
			m.mu.Lock()
			if entry, exists := m.devices[event.DeviceID]; exists {
				entry.device.LastError = payload.Message
				entry.device.LastErrorAt = event.Timestamp
			}
			m.mu.Unlock()
		}
	}

	out := event
	out.Type = name
	m.bus.Publish(out)
}

func (m *Manager) publish(deviceID, adapterID string, eventType types.EventType, payload any) {
	event := types.NewEvent(deviceID, eventType, payload)
	event.AdapterID = adapterID
	m.bus.Publish(event)
}

// Shutdown disconnects all devices, closes every adapter and the event bus.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	regs := make([]*registeredAdapter, 0, len(m.adapters))
	for _, reg := range m.adapters {
		regs = append(regs, reg)
	}
	m.mu.Unlock()

	var errs []error
	for _, reg := range regs {
		if err := reg.adapter.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("adapter %s: %w", reg.adapter.ID(), err))
		}
		reg.unsubscribe()
	}

	m.bus.Close()
	m.logger.Info("Device manager stopped", zap.Int("adapters", len(regs)))
	return errors.Join(errs...)
}

// ConnectionTypes lists the connection types with a registered adapter.
func (m *Manager) ConnectionTypes() []types.ConnectionType {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.ConnectionType, 0, len(m.byType))
	for ct := range m.byType {
		out = append(out, ct)
	}
	slices.Sort(out)
	return out
}
