package adapter

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/correlator"
	"github.com/KevinKickass/OpenLabCore/internal/events"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxErrorHistory = 10

// SendFunc transmits a command over an active link. Synchronous transports
// resolve the command through the correlator before returning; asynchronous
// ones return once the frame is written.
type SendFunc func(ctx context.Context, link Link, cmd types.Command) error

type Options struct {
	ID              string
	Name            string
	ConnectionTypes []types.ConnectionType
	Dialer          Dialer
	Logger          *zap.Logger
	EventBuffer     int
	Features        []string
	// Init runs once from Initialize.
	Init func(ctx context.Context) error
}

// Base implements the lifecycle shared by all adapters: the connection state
// machine, reconnects, statistics, error history, events and correlation.
// Concrete adapters embed it and add SendCommand and ReadData.
type Base struct {
	id              string
	name            string
	connectionTypes []types.ConnectionType
	dialer          Dialer
	features        map[string]bool
	init            func(ctx context.Context) error

	bus        *events.Bus
	correlator *correlator.Correlator
	logger     *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	methods  map[string]any
	closed   bool

	initMu      sync.Mutex
	initialized bool
}

type session struct {
	mu       sync.Mutex
	deviceID string
	cfg      types.DeviceConnectionConfig
	state    types.ConnectionState
	link     Link
	cancel   context.CancelFunc
	ctx      context.Context
	wg       sync.WaitGroup

	attempts         int
	lastConnected    time.Time
	lastDisconnected time.Time
	errors           []types.ErrorRecord
	stats            types.Statistics
}

func NewBase(opts Options) *Base {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("adapter", opts.ID))

	features := make(map[string]bool, len(opts.Features))
	for _, f := range opts.Features {
		features[f] = true
	}

	return &Base{
		id:              opts.ID,
		name:            opts.Name,
		connectionTypes: opts.ConnectionTypes,
		dialer:          opts.Dialer,
		features:        features,
		init:            opts.Init,
		bus:             events.NewBus(opts.EventBuffer, logger),
		correlator:      correlator.New(logger),
		logger:          logger,
		sessions:        make(map[string]*session),
		methods:         make(map[string]any),
	}
}

func (b *Base) ID() string                              { return b.id }
func (b *Base) Name() string                            { return b.name }
func (b *Base) ConnectionTypes() []types.ConnectionType { return slices.Clone(b.connectionTypes) }
func (b *Base) Logger() *zap.Logger                     { return b.logger }
func (b *Base) Correlator() *correlator.Correlator      { return b.correlator }

func (b *Base) Initialize(ctx context.Context) error {
	b.initMu.Lock()
	defer b.initMu.Unlock()

	if b.initialized {
		return nil
	}
	if b.init != nil {
		if err := b.init(ctx); err != nil {
			return &types.AdapterInitError{AdapterID: b.id, Err: err}
		}
	}
	b.initialized = true

	b.logger.Info("Adapter initialized", zap.Strings("connection_types", connTypeNames(b.connectionTypes)))
	return nil
}

func (b *Base) SupportsFeature(name string) bool {
	return b.features[name]
}

// RegisterMethod exposes a protocol-native function under name.
func (b *Base) RegisterMethod(name string, fn any) {
	b.mu.Lock()
	b.methods[name] = fn
	b.mu.Unlock()
}

func (b *Base) ProtocolMethod(name string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fn, ok := b.methods[name]
	return fn, ok
}

func (b *Base) On(eventType types.EventType, handler events.Handler) func() {
	return b.bus.Handle(eventType, handler)
}

// Subscribe exposes the raw event channel, mostly for tests and bridges.
func (b *Base) Subscribe(eventType types.EventType) (<-chan types.DeviceEvent, func()) {
	return b.bus.Subscribe(eventType)
}

func (b *Base) supports(ct types.ConnectionType) bool {
	return slices.Contains(b.connectionTypes, ct)
}

// CheckConfig runs the checks Connect does before touching any state.
func (b *Base) CheckConfig(deviceID string, cfg types.DeviceConnectionConfig) error {
	if !b.supports(cfg.ConnectionType) {
		return &types.ConnectionError{
			DeviceID: deviceID,
			Op:       "connect",
			Err:      fmt.Errorf("connection type %q not handled by adapter %s", cfg.ConnectionType, b.id),
		}
	}
	if _, err := cfg.Params(); err != nil {
		var cfgErr *types.ConfigError
		if errors.As(err, &cfgErr) {
			cfgErr.DeviceID = deviceID
		}
		return err
	}
	if v, ok := b.dialer.(ConfigValidator); ok {
		return v.Validate(deviceID, cfg)
	}
	return nil
}

// Connect runs the connect half of the state machine:
// disconnected -> connecting -> connected | error (-> reconnecting).
// A device that is not disconnected is rejected with ErrAlreadyConnected.
func (b *Base) Connect(ctx context.Context, deviceID string, cfg types.DeviceConnectionConfig) error {
	if err := b.CheckConfig(deviceID, cfg); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return &types.ConnectionError{DeviceID: deviceID, Op: "connect", Err: types.ErrAdapterClosed}
	}
	sess, ok := b.sessions[deviceID]
	if !ok {
		sess = &session{deviceID: deviceID, state: types.StateDisconnected}
		b.sessions[deviceID] = sess
	}
	b.mu.Unlock()

	sess.mu.Lock()
	if sess.state != types.StateDisconnected && !(sess.state == types.StateError && sess.cancel == nil) {
		state := sess.state
		sess.mu.Unlock()
		return &types.ConnectionError{
			DeviceID: deviceID,
			Op:       "connect",
			Err:      fmt.Errorf("%w (state %s)", types.ErrAlreadyConnected, state),
		}
	}
	sessCtx, cancel := context.WithCancel(context.Background())
	sess.ctx = sessCtx
	sess.cancel = cancel
	sess.cfg = cfg
	b.setState(sess, types.StateConnecting)
	sess.attempts++
	sess.mu.Unlock()

	b.logger.Info("Connecting device",
		zap.String("device_id", deviceID),
		zap.String("connection_type", string(cfg.ConnectionType)))

	link, err := b.dial(ctx, sess)
	if err != nil {
		b.failAttempt(sess, err)

		sess.mu.Lock()
		if cfg.AutoReconnect && sess.ctx == sessCtx && sessCtx.Err() == nil {
			b.setState(sess, types.StateReconnecting)
			sess.wg.Add(1)
			go b.supervise(sessCtx, sess, nil)
		} else if sess.ctx == sessCtx {
			sess.cancel = nil
			cancel()
		}
		sess.mu.Unlock()

		var cfgErr *types.ConfigError
		if errors.As(err, &cfgErr) {
			return err
		}
		return &types.ConnectionError{DeviceID: deviceID, Op: "connect", Err: err}
	}

	if !b.establish(sessCtx, sess, link) {
		return &types.ConnectionError{DeviceID: deviceID, Op: "connect", Err: context.Canceled}
	}

	sess.wg.Add(1)
	go b.supervise(sessCtx, sess, link)

	return nil
}

func (b *Base) dial(ctx context.Context, sess *session) (Link, error) {
	dialCtx, cancel := context.WithTimeout(ctx, sess.cfg.Timeout())
	defer cancel()

	// Disconnect cancels an attempt that is still dialing
	stop := context.AfterFunc(sess.ctx, cancel)
	defer stop()

	return b.dialer.Dial(dialCtx, sess.deviceID, sess.cfg)
}

// establish publishes connected and starts the link. It returns false when
// the session was disconnected while dialing.
func (b *Base) establish(sessCtx context.Context, sess *session, link Link) bool {
	sess.mu.Lock()
	if sessCtx.Err() != nil || sess.ctx != sessCtx {
		sess.mu.Unlock()
		link.Close()
		return false
	}
	sess.link = link
	sess.lastConnected = time.Now()
	b.setState(sess, types.StateConnected)
	b.emit(sess.deviceID, types.EventConnected, nil)
	sess.mu.Unlock()

	b.logger.Info("Device connected", zap.String("device_id", sess.deviceID))

	link.Start()
	return true
}

func (b *Base) failAttempt(sess *session, err error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state == types.StateDisconnected {
		return
	}
	b.setState(sess, types.StateError)
	b.recordError(sess, err)
	b.emit(sess.deviceID, types.EventError, types.ErrorPayload{
		Kind:    types.ErrorKind(&types.ConnectionError{DeviceID: sess.deviceID, Op: "connect", Err: err}),
		Message: err.Error(),
	})

	b.logger.Warn("Device connection failed",
		zap.String("device_id", sess.deviceID),
		zap.Error(err))
}

// supervise watches a link and drives reconnects until the session context
// is cancelled. link may be nil when the first attempt failed.
func (b *Base) supervise(ctx context.Context, sess *session, link Link) {
	defer sess.wg.Done()

	for {
		if link != nil {
			select {
			case <-ctx.Done():
				return
			case <-link.Done():
			}
			if !b.lost(ctx, sess, link) {
				return
			}
		}

		link = b.reconnect(ctx, sess)
		if link == nil {
			return
		}
	}
}

// lost handles an unexpected transport closure and reports whether a
// reconnect should follow.
func (b *Base) lost(ctx context.Context, sess *session, link Link) bool {
	sess.mu.Lock()
	if ctx.Err() != nil || sess.link != link {
		sess.mu.Unlock()
		return false
	}
	sess.link = nil
	sess.lastDisconnected = time.Now()

	reason := "transport closed"
	if err := link.Err(); err != nil {
		reason = err.Error()
		b.recordError(sess, err)
	}
	b.emit(sess.deviceID, types.EventDisconnected, types.DisconnectPayload{Reason: reason})

	reconnect := sess.cfg.AutoReconnect
	var cancel context.CancelFunc
	if reconnect {
		b.setState(sess, types.StateReconnecting)
	} else {
		b.setState(sess, types.StateDisconnected)
		cancel, sess.cancel = sess.cancel, nil
	}
	sess.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	link.Close()
	b.correlator.FailDevice(sess.deviceID, types.ErrNotConnected)

	b.logger.Warn("Device connection lost",
		zap.String("device_id", sess.deviceID),
		zap.String("reason", reason),
		zap.Bool("auto_reconnect", reconnect))

	return reconnect
}

// reconnect retries at a fixed interval until a link is established, the
// attempt budget is spent or ctx ends.
func (b *Base) reconnect(ctx context.Context, sess *session) Link {
	sess.mu.Lock()
	interval := sess.cfg.ReconnectInterval()
	maxAttempts := sess.cfg.MaxReconnectAttempts
	sess.mu.Unlock()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		sess.mu.Lock()
		if ctx.Err() != nil {
			sess.mu.Unlock()
			return nil
		}
		if sess.state == types.StateError {
			b.setState(sess, types.StateReconnecting)
		}
		b.setState(sess, types.StateConnecting)
		sess.attempts++
		sess.mu.Unlock()

		b.logger.Info("Reconnecting device",
			zap.String("device_id", sess.deviceID),
			zap.Int("attempt", attempt))

		link, err := b.dial(ctx, sess)
		if err == nil {
			if b.establish(ctx, sess, link) {
				return link
			}
			return nil
		}

		b.failAttempt(sess, err)

		if maxAttempts > 0 && attempt >= maxAttempts {
			var cancel context.CancelFunc
			sess.mu.Lock()
			if sess.ctx == ctx {
				cancel, sess.cancel = sess.cancel, nil
			}
			sess.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			b.logger.Error("Giving up reconnecting device",
				zap.String("device_id", sess.deviceID),
				zap.Int("attempts", attempt))
			return nil
		}

		sess.mu.Lock()
		if ctx.Err() == nil {
			b.setState(sess, types.StateReconnecting)
		}
		sess.mu.Unlock()

		timer.Reset(interval)
	}
}

// Disconnect cancels polling and reconnects, closes the transport and fails
// in-flight commands. Calling it for a disconnected device is a no-op.
func (b *Base) Disconnect(ctx context.Context, deviceID string) error {
	sess := b.session(deviceID)
	if sess == nil {
		return nil
	}

	sess.mu.Lock()
	if sess.state == types.StateDisconnected {
		sess.mu.Unlock()
		return nil
	}
	cancel := sess.cancel
	sess.cancel = nil
	sess.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	sess.wg.Wait()

	sess.mu.Lock()
	if sess.state == types.StateDisconnected {
		sess.mu.Unlock()
		return nil
	}
	link := sess.link
	sess.link = nil
	sess.lastDisconnected = time.Now()
	b.setState(sess, types.StateDisconnected)
	b.emit(deviceID, types.EventDisconnected, types.DisconnectPayload{Reason: "requested", Expected: true})
	sess.mu.Unlock()

	var closeErr error
	if link != nil {
		closeErr = link.Close()
	}
	b.correlator.FailDevice(deviceID, types.ErrNotConnected)

	b.logger.Info("Device disconnected", zap.String("device_id", deviceID))

	if closeErr != nil {
		return &types.ConnectionError{DeviceID: deviceID, Op: "disconnect", Err: closeErr}
	}
	return nil
}

// Execute registers cmd with the correlator, transmits it through send and
// waits for exactly one terminal result within the configured timeout. The
// returned error is the typed error of a failed or timed out result.
func (b *Base) Execute(ctx context.Context, deviceID string, cmd types.Command, send SendFunc) (*types.CommandResult, error) {
	link, cfg, err := b.ActiveLink(deviceID)
	if err != nil {
		return nil, err
	}

	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now()
	}
	cmd.DeviceID = deviceID
	cmd.Status = types.CommandPending

	pending, err := b.correlator.Register(cmd)
	if err != nil {
		return nil, &types.CommandError{DeviceID: deviceID, CommandID: cmd.ID, Command: cmd.Command, Err: err}
	}

	cmd.Status = types.CommandSent
	b.withSession(deviceID, func(s *session) { s.stats.CommandsSent++ })
	b.emit(deviceID, types.EventCommandSent, cmd)

	timeout := cfg.Timeout()
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	go func() {
		if err := send(sendCtx, link, cmd); err != nil {
			b.correlator.Fail(cmd.ID, err)
		}
	}()

	result := b.correlator.Wait(ctx, pending, timeout)

	if result.Status != types.CommandTimedOut {
		b.withSession(deviceID, func(s *session) { s.stats.ResponsesReceived++ })
	}
	b.emit(deviceID, types.EventCommandResult, result)

	if err := result.Err(); err != nil {
		b.EmitError(deviceID, err)
		return &result, err
	}
	return &result, nil
}

// ActiveLink returns the link of a connected device.
func (b *Base) ActiveLink(deviceID string) (Link, types.DeviceConnectionConfig, error) {
	sess := b.session(deviceID)
	if sess == nil {
		return nil, types.DeviceConnectionConfig{}, &types.ConnectionError{DeviceID: deviceID, Op: "send", Err: types.ErrNotConnected}
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state != types.StateConnected || sess.link == nil {
		return nil, sess.cfg, &types.ConnectionError{
			DeviceID: deviceID,
			Op:       "send",
			Err:      fmt.Errorf("%w (state %s)", types.ErrNotConnected, sess.state),
		}
	}
	return sess.link, sess.cfg, nil
}

// EmitData publishes a reading for a connected device and counts the raw bytes.
func (b *Base) EmitData(deviceID string, reading types.Reading, rawBytes int) {
	sess := b.session(deviceID)
	if sess == nil {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state != types.StateConnected {
		return
	}
	sess.stats.DataReceived += uint64(max(rawBytes, 0))
	b.emit(deviceID, types.EventDataReceived, reading)
}

// EmitError records err in the device's error history and publishes it.
func (b *Base) EmitError(deviceID string, err error) {
	b.withSession(deviceID, func(s *session) { b.recordError(s, err) })
	b.emit(deviceID, types.EventError, types.ErrorPayload{Kind: types.ErrorKind(err), Message: err.Error()})
}

func (b *Base) RecordSent(deviceID string, n int) {
	b.withSession(deviceID, func(s *session) { s.stats.DataSent += uint64(max(n, 0)) })
}

func (b *Base) RecordReceived(deviceID string, n int) {
	b.withSession(deviceID, func(s *session) { s.stats.DataReceived += uint64(max(n, 0)) })
}

func (b *Base) ConnectionState(deviceID string) types.ConnectionSnapshot {
	sess := b.session(deviceID)
	if sess == nil {
		return types.ConnectionSnapshot{DeviceID: deviceID, State: types.StateDisconnected, Errors: []types.ErrorRecord{}}
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	return types.ConnectionSnapshot{
		DeviceID:         deviceID,
		ConnectionType:   sess.cfg.ConnectionType,
		State:            sess.state,
		Attempts:         sess.attempts,
		LastConnected:    sess.lastConnected,
		LastDisconnected: sess.lastDisconnected,
		Errors:           append([]types.ErrorRecord{}, sess.errors...),
		Statistics:       sess.stats,
	}
}

// Config returns the config of the current or last connection attempt.
func (b *Base) Config(deviceID string) (types.DeviceConnectionConfig, bool) {
	sess := b.session(deviceID)
	if sess == nil {
		return types.DeviceConnectionConfig{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.cfg, true
}

// Close disconnects every device and closes the event bus.
func (b *Base) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := b.Disconnect(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	b.bus.Close()
	return errors.Join(errs...)
}

func (b *Base) session(deviceID string) *session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sessions[deviceID]
}

func (b *Base) withSession(deviceID string, fn func(*session)) {
	sess := b.session(deviceID)
	if sess == nil {
		return
	}
	sess.mu.Lock()
	fn(sess)
	sess.mu.Unlock()
}

// setState validates and applies a transition and publishes state_changed.
// Caller holds sess.mu.
func (b *Base) setState(sess *session, to types.ConnectionState) {
	from := sess.state
	if from == to {
		return
	}
	if err := types.ValidateTransition(from, to); err != nil {
		b.logger.Error("Rejected state transition",
			zap.String("device_id", sess.deviceID),
			zap.Error(err))
		return
	}
	sess.state = to
	b.emit(sess.deviceID, types.EventStateChanged, types.StatePayload{From: from, To: to})
}

// recordError keeps the last maxErrorHistory errors. Caller holds sess.mu.
func (b *Base) recordError(sess *session, err error) {
	sess.errors = append(sess.errors, types.ErrorRecord{Time: time.Now(), Message: err.Error()})
	if len(sess.errors) > maxErrorHistory {
		sess.errors = sess.errors[len(sess.errors)-maxErrorHistory:]
	}
}

func (b *Base) emit(deviceID string, eventType types.EventType, payload any) {
	event := types.NewEvent(deviceID, eventType, payload)
	event.AdapterID = b.id
	b.bus.Publish(event)
}

func connTypeNames(cts []types.ConnectionType) []string {
	names := make([]string, len(cts))
	for i, ct := range cts {
		names[i] = string(ct)
	}
	return names
}
