package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/adapter"
	"github.com/KevinKickass/OpenLabCore/internal/transform"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	AdapterID = "mqtt"

	setCommand = "set"

	// statusSource marks status messages published by this adapter, so
	// retained announcements from earlier sessions are not mistaken for
	// device reports.
	statusSource = "openlab-adapter"
)

var brokerSchemes = []string{"tcp", "mqtt", "ssl", "tls", "mqtts", "ws", "wss"}

// Protocol method signatures, returned by ProtocolMethod.
type (
	PublishFunc   func(ctx context.Context, deviceID, topic string, payload []byte, retained bool) error
	SubscribeFunc func(ctx context.Context, deviceID, topic string, handler MessageHandler) error
)

type statusMessage struct {
	Status    string    `json:"status"`
	Source    string    `json:"source,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type commandMessage struct {
	ID         string         `json:"id"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Adapter talks to devices that publish and consume JSON over an MQTT broker.
type Adapter struct {
	*adapter.Base
	connect        Connector
	clientIDPrefix string
}

type Option func(*Adapter)

// WithConnector replaces the paho connector.
func WithConnector(c Connector) Option {
	return func(a *Adapter) { a.connect = c }
}

// WithClientIDPrefix sets the prefix of generated client ids.
func WithClientIDPrefix(prefix string) Option {
	return func(a *Adapter) { a.clientIDPrefix = prefix }
}

func NewAdapter(logger *zap.Logger, opts ...Option) *Adapter {
	a := &Adapter{connect: Connect, clientIDPrefix: "openlab"}
	for _, opt := range opts {
		opt(a)
	}

	a.Base = adapter.NewBase(adapter.Options{
		ID:              AdapterID,
		Name:            "MQTT",
		ConnectionTypes: []types.ConnectionType{types.ConnectionMQTT},
		Dialer:          a,
		Logger:          logger,
		Features:        []string{"streaming", "publish", "subscribe", "topic-map"},
	})

	a.RegisterMethod("publish", PublishFunc(func(ctx context.Context, deviceID, topic string, payload []byte, retained bool) error {
		l, err := a.activeLink(deviceID)
		if err != nil {
			return err
		}
		return l.publish(ctx, topic, retained, payload)
	}))
	a.RegisterMethod("subscribe", SubscribeFunc(func(ctx context.Context, deviceID, topic string, handler MessageHandler) error {
		l, err := a.activeLink(deviceID)
		if err != nil {
			return err
		}
		return l.client.Subscribe(ctx, topic, l.qos, handler)
	}))

	return a
}

func (a *Adapter) activeLink(deviceID string) (*link, error) {
	l, _, err := a.ActiveLink(deviceID)
	if err != nil {
		return nil, err
	}
	return l.(*link), nil
}

// Validate checks the broker URL and the topic map before any I/O.
func (a *Adapter) Validate(deviceID string, cfg types.DeviceConnectionConfig) error {
	p := cfg.MQTT

	u, err := url.Parse(p.BrokerURL)
	if err != nil || !slices.Contains(brokerSchemes, u.Scheme) || u.Host == "" {
		return &types.ConfigError{DeviceID: deviceID, Field: "broker_url", Err: fmt.Errorf("unsupported broker url %q", p.BrokerURL)}
	}
	if p.QoS > maxQoS {
		return &types.ConfigError{DeviceID: deviceID, Field: "qos", Err: ErrInvalidQoS}
	}

	for name, def := range p.Topics {
		if err := ValidateFilter(expand(def.Topic, deviceID)); err != nil {
			return &types.ConfigError{DeviceID: deviceID, Field: "topics." + name, Err: err}
		}
	}
	return nil
}

func (a *Adapter) Dial(ctx context.Context, deviceID string, cfg types.DeviceConnectionConfig) (adapter.Link, error) {
	p := cfg.MQTT
	topics := ResolveTopics(deviceID, p)

	clientID := p.ClientID
	if clientID == "" {
		clientID = a.clientIDPrefix + "-" + deviceID + "-" + uuid.NewString()[:8]
	}

	offline, _ := json.Marshal(statusMessage{Status: "offline", Source: statusSource, ClientID: clientID, Reason: "unexpected_disconnect", Timestamp: time.Now().UTC()})

	l := &link{
		Lifeline:  adapter.NewLifeline(),
		owner:     a,
		deviceID:  deviceID,
		clientID:  clientID,
		topics:    topics,
		topicMap:  p.Topics,
		qos:       p.QoS,
		transform: cfg.Transform,
		timeout:   cfg.Timeout(),
		values:    make(map[string]any),
		logger:    a.Logger().With(zap.String("device_id", deviceID)),
	}

	client, err := a.connect(ctx, ClientConfig{
		BrokerURL:    p.BrokerURL,
		ClientID:     clientID,
		Username:     p.Username,
		Password:     p.Password,
		KeepAlive:    time.Duration(p.KeepAliveSec) * time.Second,
		CleanSession: p.CleanSession,
		Will:         &Will{Topic: topics.Status, Payload: offline, QoS: 1, Retained: true},
		OnLost:       func(err error) { l.Cut(err) },
	}, l.logger)
	if err != nil {
		return nil, err
	}
	l.client = client

	if err := l.subscribeAll(ctx); err != nil {
		client.Close()
		return nil, err
	}

	online, _ := json.Marshal(statusMessage{Status: "online", Source: statusSource, ClientID: clientID, Timestamp: time.Now().UTC()})
	if err := client.Publish(ctx, topics.Status, 1, true, online); err != nil {
		client.Close()
		return nil, err
	}

	return l, nil
}

// SendCommand publishes the command to the command topic and waits for a
// response carrying its id. "set" writes a value to a mapped topic instead.
func (a *Adapter) SendCommand(ctx context.Context, deviceID string, cmd types.Command) (*types.CommandResult, error) {
	if cmd.Command == setCommand {
		return a.set(ctx, deviceID, cmd)
	}

	return a.Execute(ctx, deviceID, cmd, func(ctx context.Context, l adapter.Link, cmd types.Command) error {
		ml := l.(*link)
		payload, err := json.Marshal(commandMessage{
			ID:         cmd.ID,
			Command:    cmd.Command,
			Parameters: cmd.Parameters,
			Timestamp:  cmd.Timestamp.UTC(),
		})
		if err != nil {
			return err
		}
		return ml.publish(ctx, ml.topics.Commands, false, payload)
	})
}

func (a *Adapter) set(ctx context.Context, deviceID string, cmd types.Command) (*types.CommandResult, error) {
	name, _ := adapter.StringParam(cmd.Parameters, "name", "param")
	value, hasValue := cmd.Parameters["value"]

	cfg, _ := a.Config(deviceID)
	var def types.TopicDefinition
	var ok bool
	if cfg.MQTT != nil {
		def, ok = cfg.MQTT.Topics[name]
	}

	switch {
	case !ok:
		return nil, &types.ConfigError{DeviceID: deviceID, Field: "topics", Err: fmt.Errorf("unknown topic %q", name)}
	case !def.Access.CanWrite():
		return nil, &types.ConfigError{DeviceID: deviceID, Field: "topics." + name, Err: fmt.Errorf("topic %q is read-only", name)}
	case !hasValue:
		return nil, &types.ConfigError{DeviceID: deviceID, Field: "value", Err: fmt.Errorf("missing value for %q", name)}
	}

	return a.Execute(ctx, deviceID, cmd, func(ctx context.Context, l adapter.Link, cmd types.Command) error {
		payload, err := json.Marshal(value)
		if err != nil {
			return err
		}
		if err := l.(*link).publish(ctx, expand(def.Topic, deviceID), false, payload); err != nil {
			return err
		}
		a.Correlator().Complete(cmd.ID, map[string]any{name: value})
		return nil
	})
}

// ReadData returns the last values seen on mapped topics. Without a topic
// map, or when none of the names are mapped, it publishes a data request and
// waits for the next message on the data topic.
func (a *Adapter) ReadData(ctx context.Context, deviceID string, query types.Query) (types.DeviceEvent, error) {
	l, err := a.activeLink(deviceID)
	if err != nil {
		return types.DeviceEvent{}, err
	}

	var reading types.Reading
	if mapped := l.mappedNames(query.Names); len(mapped) > 0 {
		reading, err = l.lastValues(mapped)
	} else {
		reading, err = l.requestData(ctx, query)
	}
	if err != nil {
		return types.DeviceEvent{}, err
	}

	event := types.NewEvent(deviceID, types.EventDataReceived, reading)
	event.AdapterID = a.ID()
	return event, nil
}

type message struct {
	topic   string
	payload []byte
}

type link struct {
	*adapter.Lifeline
	owner     *Adapter
	client    Client
	deviceID  string
	clientID  string
	topics    Topics
	topicMap  types.TopicMap
	qos       byte
	transform *types.TransformSpec
	timeout   time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	started bool
	backlog []message
	values  map[string]any
	waiters []chan types.Reading
}

func (l *link) subscribeAll(ctx context.Context) error {
	for _, topic := range l.topics.Inbound() {
		if err := l.client.Subscribe(ctx, topic, l.qos, l.receive); err != nil {
			return err
		}
	}
	for name, def := range l.topicMap {
		if !def.Access.CanRead() {
			continue
		}
		if err := l.client.Subscribe(ctx, expand(def.Topic, l.deviceID), l.qos, l.receive); err != nil {
			return fmt.Errorf("topic %s: %w", name, err)
		}
	}
	return nil
}

// Start flushes messages that arrived between subscribe and the connected
// event, retained values included.
// Messages arriving while the backlog drains are queued behind it; live
// delivery starts only once the queue is empty.
func (l *link) Start() {
	for {
		l.mu.Lock()
		backlog := l.backlog
		l.backlog = nil
		if len(backlog) == 0 {
			l.started = true
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()

		for _, msg := range backlog {
			l.handle(msg.topic, msg.payload)
		}
	}
}

func (l *link) Close() error {
	if !l.IsCut() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		offline, _ := json.Marshal(statusMessage{Status: "offline", Source: statusSource, ClientID: l.clientID, Reason: "disconnect", Timestamp: time.Now().UTC()})
		if err := l.client.Publish(ctx, l.topics.Status, 1, true, offline); err != nil {
			l.logger.Debug("Offline status not published", zap.Error(err))
		}
		cancel()
	}
	l.Cut(nil)

	l.mu.Lock()
	for _, w := range l.waiters {
		close(w)
	}
	l.waiters = nil
	l.mu.Unlock()

	return l.client.Close()
}

func (l *link) publish(ctx context.Context, topic string, retained bool, payload []byte) error {
	if l.IsCut() {
		return types.ErrNotConnected
	}
	if err := l.client.Publish(ctx, topic, l.qos, retained, payload); err != nil {
		return err
	}
	l.owner.RecordSent(l.deviceID, len(payload))
	return nil
}

func (l *link) receive(topic string, payload []byte) {
	l.mu.Lock()
	if !l.started {
		l.backlog = append(l.backlog, message{topic: topic, payload: payload})
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	l.handle(topic, payload)
}

func (l *link) handle(topic string, payload []byte) {
	switch topic {
	case l.topics.Responses:
		l.handleResponse(payload)
	case l.topics.Errors:
		l.owner.RecordReceived(l.deviceID, len(payload))
		l.owner.EmitError(l.deviceID, fmt.Errorf("device error: %s", errorText(payload)))
	case l.topics.Status:
		l.owner.RecordReceived(l.deviceID, len(payload))
		l.handleStatus(payload)
	case l.topics.Data:
		l.handleData(payload)
	default:
		l.handleMapped(topic, payload)
	}
}

func (l *link) handleResponse(payload []byte) {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		l.owner.RecordReceived(l.deviceID, len(payload))
		l.logger.Warn("Malformed response", zap.Error(err))
		return
	}
	result, ok := adapter.ParseResponse(obj)
	if !ok {
		l.logger.Warn("Response without command id")
		return
	}
	l.owner.RecordReceived(l.deviceID, len(payload))
	l.owner.Correlator().Resolve(result)
}

func (l *link) handleStatus(payload []byte) {
	var status statusMessage
	if err := json.Unmarshal(payload, &status); err != nil || status.Status == "" {
		return
	}
	// our own announcements come back on the same topic, retained ones
	// from earlier sessions included
	if status.Source == statusSource || status.ClientID == l.clientID {
		return
	}

	switch status.Status {
	case "offline", "error":
		l.owner.EmitError(l.deviceID, fmt.Errorf("device reported %s: %s", status.Status, status.Reason))
	default:
		l.logger.Debug("Device status", zap.String("status", status.Status))
	}
}

func (l *link) handleData(payload []byte) {
	reading, err := transform.Apply(l.transform, transform.Decode(payload))
	if err != nil {
		l.owner.RecordReceived(l.deviceID, len(payload))
		l.owner.EmitError(l.deviceID, fmt.Errorf("transform: %w", err))
		return
	}
	reading.Source = AdapterID
	l.deliver(reading)
	l.owner.EmitData(l.deviceID, reading, len(payload))
}

func (l *link) handleMapped(topic string, payload []byte) {
	for name, def := range l.topicMap {
		if !Match(expand(def.Topic, l.deviceID), topic) {
			continue
		}

		value := transform.Decode(payload)
		reading := types.Reading{Values: map[string]any{name: value}, Source: AdapterID}
		if def.Unit != "" {
			reading.Units = map[string]string{name: def.Unit}
		}

		l.mu.Lock()
		l.values[name] = value
		l.mu.Unlock()

		l.owner.EmitData(l.deviceID, reading, len(payload))
		return
	}
	l.logger.Debug("Message on unexpected topic", zap.String("topic", topic))
}

func (l *link) mappedNames(names []string) []string {
	if len(names) == 0 {
		out := make([]string, 0, len(l.topicMap))
		for name, def := range l.topicMap {
			if def.Access.CanRead() {
				out = append(out, name)
			}
		}
		slices.Sort(out)
		return out
	}

	var out []string
	for _, name := range names {
		if _, ok := l.topicMap[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

func (l *link) lastValues(names []string) (types.Reading, error) {
	reading := types.Reading{Values: make(map[string]any), Source: AdapterID}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, name := range names {
		v, ok := l.values[name]
		if !ok {
			continue
		}
		reading.Values[name] = v
		if unit := l.topicMap[name].Unit; unit != "" {
			if reading.Units == nil {
				reading.Units = make(map[string]string)
			}
			reading.Units[name] = unit
		}
	}
	if len(reading.Values) == 0 {
		return types.Reading{}, &types.CommandError{DeviceID: l.deviceID, Command: "read", Err: fmt.Errorf("no value received yet for %v", names)}
	}
	return reading, nil
}

// requestData publishes to the data request topic and waits for the next
// data message.
func (l *link) requestData(ctx context.Context, query types.Query) (types.Reading, error) {
	ch := make(chan types.Reading, 1)
	l.mu.Lock()
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	defer l.dropWaiter(ch)

	payload, _ := json.Marshal(map[string]any{
		"requestId":  uuid.NewString(),
		"parameters": query.Options,
		"names":      query.Names,
		"timestamp":  time.Now().UTC(),
	})
	if err := l.publish(ctx, l.topics.DataRequest, false, payload); err != nil {
		return types.Reading{}, err
	}

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case reading, ok := <-ch:
		if !ok {
			return types.Reading{}, types.ErrNotConnected
		}
		return reading, nil
	case <-timer.C:
		return types.Reading{}, &types.CommandTimeoutError{DeviceID: l.deviceID, Command: "read"}
	case <-ctx.Done():
		return types.Reading{}, ctx.Err()
	}
}

func (l *link) deliver(reading types.Reading) {
	l.mu.Lock()
	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()

	for _, w := range waiters {
		w <- reading.Clone()
	}
}

func (l *link) dropWaiter(ch chan types.Reading) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waiters = slices.DeleteFunc(l.waiters, func(w chan types.Reading) bool { return w == ch })
}

func errorText(payload []byte) string {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err == nil {
		for _, key := range []string{"error", "message"} {
			if msg, ok := obj[key].(string); ok {
				return msg
			}
		}
	}
	return string(payload)
}
