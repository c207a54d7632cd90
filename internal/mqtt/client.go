package mqtt

import (
	"context"
	"fmt"
	"net/url"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultDisconnectQuiesce = 250 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	maxQoS                   = 2
)

// MessageHandler receives messages for a subscription. Handlers run on the
// client's delivery goroutine and must not block.
type MessageHandler func(topic string, payload []byte)

// Client is the broker session used by the adapter. One per device.
type Client interface {
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
	Subscribe(ctx context.Context, topic string, qos byte, handler MessageHandler) error
	Unsubscribe(ctx context.Context, topics ...string) error
	// Close disconnects; pending publishes get a short quiesce period.
	Close() error
}

// Will is published by the broker when the session dies without Close.
type Will struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

type ClientConfig struct {
	BrokerURL    string
	ClientID     string
	Username     string
	Password     string
	KeepAlive    time.Duration
	CleanSession bool
	Will         *Will
	// OnLost is called once when an established session drops.
	OnLost func(err error)
}

// Connector opens a broker session. Tests replace it with an in-memory broker.
type Connector func(ctx context.Context, cfg ClientConfig, logger *zap.Logger) (Client, error)

// pahoClient wraps paho.mqtt.golang. Reconnects are left to the adapter
// lifecycle, so paho's own auto-reconnect stays off.
type pahoClient struct {
	client pahomqtt.Client
	logger *zap.Logger
}

// Connect stellt die Broker-Verbindung her
func Connect(ctx context.Context, cfg ClientConfig, logger *zap.Logger) (Client, error) {
	if _, err := url.Parse(cfg.BrokerURL); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := &pahoClient{logger: logger}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(cfg.CleanSession)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(true)

	timeout := defaultConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	opts.SetConnectTimeout(timeout)

	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	opts.SetKeepAlive(keepAlive)

	if cfg.Will != nil {
		opts.SetBinaryWill(cfg.Will.Topic, cfg.Will.Payload, cfg.Will.QoS, cfg.Will.Retained)
	}

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.String("client_id", cfg.ClientID), zap.Error(err))
		if cfg.OnLost != nil {
			cfg.OnLost(err)
		}
	})

	c.client = pahomqtt.NewClient(opts)
	if err := wait(ctx, c.client.Connect(), timeout); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	logger.Debug("MQTT connected", zap.String("broker", cfg.BrokerURL), zap.String("client_id", cfg.ClientID))
	return c, nil
}

// wait blocks on a paho token until it completes, ctx ends or timeout passes.
func wait(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	}
}

func (c *pahoClient) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	if err := wait(ctx, c.client.Publish(topic, qos, retained, payload), defaultConnectTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

func (c *pahoClient) Subscribe(ctx context.Context, topic string, qos byte, handler MessageHandler) error {
	if err := ValidateFilter(topic); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := c.client.Subscribe(topic, qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("MQTT handler panic", zap.String("topic", msg.Topic()), zap.Any("panic", r))
			}
		}()
		handler(msg.Topic(), msg.Payload())
	})
	if err := wait(ctx, token, defaultConnectTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

func (c *pahoClient) Unsubscribe(ctx context.Context, topics ...string) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	if err := wait(ctx, c.client.Unsubscribe(topics...), defaultConnectTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}
	return nil
}

func (c *pahoClient) Close() error {
	c.client.Disconnect(defaultDisconnectQuiesce)
	return nil
}
