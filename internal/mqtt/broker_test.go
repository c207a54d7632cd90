package mqtt

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// memBroker is an in-memory broker with retained messages, wildcards and wills.
type memBroker struct {
	mu       sync.Mutex
	subs     []memSub
	retained map[string][]byte
	clients  []*memClient
	refuse   bool
}

type memSub struct {
	client  *memClient
	filter  string
	handler MessageHandler
}

type memClient struct {
	broker *memBroker
	cfg    ClientConfig
	closed bool
}

func newMemBroker() *memBroker {
	return &memBroker{retained: make(map[string][]byte)}
}

func (b *memBroker) connect(ctx context.Context, cfg ClientConfig, logger *zap.Logger) (Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refuse {
		return nil, ErrConnectionFailed
	}
	c := &memClient{broker: b, cfg: cfg}
	b.clients = append(b.clients, c)
	return c, nil
}

// peer returns a client for test code acting as the device.
func (b *memBroker) peer() *memClient {
	c, _ := b.connect(context.Background(), ClientConfig{ClientID: "device"}, zap.NewNop())
	return c.(*memClient)
}

func (b *memBroker) lastClient() *memClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.clients) - 1; i >= 0; i-- {
		if b.clients[i].cfg.ClientID != "device" {
			return b.clients[i]
		}
	}
	return nil
}

func (b *memBroker) clientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *memBroker) retainedOn(topic string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retained[topic]
}

// drop kills a client's session the way a network failure would.
func (b *memBroker) drop(c *memClient) {
	b.detach(c)
	if w := c.cfg.Will; w != nil {
		b.route(w.Topic, w.Retained, w.Payload)
	}
	if c.cfg.OnLost != nil {
		c.cfg.OnLost(errors.New("connection reset by peer"))
	}
}

func (b *memBroker) detach(c *memClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c.closed = true
	kept := b.subs[:0]
	for _, s := range b.subs {
		if s.client != c {
			kept = append(kept, s)
		}
	}
	b.subs = kept
}

func (b *memBroker) route(topic string, retained bool, payload []byte) {
	b.mu.Lock()
	if retained {
		b.retained[topic] = payload
	}
	var targets []MessageHandler
	for _, s := range b.subs {
		if Match(s.filter, topic) {
			targets = append(targets, s.handler)
		}
	}
	b.mu.Unlock()

	for _, h := range targets {
		h(topic, payload)
	}
}

func (c *memClient) isClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *memClient) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if c.isClosed() {
		return ErrNotConnected
	}
	c.broker.route(topic, retained, payload)
	return nil
}

func (c *memClient) Subscribe(ctx context.Context, topic string, qos byte, handler MessageHandler) error {
	if err := ValidateFilter(topic); err != nil {
		return err
	}

	b := c.broker
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return ErrNotConnected
	}
	b.subs = append(b.subs, memSub{client: c, filter: topic, handler: handler})
	type retainedMsg struct {
		topic   string
		payload []byte
	}
	var replay []retainedMsg
	for t, p := range b.retained {
		if Match(topic, t) {
			replay = append(replay, retainedMsg{t, p})
		}
	}
	b.mu.Unlock()

	for _, m := range replay {
		handler(m.topic, m.payload)
	}
	return nil
}

func (c *memClient) Unsubscribe(ctx context.Context, topics ...string) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.subs[:0]
	for _, s := range b.subs {
		if s.client == c && contains(topics, s.filter) {
			continue
		}
		kept = append(kept, s)
	}
	b.subs = kept
	return nil
}

func (c *memClient) Close() error {
	c.broker.detach(c)
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
