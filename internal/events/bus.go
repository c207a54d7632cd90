package events

import (
	"sync"
	"sync/atomic"

	"github.com/KevinKickass/OpenLabCore/internal/types"
	"go.uber.org/zap"
)

const DefaultBufferSize = 256

// Handler receives events in publish order for its subscription.
type Handler func(types.DeviceEvent)

type subscriber struct {
	filter types.EventType
	ch     chan types.DeviceEvent
}

// Bus fans device events out to subscribers. Publish holds the bus lock while
// queueing, so every subscriber sees events in the order they were published.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	nextID      uint64
	bufferSize  int
	closed      bool

	dropped atomic.Uint64
	onDrop  func(types.DeviceEvent)
	logger  *zap.Logger
}

func NewBus(bufferSize int, logger *zap.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subscribers: make(map[uint64]*subscriber),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// OnDrop registers a callback for events skipped because a subscriber was full.
func (b *Bus) OnDrop(fn func(types.DeviceEvent)) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Subscribe returns a channel of events matching filter (types.EventAny for
// all) and a function that closes it.
func (b *Bus) Subscribe(filter types.EventType) (<-chan types.DeviceEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan types.DeviceEvent, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	id := b.nextID
	b.subscribers[id] = &subscriber{filter: filter, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

// Handle runs handler on a dedicated goroutine for every matching event.
// Panics in handler are recovered and logged.
func (b *Bus) Handle(filter types.EventType, handler Handler) func() {
	ch, unsubscribe := b.Subscribe(filter)

	go func() {
		for event := range ch {
			b.dispatch(handler, event)
		}
	}()

	return unsubscribe
}

func (b *Bus) dispatch(handler Handler, event types.DeviceEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panic recovered",
				zap.String("device_id", event.DeviceID),
				zap.String("event", string(event.Type)),
				zap.Any("panic", r))
		}
	}()
	handler(event)
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

func (b *Bus) Publish(event types.DeviceEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, sub := range b.subscribers {
		if sub.filter != types.EventAny && sub.filter != event.Type {
			continue
		}
		select {
		case sub.ch <- event.Clone():
		default:
			b.dropped.Add(1)
			b.logger.Warn("Event subscriber full, event dropped",
				zap.String("device_id", event.DeviceID),
				zap.String("event", string(event.Type)))
			if b.onDrop != nil {
				b.onDrop(event)
			}
		}
	}
}

// Dropped returns the number of events skipped for full subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}
