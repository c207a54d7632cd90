package events

import (
	"testing"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSubscribeFiltersByType(t *testing.T) {
	bus := NewBus(8, zaptest.NewLogger(t))
	defer bus.Close()

	all, unsubAll := bus.Subscribe(types.EventAny)
	defer unsubAll()
	data, unsubData := bus.Subscribe(types.EventDataReceived)
	defer unsubData()

	bus.Publish(types.NewEvent("dev-1", types.EventConnected, nil))
	bus.Publish(types.NewEvent("dev-1", types.EventDataReceived, types.Reading{Values: map[string]any{"t": 1}}))

	assert.Equal(t, types.EventConnected, (<-all).Type)
	assert.Equal(t, types.EventDataReceived, (<-all).Type)
	assert.Equal(t, types.EventDataReceived, (<-data).Type)
	assert.Empty(t, data)
}

func TestPublishPreservesOrder(t *testing.T) {
	bus := NewBus(100, nil)
	defer bus.Close()

	ch, unsubscribe := bus.Subscribe(types.EventAny)
	defer unsubscribe()

	for i := 0; i < 50; i++ {
		bus.Publish(types.NewEvent("dev-1", types.EventDataReceived, types.Reading{Values: map[string]any{"seq": i}}))
	}
	for i := 0; i < 50; i++ {
		ev := <-ch
		assert.Equal(t, i, ev.Payload.(types.Reading).Values["seq"])
	}
}

func TestPublishClonesReadings(t *testing.T) {
	bus := NewBus(4, nil)
	defer bus.Close()

	a, unsubA := bus.Subscribe(types.EventAny)
	defer unsubA()
	b, unsubB := bus.Subscribe(types.EventAny)
	defer unsubB()

	bus.Publish(types.NewEvent("dev-1", types.EventDataReceived, types.Reading{Values: map[string]any{"t": 1}}))

	first := (<-a).Payload.(types.Reading)
	first.Values["t"] = 99
	second := (<-b).Payload.(types.Reading)
	assert.Equal(t, 1, second.Values["t"])
}

func TestFullSubscriberDropsWithoutBlocking(t *testing.T) {
	bus := NewBus(1, zaptest.NewLogger(t))
	defer bus.Close()

	var dropped int
	bus.OnDrop(func(types.DeviceEvent) { dropped++ })

	_, unsubscribe := bus.Subscribe(types.EventAny)
	defer unsubscribe()

	bus.Publish(types.NewEvent("dev-1", types.EventConnected, nil))
	bus.Publish(types.NewEvent("dev-1", types.EventConnected, nil))
	bus.Publish(types.NewEvent("dev-1", types.EventConnected, nil))

	assert.Equal(t, uint64(2), bus.Dropped())
	assert.Equal(t, 2, dropped)
}

func TestHandleRecoversPanics(t *testing.T) {
	bus := NewBus(4, zaptest.NewLogger(t))
	defer bus.Close()

	got := make(chan types.EventType, 2)
	unsubscribe := bus.Handle(types.EventAny, func(ev types.DeviceEvent) {
		if ev.Type == types.EventError {
			panic("boom")
		}
		got <- ev.Type
	})
	defer unsubscribe()

	bus.Publish(types.NewEvent("dev-1", types.EventError, nil))
	bus.Publish(types.NewEvent("dev-1", types.EventConnected, nil))

	select {
	case typ := <-got:
		assert.Equal(t, types.EventConnected, typ)
	case <-time.After(time.Second):
		t.Fatal("handler stopped after panic")
	}
}

func TestUnsubscribeAndClose(t *testing.T) {
	bus := NewBus(4, nil)

	ch, unsubscribe := bus.Subscribe(types.EventAny)
	require.Equal(t, 1, bus.SubscriberCount())
	unsubscribe()
	unsubscribe()
	assert.Zero(t, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)

	other, _ := bus.Subscribe(types.EventAny)
	bus.Close()
	_, open = <-other
	assert.False(t, open)

	bus.Publish(types.NewEvent("dev-1", types.EventConnected, nil))

	late, _ := bus.Subscribe(types.EventAny)
	_, open = <-late
	assert.False(t, open)
}
