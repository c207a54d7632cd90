// Package metrics exposes device activity as Prometheus metrics, fed from the
// device manager's event stream.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/events"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "openlab"

// EventSource is satisfied by the device manager.
type EventSource interface {
	On(eventType types.EventType, handler events.Handler) func()
}

type Metrics struct {
	registry *prometheus.Registry

	Events          *prometheus.CounterVec
	Commands        *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	Errors          *prometheus.CounterVec
	Readings        *prometheus.CounterVec
	Connected       prometheus.Gauge
	Reconnects      *prometheus.CounterVec

	mu        sync.Mutex
	inflight  map[string]time.Time
	connected map[string]bool
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_events_total",
			Help:      "Device events published by the manager",
		}, []string{"event"}),
		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands by adapter and terminal status",
		}, []string{"adapter", "status"}),
		CommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time from command sent to terminal result",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to 16s
		}, []string{"adapter"}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_errors_total",
			Help:      "Device errors by adapter and error kind",
		}, []string{"adapter", "kind"}),
		Readings: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_total",
			Help:      "Data events by adapter",
		}, []string{"adapter"}),
		Connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_connected",
			Help:      "Devices currently connected",
		}),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Transitions into the reconnecting state",
		}, []string{"adapter"}),
		inflight:  make(map[string]time.Time),
		connected: make(map[string]bool),
	}
}

// RegisterDropCounter exposes a dropped-events counter read from fn.
func (m *Metrics) RegisterDropCounter(fn func() uint64) {
	promauto.With(m.registry).NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events skipped for slow subscribers",
	}, func() float64 { return float64(fn()) })
}

// Attach subscribes to every manager event. The returned func detaches.
func (m *Metrics) Attach(source EventSource) func() {
	return source.On(types.EventAny, m.Observe)
}

func (m *Metrics) Observe(event types.DeviceEvent) {
	m.Events.WithLabelValues(string(event.Type)).Inc()

	switch event.Type {
	case types.EventDeviceCommandSent:
		if cmd, ok := event.Payload.(types.Command); ok {
			m.mu.Lock()
			m.inflight[cmd.ID] = event.Timestamp
			m.mu.Unlock()
		}

	case types.EventDeviceCommandResult:
		result, ok := event.Payload.(types.CommandResult)
		if !ok {
			return
		}
		m.Commands.WithLabelValues(event.AdapterID, string(result.Status)).Inc()

		m.mu.Lock()
		sent, found := m.inflight[result.CommandID]
		delete(m.inflight, result.CommandID)
		m.mu.Unlock()
		if found && !result.CompletedAt.IsZero() {
			m.CommandDuration.WithLabelValues(event.AdapterID).Observe(result.CompletedAt.Sub(sent).Seconds())
		}

	case types.EventDeviceError:
		kind := "unknown"
		if p, ok := event.Payload.(types.ErrorPayload); ok && p.Kind != "" {
			kind = p.Kind
		}
		m.Errors.WithLabelValues(event.AdapterID, kind).Inc()

	case types.EventDeviceData:
		m.Readings.WithLabelValues(event.AdapterID).Inc()

	case types.EventDeviceConnected:
		m.setConnected(event.DeviceID, true)

	case types.EventDeviceDisconnected, types.EventDeviceUnregistered:
		m.setConnected(event.DeviceID, false)

	case types.EventDeviceState:
		if p, ok := event.Payload.(types.StatePayload); ok && p.To == types.StateReconnecting {
			m.Reconnects.WithLabelValues(event.AdapterID).Inc()
		}
	}
}

func (m *Metrics) setConnected(deviceID string, connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if connected {
		m.connected[deviceID] = true
	} else {
		delete(m.connected, deviceID)
	}
	m.Connected.Set(float64(len(m.connected)))
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
