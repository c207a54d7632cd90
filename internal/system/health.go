package system

import (
	"github.com/KevinKickass/OpenLabCore/internal/events"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type EventSource interface {
	On(eventType types.EventType, handler events.Handler) func()
}

// DeviceServicePrefix names the per-device health services, e.g.
// "device/incubator-1".
const DeviceServicePrefix = "device/"

// DeviceHealth mirrors device connection state into a gRPC health server.
// The empty service name reports the process itself.
type DeviceHealth struct {
	server *health.Server
	logger *zap.Logger
}

func NewDeviceHealth(logger *zap.Logger) *DeviceHealth {
	return &DeviceHealth{
		server: health.NewServer(),
		logger: logger,
	}
}

func (h *DeviceHealth) Server() *health.Server {
	return h.server
}

// Attach follows manager events until the returned func is called.
func (h *DeviceHealth) Attach(source EventSource) func() {
	return source.On(types.EventAny, h.observe)
}

func (h *DeviceHealth) observe(event types.DeviceEvent) {
	service := DeviceServicePrefix + event.DeviceID

	switch event.Type {
	case types.EventDeviceConnected:
		h.server.SetServingStatus(service, healthpb.HealthCheckResponse_SERVING)
	case types.EventDeviceRegistered, types.EventDeviceDisconnected:
		h.server.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
	case types.EventDeviceUnregistered:
		h.server.SetServingStatus(service, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
	case types.EventDeviceState:
		if p, ok := event.Payload.(types.StatePayload); ok && p.To == types.StateError {
			h.server.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
		}
	}
}

// SetProcess reports the overall process status.
func (h *DeviceHealth) SetProcess(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus("", status)
}

// Shutdown flips every service to NOT_SERVING and rejects later updates.
func (h *DeviceHealth) Shutdown() {
	h.logger.Debug("Health server shutting down")
	h.server.Shutdown()
}
