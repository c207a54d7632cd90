package telemetry

import (
	"fmt"
	"sort"

	"github.com/KevinKickass/OpenLabCore/internal/events"
	"github.com/KevinKickass/OpenLabCore/internal/transform"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

const measurement = "device_readings"

// PointWriter is the part of api.WriteAPI the sink needs.
type PointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

type EventSource interface {
	On(eventType types.EventType, handler events.Handler) func()
}

// Sink turns device:data events into InfluxDB points.
type Sink struct {
	writer      PointWriter
	logger      *zap.Logger
	unsubscribe func()
}

func NewSink(writer PointWriter, logger *zap.Logger) *Sink {
	return &Sink{writer: writer, logger: logger}
}

func (s *Sink) Attach(source EventSource) {
	s.unsubscribe = source.On(types.EventDeviceData, s.write)
}

func (s *Sink) write(event types.DeviceEvent) {
	reading, ok := event.Payload.(types.Reading)
	if !ok {
		return
	}

	point, ok := PointFromReading(event, reading)
	if !ok {
		s.logger.Debug("Reading without numeric or text fields skipped", zap.String("device_id", event.DeviceID))
		return
	}
	s.writer.WritePoint(point)
}

// Close detaches from the event source and flushes buffered points.
func (s *Sink) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.writer.Flush()
}

// PointFromReading maps reading values to fields. Nested objects are
// flattened with dotted keys; units become "unit_<field>" tags.
func PointFromReading(event types.DeviceEvent, reading types.Reading) (*write.Point, bool) {
	fields := make(map[string]any)
	flatten(fields, "", reading.Values)
	if len(fields) == 0 {
		return nil, false
	}

	tags := map[string]string{"device_id": event.DeviceID}
	if event.AdapterID != "" {
		tags["adapter"] = event.AdapterID
	}
	if reading.Source != "" {
		tags["source"] = reading.Source
	}
	for name, unit := range reading.Units {
		if _, ok := fields[name]; ok && unit != "" {
			tags["unit_"+name] = unit
		}
	}

	return write.NewPoint(measurement, tags, fields, event.Timestamp), true
}

func flatten(dst map[string]any, prefix string, values map[string]any) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		switch v := values[k].(type) {
		case map[string]any:
			flatten(dst, name, v)
		case bool, string:
			dst[name] = v
		case nil:
		case []any:
			dst[name] = fmt.Sprint(v)
		default:
			if f, ok := transform.ToFloat(v); ok {
				dst[name] = f
			}
		}
	}
}
