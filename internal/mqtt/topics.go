package mqtt

import (
	"strings"

	"github.com/KevinKickass/OpenLabCore/internal/types"
)

const deviceIDPlaceholder = "{deviceId}"

// Topics is the resolved topic tree of one device:
//
//	{base}/{deviceId}/data
//	{base}/{deviceId}/status
//	{base}/{deviceId}/commands
//	{base}/{deviceId}/responses
//	{base}/{deviceId}/errors
//
// Each entry can be overridden with a template containing {deviceId}.
type Topics struct {
	Data        string
	DataRequest string
	Status      string
	Commands    string
	Responses   string
	Errors      string
}

func ResolveTopics(deviceID string, p *types.MQTTParams) Topics {
	base := strings.TrimSuffix(p.BaseTopic, "/") + "/" + deviceID

	pick := func(override, leaf string) string {
		if override != "" {
			return expand(override, deviceID)
		}
		return base + "/" + leaf
	}

	t := Topics{
		Data:      pick(p.DataTopic, "data"),
		Status:    pick(p.StatusTopic, "status"),
		Commands:  pick(p.CommandTopic, "commands"),
		Responses: pick(p.ResponseTopic, "responses"),
		Errors:    pick(p.ErrorTopic, "errors"),
	}
	t.DataRequest = t.Data + "/request"
	return t
}

// Inbound lists the topics the adapter subscribes to on connect.
func (t Topics) Inbound() []string {
	return []string{t.Data, t.Status, t.Responses, t.Errors}
}

func expand(template, deviceID string) string {
	return strings.ReplaceAll(template, deviceIDPlaceholder, deviceID)
}

// Match reports whether topic matches a subscription filter with + and #
// wildcards.
func Match(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")

	for i, f := range fp {
		if f == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}

// ValidateFilter rejects empty filters and misplaced wildcards.
func ValidateFilter(filter string) error {
	if filter == "" {
		return ErrInvalidTopic
	}
	parts := strings.Split(filter, "/")
	for i, part := range parts {
		if strings.Contains(part, "#") && (part != "#" || i != len(parts)-1) {
			return ErrInvalidTopic
		}
		if strings.Contains(part, "+") && part != "+" {
			return ErrInvalidTopic
		}
	}
	return nil
}
