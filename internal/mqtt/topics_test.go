package mqtt

import (
	"testing"

	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestResolveTopicsDefaults(t *testing.T) {
	topics := ResolveTopics("incubator-1", &types.MQTTParams{BaseTopic: "lab/devices/"})

	assert.Equal(t, "lab/devices/incubator-1/data", topics.Data)
	assert.Equal(t, "lab/devices/incubator-1/data/request", topics.DataRequest)
	assert.Equal(t, "lab/devices/incubator-1/status", topics.Status)
	assert.Equal(t, "lab/devices/incubator-1/commands", topics.Commands)
	assert.Equal(t, "lab/devices/incubator-1/responses", topics.Responses)
	assert.Equal(t, "lab/devices/incubator-1/errors", topics.Errors)
}

func TestResolveTopicsOverrides(t *testing.T) {
	topics := ResolveTopics("inc-2", &types.MQTTParams{
		BaseTopic:    "lab",
		CommandTopic: "vendor/{deviceId}/cmd",
		DataTopic:    "vendor/{deviceId}/telemetry",
	})

	assert.Equal(t, "vendor/inc-2/cmd", topics.Commands)
	assert.Equal(t, "vendor/inc-2/telemetry", topics.Data)
	assert.Equal(t, "lab/inc-2/responses", topics.Responses)
}

func TestMatch(t *testing.T) {
	assert.True(t, Match("lab/+/data", "lab/a/data"))
	assert.True(t, Match("lab/#", "lab/a/b/c"))
	assert.True(t, Match("lab/a", "lab/a"))
	assert.False(t, Match("lab/+/data", "lab/a/b/data"))
	assert.False(t, Match("lab/a", "lab/a/b"))
	assert.False(t, Match("lab/a/b", "lab/a"))
}

func TestValidateFilter(t *testing.T) {
	assert.NoError(t, ValidateFilter("lab/+/sensors/#"))
	assert.ErrorIs(t, ValidateFilter(""), ErrInvalidTopic)
	assert.ErrorIs(t, ValidateFilter("lab/#/x"), ErrInvalidTopic)
	assert.ErrorIs(t, ValidateFilter("lab/a+"), ErrInvalidTopic)
}
