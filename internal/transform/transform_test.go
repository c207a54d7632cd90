package transform

import (
	"testing"

	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyWithoutSpec(t *testing.T) {
	reading, err := Apply(nil, map[string]any{"temp": 21.5, "unit": "C"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"temp": 21.5, "unit": "C"}, reading.Values)

	reading, err = Apply(nil, "READY")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"value": "READY"}, reading.Values)
}

func TestApplyFieldRules(t *testing.T) {
	spec := &types.TransformSpec{
		Fields: []types.FieldRule{
			{Source: "sensors.0.raw", Target: "temperature", Scale: 0.1, Offset: -40, Unit: "C"},
			{Source: "meta.serial", Type: "string"},
			{Source: "running", Type: "bool"},
			{Source: "missing.path", Target: "ignored"},
		},
	}
	payload := map[string]any{
		"sensors": []any{map[string]any{"raw": 650.0}},
		"meta":    map[string]any{"serial": 1234.0},
		"running": "true",
		"extra":   1.0,
	}

	reading, err := Apply(spec, payload)
	require.NoError(t, err)

	assert.InDelta(t, 25.0, reading.Values["temperature"], 1e-9)
	assert.Equal(t, "1234", reading.Values["serial"])
	assert.Equal(t, true, reading.Values["running"])
	assert.NotContains(t, reading.Values, "ignored")
	assert.NotContains(t, reading.Values, "extra")
	assert.Equal(t, map[string]string{"temperature": "C"}, reading.Units)
}

func TestApplyKeepUnmapped(t *testing.T) {
	spec := &types.TransformSpec{
		Fields:       []types.FieldRule{{Source: "t", Target: "temperature", Type: "number"}},
		KeepUnmapped: true,
	}

	reading, err := Apply(spec, map[string]any{"t": "21.5", "status": "ok"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"temperature": 21.5, "status": "ok"}, reading.Values)
}

func TestApplyRejectsNonNumeric(t *testing.T) {
	spec := &types.TransformSpec{Fields: []types.FieldRule{{Source: "t", Scale: 2}}}

	_, err := Apply(spec, map[string]any{"t": "warm"})
	assert.ErrorContains(t, err, "field t")
}

func TestDecode(t *testing.T) {
	assert.Equal(t, map[string]any{"a": 1.0}, Decode([]byte(`{"a":1}`)))
	assert.Equal(t, 42.0, Decode([]byte("42")))
	assert.Equal(t, "OK READY", Decode([]byte("OK READY\r\n")))
}

func TestToFloat(t *testing.T) {
	for _, v := range []any{3, int16(3), uint32(3), float32(3), "3", " 3 "} {
		f, ok := ToFloat(v)
		assert.True(t, ok, "%T", v)
		assert.Equal(t, 3.0, f)
	}
	_, ok := ToFloat([]int{1})
	assert.False(t, ok)
}
