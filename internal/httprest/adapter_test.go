package httprest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func httpConfig(baseURL string) types.DeviceConnectionConfig {
	return types.DeviceConnectionConfig{
		ConnectionType: types.ConnectionHTTP,
		TimeoutMs:      2000,
		HTTP: &types.HTTPParams{
			BaseURL: baseURL,
			Endpoints: types.EndpointMap{
				"getStatus": {Path: "/status", Method: "GET", ExpectedStatus: []int{200}},
			},
		},
	}
}

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a := NewAdapter(zaptest.NewLogger(t))
	t.Cleanup(func() { a.Close(context.Background()) })
	return a
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestGetStatusCompletes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"state": "ok"})
	}))
	defer srv.Close()

	a := newTestAdapter(t)
	require.NoError(t, a.Connect(context.Background(), "reader", httpConfig(srv.URL)))

	result, err := a.SendCommand(context.Background(), "reader", types.Command{Command: "getStatus"})
	require.NoError(t, err)
	assert.Equal(t, types.CommandCompleted, result.Status)

	data, ok := result.DataMap()
	require.True(t, ok)
	assert.Equal(t, "ok", data["state"])
}

func TestServerErrorFailsAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/status" {
			calls.Add(1)
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := newTestAdapter(t)
	cfg := httpConfig(srv.URL)
	cfg.HTTP.RetryCount = 2
	cfg.HTTP.RetryDelayMs = 10
	require.NoError(t, a.Connect(context.Background(), "reader", cfg))

	result, err := a.SendCommand(context.Background(), "reader", types.Command{Command: "getStatus"})
	var cmdErr *types.CommandError
	require.ErrorAs(t, err, &cmdErr)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
	assert.Equal(t, types.CommandFailed, result.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetriesStopBeforeCommandTimeout(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/status" {
			calls.Add(1)
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := newTestAdapter(t)
	cfg := httpConfig(srv.URL)
	cfg.TimeoutMs = 600
	cfg.HTTP.RetryCount = 3
	cfg.HTTP.RetryDelayMs = 400
	require.NoError(t, a.Connect(context.Background(), "reader", cfg))

	start := time.Now()
	result, err := a.SendCommand(context.Background(), "reader", types.Command{Command: "getStatus"})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
	assert.Equal(t, types.CommandFailed, result.Status)
	assert.Less(t, time.Since(start), 600*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/status" {
			calls.Add(1)
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "no such thing"})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := newTestAdapter(t)
	cfg := httpConfig(srv.URL)
	cfg.HTTP.RetryCount = 3
	cfg.HTTP.RetryDelayMs = 10
	require.NoError(t, a.Connect(context.Background(), "reader", cfg))

	result, err := a.SendCommand(context.Background(), "reader", types.Command{Command: "getStatus"})
	require.Error(t, err)
	assert.Equal(t, types.CommandFailed, result.Status)
	assert.Contains(t, result.Error, "no such thing")
	assert.Equal(t, int32(1), calls.Load())
}

// thermostat keeps one setpoint and serves it back.
type thermostat struct {
	mu       sync.Mutex
	setpoint float64
	lastAuth string
}

func (th *thermostat) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	th.mu.Lock()
	defer th.mu.Unlock()
	th.lastAuth = r.Header.Get("Authorization")

	switch {
	case r.Method == http.MethodPut && r.URL.Path == "/zones/2/setpoint":
		var body map[string]float64
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		th.setpoint = body["value"]
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && r.URL.Path == "/zones/2":
		writeJSON(w, http.StatusOK, map[string]any{"setpoint": th.setpoint, "unit": r.URL.Query().Get("unit")})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestWriteThenReadThroughEndpointMap(t *testing.T) {
	th := &thermostat{}
	srv := httptest.NewServer(th)
	defer srv.Close()

	cfg := httpConfig(srv.URL)
	cfg.HTTP.Auth = types.AuthParams{Type: types.AuthBearer, Token: "s3cret"}
	cfg.HTTP.Endpoints = types.EndpointMap{
		"setSetpoint": {Path: "/zones/{zone}/setpoint", Method: "PUT", PathParams: []string{"zone"}, BodyFields: []string{"value"}, ExpectedStatus: []int{204}},
		"getZone":     {Path: "/zones/{zone}", Method: "GET", PathParams: []string{"zone"}, QueryParams: []string{"unit"}},
	}

	a := newTestAdapter(t)
	require.NoError(t, a.Connect(context.Background(), "thermo", cfg))

	_, err := a.SendCommand(context.Background(), "thermo", types.Command{
		Command:    "setSetpoint",
		Parameters: map[string]any{"zone": 2, "value": 37.5},
	})
	require.NoError(t, err)

	result, err := a.SendCommand(context.Background(), "thermo", types.Command{
		Command:    "getZone",
		Parameters: map[string]any{"zone": "2", "unit": "C"},
	})
	require.NoError(t, err)
	data, _ := result.DataMap()
	assert.Equal(t, 37.5, data["setpoint"])
	assert.Equal(t, "C", data["unit"])

	th.mu.Lock()
	assert.Equal(t, "Bearer s3cret", th.lastAuth)
	th.mu.Unlock()
}

func TestUnknownEndpointFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	a := newTestAdapter(t)
	require.NoError(t, a.Connect(context.Background(), "reader", httpConfig(srv.URL)))

	var cfgErr *types.ConfigError
	_, err := a.SendCommand(context.Background(), "reader", types.Command{Command: "launch"})
	assert.ErrorAs(t, err, &cfgErr)
	assert.Zero(t, a.ConnectionState("reader").Statistics.CommandsSent)
}

func TestPollingSynthesizesDataEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sensors/od":
			writeJSON(w, http.StatusOK, map[string]any{"od600": 0.42})
		case "/sensors/temp":
			writeJSON(w, http.StatusOK, map[string]any{"t": 371})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	cfg := httpConfig(srv.URL)
	cfg.PollIntervalMs = 500
	cfg.HTTP.Endpoints = types.EndpointMap{
		"od":   {Path: "/sensors/od", Method: "GET"},
		"temp": {Path: "/sensors/temp", Method: "GET", Transform: &types.TransformSpec{Fields: []types.FieldRule{{Source: "t", Target: "temperature", Scale: 0.1, Unit: "C"}}}},
	}
	cfg.HTTP.PollEndpoints = []string{"od", "temp"}

	a := newTestAdapter(t)
	data, unsubscribe := a.Subscribe(types.EventDataReceived)
	defer unsubscribe()

	require.NoError(t, a.Connect(context.Background(), "photometer", cfg))

	select {
	case ev := <-data:
		reading := ev.Payload.(types.Reading)
		assert.Equal(t, 0.42, reading.Values["od600"])
		assert.InDelta(t, 37.1, reading.Values["temperature"], 1e-9)
		assert.Equal(t, "C", reading.Units["temperature"])
	case <-time.After(2 * time.Second):
		t.Fatal("no polled data")
	}

	event, err := a.ReadData(context.Background(), "photometer", types.Query{Names: []string{"od"}})
	require.NoError(t, err)
	assert.Equal(t, 0.42, event.Payload.(types.Reading).Values["od600"])
}

func TestHeartbeatLossDisconnects(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" && !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := httpConfig(srv.URL)
	cfg.HTTP.HeartbeatPath = "/health"
	cfg.HTTP.HeartbeatIntervalMs = 20

	a := newTestAdapter(t)
	require.NoError(t, a.Connect(context.Background(), "reader", cfg))

	disconnected, unsubscribe := a.Subscribe(types.EventDisconnected)
	defer unsubscribe()

	healthy.Store(false)

	select {
	case ev := <-disconnected:
		assert.Contains(t, ev.Payload.(types.DisconnectPayload).Reason, "heartbeat")
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat loss not detected")
	}
	assert.Equal(t, types.StateDisconnected, a.ConnectionState("reader").State)
}

func TestConnectRequiresHealthyHeartbeat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := httpConfig(srv.URL)
	cfg.HTTP.HeartbeatPath = "/health"

	a := newTestAdapter(t)
	var connErr *types.ConnectionError
	assert.ErrorAs(t, a.Connect(context.Background(), "reader", cfg), &connErr)
	assert.Equal(t, types.StateError, a.ConnectionState("reader").State)
}

func TestValidateEndpointMap(t *testing.T) {
	a := newTestAdapter(t)
	var cfgErr *types.ConfigError

	cfg := httpConfig("http://127.0.0.1:1")
	cfg.HTTP.Endpoints["bad"] = types.EndpointDefinition{Path: "/x/{id}", Method: "GET"}
	require.ErrorAs(t, a.Connect(context.Background(), "d", cfg), &cfgErr)
	assert.Equal(t, "endpoints.bad", cfgErr.Field)

	cfg = httpConfig("ftp://device")
	require.ErrorAs(t, a.Connect(context.Background(), "d", cfg), &cfgErr)
	assert.Equal(t, "base_url", cfgErr.Field)

	cfg = httpConfig("http://127.0.0.1:1")
	cfg.HTTP.PollEndpoints = []string{"missing"}
	require.ErrorAs(t, a.Connect(context.Background(), "d", cfg), &cfgErr)
}
