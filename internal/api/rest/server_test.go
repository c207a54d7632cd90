package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/adapter"
	"github.com/KevinKickass/OpenLabCore/internal/api/websocket"
	"github.com/KevinKickass/OpenLabCore/internal/config"
	"github.com/KevinKickass/OpenLabCore/internal/devices"
	"github.com/KevinKickass/OpenLabCore/internal/storage"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type echoLink struct {
	*adapter.Lifeline
}

func (l *echoLink) Start() {}

func (l *echoLink) Close() error {
	l.Cut(nil)
	return nil
}

type echoDialer struct{}

func (echoDialer) Dial(ctx context.Context, deviceID string, cfg types.DeviceConnectionConfig) (adapter.Link, error) {
	return &echoLink{Lifeline: adapter.NewLifeline()}, nil
}

// echoAdapter completes commands immediately, except "hang" which never answers.
type echoAdapter struct {
	*adapter.Base
}

func (a *echoAdapter) SendCommand(ctx context.Context, deviceID string, cmd types.Command) (*types.CommandResult, error) {
	return a.Execute(ctx, deviceID, cmd, func(ctx context.Context, link adapter.Link, cmd types.Command) error {
		if cmd.Command != "hang" {
			a.Correlator().Complete(cmd.ID, map[string]any{"echo": cmd.Command})
		}
		return nil
	})
}

func (a *echoAdapter) ReadData(ctx context.Context, deviceID string, query types.Query) (types.DeviceEvent, error) {
	if _, _, err := a.ActiveLink(deviceID); err != nil {
		return types.DeviceEvent{}, err
	}
	return types.NewEvent(deviceID, types.EventDataReceived, types.Reading{Values: map[string]any{"ph": 7.1}}), nil
}

type memoryStore struct {
	saved   map[string]types.Device
	deleted []string
}

func (s *memoryStore) SaveDevice(ctx context.Context, d types.Device) error {
	s.saved[d.ID] = d
	return nil
}

func (s *memoryStore) DeleteDevice(ctx context.Context, deviceID string) error {
	s.deleted = append(s.deleted, deviceID)
	return nil
}

type staticJournal []storage.JournalEntry

func (j staticJournal) RecentJournal(ctx context.Context, deviceID string, limit int) ([]storage.JournalEntry, error) {
	return j, nil
}

type testEnv struct {
	server  *Server
	manager *devices.Manager
	store   *memoryStore
	defsDir string
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	manager := devices.NewManager(logger)
	require.NoError(t, manager.RegisterAdapter(&echoAdapter{Base: adapter.NewBase(adapter.Options{
		ID:              "tcp-socket",
		Name:            "Echo",
		ConnectionTypes: []types.ConnectionType{types.ConnectionTCPSocket},
		Dialer:          echoDialer{},
		Logger:          logger,
	})}))
	require.NoError(t, manager.Initialize(context.Background()))
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	dir := t.TempDir()
	loader, err := devices.NewDefinitionLoader([]string{dir})
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Server.HTTPPort = 0
	cfg.Defaults.Timeout = 300 * time.Millisecond

	store := &memoryStore{saved: make(map[string]types.Device)}
	opts = append([]Option{WithStore(store), WithConfigDefaults(cfg.Apply)}, opts...)
	srv := NewServer(cfg, manager, loader, logger, websocket.NewHub(logger), opts...)

	return &testEnv{server: srv, manager: manager, store: store, defsDir: dir}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, rec)
	errBody, ok := body["error"].(map[string]any)
	require.True(t, ok, rec.Body.String())
	return errBody["code"].(string)
}

func readerDevice() map[string]any {
	return map[string]any{
		"id":       "reader-1",
		"name":     "Plate Reader",
		"type":     "plate_reader",
		"location": "lab-2",
		"enabled":  true,
		"config": map[string]any{
			"connection_type": "tcp-socket",
			"tcp_socket":      map[string]any{"host": "10.0.0.31", "port": 5025},
		},
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestDeviceLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/devices", readerDevice())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "offline", decode(t, rec)["status"])
	assert.Contains(t, env.store.saved, "reader-1")
	assert.Equal(t, 300, env.store.saved["reader-1"].Config.TimeoutMs)

	rec = env.do(t, http.MethodPost, "/api/v1/devices", readerDevice())
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "DEVICE_EXISTS", errorCode(t, rec))

	rec = env.do(t, http.MethodPost, "/api/v1/devices/reader-1/connect", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "connected", decode(t, rec)["state"])

	rec = env.do(t, http.MethodPost, "/api/v1/devices/reader-1/commands", map[string]any{"command": "READ?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode(t, rec)
	assert.Equal(t, "completed", result["status"])
	assert.Equal(t, map[string]any{"echo": "READ?"}, result["data"])

	rec = env.do(t, http.MethodPost, "/api/v1/devices/reader-1/read", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "reader-1", decode(t, rec)["device_id"])

	rec = env.do(t, http.MethodGet, "/api/v1/devices?status=online", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = env.do(t, http.MethodPost, "/api/v1/devices/reader-1/disconnect", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "disconnected", decode(t, rec)["state"])

	rec = env.do(t, http.MethodDelete, "/api/v1/devices/reader-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"reader-1"}, env.store.deleted)

	rec = env.do(t, http.MethodGet, "/api/v1/devices/reader-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "DEVICE_NOT_FOUND", errorCode(t, rec))
}

func TestCreateDeviceValidation(t *testing.T) {
	env := newTestEnv(t)

	dev := readerDevice()
	dev["config"].(map[string]any)["tcp_socket"] = map[string]any{"host": "10.0.0.31", "port": 70000}
	rec := env.do(t, http.MethodPost, "/api/v1/devices", dev)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_CONFIG", errorCode(t, rec))

	dev = readerDevice()
	dev["config"] = map[string]any{
		"connection_type": "mqtt",
		"mqtt":            map[string]any{"broker_url": "tcp://broker:1883", "base_topic": "lab/reader"},
	}
	rec = env.do(t, http.MethodPost, "/api/v1/devices", dev)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "UNSUPPORTED_PROTOCOL", errorCode(t, rec))
	assert.Empty(t, env.store.saved)
}

func TestCommandErrors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/devices/reader-1/commands", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/devices", readerDevice()).Code)

	rec = env.do(t, http.MethodPost, "/api/v1/devices/reader-1/commands", map[string]any{"command": "READ?"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOT_CONNECTED", errorCode(t, rec))

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/devices/reader-1/connect", nil).Code)

	rec = env.do(t, http.MethodPost, "/api/v1/devices/reader-1/connect", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_CONNECTED", errorCode(t, rec))

	rec = env.do(t, http.MethodPost, "/api/v1/devices/reader-1/commands", map[string]any{"command": "hang"})
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "COMMAND_TIMEOUT", errorCode(t, rec))
}

func TestConnectWithExplicitConfig(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/devices/balance-7/connect", map[string]any{
		"connection_type": "tcp-socket",
		"tcp_socket":      map[string]any{"host": "10.0.0.40", "port": 4001},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	device, err := env.manager.Device("balance-7")
	require.NoError(t, err)
	assert.Equal(t, types.DeviceStatusOnline, device.Status)

	rec = env.do(t, http.MethodPost, "/api/v1/devices/other/connect", map[string]any{
		"connection_type": "http",
		"http":            map[string]any{"base_url": "http://10.0.0.41"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJournal(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/devices", readerDevice()).Code)

	rec := env.do(t, http.MethodGet, "/api/v1/devices/reader-1/journal", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	env = newTestEnv(t, WithJournal(staticJournal{{DeviceID: "reader-1", EventType: "device:connected"}}))
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/devices", readerDevice()).Code)

	rec = env.do(t, http.MethodGet, "/api/v1/devices/reader-1/journal?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = env.do(t, http.MethodGet, "/api/v1/devices/reader-1/journal?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReloadDefinitions(t *testing.T) {
	env := newTestEnv(t)

	definition := `id: incubator-1
name: CO2 Incubator
type: incubator
config:
  connection_type: tcp-socket
  tcp_socket:
    host: 10.0.0.50
    port: 7000
`
	require.NoError(t, os.WriteFile(filepath.Join(env.defsDir, "incubator.yaml"), []byte(definition), 0o644))

	rec := env.do(t, http.MethodPost, "/api/v1/definitions/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []any{"incubator-1"}, decode(t, rec)["added"])

	rec = env.do(t, http.MethodPost, "/api/v1/definitions/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"incubator-1"}, decode(t, rec)["skipped"])

	rec = env.do(t, http.MethodGet, "/api/v1/definitions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])
}

func TestSystemStatus(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/devices", readerDevice()).Code)

	rec := env.do(t, http.MethodGet, "/api/v1/system/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 1, body["devices"])
	assert.EqualValues(t, 1, body["devices_by_state"].(map[string]any)["offline"])

	rec = env.do(t, http.MethodGet, "/api/v1/adapters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["adapters"], 1)
}
