package system

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/adapter"
	"github.com/KevinKickass/OpenLabCore/internal/api/rest"
	"github.com/KevinKickass/OpenLabCore/internal/api/websocket"
	"github.com/KevinKickass/OpenLabCore/internal/config"
	"github.com/KevinKickass/OpenLabCore/internal/devices"
	"github.com/KevinKickass/OpenLabCore/internal/httprest"
	"github.com/KevinKickass/OpenLabCore/internal/metrics"
	"github.com/KevinKickass/OpenLabCore/internal/modbus"
	"github.com/KevinKickass/OpenLabCore/internal/mqtt"
	"github.com/KevinKickass/OpenLabCore/internal/serial"
	"github.com/KevinKickass/OpenLabCore/internal/storage"
	"github.com/KevinKickass/OpenLabCore/internal/telemetry"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const (
	journalBatchSize     = 100
	journalFlushInterval = time.Second
)

type LifecycleManager struct {
	config *config.Config
	logger *zap.Logger

	adapters      []adapter.Adapter
	deviceManager *devices.Manager
	definitions   *devices.DefinitionLoader
	storage       *storage.PostgresClient
	journal       *storage.Journal
	influx        *telemetry.Client
	sink          *telemetry.Sink
	metrics       *metrics.Metrics
	health        *DeviceHealth
	wsHub         *websocket.Hub

	restServer *rest.Server
	grpcServer *grpc.Server
	grpcAddr   net.Addr
	stopHub    context.CancelFunc
	detach     []func()

	stateMu      sync.RWMutex
	currentState SystemState
	lastErr      error

	listenersMu     sync.RWMutex
	statusListeners []chan SystemStatus

	shutdownOnce sync.Once
}

type Option func(*LifecycleManager)

// WithAdapters replaces the built-in adapter set.
func WithAdapters(adapters ...adapter.Adapter) Option {
	return func(lm *LifecycleManager) { lm.adapters = adapters }
}

func NewLifecycleManager(cfg *config.Config, logger *zap.Logger, opts ...Option) *LifecycleManager {
	lm := &LifecycleManager{
		config:       cfg,
		logger:       logger,
		health:       NewDeviceHealth(logger),
		wsHub:        websocket.NewHub(logger),
		currentState: StateInitializing,
	}
	for _, opt := range opts {
		opt(lm)
	}
	if lm.adapters == nil {
		lm.adapters = defaultAdapters(cfg, logger)
	}
	return lm
}

func defaultAdapters(cfg *config.Config, logger *zap.Logger) []adapter.Adapter {
	return []adapter.Adapter{
		serial.NewUSBAdapter(logger),
		serial.NewSocketAdapter(logger),
		mqtt.NewAdapter(logger, mqtt.WithClientIDPrefix(cfg.MQTT.ClientIDPrefix)),
		modbus.NewAdapter(logger),
		httprest.NewAdapter(logger),
	}
}

// Start brings up storage, adapters, devices and both API servers.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting OpenLabCore")
	lm.broadcastStatus()

	if err := lm.start(ctx); err != nil {
		lm.setError(err)
		return err
	}

	lm.setState(StateRunning)
	lm.health.SetProcess(true)

	lm.logger.Info("System started successfully",
		zap.String("grpc_address", lm.grpcAddr.String()),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Int("devices", len(lm.deviceManager.Devices(devices.Filter{}))),
		zap.Bool("database", lm.storage != nil),
		zap.Bool("influxdb", lm.influx != nil))

	return nil
}

func (lm *LifecycleManager) start(ctx context.Context) error {
	if err := lm.openBackends(ctx); err != nil {
		return err
	}

	lm.deviceManager = devices.NewManager(lm.logger, devices.WithEventBuffer(lm.config.Events.BufferSize))
	for _, a := range lm.adapters {
		if err := lm.deviceManager.RegisterAdapter(a); err != nil {
			return fmt.Errorf("register adapter: %w", err)
		}
	}
	if err := lm.deviceManager.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize adapters: %w", err)
	}

	lm.attachConsumers()

	definitions, err := devices.NewDefinitionLoader(lm.config.Devices.SearchPaths)
	if err != nil {
		return fmt.Errorf("definition loader: %w", err)
	}
	lm.definitions = definitions

	lm.loadDevices(ctx)

	if err := lm.startGRPCServer(); err != nil {
		return fmt.Errorf("failed to start gRPC: %w", err)
	}
	if err := lm.startRESTServer(); err != nil {
		return fmt.Errorf("failed to start REST API: %w", err)
	}

	if lm.config.Devices.AutoConnect {
		if err := lm.deviceManager.ConnectAll(ctx); err != nil {
			// Nicht kritisch, Reconnect übernimmt
			lm.logger.Warn("Some devices failed to connect", zap.Error(err))
		}
	}
	return nil
}

func (lm *LifecycleManager) openBackends(ctx context.Context) error {
	if lm.config.Database.Enabled {
		db, err := storage.NewPostgresClient(ctx, lm.config.Database)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return fmt.Errorf("database migration: %w", err)
		}
		lm.storage = db
		lm.journal = storage.NewJournal(db, lm.logger, journalBatchSize, journalFlushInterval)
		lm.logger.Info("Database connected successfully")
	}

	if lm.config.InfluxDB.Enabled {
		client, err := telemetry.Connect(ctx, lm.config.InfluxDB, lm.logger)
		if err != nil {
			// Zeitreihen sind optional
			lm.logger.Warn("InfluxDB unavailable, readings are not stored", zap.Error(err))
		} else {
			lm.influx = client
			lm.sink = telemetry.NewSink(client.WriteAPI(), lm.logger)
		}
	}

	if lm.config.Metrics.Enabled {
		lm.metrics = metrics.New()
	}
	return nil
}

func (lm *LifecycleManager) attachConsumers() {
	m := lm.deviceManager

	lm.detach = append(lm.detach, lm.health.Attach(m), lm.wsHub.Attach(m))

	if lm.metrics != nil {
		lm.detach = append(lm.detach, lm.metrics.Attach(m))
		lm.metrics.RegisterDropCounter(m.DroppedEvents)
	}
	if lm.journal != nil {
		lm.journal.Start(m)
	}
	if lm.sink != nil {
		lm.sink.Attach(m)
	}

	hubCtx, cancel := context.WithCancel(context.Background())
	lm.stopHub = cancel
	go lm.wsHub.Run(hubCtx)
}

// loadDevices registers stored devices first, then definition files for ids
// not yet known.
func (lm *LifecycleManager) loadDevices(ctx context.Context) {
	if lm.storage != nil {
		stored, err := lm.storage.LoadDevices(ctx)
		if err != nil {
			lm.logger.Warn("Failed to load devices from database", zap.Error(err))
		}
		lm.registerDevices(stored, "database")
	}

	defs, err := lm.definitions.LoadAll()
	if err != nil {
		lm.logger.Warn("Some device definitions failed to load", zap.Error(err))
	}
	lm.registerDevices(defs, "definitions")
}

func (lm *LifecycleManager) registerDevices(list []types.Device, source string) {
	registered := 0
	for _, d := range list {
		if d.Config != nil {
			lm.config.Apply(d.Config)
		}
		err := lm.deviceManager.RegisterDevice(d)
		switch {
		case err == nil:
			registered++
		case errors.Is(err, devices.ErrDeviceExists):
			lm.logger.Debug("Device already registered", zap.String("device_id", d.ID), zap.String("source", source))
		default:
			lm.logger.Error("Failed to register device",
				zap.String("device_id", d.ID),
				zap.String("source", source),
				zap.Error(err))
		}
	}
	lm.logger.Info("Devices loaded", zap.String("source", source), zap.Int("count", registered))
}

func (lm *LifecycleManager) startGRPCServer() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", lm.config.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	lm.grpcAddr = lis.Addr()

	lm.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(lm.grpcServer, lm.health.Server())
	reflection.Register(lm.grpcServer)

	go func() {
		lm.logger.Info("gRPC server listening",
			zap.String("address", lis.Addr().String()),
			zap.String("services", "grpc.health.v1.Health"))
		if err := lm.grpcServer.Serve(lis); err != nil {
			lm.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()

	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	opts := []rest.Option{rest.WithConfigDefaults(lm.config.Apply)}
	if lm.storage != nil {
		opts = append(opts, rest.WithStore(lm.storage), rest.WithJournal(lm.storage))
	}
	if lm.metrics != nil {
		opts = append(opts, rest.WithMetrics(lm.config.Metrics.Path, lm.metrics.Handler()))
	}

	lm.restServer = rest.NewServer(lm.config, lm.deviceManager, lm.definitions, lm.logger, lm.wsHub, opts...)
	return lm.restServer.Start()
}

// Shutdown stops the API servers first, then devices, then the backends.
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)
		lm.health.SetProcess(false)

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
		lm.closeListeners()
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var errs []error

	if lm.restServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("rest api shutdown failed: %w", err))
		}
		cancel()
	}

	if lm.grpcServer != nil {
		lm.logger.Info("Stopping gRPC server")
		stopped := make(chan struct{})
		go func() {
			lm.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			lm.grpcServer.Stop()
		}
	}

	if lm.deviceManager != nil {
		if err := lm.deviceManager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("device manager stop failed: %w", err))
		}
	}

	for _, fn := range lm.detach {
		fn()
	}
	if lm.stopHub != nil {
		lm.stopHub()
	}
	lm.health.Shutdown()

	if lm.journal != nil {
		lm.journal.Close()
	}
	if lm.sink != nil {
		lm.sink.Close()
	}
	if lm.influx != nil {
		lm.influx.Close()
	}
	if lm.storage != nil {
		lm.storage.Close()
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	lm.logger.Info("Graceful shutdown completed")
	return nil
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected state transition", zap.Error(err))
	}
	lm.currentState = state
	lm.stateMu.Unlock()

	lm.broadcastStatus()
}

func (lm *LifecycleManager) setError(err error) {
	lm.stateMu.Lock()
	lm.currentState = StateError
	lm.lastErr = err
	lm.stateMu.Unlock()

	lm.logger.Error("System error", zap.Error(err))
	lm.broadcastStatus()
}

// Status returns the current lifecycle state.
func (lm *LifecycleManager) Status() SystemStatus {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()

	status := SystemStatus{
		State:     lm.currentState,
		Timestamp: time.Now().Unix(),
	}
	if lm.lastErr != nil {
		status.Error = lm.lastErr.Error()
	}
	return status
}

func (lm *LifecycleManager) broadcastStatus() {
	status := lm.Status()

	lm.listenersMu.RLock()
	defer lm.listenersMu.RUnlock()

	for _, listener := range lm.statusListeners {
		select {
		case listener <- status:
		default:
			// Channel full, skip
		}
	}
}

// SubscribeStatus subscribes to status updates. The channel is closed after
// shutdown completes.
func (lm *LifecycleManager) SubscribeStatus() <-chan SystemStatus {
	ch := make(chan SystemStatus, 10)

	lm.listenersMu.Lock()
	lm.statusListeners = append(lm.statusListeners, ch)
	lm.listenersMu.Unlock()

	return ch
}

func (lm *LifecycleManager) closeListeners() {
	lm.listenersMu.Lock()
	defer lm.listenersMu.Unlock()

	for _, ch := range lm.statusListeners {
		close(ch)
	}
	lm.statusListeners = nil
}

// DeviceManager returns the device manager. Nil before Start.
func (lm *LifecycleManager) DeviceManager() *devices.Manager {
	return lm.deviceManager
}

func (lm *LifecycleManager) Health() *DeviceHealth {
	return lm.health
}

// GRPCAddr is the bound gRPC listener address. Nil before Start.
func (lm *LifecycleManager) GRPCAddr() net.Addr {
	return lm.grpcAddr
}

// RESTHandler exposes the REST router. Nil before Start.
func (lm *LifecycleManager) RESTHandler() http.Handler {
	if lm.restServer == nil {
		return nil
	}
	return lm.restServer.Handler()
}
