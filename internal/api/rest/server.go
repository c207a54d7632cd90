package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/api/websocket"
	"github.com/KevinKickass/OpenLabCore/internal/config"
	"github.com/KevinKickass/OpenLabCore/internal/devices"
	"github.com/KevinKickass/OpenLabCore/internal/storage"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DeviceStore persists registry changes made through the API.
type DeviceStore interface {
	SaveDevice(ctx context.Context, d types.Device) error
	DeleteDevice(ctx context.Context, deviceID string) error
}

type JournalReader interface {
	RecentJournal(ctx context.Context, deviceID string, limit int) ([]storage.JournalEntry, error)
}

// DefinitionSource reads device definition files.
type DefinitionSource interface {
	LoadAll() ([]types.Device, error)
	Validator() *devices.Validator
}

type Server struct {
	router  *gin.Engine
	manager *devices.Manager
	logger  *zap.Logger
	server  *http.Server
	wsHub   *websocket.Hub
	started time.Time

	definitions DefinitionSource
	validator   *devices.Validator
	store       DeviceStore
	journal     JournalReader
	metrics     http.Handler
	metricsPath string
	applyConfig func(*types.DeviceConnectionConfig)
}

type Option func(*Server)

func WithStore(store DeviceStore) Option {
	return func(s *Server) { s.store = store }
}

func WithJournal(journal JournalReader) Option {
	return func(s *Server) { s.journal = journal }
}

// WithMetrics serves handler on path (default /metrics).
func WithMetrics(path string, handler http.Handler) Option {
	return func(s *Server) {
		if path == "" {
			path = "/metrics"
		}
		s.metricsPath, s.metrics = path, handler
	}
}

// WithConfigDefaults fills unset connection settings of configs posted to the API.
func WithConfigDefaults(apply func(*types.DeviceConnectionConfig)) Option {
	return func(s *Server) { s.applyConfig = apply }
}

func NewServer(cfg *config.Config, manager *devices.Manager, definitions DefinitionSource, logger *zap.Logger, wsHub *websocket.Hub, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:      gin.New(),
		manager:     manager,
		logger:      logger,
		wsHub:       wsHub,
		started:     time.Now(),
		definitions: definitions,
		validator:   definitions.Validator(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.server.Addr, err)
	}

	s.logger.Info("Starting REST API server", zap.String("address", ln.Addr().String()))
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	s.router.GET("/health", s.healthCheck)
	if s.metrics != nil {
		s.router.GET(s.metricsPath, gin.WrapH(s.metrics))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/system/status", s.getSystemStatus)
		v1.GET("/adapters", s.listAdapters)

		// ==================== DEVICES ====================
		devices := v1.Group("/devices")
		{
			devices.GET("", s.listDevices)
			devices.POST("", s.createDevice)
			devices.GET("/:id", s.getDevice)
			devices.PUT("/:id", s.updateDevice)
			devices.DELETE("/:id", s.deleteDevice)

			devices.POST("/:id/connect", s.connectDevice)
			devices.POST("/:id/disconnect", s.disconnectDevice)
			devices.POST("/:id/commands", s.sendCommand)
			devices.POST("/:id/read", s.readData)
			devices.GET("/:id/state", s.getConnectionState)
			devices.GET("/:id/journal", s.getJournal)
		}

		// ==================== DEFINITIONS ====================
		definitions := v1.Group("/definitions")
		{
			definitions.GET("", s.listDefinitions)
			definitions.POST("/reload", s.reloadDefinitions)
		}

		// ==================== WEBSOCKET ====================
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.wsStatus)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.ClientCount(),
	})
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
