package rest

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/KevinKickass/OpenLabCore/internal/devices"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/devices
func (s *Server) listDevices(c *gin.Context) {
	list := s.manager.Devices(devices.Filter{
		Status:         types.DeviceStatus(c.Query("status")),
		Kind:           c.Query("type"),
		ConnectionType: types.ConnectionType(c.Query("connection_type")),
		Location:       c.Query("location"),
	})

	c.JSON(http.StatusOK, gin.H{
		"devices": list,
		"count":   len(list),
	})
}

// GET /api/v1/devices/:id
func (s *Server) getDevice(c *gin.Context) {
	device, err := s.manager.Device(c.Param("id"))
	if err != nil {
		writeError(c, "Device lookup failed", err, nil)
		return
	}
	c.JSON(http.StatusOK, device)
}

// POST /api/v1/devices
func (s *Server) createDevice(c *gin.Context) {
	var device types.Device
	if err := c.ShouldBindJSON(&device); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	if device.Config != nil && s.applyConfig != nil {
		s.applyConfig(device.Config)
	}
	if err := s.validator.ValidateDevice(device); err != nil {
		writeError(c, "Invalid device", err, nil)
		return
	}

	if err := s.manager.RegisterDevice(device); err != nil {
		writeError(c, "Failed to register device", err, nil)
		return
	}

	if s.store != nil {
		if err := s.store.SaveDevice(c.Request.Context(), device); err != nil {
			s.logger.Error("Failed to persist device", zap.String("device_id", device.ID), zap.Error(err))
		}
	}

	registered, _ := s.manager.Device(device.ID)
	c.JSON(http.StatusCreated, registered)
}

// PUT /api/v1/devices/:id
func (s *Server) updateDevice(c *gin.Context) {
	var device types.Device
	if err := c.ShouldBindJSON(&device); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	device.ID = c.Param("id")
	if device.Config != nil && s.applyConfig != nil {
		s.applyConfig(device.Config)
	}
	if err := s.validator.ValidateDevice(device); err != nil {
		writeError(c, "Invalid device", err, nil)
		return
	}

	updated, err := s.manager.UpdateDevice(device)
	if err != nil {
		writeError(c, "Failed to update device", err, nil)
		return
	}

	if s.store != nil {
		if err := s.store.SaveDevice(c.Request.Context(), updated); err != nil {
			s.logger.Error("Failed to persist device", zap.String("device_id", updated.ID), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, updated)
}

// DELETE /api/v1/devices/:id
func (s *Server) deleteDevice(c *gin.Context) {
	id := c.Param("id")

	if err := s.manager.UnregisterDevice(c.Request.Context(), id); err != nil {
		writeError(c, "Failed to delete device", err, nil)
		return
	}

	if s.store != nil {
		if err := s.store.DeleteDevice(c.Request.Context(), id); err != nil {
			s.logger.Warn("Failed to delete stored device", zap.String("device_id", id), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Device deleted successfully",
	})
}

// POST /api/v1/devices/:id/connect
// An optional body carries a connection config; otherwise the stored one is used.
func (s *Server) connectDevice(c *gin.Context) {
	id := c.Param("id")

	var cfg types.DeviceConnectionConfig
	err := c.ShouldBindJSON(&cfg)
	switch {
	case errors.Is(err, io.EOF):
		err = s.manager.Connect(c.Request.Context(), id)
	case err != nil:
		badRequest(c, "Invalid connection config", err)
		return
	default:
		if s.applyConfig != nil {
			s.applyConfig(&cfg)
		}
		if err = s.validator.ValidateConfig(id, cfg); err == nil {
			err = s.manager.ConnectDevice(c.Request.Context(), id, cfg)
		}
	}
	if err != nil {
		writeError(c, "Failed to connect device", err, nil)
		return
	}

	snapshot, _ := s.manager.DeviceConnectionState(id)
	c.JSON(http.StatusOK, snapshot)
}

// POST /api/v1/devices/:id/disconnect
func (s *Server) disconnectDevice(c *gin.Context) {
	id := c.Param("id")
	if err := s.manager.DisconnectDevice(c.Request.Context(), id); err != nil {
		writeError(c, "Failed to disconnect device", err, nil)
		return
	}
	snapshot, _ := s.manager.DeviceConnectionState(id)
	c.JSON(http.StatusOK, snapshot)
}

// POST /api/v1/devices/:id/commands
func (s *Server) sendCommand(c *gin.Context) {
	var cmd types.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		badRequest(c, "Invalid command", err)
		return
	}

	result, err := s.manager.SendCommand(c.Request.Context(), c.Param("id"), cmd)
	if err != nil {
		var details any
		if result != nil {
			details = result
		}
		writeError(c, "Command failed", err, details)
		return
	}

	c.JSON(http.StatusOK, result)
}

// POST /api/v1/devices/:id/read
func (s *Server) readData(c *gin.Context) {
	var query types.Query
	if err := c.ShouldBindJSON(&query); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "Invalid query", err)
		return
	}

	event, err := s.manager.ReadData(c.Request.Context(), c.Param("id"), query)
	if err != nil {
		writeError(c, "Read failed", err, nil)
		return
	}

	c.JSON(http.StatusOK, event)
}

// GET /api/v1/devices/:id/state
func (s *Server) getConnectionState(c *gin.Context) {
	snapshot, err := s.manager.DeviceConnectionState(c.Param("id"))
	if err != nil {
		writeError(c, "State lookup failed", err, nil)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// GET /api/v1/devices/:id/journal?limit=50
func (s *Server) getJournal(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("JOURNAL_DISABLED", "Journal requires a database", nil))
		return
	}

	id := c.Param("id")
	if _, err := s.manager.Device(id); err != nil {
		writeError(c, "Device lookup failed", err, nil)
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("BAD_REQUEST", "limit must be between 1 and 1000", c.Query("limit")))
		return
	}

	entries, err := s.journal.RecentJournal(c.Request.Context(), id, limit)
	if err != nil {
		writeError(c, "Journal query failed", err, nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"device_id": id,
		"entries":   entries,
		"count":     len(entries),
	})
}
