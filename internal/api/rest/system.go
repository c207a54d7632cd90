package rest

import (
	"net/http"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/devices"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/gin-gonic/gin"
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	byStatus := map[types.DeviceStatus]int{
		types.DeviceStatusOffline:    0,
		types.DeviceStatusConnecting: 0,
		types.DeviceStatusOnline:     0,
		types.DeviceStatusError:      0,
	}
	all := s.manager.Devices(devices.Filter{})
	for _, d := range all {
		byStatus[d.Status]++
	}

	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds":   int64(time.Since(s.started).Seconds()),
		"devices":          len(all),
		"devices_by_state": byStatus,
		"adapters":         s.manager.Adapters(),
		"ws_clients":       s.wsHub.ClientCount(),
		"events_dropped":   s.manager.DroppedEvents(),
	})
}

// GET /api/v1/adapters
func (s *Server) listAdapters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"adapters": s.manager.Adapters(),
	})
}
