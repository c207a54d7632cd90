package rest

import (
	"errors"
	"net/http"

	"github.com/KevinKickass/OpenLabCore/internal/devices"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/definitions
func (s *Server) listDefinitions(c *gin.Context) {
	defs, err := s.definitions.LoadAll()

	resp := gin.H{
		"definitions": defs,
		"count":       len(defs),
	}
	if err != nil {
		resp["errors"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// POST /api/v1/definitions/reload
// Registers devices from definition files that are not yet known. Existing
// devices are left untouched.
func (s *Server) reloadDefinitions(c *gin.Context) {
	defs, loadErr := s.definitions.LoadAll()

	added := make([]string, 0)
	skipped := make([]string, 0)
	for _, d := range defs {
		if d.Config != nil && s.applyConfig != nil {
			s.applyConfig(d.Config)
		}
		err := s.manager.RegisterDevice(d)
		switch {
		case err == nil:
			added = append(added, d.ID)
		case errors.Is(err, devices.ErrDeviceExists):
			skipped = append(skipped, d.ID)
		default:
			s.logger.Warn("Definition not registered", zap.String("device_id", d.ID), zap.Error(err))
			skipped = append(skipped, d.ID)
		}
	}

	resp := gin.H{
		"added":   added,
		"skipped": skipped,
	}
	if loadErr != nil {
		resp["errors"] = loadErr.Error()
		c.JSON(http.StatusMultiStatus, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

var _ DefinitionSource = (*devices.DefinitionLoader)(nil)
