package rest

import (
	"errors"
	"net/http"

	"github.com/KevinKickass/OpenLabCore/internal/devices"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/gin-gonic/gin"
)

// statusFor maps the device error taxonomy onto HTTP status and error code.
func statusFor(err error) (int, string) {
	var (
		notFound    *types.DeviceNotFoundError
		cfgErr      *types.ConfigError
		unsupported *types.UnsupportedProtocolError
		timeout     *types.CommandTimeoutError
		cmdErr      *types.CommandError
		connErr     *types.ConnectionError
	)

	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound, "DEVICE_NOT_FOUND"
	case errors.Is(err, devices.ErrDeviceExists):
		return http.StatusConflict, "DEVICE_EXISTS"
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest, "INVALID_CONFIG"
	case errors.As(err, &unsupported):
		return http.StatusBadRequest, "UNSUPPORTED_PROTOCOL"
	case errors.Is(err, types.ErrAlreadyConnected):
		return http.StatusConflict, "ALREADY_CONNECTED"
	case errors.Is(err, types.ErrNotConnected):
		return http.StatusConflict, "NOT_CONNECTED"
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout, "COMMAND_TIMEOUT"
	case errors.As(err, &cmdErr):
		return http.StatusBadGateway, "COMMAND_FAILED"
	case errors.As(err, &connErr):
		return http.StatusBadGateway, "CONNECTION_FAILED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func writeError(c *gin.Context, message string, err error, details any) {
	status, code := statusFor(err)
	if details == nil {
		details = err.Error()
	}
	c.JSON(status, types.NewErrorResponse(code, message, details))
}

func badRequest(c *gin.Context, message string, err error) {
	c.JSON(http.StatusBadRequest, types.NewErrorResponse("BAD_REQUEST", message, err.Error()))
}
