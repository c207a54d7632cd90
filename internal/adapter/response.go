package adapter

import (
	"fmt"
	"slices"
	"strings"

	"github.com/KevinKickass/OpenLabCore/internal/types"
)

var failureStatuses = []string{"error", "failed", "fail", "nak"}

// ParseResponse recognizes a device reply of the form
// {commandId|id, status?, data|result?, error?}. A bare object with only an
// "id" is not a response.
func ParseResponse(obj map[string]any) (types.CommandResult, bool) {
	id, ok := obj["commandId"].(string)
	if !ok {
		id, ok = obj["id"].(string)
		if !ok {
			return types.CommandResult{}, false
		}
		_, hasStatus := obj["status"]
		_, hasResult := obj["result"]
		_, hasData := obj["data"]
		_, hasError := obj["error"]
		if !hasStatus && !hasResult && !hasData && !hasError {
			return types.CommandResult{}, false
		}
	}

	result := types.CommandResult{CommandID: id, Status: types.CommandCompleted}
	if data, ok := obj["data"]; ok {
		result.Data = data
	} else if data, ok := obj["result"]; ok {
		result.Data = data
	}

	status, _ := obj["status"].(string)
	msg, hasError := obj["error"]
	if hasError && msg != nil || slices.Contains(failureStatuses, strings.ToLower(status)) {
		result.Status = types.CommandFailed
		result.Error = fmt.Sprint(msg)
		if msg == nil {
			result.Error = "device reported " + status
		}
	}
	return result, true
}
