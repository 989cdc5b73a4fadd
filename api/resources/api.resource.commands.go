// FilePath: api/resources/api.resource.commands.go
package resources

import (
	"encoding/json"
	"net/http"

	"github.com/gxplatform/gxp-ingest/internal/errors"
	"github.com/gxplatform/gxp-ingest/internal/hubservice"
	"github.com/gxplatform/gxp-ingest/internal/models"
)

// CommandHandlers encapsulates the operator command HTTP handlers
type CommandHandlers struct {
	hubservice *hubservice.HubService
}

// @Summary Enqueue a device command
// @Description Queue a command for delivery to a device on its next poll
// @Tags commands
// @Accept json
// @Produce json
// @Param command body models.Command true "Command details"
// @Success 201 {object} models.Command
// @Failure 400 {object} errors.IngestError
// @Router /commands [post]
func (h *CommandHandlers) CreateCommand(w http.ResponseWriter, r *http.Request) {
	var cmd models.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		respondWithError(w, errors.NewValidationError("invalid request body", err))
		return
	}
	if cmd.DeviceID == "" || cmd.CommandType == "" {
		respondWithError(w, errors.NewValidationError("device_id and command_type are required", nil))
		return
	}
	switch cmd.CommandType {
	case models.CommandCaptureImage, models.CommandSendImage, models.CommandNextWake:
	default:
		respondWithError(w, errors.NewValidationError("unsupported command_type "+string(cmd.CommandType), nil))
		return
	}

	if err := h.hubservice.Commands.Create(r.Context(), &cmd); err != nil {
		respondWithError(w, errors.NewInternalError("failed to create command", err))
		return
	}

	respondWithJSON(w, http.StatusCreated, cmd)
}
