// FilePath: api/resources/api.resource.devices.go
package resources

import (
	"net/http"

	"github.com/gxplatform/gxp-ingest/internal/errors"
	"github.com/gxplatform/gxp-ingest/internal/hubservice"
)

// DeviceHandlers encapsulates the device-related HTTP handlers
type DeviceHandlers struct {
	hubservice *hubservice.HubService
}

// @Summary List devices
// @Description Get a paginated list of registered devices
// @Tags devices
// @Produce json
// @Param offset query int false "Offset for pagination"
// @Param limit query int false "Limit for pagination"
// @Success 200 {array} models.Device
// @Router /devices [get]
func (h *DeviceHandlers) ListDevices(w http.ResponseWriter, r *http.Request) {
	offset, limit := pagination(r)

	devices, err := h.hubservice.Devices.List(r.Context(), offset, limit)
	if err != nil {
		respondWithError(w, errors.NewInternalError("failed to list devices", err))
		return
	}

	respondWithJSON(w, http.StatusOK, devices)
}
