// FilePath: api/resources/api.resource.captures.go
package resources

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/schema"
	"github.com/gxplatform/gxp-ingest/internal/errors"
	"github.com/gxplatform/gxp-ingest/internal/hubservice"
	"github.com/gxplatform/gxp-ingest/internal/models"
)

var queryDecoder = schema.NewDecoder()

func init() {
	queryDecoder.IgnoreUnknownKeys(true)
}

// CaptureHandlers encapsulates the capture-related HTTP handlers
type CaptureHandlers struct {
	hubservice *hubservice.HubService
}

// @Summary List captures
// @Description Get a filtered, paginated list of captures
// @Tags captures
// @Produce json
// @Param device_id query string false "Filter by device id"
// @Param ingest_status query string false "Filter by ingest status"
// @Param since query string false "Only captures after this RFC3339 timestamp"
// @Success 200 {array} models.Capture
// @Router /captures [get]
func (h *CaptureHandlers) ListCaptures(w http.ResponseWriter, r *http.Request) {
	var filters models.CaptureFilters
	if err := queryDecoder.Decode(&filters, r.URL.Query()); err != nil {
		respondWithError(w, errors.NewValidationError("invalid query parameters", err))
		return
	}
	offset, limit := pagination(r)

	captures, err := h.hubservice.Captures.List(r.Context(), filters, offset, limit)
	if err != nil {
		respondWithError(w, errors.NewInternalError("failed to list captures", err))
		return
	}

	respondWithJSON(w, http.StatusOK, captures)
}

// @Summary Get a capture by ID
// @Description Get detailed information about a specific capture
// @Tags captures
// @Produce json
// @Param id path string true "Capture ID"
// @Success 200 {object} models.Capture
// @Failure 404 {object} errors.IngestError
// @Router /captures/{id} [get]
func (h *CaptureHandlers) GetCapture(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	capture, err := h.hubservice.Captures.Get(r.Context(), id)
	if err != nil {
		respondWithError(w, errors.NewNotFoundError("capture not found", err))
		return
	}

	respondWithJSON(w, http.StatusOK, capture)
}

func pagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return offset, limit
}
