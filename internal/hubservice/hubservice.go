// FilePath: internal/hubservice/hubservice.go
package hubservice

import (
	"context"
	"time"

	"github.com/gxplatform/gxp-ingest/internal/errors"
	"github.com/gxplatform/gxp-ingest/internal/models"
	"github.com/gxplatform/gxp-ingest/internal/monitoring"
	"github.com/gxplatform/gxp-ingest/internal/repository"
	"github.com/gxplatform/gxp-ingest/internal/repository/rediscache"
	nuts "github.com/vaudience/go-nuts"
)

// rateLimitedCodes are emitted at most once per device per window.
var rateLimitedCodes = map[errors.Code]bool{
	errors.CodeOverload:         true,
	errors.CodeBackpressureDrop: true,
}

const rateLimitWindow = time.Minute

// HubService contains all repositories and service-wide dependencies
type HubService struct {
	Devices  repository.DeviceRepository
	Captures repository.CaptureRepository
	Commands repository.CommandRepository
	Audit    repository.AuditRepository

	Cache     *rediscache.Cache // optional, nil disables caching
	Metrics   *monitoring.Service
	Events    *nuts.EventEmitter
	OpTimeout time.Duration
}

// New creates a new HubService instance
func New(
	devices repository.DeviceRepository,
	captures repository.CaptureRepository,
	commands repository.CommandRepository,
	audit repository.AuditRepository,
	cache *rediscache.Cache,
	metrics *monitoring.Service,
	opTimeout time.Duration,
) *HubService {
	return &HubService{
		Devices:   devices,
		Captures:  captures,
		Commands:  commands,
		Audit:     audit,
		Cache:     cache,
		Metrics:   metrics,
		Events:    nuts.NewEventEmitter(),
		OpTimeout: opTimeout,
	}
}

// OpCtx derives the hard-deadline context every persistence and storage
// call runs under.
func (s *HubService) OpCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.OpTimeout)
}

// ResolveDevice returns the device for a hardware id, registering it on
// first contact. Reads go through the Redis cache when available.
func (s *HubService) ResolveDevice(ctx context.Context, hwID string) (*models.Device, error) {
	if s.Cache != nil {
		if device := s.Cache.GetDevice(ctx, hwID); device != nil {
			return device, nil
		}
	}
	device, err := s.Devices.Resolve(ctx, hwID)
	if err != nil {
		return nil, err
	}
	if s.Cache != nil {
		s.Cache.PutDevice(ctx, device)
	}
	return device, nil
}

// InvalidateDevice drops the cached device row, used after next-wake
// writes so the handshake always sees the committed value.
func (s *HubService) InvalidateDevice(ctx context.Context, hwID string) {
	if s.Cache != nil {
		s.Cache.InvalidateDevice(ctx, hwID)
	}
}

// ReportError persists an ingest error to the error record store and logs
// it. When the Redis cache is configured, rate-limited kinds (OVERLOAD,
// BACKPRESSURE_DROP) are emitted at most once per device per minute;
// without a cache every occurrence is recorded. No error ever aborts the
// process.
func (s *HubService) ReportError(ctx context.Context, ingErr *errors.IngestError) {
	if rateLimitedCodes[ingErr.Code] && s.Cache != nil {
		key := string(ingErr.Code) + ":" + ingErr.DeviceID
		if !s.Cache.Once(ctx, key, rateLimitWindow) {
			return
		}
	}

	switch ingErr.Severity {
	case errors.SeverityWarn:
		nuts.L.Warnf("[HubService] %v", ingErr)
	default:
		nuts.L.Errorf("[HubService] %v", ingErr)
	}

	rec := &models.ErrorRecord{
		DeviceID:  ingErr.DeviceID,
		ErrorCode: string(ingErr.Code),
		Severity:  string(ingErr.Severity),
		Message:   ingErr.Message,
		Details:   models.JSONMap(ingErr.Details),
	}
	if ingErr.CaptureID != "" {
		captureID := ingErr.CaptureID
		rec.CaptureID = &captureID
	}
	if err := s.Audit.InsertError(ctx, rec); err != nil {
		nuts.L.Warnf("[HubService] error record insert failed: %v", err)
	}
	s.Events.Emit("error.recorded", string(ingErr.Code))
}

// Validate checks if all required repositories are initialized
func (s *HubService) Validate() error {
	if s.Devices == nil {
		return ErrMissingRepository("devices")
	}
	if s.Captures == nil {
		return ErrMissingRepository("captures")
	}
	if s.Commands == nil {
		return ErrMissingRepository("commands")
	}
	if s.Audit == nil {
		return ErrMissingRepository("audit")
	}
	return nil
}

func ErrMissingRepository(name string) error {
	return errors.NewInternalError("missing repository: "+name, nil)
}
