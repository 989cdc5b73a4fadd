// FilePath: internal/repository/repository.go
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/gxplatform/gxp-ingest/internal/database"
	"github.com/gxplatform/gxp-ingest/internal/models"
)

var (
	// ErrNotFound indicates that a requested resource was not found
	ErrNotFound = errors.New("resource not found")
	// ErrDuplicate indicates that a resource already exists
	ErrDuplicate = errors.New("resource already exists")
	// ErrInvalidInput indicates that the input data is invalid
	ErrInvalidInput = errors.New("invalid input")
)

// DeviceRepository defines the device side of the persistence façade.
// Resolve registers unknown hardware ids on first contact and touches
// last_seen_at on every call.
type DeviceRepository interface {
	database.Repository
	Resolve(ctx context.Context, hwID string) (*models.Device, error)
	ResolveWithIP(ctx context.Context, hwID, lastIP string) (*models.Device, error)
	Get(ctx context.Context, deviceID string) (*models.Device, error)
	GetConfig(ctx context.Context, deviceID string) (*models.DeviceConfig, error)
	UpdateNextWake(ctx context.Context, deviceID string, t time.Time) error
	InsertStatus(ctx context.Context, status *models.DeviceStatus) error
	List(ctx context.Context, offset, limit int) ([]*models.Device, error)
}

// CaptureRepository defines capture and chunk journal operations. Upsert
// and AppendChunk are idempotent; Finalize and Fail move the record to its
// terminal state atomically and never transition backwards.
type CaptureRepository interface {
	database.Repository
	UpsertFromMetadata(ctx context.Context, deviceID, name string, fields models.CaptureUpsert) (*models.Capture, error)
	AppendChunk(ctx context.Context, captureID string, chunkID int, payload []byte) (bool, error)
	ListChunks(ctx context.Context, captureID string) ([]models.ChunkRecord, error)
	Finalize(ctx context.Context, captureID, storagePath, imageURL, sha256 string, sensorMerge models.JSONMap) error
	Fail(ctx context.Context, captureID, errorCode, message string) error
	Get(ctx context.Context, captureID string) (*models.Capture, error)
	List(ctx context.Context, filters models.CaptureFilters, offset, limit int) ([]*models.Capture, error)
	ReleaseChunks(ctx context.Context, captureID string) error
}

// CommandRepository defines the operator command queue operations.
type CommandRepository interface {
	database.Repository
	Create(ctx context.Context, cmd *models.Command) error
	FetchQueued(ctx context.Context, limit int) ([]*models.Command, error)
	MarkSent(ctx context.Context, commandID string, sentAt time.Time) error
	MarkAcknowledged(ctx context.Context, commandID string, ackedAt time.Time) error
}

// AuditRepository is the append-only sink for the message audit trail and
// the error record store.
type AuditRepository interface {
	Append(ctx context.Context, entry *models.AuditEntry) error
	InsertError(ctx context.Context, rec *models.ErrorRecord) error
}
