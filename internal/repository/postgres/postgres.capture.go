// FilePath: internal/repository/postgres/postgres.capture.go
package postgres

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/gxplatform/gxp-ingest/internal/database"
	"github.com/gxplatform/gxp-ingest/internal/errors"
	"github.com/gxplatform/gxp-ingest/internal/models"
	nuts "github.com/vaudience/go-nuts"
)

type CaptureRepo struct {
	PostgresBaseRepo
}

func NewCaptureRepository(db database.DB) *CaptureRepo {
	repo := &PostgresBaseRepo{db: db}
	return &CaptureRepo{PostgresBaseRepo: *repo}
}

// UpsertFromMetadata creates or updates the active capture for
// (device_id, device_capture_id). The merge is sticky-first-non-null: a
// persisted non-null column is never overwritten, and sensor keys merge
// individually with existing values winning. Relies on the partial unique
// index over (device_id, device_capture_id) WHERE ingest_status='assembling'.
func (r *CaptureRepo) UpsertFromMetadata(ctx context.Context, deviceID, name string, fields models.CaptureUpsert) (*models.Capture, error) {
	query := `
		INSERT INTO captures (
			capture_id, device_id, device_capture_id, captured_at,
			image_bytes, chunk_size_bytes, total_chunks, image_sha256,
			img_format, location, sensor_data, ingest_status,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, COALESCE($4, now()),
			$5, $6, $7, $8,
			'jpeg', $9, $10, 'assembling',
			now(), now()
		)
		ON CONFLICT (device_id, device_capture_id) WHERE ingest_status = 'assembling'
		DO UPDATE SET
			image_bytes      = COALESCE(captures.image_bytes, EXCLUDED.image_bytes),
			chunk_size_bytes = COALESCE(captures.chunk_size_bytes, EXCLUDED.chunk_size_bytes),
			total_chunks     = COALESCE(captures.total_chunks, EXCLUDED.total_chunks),
			image_sha256     = COALESCE(captures.image_sha256, EXCLUDED.image_sha256),
			location         = COALESCE(captures.location, EXCLUDED.location),
			sensor_data      = jsonb_strip_nulls(COALESCE(EXCLUDED.sensor_data, '{}'::jsonb))
			                   || COALESCE(captures.sensor_data, '{}'::jsonb),
			updated_at       = now()
		RETURNING *`

	capture := &models.Capture{}
	id := nuts.NID("cap", 16)
	err := r.db.GetDB().GetContext(ctx, capture, query,
		id, deviceID, name, fields.CapturedAt,
		fields.ImageBytes, fields.ChunkSizeBytes, fields.TotalChunks, fields.ImageSHA256,
		fields.Location, fields.SensorData,
	)
	if err != nil {
		return nil, errors.NewDatabaseError("failed to upsert capture", err).WithDevice(deviceID)
	}
	if capture.ID == id {
		nuts.L.Infof("[CaptureRepo] Capture created: %s (capture_id=%s)", name, capture.ID)
	}
	return capture, nil
}

// AppendChunk journals one chunk. Returns false when the (capture_id,
// chunk_id) pair already exists; the first journaled bytes are kept.
func (r *CaptureRepo) AppendChunk(ctx context.Context, captureID string, chunkID int, payload []byte) (bool, error) {
	query := `
		INSERT INTO capture_chunks (capture_id, chunk_id, payload, received_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (capture_id, chunk_id) DO NOTHING`

	result, err := r.db.GetDB().ExecContext(ctx, query, captureID, chunkID, payload)
	if err != nil {
		return false, errors.NewDatabaseError("failed to append chunk", err).WithCapture(captureID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.NewDatabaseError("failed to get rows affected", err)
	}
	return rows > 0, nil
}

func (r *CaptureRepo) ListChunks(ctx context.Context, captureID string) ([]models.ChunkRecord, error) {
	chunks := []models.ChunkRecord{}
	query := `SELECT * FROM capture_chunks WHERE capture_id = $1 ORDER BY chunk_id ASC`

	err := r.db.GetDB().SelectContext(ctx, &chunks, query, captureID)
	if err != nil {
		return nil, errors.NewDatabaseError("failed to list chunks", err).WithCapture(captureID)
	}
	return chunks, nil
}

// Finalize transitions the capture to success atomically. Only an
// assembling record can transition; calling again on an already-successful
// capture is a no-op so finalization retries stay idempotent.
func (r *CaptureRepo) Finalize(ctx context.Context, captureID, storagePath, imageURL, sha256 string, sensorMerge models.JSONMap) error {
	query := `
		UPDATE captures SET
			ingest_status = 'success',
			storage_path  = $2,
			image_url     = $3,
			image_sha256  = $4,
			sensor_data   = jsonb_strip_nulls(COALESCE($5, '{}'::jsonb))
			                || COALESCE(sensor_data, '{}'::jsonb),
			ingest_error  = NULL,
			updated_at    = now()
		WHERE capture_id = $1 AND ingest_status = 'assembling'`

	result, err := r.db.GetDB().ExecContext(ctx, query, captureID, storagePath, imageURL, sha256, sensorMerge)
	if err != nil {
		return errors.NewDatabaseError("failed to finalize capture", err).WithCapture(captureID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.NewDatabaseError("failed to get rows affected", err)
	}
	if rows == 0 {
		return r.checkTerminalNoop(ctx, captureID, models.IngestStatusSuccess)
	}
	return nil
}

// Fail transitions the capture to failed with the terminal error code.
func (r *CaptureRepo) Fail(ctx context.Context, captureID, errorCode, message string) error {
	query := `
		UPDATE captures SET
			ingest_status = 'failed',
			ingest_error  = $2,
			updated_at    = now()
		WHERE capture_id = $1 AND ingest_status = 'assembling'`

	result, err := r.db.GetDB().ExecContext(ctx, query, captureID, errorCode+": "+message)
	if err != nil {
		return errors.NewDatabaseError("failed to fail capture", err).WithCapture(captureID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.NewDatabaseError("failed to get rows affected", err)
	}
	if rows == 0 {
		return r.checkTerminalNoop(ctx, captureID, models.IngestStatusFailed)
	}
	return nil
}

// checkTerminalNoop distinguishes an idempotent re-apply of a terminal
// transition from a genuinely missing capture.
func (r *CaptureRepo) checkTerminalNoop(ctx context.Context, captureID string, want models.IngestStatus) error {
	var status models.IngestStatus
	err := r.db.GetDB().GetContext(ctx, &status,
		`SELECT ingest_status FROM captures WHERE capture_id = $1`, captureID)
	if err != nil {
		if err == sql.ErrNoRows {
			return errors.NewNotFoundError("capture not found", err).WithCapture(captureID)
		}
		return errors.NewDatabaseError("failed to get capture status", err)
	}
	if status == want {
		return nil
	}
	return errors.New(errors.CodeCaptureUpdateFail,
		"capture already in terminal state "+string(status), nil).WithCapture(captureID)
}

func (r *CaptureRepo) Get(ctx context.Context, captureID string) (*models.Capture, error) {
	capture := &models.Capture{}
	query := `SELECT * FROM captures WHERE capture_id = $1`

	err := r.db.GetDB().GetContext(ctx, capture, query, captureID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("capture not found", err)
		}
		return nil, errors.NewDatabaseError("failed to get capture", err)
	}
	return capture, nil
}

func (r *CaptureRepo) List(ctx context.Context, filters models.CaptureFilters, offset, limit int) ([]*models.Capture, error) {
	query := `SELECT * FROM captures WHERE 1=1`
	args := []interface{}{}

	if filters.DeviceID != "" {
		args = append(args, filters.DeviceID)
		query += ` AND device_id = $` + strconv.Itoa(len(args))
	}
	if filters.IngestStatus != "" {
		args = append(args, filters.IngestStatus)
		query += ` AND ingest_status = $` + strconv.Itoa(len(args))
	}
	if filters.Since != "" {
		if since, err := time.Parse(time.RFC3339, filters.Since); err == nil {
			args = append(args, since)
			query += ` AND captured_at >= $` + strconv.Itoa(len(args))
		}
	}

	args = append(args, limit)
	query += ` ORDER BY captured_at DESC LIMIT $` + strconv.Itoa(len(args))
	args = append(args, offset)
	query += ` OFFSET $` + strconv.Itoa(len(args))

	captures := []*models.Capture{}
	err := r.db.GetDB().SelectContext(ctx, &captures, query, args...)
	if err != nil {
		return nil, errors.NewDatabaseError("failed to list captures", err)
	}
	return captures, nil
}

// ReleaseChunks drops the chunk journal for a capture that has reached a
// terminal state.
func (r *CaptureRepo) ReleaseChunks(ctx context.Context, captureID string) error {
	query := `DELETE FROM capture_chunks WHERE capture_id = $1`

	result, err := r.db.GetDB().ExecContext(ctx, query, captureID)
	if err != nil {
		return errors.NewDatabaseError("failed to release chunks", err).WithCapture(captureID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.NewDatabaseError("failed to get rows affected", err)
	}

	nuts.L.Debugf("[CaptureRepo] Released %d journaled chunks for capture %s", rows, captureID)
	return nil
}
