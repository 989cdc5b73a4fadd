// FilePath: internal/repository/postgres/postgres.device.go
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/gxplatform/gxp-ingest/internal/database"
	"github.com/gxplatform/gxp-ingest/internal/errors"
	"github.com/gxplatform/gxp-ingest/internal/models"
	nuts "github.com/vaudience/go-nuts"
)

const deviceDefaultModel = "ESP32S3-CAM"

type DeviceRepo struct {
	PostgresBaseRepo
}

func NewDeviceRepository(db database.DB) *DeviceRepo {
	repo := &PostgresBaseRepo{db: db}
	return &DeviceRepo{PostgresBaseRepo: *repo}
}

// Resolve upserts the device by hardware id and touches last_seen_at.
// Unknown devices are registered on first contact.
func (r *DeviceRepo) Resolve(ctx context.Context, hwID string) (*models.Device, error) {
	return r.resolve(ctx, hwID, nil)
}

// ResolveWithIP is Resolve plus a last_ip update when the transport exposes
// the peer address.
func (r *DeviceRepo) ResolveWithIP(ctx context.Context, hwID, lastIP string) (*models.Device, error) {
	return r.resolve(ctx, hwID, &lastIP)
}

func (r *DeviceRepo) resolve(ctx context.Context, hwID string, lastIP *string) (*models.Device, error) {
	query := `
		INSERT INTO devices (
			device_id, device_hw_id, model, last_ip, last_seen_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, now(), now(), now()
		)
		ON CONFLICT (device_hw_id) DO UPDATE SET
			last_seen_at = now(),
			last_ip = COALESCE(EXCLUDED.last_ip, devices.last_ip),
			updated_at = now()
		RETURNING *`

	device := &models.Device{}
	id := nuts.NID("dev", 16)
	err := r.db.GetDB().GetContext(ctx, device, query, id, hwID, deviceDefaultModel, lastIP)
	if err != nil {
		return nil, errors.NewDatabaseError("failed to resolve device", err).WithDevice(hwID)
	}
	if device.ID == id {
		nuts.L.Infof("[DeviceRepo] New device registered: %s (device_id=%s)", hwID, device.ID)
	}
	return device, nil
}

func (r *DeviceRepo) Get(ctx context.Context, deviceID string) (*models.Device, error) {
	device := &models.Device{}
	query := `SELECT * FROM devices WHERE device_id = $1`

	err := r.db.GetDB().GetContext(ctx, device, query, deviceID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("device not found", err)
		}
		return nil, errors.NewDatabaseError("failed to get device", err)
	}
	return device, nil
}

func (r *DeviceRepo) GetConfig(ctx context.Context, deviceID string) (*models.DeviceConfig, error) {
	cfg := &models.DeviceConfig{}
	query := `SELECT * FROM device_configs WHERE device_id = $1`

	err := r.db.GetDB().GetContext(ctx, cfg, query, deviceID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("device config not found", err)
		}
		return nil, errors.NewDatabaseError("failed to get device config", err)
	}
	return cfg, nil
}

func (r *DeviceRepo) UpdateNextWake(ctx context.Context, deviceID string, t time.Time) error {
	query := `
		UPDATE devices SET
			next_wake_at = $1,
			updated_at = now()
		WHERE device_id = $2`

	result, err := r.db.GetDB().ExecContext(ctx, query, t, deviceID)
	if err != nil {
		return errors.NewDatabaseError("failed to update next wake", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.NewDatabaseError("failed to get rows affected", err)
	}

	if rows == 0 {
		return errors.NewNotFoundError("device not found", nil)
	}

	return nil
}

func (r *DeviceRepo) InsertStatus(ctx context.Context, status *models.DeviceStatus) error {
	if status.ID == "" {
		status.ID = nuts.NID("dst", 16)
	}
	if status.ReceivedAt.IsZero() {
		status.ReceivedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO device_status (
			id, device_id, status, pending_count, battery_mv,
			wifi_rssi, uptime_ms, boot_count, raw, received_at
		) VALUES (
			:id, :device_id, :status, :pending_count, :battery_mv,
			:wifi_rssi, :uptime_ms, :boot_count, :raw, :received_at
		)`

	_, err := r.db.GetDB().NamedExecContext(ctx, query, status)
	if err != nil {
		return errors.NewDatabaseError("failed to insert device status", err)
	}
	return nil
}

func (r *DeviceRepo) List(ctx context.Context, offset, limit int) ([]*models.Device, error) {
	devices := []*models.Device{}
	query := `SELECT * FROM devices ORDER BY last_seen_at DESC LIMIT $1 OFFSET $2`

	err := r.db.GetDB().SelectContext(ctx, &devices, query, limit, offset)
	if err != nil {
		return nil, errors.NewDatabaseError("failed to list devices", err)
	}
	return devices, nil
}
