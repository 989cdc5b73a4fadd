// FilePath: internal/repository/postgres/postgres.audit.go
package postgres

import (
	"context"
	"time"

	"github.com/gxplatform/gxp-ingest/internal/database"
	"github.com/gxplatform/gxp-ingest/internal/errors"
	"github.com/gxplatform/gxp-ingest/internal/models"
	nuts "github.com/vaudience/go-nuts"
)

type AuditRepo struct {
	PostgresBaseRepo
}

func NewAuditRepository(db database.DB) *AuditRepo {
	repo := &PostgresBaseRepo{db: db}
	return &AuditRepo{PostgresBaseRepo: *repo}
}

// Append writes one row to the publish log. Failures are logged and
// returned as a database error; the router's audit worker discards it, so
// the audit trail never takes the ingest path down.
func (r *AuditRepo) Append(ctx context.Context, entry *models.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = nuts.NID("aud", 16)
	}
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO device_publish_log (
			id, device_id, topic, direction, payload, received_at
		) VALUES (
			:id, :device_id, :topic, :direction, :payload, :received_at
		)`

	_, err := r.db.GetDB().NamedExecContext(ctx, query, entry)
	if err != nil {
		nuts.L.Warnf("[AuditRepo] publish log insert failed: %v", err)
		return errors.NewDatabaseError("failed to append audit entry", err)
	}
	return nil
}

func (r *AuditRepo) InsertError(ctx context.Context, rec *models.ErrorRecord) error {
	if rec.ID == "" {
		rec.ID = nuts.NID("err", 16)
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}
	query := `
		INSERT INTO device_errors (
			id, device_id, capture_id, error_code, severity,
			message, details, occurred_at
		) VALUES (
			:id, :device_id, :capture_id, :error_code, :severity,
			:message, :details, :occurred_at
		)`

	_, err := r.db.GetDB().NamedExecContext(ctx, query, rec)
	if err != nil {
		nuts.L.Warnf("[AuditRepo] device_errors insert failed: %v", err)
		return errors.NewDatabaseError("failed to insert error record", err)
	}
	return nil
}
