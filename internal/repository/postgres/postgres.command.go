// FilePath: internal/repository/postgres/postgres.command.go
package postgres

import (
	"context"
	"time"

	"github.com/gxplatform/gxp-ingest/internal/database"
	"github.com/gxplatform/gxp-ingest/internal/errors"
	"github.com/gxplatform/gxp-ingest/internal/models"
	nuts "github.com/vaudience/go-nuts"
)

type CommandRepo struct {
	PostgresBaseRepo
}

func NewCommandRepository(db database.DB) *CommandRepo {
	repo := &PostgresBaseRepo{db: db}
	return &CommandRepo{PostgresBaseRepo: *repo}
}

func (r *CommandRepo) Create(ctx context.Context, cmd *models.Command) error {
	if cmd.ID == "" {
		cmd.ID = nuts.NID("cmd", 16)
	}
	if cmd.Status == "" {
		cmd.Status = models.CommandStatusQueued
	}
	if cmd.RequestedAt.IsZero() {
		cmd.RequestedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO device_commands (
			command_id, device_id, command_type, command_payload,
			status, requested_at
		) VALUES (
			:command_id, :device_id, :command_type, :command_payload,
			:status, :requested_at
		)`

	_, err := r.db.GetDB().NamedExecContext(ctx, query, cmd)
	if err != nil {
		return errors.NewDatabaseError("failed to create command", err)
	}
	return nil
}

// FetchQueued returns pending commands oldest-first.
func (r *CommandRepo) FetchQueued(ctx context.Context, limit int) ([]*models.Command, error) {
	commands := []*models.Command{}
	query := `
		SELECT * FROM device_commands
		WHERE status = 'queued'
		ORDER BY requested_at ASC
		LIMIT $1`

	err := r.db.GetDB().SelectContext(ctx, &commands, query, limit)
	if err != nil {
		return nil, errors.NewDatabaseError("failed to fetch queued commands", err)
	}
	return commands, nil
}

// MarkSent flips a queued command to sent. The status guard keeps the
// poller idempotent across restarts; a command already sent stays sent.
func (r *CommandRepo) MarkSent(ctx context.Context, commandID string, sentAt time.Time) error {
	query := `
		UPDATE device_commands SET
			status = 'sent',
			sent_at = $2
		WHERE command_id = $1 AND status = 'queued'`

	result, err := r.db.GetDB().ExecContext(ctx, query, commandID, sentAt)
	if err != nil {
		return errors.NewDatabaseError("failed to mark command sent", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.NewDatabaseError("failed to get rows affected", err)
	}
	if rows == 0 {
		nuts.L.Debugf("[CommandRepo] Command %s not in queued state, mark-sent skipped", commandID)
	}
	return nil
}

// MarkAcknowledged records a device ack for a sent command.
func (r *CommandRepo) MarkAcknowledged(ctx context.Context, commandID string, ackedAt time.Time) error {
	query := `
		UPDATE device_commands SET
			status = 'acknowledged',
			acked_at = $2
		WHERE command_id = $1 AND status = 'sent'`

	result, err := r.db.GetDB().ExecContext(ctx, query, commandID, ackedAt)
	if err != nil {
		return errors.NewDatabaseError("failed to mark command acknowledged", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.NewDatabaseError("failed to get rows affected", err)
	}
	if rows == 0 {
		return errors.NewNotFoundError("no sent command matches ack", nil)
	}
	return nil
}
