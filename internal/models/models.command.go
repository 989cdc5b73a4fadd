// FilePath: internal/models/models.command.go
package models

import "time"

// CommandType enumerates the operator commands the firmware understands.
type CommandType string

const (
	CommandCaptureImage CommandType = "capture_image"
	CommandSendImage    CommandType = "send_image"
	CommandNextWake     CommandType = "next_wake"
)

// CommandStatus is the delivery lifecycle of a queued command.
type CommandStatus string

const (
	CommandStatusQueued       CommandStatus = "queued"
	CommandStatusSent         CommandStatus = "sent"
	CommandStatusAcknowledged CommandStatus = "acknowledged"
	CommandStatusFailed       CommandStatus = "failed"
)

// Command is an operator-injected device instruction. Created externally,
// delivered by the command poller, acknowledged by device ack ingestion.
type Command struct {
	ID          string        `json:"command_id" db:"command_id"`
	DeviceID    string        `json:"device_id" db:"device_id"`
	CommandType CommandType   `json:"command_type" db:"command_type"`
	Payload     JSONMap       `json:"command_payload" db:"command_payload"`
	Status      CommandStatus `json:"status" db:"status"`
	RequestedAt time.Time     `json:"requested_at" db:"requested_at"`
	SentAt      *time.Time    `json:"sent_at" db:"sent_at"`
	AckedAt     *time.Time    `json:"acked_at" db:"acked_at"`
}
