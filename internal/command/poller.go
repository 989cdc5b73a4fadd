// FilePath: internal/command/poller.go
package command

import (
	"context"
	"time"

	"github.com/gxplatform/gxp-ingest/internal/errors"
	"github.com/gxplatform/gxp-ingest/internal/hubservice"
	"github.com/gxplatform/gxp-ingest/internal/models"
	nuts "github.com/vaudience/go-nuts"
)

// CmdPublisher is the outbound command side of the message router.
type CmdPublisher interface {
	PublishCmd(hwID string, v any) error
}

// Poller drains the operator command queue: queued commands are published
// to the device command topic oldest-first and flipped to sent after the
// publish succeeds. Delivery is at-least-once across restarts; devices
// treat repeated commands as idempotent.
type Poller struct {
	hub       *hubservice.HubService
	cmds      CmdPublisher
	batchSize int
}

func NewPoller(hub *hubservice.HubService, cmds CmdPublisher, batchSize int) *Poller {
	return &Poller{
		hub:       hub,
		cmds:      cmds,
		batchSize: batchSize,
	}
}

// Poll runs one queue sweep. A publish failure leaves the command queued
// for the next tick.
func (p *Poller) Poll(ctx context.Context) {
	opCtx, cancel := p.hub.OpCtx(ctx)
	queued, err := p.hub.Commands.FetchQueued(opCtx, p.batchSize)
	cancel()
	if err != nil {
		nuts.L.Errorf("[CommandPoller] queue fetch failed: %v", err)
		return
	}

	for _, cmd := range queued {
		opCtx, cancel := p.hub.OpCtx(ctx)
		device, err := p.hub.Devices.Get(opCtx, cmd.DeviceID)
		cancel()
		if err != nil {
			p.hub.ReportError(ctx, errors.New(errors.CodeUnknownDevice, "queued command for unknown device", err).
				WithDevice(cmd.DeviceID).
				WithDetails(map[string]any{"command_id": cmd.ID}))
			continue
		}

		if err := p.cmds.PublishCmd(device.HardwareID, p.buildMessage(device.HardwareID, cmd)); err != nil {
			nuts.L.Warnf("[CommandPoller] [%s] publish failed for command %s, staying queued: %v",
				device.HardwareID, cmd.ID, err)
			continue
		}

		opCtx, cancel = p.hub.OpCtx(ctx)
		err = p.hub.Commands.MarkSent(opCtx, cmd.ID, time.Now().UTC())
		cancel()
		if err != nil {
			// The command went out but stays queued; the next tick resends.
			// Duplicate capture commands are benign for the firmware.
			nuts.L.Warnf("[CommandPoller] mark-sent failed for command %s: %v", cmd.ID, err)
			continue
		}

		if p.hub.Metrics != nil {
			p.hub.Metrics.CommandsSent.Inc()
		}
		nuts.L.Infof("[CommandPoller] [%s] Sent %s command %s", device.HardwareID, cmd.CommandType, cmd.ID)
	}
}

// buildMessage renders the firmware command format: the command type keyed
// directly in the JSON object.
func (p *Poller) buildMessage(hwID string, cmd *models.Command) models.JSONMap {
	msg := models.JSONMap{"device_id": hwID, "command_id": cmd.ID}
	switch cmd.CommandType {
	case models.CommandCaptureImage:
		msg["capture_image"] = true
	case models.CommandSendImage:
		msg["send_image"] = cmd.Payload["image_name"]
	case models.CommandNextWake:
		msg["next_wake"] = cmd.Payload["next_wake"]
	default:
		msg[string(cmd.CommandType)] = map[string]any(cmd.Payload)
	}
	return msg
}

// HandleAck matches a device acknowledgment to its sent command. Unmatched
// acks are logged and dropped.
func (p *Poller) HandleAck(ctx context.Context, hwID string, commandID string) {
	opCtx, cancel := p.hub.OpCtx(ctx)
	defer cancel()
	if err := p.hub.Commands.MarkAcknowledged(opCtx, commandID, time.Now().UTC()); err != nil {
		nuts.L.Debugf("[CommandPoller] [%s] Unmatched ack for command %s: %v", hwID, commandID, err)
	}
}
