// FilePath: internal/handshake/handshake.go
package handshake

import (
	"context"
	"time"

	"github.com/gxplatform/gxp-ingest/internal/errors"
	"github.com/gxplatform/gxp-ingest/internal/hubservice"
	"github.com/gxplatform/gxp-ingest/internal/models"
	"github.com/gxplatform/gxp-ingest/internal/wire"
	nuts "github.com/vaudience/go-nuts"
)

// CmdPublisher is the outbound command side of the message router.
type CmdPublisher interface {
	PublishCmd(hwID string, v any) error
}

// Handshake answers device status messages with exactly one command:
// capture now when the device is due, otherwise sleep until the scheduled
// wake time.
type Handshake struct {
	hub          *hubservice.HubService
	cmds         CmdPublisher
	defaultSleep time.Duration
}

func New(hub *hubservice.HubService, cmds CmdPublisher, defaultSleep time.Duration) *Handshake {
	return &Handshake{
		hub:          hub,
		cmds:         cmds,
		defaultSleep: defaultSleep,
	}
}

// HandleStatus runs the decision procedure for one status message. The
// next-wake write commits before the capture command goes out; when the
// write fails no command is sent so the device cannot double-capture.
func (h *Handshake) HandleStatus(ctx context.Context, hwID string, msg *wire.StatusMessage, raw models.JSONMap) {
	now := time.Now().UTC()

	opCtx, cancel := h.hub.OpCtx(ctx)
	device, err := h.hub.ResolveDevice(opCtx, hwID)
	cancel()
	if err != nil {
		h.hub.ReportError(ctx, errors.New(errors.CodeUnknownDevice, "status from unresolvable device", err).WithDevice(hwID))
		h.sendDefaultSleep(hwID, now)
		return
	}

	h.recordStatus(ctx, device.ID, msg, raw)

	opCtx, cancel = h.hub.OpCtx(ctx)
	cfg, err := h.hub.Devices.GetConfig(opCtx, device.ID)
	cancel()
	if err != nil {
		h.hub.ReportError(ctx, errors.New(errors.CodeUnknownDevice, "device has no scheduling config", err).WithDevice(hwID))
		h.sendDefaultSleep(hwID, now)
		return
	}

	due := device.NextWakeAt == nil || !now.Before(*device.NextWakeAt)
	if !due {
		h.sendNextWake(hwID, *device.NextWakeAt)
		return
	}

	nextWake := now.Add(cfg.CaptureInterval())
	opCtx, cancel = h.hub.OpCtx(ctx)
	err = h.hub.Devices.UpdateNextWake(opCtx, device.ID, nextWake)
	cancel()
	if err != nil {
		// Without a committed next-wake the capture command must not go
		// out; the device retries on its next status message.
		h.hub.ReportError(ctx, errors.NewDatabaseError("next wake update failed", err).WithDevice(hwID))
		return
	}
	h.hub.InvalidateDevice(ctx, hwID)

	cmd := models.JSONMap{"device_id": hwID, "capture_image": true}
	if err := h.cmds.PublishCmd(hwID, cmd); err != nil {
		nuts.L.Errorf("[Handshake] [%s] capture command publish failed: %v", hwID, err)
		return
	}
	nuts.L.Infof("[Handshake] [%s] Capture now; next wake %s", hwID, nextWake.Format(time.RFC3339))
}

func (h *Handshake) recordStatus(ctx context.Context, deviceID string, msg *wire.StatusMessage, raw models.JSONMap) {
	status := &models.DeviceStatus{
		DeviceID:     deviceID,
		Status:       msg.Status,
		PendingCount: msg.PendingImg,
		BatteryMV:    msg.BatteryMV,
		WifiRSSI:     msg.WifiRSSI,
		UptimeMS:     msg.UptimeMS,
		BootCount:    msg.BootCount,
		Raw:          raw,
	}
	if status.Status == "" {
		status.Status = "unknown"
	}
	opCtx, cancel := h.hub.OpCtx(ctx)
	defer cancel()
	if err := h.hub.Devices.InsertStatus(opCtx, status); err != nil {
		nuts.L.Warnf("[Handshake] device status insert failed: %v", err)
	}
}

func (h *Handshake) sendNextWake(hwID string, nextWake time.Time) {
	cmd := models.JSONMap{"device_id": hwID, "next_wake": nextWake.UTC().Format(time.RFC3339)}
	if err := h.cmds.PublishCmd(hwID, cmd); err != nil {
		nuts.L.Errorf("[Handshake] [%s] next-wake command publish failed: %v", hwID, err)
		return
	}
	nuts.L.Infof("[Handshake] [%s] Sleep until %s", hwID, nextWake.UTC().Format(time.RFC3339))
}

func (h *Handshake) sendDefaultSleep(hwID string, now time.Time) {
	h.sendNextWake(hwID, now.Add(h.defaultSleep))
}
