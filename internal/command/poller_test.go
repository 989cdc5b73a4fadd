// FilePath: internal/command/poller_test.go
package command

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gxplatform/gxp-ingest/internal/hubservice"
	"github.com/gxplatform/gxp-ingest/internal/models"
	"github.com/gxplatform/gxp-ingest/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHW = "AABBCCDDEEFF"

type fakeCmdPublisher struct {
	mu   sync.Mutex
	cmds []models.JSONMap
	fail bool
}

func (p *fakeCmdPublisher) PublishCmd(hwID string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return fmt.Errorf("injected publish failure")
	}
	p.cmds = append(p.cmds, v.(models.JSONMap))
	return nil
}

func (p *fakeCmdPublisher) sent() []models.JSONMap {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.JSONMap, len(p.cmds))
	copy(out, p.cmds)
	return out
}

func newTestPoller(store *memory.Store, pub *fakeCmdPublisher) *Poller {
	hub := hubservice.New(store.DeviceRepo(), store.CaptureRepo(), store.CommandRepo(),
		store.AuditRepo(), nil, nil, 5*time.Second)
	return NewPoller(hub, pub, 32)
}

func queueCommand(t *testing.T, store *memory.Store, deviceID string, cmdType models.CommandType, payload models.JSONMap) *models.Command {
	t.Helper()
	cmd := &models.Command{
		DeviceID:    deviceID,
		CommandType: cmdType,
		Payload:     payload,
	}
	require.NoError(t, store.Create(context.Background(), cmd))
	return cmd
}

func TestPollPublishesQueuedCommands(t *testing.T) {
	store := memory.NewStore()
	pub := &fakeCmdPublisher{}
	poller := newTestPoller(store, pub)
	ctx := context.Background()

	device, err := store.Resolve(ctx, testHW)
	require.NoError(t, err)

	first := queueCommand(t, store, device.ID, models.CommandCaptureImage, nil)
	time.Sleep(2 * time.Millisecond)
	second := queueCommand(t, store, device.ID, models.CommandSendImage, models.JSONMap{"image_name": "image_5.jpg"})

	poller.Poll(ctx)

	cmds := pub.sent()
	require.Len(t, cmds, 2)
	// Oldest-first delivery
	assert.Equal(t, true, cmds[0]["capture_image"])
	assert.Equal(t, first.ID, cmds[0]["command_id"])
	assert.Equal(t, "image_5.jpg", cmds[1]["send_image"])
	assert.Equal(t, testHW, cmds[0]["device_id"], "commands carry the hardware id")

	assert.Equal(t, models.CommandStatusSent, store.GetCommand(first.ID).Status)
	assert.Equal(t, models.CommandStatusSent, store.GetCommand(second.ID).Status)
	assert.NotNil(t, store.GetCommand(first.ID).SentAt)
}

func TestPollLeavesCommandQueuedOnPublishFailure(t *testing.T) {
	store := memory.NewStore()
	pub := &fakeCmdPublisher{fail: true}
	poller := newTestPoller(store, pub)
	ctx := context.Background()

	device, err := store.Resolve(ctx, testHW)
	require.NoError(t, err)
	cmd := queueCommand(t, store, device.ID, models.CommandCaptureImage, nil)

	poller.Poll(ctx)
	assert.Equal(t, models.CommandStatusQueued, store.GetCommand(cmd.ID).Status)

	// Next tick delivers once the transport recovers
	pub.fail = false
	poller.Poll(ctx)
	assert.Equal(t, models.CommandStatusSent, store.GetCommand(cmd.ID).Status)
	assert.Len(t, pub.sent(), 1)
}

func TestPollSkipsUnknownDevice(t *testing.T) {
	store := memory.NewStore()
	pub := &fakeCmdPublisher{}
	poller := newTestPoller(store, pub)
	ctx := context.Background()

	cmd := queueCommand(t, store, "dev_nonexistent", models.CommandCaptureImage, nil)

	poller.Poll(ctx)
	assert.Empty(t, pub.sent())
	assert.Equal(t, models.CommandStatusQueued, store.GetCommand(cmd.ID).Status)
	assert.Contains(t, store.ErrorCodes(), "UNKNOWN_DEVICE")
}

func TestHandleAckMatchesSentCommand(t *testing.T) {
	store := memory.NewStore()
	pub := &fakeCmdPublisher{}
	poller := newTestPoller(store, pub)
	ctx := context.Background()

	device, err := store.Resolve(ctx, testHW)
	require.NoError(t, err)
	cmd := queueCommand(t, store, device.ID, models.CommandCaptureImage, nil)

	poller.Poll(ctx)
	require.Equal(t, models.CommandStatusSent, store.GetCommand(cmd.ID).Status)

	poller.HandleAck(ctx, testHW, cmd.ID)
	assert.Equal(t, models.CommandStatusAcknowledged, store.GetCommand(cmd.ID).Status)
	assert.NotNil(t, store.GetCommand(cmd.ID).AckedAt)

	// Unmatched acks are dropped without side effects
	poller.HandleAck(ctx, testHW, "cmd_bogus")
	assert.Equal(t, models.CommandStatusAcknowledged, store.GetCommand(cmd.ID).Status)
}

func TestRepollDoesNotResendSentCommand(t *testing.T) {
	store := memory.NewStore()
	pub := &fakeCmdPublisher{}
	poller := newTestPoller(store, pub)
	ctx := context.Background()

	device, err := store.Resolve(ctx, testHW)
	require.NoError(t, err)
	queueCommand(t, store, device.ID, models.CommandCaptureImage, nil)

	poller.Poll(ctx)
	poller.Poll(ctx)
	assert.Len(t, pub.sent(), 1, "a sent command is never re-sent")
}
