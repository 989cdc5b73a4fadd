// FilePath: internal/handshake/handshake_test.go
package handshake

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gxplatform/gxp-ingest/internal/hubservice"
	"github.com/gxplatform/gxp-ingest/internal/models"
	"github.com/gxplatform/gxp-ingest/internal/repository/memory"
	"github.com/gxplatform/gxp-ingest/internal/wire"
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

func newTestHandshake(store *memory.Store, pub *fakeCmdPublisher) *Handshake {
	hub := hubservice.New(store.DeviceRepo(), store.CaptureRepo(), store.CommandRepo(),
		store.AuditRepo(), nil, nil, 5*time.Second)
	return New(hub, pub, 12*time.Hour)
}

func statusMsg() *wire.StatusMessage {
	pending := 3
	return &wire.StatusMessage{DeviceID: testHW, Status: "alive", PendingImg: &pending}
}

func TestHandshakeDueSendsCaptureCommand(t *testing.T) {
	store := memory.NewStore()
	pub := &fakeCmdPublisher{}
	hs := newTestHandshake(store, pub)
	ctx := context.Background()

	device, err := store.Resolve(ctx, testHW)
	require.NoError(t, err)
	store.SetConfig(device.ID, models.DeviceConfig{
		TestMode:            true,
		TestIntervalMinutes: 5,
	})

	before := time.Now().UTC()
	hs.HandleStatus(ctx, testHW, statusMsg(), models.JSONMap{"status": "alive"})

	cmds := pub.sent()
	require.Len(t, cmds, 1, "exactly one outbound command per status")
	assert.Equal(t, testHW, cmds[0]["device_id"])
	assert.Equal(t, true, cmds[0]["capture_image"])

	// next_wake_at = now + 5min, persisted with the command
	updated, err := store.Get(ctx, device.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.NextWakeAt)
	assert.WithinDuration(t, before.Add(5*time.Minute), *updated.NextWakeAt, 2*time.Second)

	// Status record appended
	require.Len(t, store.Statuses, 1)
	assert.Equal(t, "alive", store.Statuses[0].Status)
}

func TestHandshakeNotDueSendsNextWake(t *testing.T) {
	store := memory.NewStore()
	pub := &fakeCmdPublisher{}
	hs := newTestHandshake(store, pub)
	ctx := context.Background()

	device, err := store.Resolve(ctx, testHW)
	require.NoError(t, err)
	store.SetConfig(device.ID, models.DeviceConfig{
		TestMode:            true,
		TestIntervalMinutes: 5,
	})
	wake := time.Now().UTC().Add(2 * time.Minute).Truncate(time.Second)
	store.SetNextWake(testHW, &wake)

	hs.HandleStatus(ctx, testHW, statusMsg(), nil)

	cmds := pub.sent()
	require.Len(t, cmds, 1)
	assert.Equal(t, wake.Format(time.RFC3339), cmds[0]["next_wake"])
	_, hasCapture := cmds[0]["capture_image"]
	assert.False(t, hasCapture)

	// next_wake_at unchanged
	updated, err := store.Get(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, wake, updated.NextWakeAt.UTC())
}

func TestHandshakeProductionInterval(t *testing.T) {
	store := memory.NewStore()
	pub := &fakeCmdPublisher{}
	hs := newTestHandshake(store, pub)
	ctx := context.Background()

	device, err := store.Resolve(ctx, testHW)
	require.NoError(t, err)
	store.SetConfig(device.ID, models.DeviceConfig{
		TestMode:             false,
		TestIntervalMinutes:  5,
		CaptureIntervalHours: 6,
	})

	before := time.Now().UTC()
	hs.HandleStatus(ctx, testHW, statusMsg(), nil)

	updated, err := store.Get(ctx, device.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.NextWakeAt)
	assert.WithinDuration(t, before.Add(6*time.Hour), *updated.NextWakeAt, 2*time.Second)
}

func TestHandshakeMissingConfigDefaultsToSleep(t *testing.T) {
	store := memory.NewStore()
	pub := &fakeCmdPublisher{}
	hs := newTestHandshake(store, pub)
	ctx := context.Background()

	before := time.Now().UTC()
	hs.HandleStatus(ctx, testHW, statusMsg(), nil)

	cmds := pub.sent()
	require.Len(t, cmds, 1)
	nextWake, ok := cmds[0]["next_wake"].(string)
	require.True(t, ok, "unconfigured device gets a sleep command")
	parsed, err := time.Parse(time.RFC3339, nextWake)
	require.NoError(t, err)
	assert.WithinDuration(t, before.Add(12*time.Hour), parsed, 2*time.Second)

	assert.Contains(t, store.ErrorCodes(), "UNKNOWN_DEVICE")
}

func TestHandshakeNoCommandWhenPersistFails(t *testing.T) {
	store := memory.NewStore()
	pub := &fakeCmdPublisher{}
	hs := newTestHandshake(store, pub)
	ctx := context.Background()

	device, err := store.Resolve(ctx, testHW)
	require.NoError(t, err)
	store.SetConfig(device.ID, models.DeviceConfig{
		TestMode:            true,
		TestIntervalMinutes: 5,
	})
	store.FailNextWake = true

	hs.HandleStatus(ctx, testHW, statusMsg(), nil)

	assert.Empty(t, pub.sent(), "a capture command is published only after next-wake commits")
}
