// FilePath: internal/router/router_test.go
package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gxplatform/gxp-ingest/internal/assembly"
	"github.com/gxplatform/gxp-ingest/internal/command"
	"github.com/gxplatform/gxp-ingest/internal/config"
	"github.com/gxplatform/gxp-ingest/internal/handshake"
	"github.com/gxplatform/gxp-ingest/internal/hubservice"
	"github.com/gxplatform/gxp-ingest/internal/models"
	"github.com/gxplatform/gxp-ingest/internal/mqtt"
	"github.com/gxplatform/gxp-ingest/internal/repository/memory"
	"github.com/gxplatform/gxp-ingest/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHW = "AABBCCDDEEFF"

// fakeTransport implements mqtt.Client in-memory: subscriptions are kept
// so tests can inject inbound messages, publishes are recorded.
type fakeTransport struct {
	mu        sync.Mutex
	handlers  map[string]mqtt.MessageHandler
	published map[string][][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers:  map[string]mqtt.MessageHandler{},
		published: map[string][][]byte{},
	}
}

func (f *fakeTransport) Connect() error    { return nil }
func (f *fakeTransport) Disconnect()       {}
func (f *fakeTransport) IsConnected() bool { return true }

func (f *fakeTransport) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	f.published[topic] = append(f.published[topic], buf)
	return nil
}

func (f *fakeTransport) Subscribe(topic string, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeTransport) inject(pattern, topic string, payload []byte) {
	f.mu.Lock()
	handler := f.handlers[pattern]
	f.mu.Unlock()
	if handler != nil {
		handler(topic, payload)
	}
}

func (f *fakeTransport) sentOn(topic string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte{}, f.published[topic]...)
}

type fixture struct {
	store     *memory.Store
	transport *fakeTransport
	router    *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	hub := hubservice.New(store.DeviceRepo(), store.CaptureRepo(), store.CommandRepo(),
		store.AuditRepo(), nil, nil, 5*time.Second)

	mqttCfg := config.MQTTConfig{
		TopicPatternData:   "DEVICE/+/data",
		TopicPatternStatus: "DEVICE/+/status",
		TopicPatternAck:    "DEVICE/+/ack",
		TopicPatternCmd:    "DEVICE/+/cmd",
	}
	asmCfg := config.AssemblyConfig{
		CaptureTimeoutMS:  600000,
		RetransmitDelayMS: 3000,
		RetransmitMax:     3,
		MaxImageBytes:     2 << 20,
		StrictSize:        true,
		MaxAssemblies:     64,
		MaxPerDevice:      8,
		DeviceQueueDepth:  64,
		OperationTimeout:  5 * time.Second,
	}

	transport := newFakeTransport()

	var r *Router
	pub := publisherFunc(func(kind, hwID string, v any) error {
		if kind == "ack" {
			return r.PublishAck(hwID, v)
		}
		return r.PublishCmd(hwID, v)
	})

	blob := &memoryBlob{objects: map[string][]byte{}}
	fin := assembly.NewFinalizer(hub, blob, ackSide{pub}, asmCfg.StrictSize)
	manager := assembly.NewManager(hub, fin, ackSide{pub}, asmCfg)
	hs := handshake.New(hub, cmdSide{pub}, 12*time.Hour)
	poller := command.NewPoller(hub, cmdSide{pub}, 32)

	r = New(transport, hub, manager, hs, poller, mqttCfg)
	require.NoError(t, r.Start())
	t.Cleanup(func() {
		r.Stop()
		manager.Shutdown(2 * time.Second)
	})

	return &fixture{store: store, transport: transport, router: r}
}

type publisherFunc func(kind, hwID string, v any) error

type ackSide struct{ f publisherFunc }

func (a ackSide) PublishAck(hwID string, v any) error { return a.f("ack", hwID, v) }

type cmdSide struct{ f publisherFunc }

func (c cmdSide) PublishCmd(hwID string, v any) error { return c.f("cmd", hwID, v) }

type memoryBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *memoryBlob) Put(ctx context.Context, path string, data []byte, contentType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	b.objects[path] = buf
	return nil
}

func (b *memoryBlob) PublicURL(path string) string { return "https://blobs.test/" + path }

func TestEndToEndCaptureThroughRouter(t *testing.T) {
	f := newFixture(t)
	dataTopic := "DEVICE/" + testHW + "/data"

	f.transport.inject("DEVICE/+/data", dataTopic,
		[]byte(`{"device_id":"`+testHW+`","image_name":"a.jpg","image_size":4,"total_chunk_count":2,"temperature":25.1}`))
	f.transport.inject("DEVICE/+/data", dataTopic,
		[]byte(`{"device_id":"`+testHW+`","image_name":"a.jpg","chunk_id":0,"payload":"/9g="}`))
	f.transport.inject("DEVICE/+/data", dataTopic,
		[]byte(`{"device_id":"`+testHW+`","image_name":"a.jpg","chunk_id":1,"payload":"/9k="}`))

	require.Eventually(t, func() bool {
		device, _ := f.store.Resolve(context.Background(), testHW)
		capture := f.store.FindByName(device.ID, "a.jpg")
		return capture != nil && capture.IngestStatus == models.IngestStatusSuccess
	}, 3*time.Second, 20*time.Millisecond)

	// ACK_OK went out on the device ack topic through the router
	require.Eventually(t, func() bool {
		return len(f.transport.sentOn("DEVICE/"+testHW+"/ack")) == 1
	}, 3*time.Second, 20*time.Millisecond)

	ack := models.JSONMap{}
	require.NoError(t, json.Unmarshal(f.transport.sentOn("DEVICE/"+testHW+"/ack")[0], &ack))
	assert.Equal(t, "a.jpg", ack["image_name"])
	_, hasAckOK := ack["ACK_OK"]
	assert.True(t, hasAckOK)
}

func TestStatusThroughRouterTriggersHandshake(t *testing.T) {
	f := newFixture(t)

	// Provision a config so the device is schedulable
	device, err := f.store.Resolve(context.Background(), testHW)
	require.NoError(t, err)
	f.store.SetConfig(device.ID, models.DeviceConfig{TestMode: true, TestIntervalMinutes: 5})

	f.transport.inject("DEVICE/+/status", "DEVICE/"+testHW+"/status",
		[]byte(`{"device_id":"`+testHW+`","status":"alive","pendingImg":2}`))

	require.Eventually(t, func() bool {
		return len(f.transport.sentOn("DEVICE/"+testHW+"/cmd")) == 1
	}, 3*time.Second, 20*time.Millisecond)

	cmd := models.JSONMap{}
	require.NoError(t, json.Unmarshal(f.transport.sentOn("DEVICE/"+testHW+"/cmd")[0], &cmd))
	assert.Equal(t, true, cmd["capture_image"])
}

func TestBadTopicIsReported(t *testing.T) {
	f := newFixture(t)

	f.transport.inject("DEVICE/+/data", "DEVICE/nothexatall/data", []byte(`{"image_size":4}`))

	require.Eventually(t, func() bool {
		for _, code := range f.store.ErrorCodes() {
			if code == "BAD_TOPIC" {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestParseFailureIsReportedAndAudited(t *testing.T) {
	f := newFixture(t)

	f.transport.inject("DEVICE/+/data", "DEVICE/"+testHW+"/data", []byte(`{"broken":`))

	require.Eventually(t, func() bool {
		for _, code := range f.store.ErrorCodes() {
			if code == "PARSE_FAIL" {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestScrubForAudit(t *testing.T) {
	raw := models.JSONMap{"image_name": "a.jpg", "chunk_id": float64(0), "payload": "/9g="}
	scrubbed := scrubForAudit(wire.ChannelData, raw, nil)
	_, hasPayload := scrubbed["payload"]
	assert.False(t, hasPayload, "chunk payloads never reach the publish log")
	assert.Equal(t, 4, scrubbed["payload_length"])

	// Non-data channels pass through untouched
	status := models.JSONMap{"status": "alive"}
	assert.Equal(t, status, scrubForAudit(wire.ChannelStatus, status, nil))

	// Unparseable payloads are preserved raw
	unparsed := scrubForAudit(wire.ChannelData, nil, []byte("garbage"))
	assert.Equal(t, "garbage", unparsed["unparsed"])
}
