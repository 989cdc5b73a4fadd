// FilePath: internal/assembly/finalizer_test.go
package assembly

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gxplatform/gxp-ingest/internal/errors"
	"github.com/gxplatform/gxp-ingest/internal/hubservice"
	"github.com/gxplatform/gxp-ingest/internal/models"
	"github.com/gxplatform/gxp-ingest/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHW = "AABBCCDDEEFF"

type memBlob struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failPuts int
}

func newMemBlob() *memBlob {
	return &memBlob{objects: map[string][]byte{}}
}

func (b *memBlob) Put(ctx context.Context, path string, data []byte, contentType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failPuts > 0 {
		b.failPuts--
		return fmt.Errorf("injected put failure")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	b.objects[path] = buf
	return nil
}

func (b *memBlob) PublicURL(path string) string {
	return "https://blobs.test/" + path
}

func (b *memBlob) object(path string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.objects[path]
}

func (b *memBlob) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

type published struct {
	hwID string
	msg  any
}

type fakePublisher struct {
	mu   sync.Mutex
	acks []published
	cmds []published
	fail bool
}

func (p *fakePublisher) PublishAck(hwID string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return fmt.Errorf("injected publish failure")
	}
	p.acks = append(p.acks, published{hwID: hwID, msg: v})
	return nil
}

func (p *fakePublisher) PublishCmd(hwID string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return fmt.Errorf("injected publish failure")
	}
	p.cmds = append(p.cmds, published{hwID: hwID, msg: v})
	return nil
}

func (p *fakePublisher) ackCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.acks)
}

func (p *fakePublisher) lastAck() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.acks) == 0 {
		return nil
	}
	return p.acks[len(p.acks)-1].msg
}

func newTestHub(store *memory.Store) *hubservice.HubService {
	return hubservice.New(store.DeviceRepo(), store.CaptureRepo(), store.CommandRepo(),
		store.AuditRepo(), nil, nil, 5*time.Second)
}

// seedAssembly registers the device and capture row and returns a complete
// two-chunk JPEG assembly.
func seedAssembly(t *testing.T, store *memory.Store) *Assembly {
	t.Helper()
	ctx := context.Background()
	device, err := store.Resolve(ctx, testHW)
	require.NoError(t, err)
	capture, err := store.UpsertFromMetadata(ctx, device.ID, "a.jpg", models.CaptureUpsert{
		ImageBytes:  int64Ptr(4),
		TotalChunks: intPtr(2),
	})
	require.NoError(t, err)

	asm := New(testHW, "a.jpg", 1<<21, t0)
	asm.CaptureID = capture.ID
	asm.DeviceID = device.ID
	asm.ApplyMetadata(int64Ptr(4), intPtr(2), nil, nil, models.JSONMap{models.SensorKeyTemperature: 25.1}, t0)
	asm.AddChunk(0, []byte{0xFF, 0xD8}, t0)
	asm.AddChunk(1, []byte{0xFF, 0xD9}, t0)
	require.True(t, asm.Complete())
	return asm
}

func TestFinalizeSuccess(t *testing.T) {
	store := memory.NewStore()
	blob := newMemBlob()
	pub := &fakePublisher{}
	fin := NewFinalizer(newTestHub(store), blob, pub, true)

	asm := seedAssembly(t, store)
	require.Nil(t, fin.Finalize(context.Background(), asm))

	capture := store.FindByName(asm.DeviceID, "a.jpg")
	require.NotNil(t, capture)
	assert.Equal(t, models.IngestStatusSuccess, capture.IngestStatus)
	require.NotNil(t, capture.StoragePath)
	require.NotNil(t, capture.ImageURL)
	assert.Equal(t, 25.1, capture.SensorData[models.SensorKeyTemperature])

	stored := blob.object(*capture.StoragePath)
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF, 0xD9}, stored)

	sum := sha256.Sum256(stored)
	require.NotNil(t, capture.ImageSHA256)
	assert.Equal(t, hex.EncodeToString(sum[:]), *capture.ImageSHA256)

	assert.Equal(t, 1, pub.ackCount(), "exactly one ACK_OK")
}

func TestFinalizeSizeMismatchStrict(t *testing.T) {
	store := memory.NewStore()
	blob := newMemBlob()
	fin := NewFinalizer(newTestHub(store), blob, &fakePublisher{}, true)

	asm := seedAssembly(t, store)
	asm.DeclaredSize = 10

	ferr := fin.Finalize(context.Background(), asm)
	require.NotNil(t, ferr)
	assert.Equal(t, errors.CodeSizeMismatch, ferr.Code)
	assert.Equal(t, 0, blob.count(), "no upload on strict size mismatch")
	assert.Contains(t, store.ErrorCodes(), "SIZE_MISMATCH")
}

func TestFinalizeSizeMismatchLenient(t *testing.T) {
	store := memory.NewStore()
	blob := newMemBlob()
	fin := NewFinalizer(newTestHub(store), blob, &fakePublisher{}, false)

	asm := seedAssembly(t, store)
	asm.DeclaredSize = 10

	require.Nil(t, fin.Finalize(context.Background(), asm))
	assert.Equal(t, 1, blob.count(), "warn and proceed when size is not strict")
	assert.Contains(t, store.ErrorCodes(), "SIZE_MISMATCH")
}

func TestFinalizeInvalidJPEG(t *testing.T) {
	store := memory.NewStore()
	blob := newMemBlob()
	fin := NewFinalizer(newTestHub(store), blob, &fakePublisher{}, true)

	ctx := context.Background()
	device, err := store.Resolve(ctx, testHW)
	require.NoError(t, err)
	capture, err := store.UpsertFromMetadata(ctx, device.ID, "bad.jpg", models.CaptureUpsert{
		ImageBytes:  int64Ptr(4),
		TotalChunks: intPtr(1),
	})
	require.NoError(t, err)

	asm := New(testHW, "bad.jpg", 1<<21, t0)
	asm.CaptureID = capture.ID
	asm.DeviceID = device.ID
	asm.ApplyMetadata(int64Ptr(4), intPtr(1), nil, nil, nil, t0)
	asm.AddChunk(0, []byte{0x00, 0x01, 0x02, 0x03}, t0)

	ferr := fin.Finalize(ctx, asm)
	require.NotNil(t, ferr)
	assert.Equal(t, errors.CodeJPEGInvalid, ferr.Code)
	assert.Equal(t, 0, blob.count(), "invalid framing never uploads")
}

func TestFinalizeHashMismatch(t *testing.T) {
	store := memory.NewStore()
	blob := newMemBlob()
	fin := NewFinalizer(newTestHub(store), blob, &fakePublisher{}, true)

	asm := seedAssembly(t, store)
	asm.ExpectedSHA = "deadbeef"

	ferr := fin.Finalize(context.Background(), asm)
	require.NotNil(t, ferr)
	assert.Equal(t, errors.CodeHashMismatch, ferr.Code)
	assert.Equal(t, 0, blob.count())
}

func TestFinalizeUploadFailureIsRecoverable(t *testing.T) {
	store := memory.NewStore()
	blob := newMemBlob()
	blob.failPuts = 1
	fin := NewFinalizer(newTestHub(store), blob, &fakePublisher{}, true)

	asm := seedAssembly(t, store)

	ferr := fin.Finalize(context.Background(), asm)
	require.NotNil(t, ferr)
	assert.Equal(t, errors.CodeStorageUploadFail, ferr.Code)

	capture := store.FindByName(asm.DeviceID, "a.jpg")
	require.NotNil(t, capture)
	assert.Equal(t, models.IngestStatusAssembling, capture.IngestStatus,
		"capture stays assembling after a transient upload failure")

	// Retry succeeds; steps 1-4 are pure
	require.Nil(t, fin.Finalize(context.Background(), asm))
	capture = store.FindByName(asm.DeviceID, "a.jpg")
	assert.Equal(t, models.IngestStatusSuccess, capture.IngestStatus)
}
