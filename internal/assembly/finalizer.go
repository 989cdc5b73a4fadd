// FilePath: internal/assembly/finalizer.go
package assembly

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/gxplatform/gxp-ingest/internal/errors"
	"github.com/gxplatform/gxp-ingest/internal/hubservice"
	"github.com/gxplatform/gxp-ingest/internal/storage"
	"github.com/gxplatform/gxp-ingest/internal/wire"
	nuts "github.com/vaudience/go-nuts"
)

// AckPublisher is the outbound ack side of the message router.
type AckPublisher interface {
	PublishAck(hwID string, v any) error
}

// Finalizer turns a complete assembly into a stored blob and a terminal
// capture record. Steps 1-4 (concatenate, size, framing, hash) are pure
// and retry freely; a failure in upload or record update leaves the
// capture assembling so the next completion trigger or the reaper picks it
// up.
type Finalizer struct {
	hub        *hubservice.HubService
	store      storage.BlobStore
	acks       AckPublisher
	strictSize bool
}

func NewFinalizer(hub *hubservice.HubService, store storage.BlobStore, acks AckPublisher, strictSize bool) *Finalizer {
	return &Finalizer{
		hub:        hub,
		store:      store,
		acks:       acks,
		strictSize: strictSize,
	}
}

// Finalize runs the terminal pipeline for a complete assembly. The
// returned error's code tells the manager whether the capture failed
// terminally or stays assembling for a retry.
func (f *Finalizer) Finalize(ctx context.Context, asm *Assembly) *errors.IngestError {
	buf := asm.Bytes()
	actualSize := int64(len(buf))

	if asm.DeclaredSize > 0 && actualSize != asm.DeclaredSize {
		mismatch := errors.New(errors.CodeSizeMismatch, "declared and assembled sizes differ", nil).
			WithDevice(asm.HardwareID).WithCapture(asm.CaptureID).
			WithDetails(map[string]any{"declared": asm.DeclaredSize, "actual": actualSize})
		f.hub.ReportError(ctx, mismatch)
		if f.strictSize {
			return mismatch
		}
		nuts.L.Warnf("[Finalizer] [%s] Size mismatch for %s - declared %d, actual %d - proceeding",
			asm.HardwareID, asm.ImageName, asm.DeclaredSize, actualSize)
	}

	if !validJPEG(buf) {
		jerr := errors.New(errors.CodeJPEGInvalid, "missing JPEG SOI/EOI markers", nil).
			WithDevice(asm.HardwareID).WithCapture(asm.CaptureID)
		f.hub.ReportError(ctx, jerr)
		return jerr
	}

	// The hash is always computed from the assembled buffer, immediately
	// before upload.
	sum := sha256.Sum256(buf)
	sha := hex.EncodeToString(sum[:])
	if asm.ExpectedSHA != "" && asm.ExpectedSHA != sha {
		herr := errors.New(errors.CodeHashMismatch, "assembled SHA-256 differs from metadata", nil).
			WithDevice(asm.HardwareID).WithCapture(asm.CaptureID).
			WithDetails(map[string]any{"expected": asm.ExpectedSHA, "actual": sha})
		f.hub.ReportError(ctx, herr)
		return herr
	}

	path := storage.CapturePath(asm.HardwareID, asm.ImageName, time.Now().UTC())
	opCtx, cancel := f.hub.OpCtx(ctx)
	err := f.store.Put(opCtx, path, buf, "image/jpeg")
	cancel()
	if err != nil {
		uerr := errors.New(errors.CodeStorageUploadFail, "blob upload failed", err).
			WithDevice(asm.HardwareID).WithCapture(asm.CaptureID).
			WithDetails(map[string]any{"path": path})
		f.hub.ReportError(ctx, uerr)
		return uerr
	}
	url := f.store.PublicURL(path)

	opCtx, cancel = f.hub.OpCtx(ctx)
	err = f.hub.Captures.Finalize(opCtx, asm.CaptureID, path, url, sha, asm.SensorData)
	cancel()
	if err != nil {
		ferr := errors.New(errors.CodeCaptureUpdateFail, "final capture update failed", err).
			WithDevice(asm.HardwareID).WithCapture(asm.CaptureID)
		f.hub.ReportError(ctx, ferr)
		return ferr
	}

	nuts.L.Infof("[Finalizer] [%s] Stored %s at %s (%d bytes, sha256=%s)",
		asm.HardwareID, asm.ImageName, path, actualSize, sha[:12])

	f.publishAckOK(ctx, asm)
	f.releaseJournal(ctx, asm.CaptureID)
	f.hub.Events.Emit("capture.finalized", asm.CaptureID)
	return nil
}

// publishAckOK confirms receipt to the device, carrying the next wake time
// when one is scheduled. The capture is already terminal; a publish
// failure is only logged.
func (f *Finalizer) publishAckOK(ctx context.Context, asm *Assembly) {
	ack := wire.AckOKMessage{ImageName: asm.ImageName}
	if device, err := f.hub.ResolveDevice(ctx, asm.HardwareID); err == nil && device.NextWakeAt != nil {
		ack.AckOK.NextWakeTime = device.NextWakeAt.UTC().Format(time.Kitchen)
	}
	if err := f.acks.PublishAck(asm.HardwareID, ack); err != nil {
		nuts.L.Warnf("[Finalizer] [%s] ACK_OK publish failed for %s: %v", asm.HardwareID, asm.ImageName, err)
	}
}

func (f *Finalizer) releaseJournal(ctx context.Context, captureID string) {
	opCtx, cancel := f.hub.OpCtx(ctx)
	defer cancel()
	if err := f.hub.Captures.ReleaseChunks(opCtx, captureID); err != nil {
		nuts.L.Warnf("[Finalizer] chunk journal release failed for %s: %v", captureID, err)
	}
}

// validJPEG checks the SOI and EOI framing markers.
func validJPEG(b []byte) bool {
	return len(b) >= 4 &&
		b[0] == 0xFF && b[1] == 0xD8 &&
		b[len(b)-2] == 0xFF && b[len(b)-1] == 0xD9
}
