// FilePath: internal/assembly/manager.go
package assembly

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gxplatform/gxp-ingest/internal/config"
	"github.com/gxplatform/gxp-ingest/internal/errors"
	"github.com/gxplatform/gxp-ingest/internal/hubservice"
	"github.com/gxplatform/gxp-ingest/internal/models"
	"github.com/gxplatform/gxp-ingest/internal/wire"
	nuts "github.com/vaudience/go-nuts"
)

// workerTick drives the retransmit and completion scan inside each device
// worker. The NACK delay itself comes from configuration; the tick only
// bounds how late past the delay a NACK can fire.
const workerTick = 500 * time.Millisecond

type eventKind int

const (
	evMetadata eventKind = iota
	evChunk
	evReap
)

type event struct {
	kind  eventKind
	meta  *wire.MetadataMessage
	chunk *wire.ChunkMessage
	now   time.Time
}

// deviceWorker owns every assembly of one hardware id. All mutations run
// on its single goroutine, so assemblies need no locks.
type deviceWorker struct {
	hwID       string
	inbox      chan event
	assemblies map[string]*Assembly
}

// Manager is the per-device assembly coordinator: it keys assemblies by
// (hardware id, image name), serializes all work per device through a
// bounded inbox, and drives retransmission, finalization and reaping.
type Manager struct {
	hub       *hubservice.HubService
	finalizer *Finalizer
	acks      AckPublisher
	cfg       config.AssemblyConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	workers map[string]*deviceWorker
	closed  bool

	total atomic.Int64
	wg    sync.WaitGroup
}

// transientCodes mark finalization failures that keep the capture
// assembling for a retry instead of failing it.
var transientCodes = map[errors.Code]bool{
	errors.CodeStorageUploadFail: true,
	errors.CodeCaptureUpdateFail: true,
	errors.CodeDatabase:          true,
}

func NewManager(hub *hubservice.HubService, finalizer *Finalizer, acks AckPublisher, cfg config.AssemblyConfig) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		hub:       hub,
		finalizer: finalizer,
		acks:      acks,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		workers:   map[string]*deviceWorker{},
	}
}

// OfferMetadata enqueues a metadata message for the owning device worker.
// Returns false when the device inbox is full; the caller decides how to
// report the drop.
func (m *Manager) OfferMetadata(hwID string, msg *wire.MetadataMessage) bool {
	return m.offer(hwID, event{kind: evMetadata, meta: msg, now: time.Now().UTC()})
}

// OfferChunk enqueues a chunk message for the owning device worker.
func (m *Manager) OfferChunk(hwID string, msg *wire.ChunkMessage) bool {
	return m.offer(hwID, event{kind: evChunk, chunk: msg, now: time.Now().UTC()})
}

// Reap asks every device worker to age out stale assemblies. Runs on the
// shared background schedule; the reaper never touches assemblies
// directly, only via the owning worker's queue.
func (m *Manager) Reap() {
	now := time.Now().UTC()
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.workers {
		select {
		case w.inbox <- event{kind: evReap, now: now}:
		default:
			// Inbox full; the next reaper period retries.
		}
	}
}

// ActiveAssemblies returns the global in-memory assembly count.
func (m *Manager) ActiveAssemblies() int {
	return int(m.total.Load())
}

// Shutdown stops accepting work and lets in-flight workers drain within
// the grace period. Captures that do not finish stay assembling and are
// picked up after the next boot.
func (m *Manager) Shutdown(grace time.Duration) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, w := range m.workers {
		close(w.inbox)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		nuts.L.Infof("[AssemblyManager] All device workers drained")
	case <-time.After(grace):
		nuts.L.Warnf("[AssemblyManager] Drain grace period elapsed with workers still busy")
	}
	m.cancel()
}

func (m *Manager) offer(hwID string, ev event) bool {
	m.mu.RLock()
	w, ok := m.workers[hwID]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return false
	}
	if !ok {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return false
		}
		w, ok = m.workers[hwID]
		if !ok {
			w = &deviceWorker{
				hwID:       hwID,
				inbox:      make(chan event, m.cfg.DeviceQueueDepth),
				assemblies: map[string]*Assembly{},
			}
			m.workers[hwID] = w
			m.wg.Add(1)
			go m.runWorker(w)
		}
		m.mu.Unlock()
	}

	select {
	case w.inbox <- ev:
		return true
	default:
		return false
	}
}

func (m *Manager) runWorker(w *deviceWorker) {
	defer m.wg.Done()
	ticker := time.NewTicker(workerTick)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-w.inbox:
			if !ok {
				return
			}
			switch ev.kind {
			case evMetadata:
				m.processMetadata(w, ev.meta, ev.now)
			case evChunk:
				m.processChunk(w, ev.chunk, ev.now)
			case evReap:
				m.reapWorker(w, ev.now)
			}
		case now := <-ticker.C:
			m.scanWorker(w, now.UTC())
		}
	}
}

func (m *Manager) processMetadata(w *deviceWorker, msg *wire.MetadataMessage, now time.Time) {
	if msg.ImageName == "" {
		m.hub.ReportError(m.ctx, errors.NewValidationError("metadata without image_name", nil).WithDevice(w.hwID))
		return
	}

	opCtx, cancel := m.hub.OpCtx(m.ctx)
	device, err := m.hub.ResolveDevice(opCtx, w.hwID)
	cancel()
	if err != nil {
		m.hub.ReportError(m.ctx, errors.NewDatabaseError("device resolution failed", err).WithDevice(w.hwID))
		return
	}

	opCtx, cancel = m.hub.OpCtx(m.ctx)
	capture, err := m.hub.Captures.UpsertFromMetadata(opCtx, device.ID, msg.ImageName, msg.CaptureUpsert(now))
	cancel()
	if err != nil {
		m.hub.ReportError(m.ctx, errors.NewDatabaseError("metadata upsert failed", err).WithDevice(w.hwID))
		return
	}

	asm, ok := m.getOrCreate(w, msg.ImageName, now)
	if !ok {
		return
	}
	asm.CaptureID = capture.ID
	asm.DeviceID = device.ID
	asm.ApplyMetadata(msg.ImageSize, msg.TotalChunkCount, msg.MaxChunksSize, msg.ImageSHA256, msg.SensorData(), now)

	nuts.L.Debugf("[AssemblyManager] [%s] Metadata for %s (%d chunks, %d bytes declared)",
		w.hwID, msg.ImageName, asm.TotalChunks, asm.DeclaredSize)

	if asm.Complete() {
		m.finalizeAssembly(w, asm)
	}
}

func (m *Manager) processChunk(w *deviceWorker, msg *wire.ChunkMessage, now time.Time) {
	payload, err := msg.Decode()
	if err != nil {
		m.hub.ReportError(m.ctx, errors.New(errors.CodeChunkDecodeFail, "chunk payload undecodable", err).
			WithDevice(w.hwID).
			WithDetails(map[string]any{"image_name": msg.ImageName, "chunk_id": msg.ChunkID}))
		return
	}

	asm, exists := w.assemblies[msg.ImageName]
	if !exists {
		// Chunk before metadata: journal under a minimal capture row so
		// nothing is lost while the metadata is still in flight.
		nuts.L.Debugf("[AssemblyManager] [%s] Chunk %d before metadata for %s - creating minimal assembly",
			w.hwID, msg.ChunkID, msg.ImageName)

		opCtx, cancel := m.hub.OpCtx(m.ctx)
		device, err := m.hub.ResolveDevice(opCtx, w.hwID)
		cancel()
		if err != nil {
			m.hub.ReportError(m.ctx, errors.NewDatabaseError("device resolution failed", err).WithDevice(w.hwID))
			return
		}

		capturedAt := now
		opCtx, cancel = m.hub.OpCtx(m.ctx)
		capture, err := m.hub.Captures.UpsertFromMetadata(opCtx, device.ID, msg.ImageName, models.CaptureUpsert{
			CapturedAt:     &capturedAt,
			ImageBytes:     msg.ImageSize,
			ChunkSizeBytes: msg.MaxChunkSize,
			TotalChunks:    msg.TotalChunks,
		})
		cancel()
		if err != nil {
			m.hub.ReportError(m.ctx, errors.NewDatabaseError("minimal capture upsert failed", err).WithDevice(w.hwID))
			return
		}

		var ok bool
		asm, ok = m.getOrCreate(w, msg.ImageName, now)
		if !ok {
			return
		}
		asm.CaptureID = capture.ID
		asm.DeviceID = device.ID
		asm.ApplyMetadata(msg.ImageSize, msg.TotalChunks, msg.MaxChunkSize, nil, nil, now)
	}

	switch asm.AddChunk(msg.ChunkID, payload, now) {
	case AddAccepted:
		opCtx, cancel := m.hub.OpCtx(m.ctx)
		_, err := m.hub.Captures.AppendChunk(opCtx, asm.CaptureID, msg.ChunkID, payload)
		cancel()
		if err != nil {
			m.hub.ReportError(m.ctx, errors.NewDatabaseError("chunk journal append failed", err).
				WithDevice(w.hwID).WithCapture(asm.CaptureID))
		}
		if m.hub.Metrics != nil {
			m.hub.Metrics.ChunksReceived.Inc()
		}
		if asm.Complete() {
			m.finalizeAssembly(w, asm)
		}
	case AddDuplicate:
		nuts.L.Debugf("[AssemblyManager] [%s] Duplicate chunk %d for %s dropped", w.hwID, msg.ChunkID, msg.ImageName)
	case AddConflict:
		m.hub.ReportError(m.ctx, errors.New(errors.CodeDupChunkConflict, "chunk resubmitted with different bytes", nil).
			WithDevice(w.hwID).WithCapture(asm.CaptureID).
			WithDetails(map[string]any{"chunk_id": msg.ChunkID}))
	case AddOutOfRange:
		m.hub.ReportError(m.ctx, errors.New(errors.CodeChunkOutOfRange, "chunk id outside declared range", nil).
			WithDevice(w.hwID).WithCapture(asm.CaptureID).
			WithDetails(map[string]any{"chunk_id": msg.ChunkID, "total_chunks": asm.TotalChunks}))
	case AddOversized:
		m.hub.ReportError(m.ctx, errors.New(errors.CodeOversized, "assembly exceeds max image bytes", nil).
			WithDevice(w.hwID).WithCapture(asm.CaptureID).
			WithDetails(map[string]any{"received_bytes": asm.ReceivedBytes(), "max_image_bytes": m.cfg.MaxImageBytes}))
		m.failAssembly(w, asm, errors.CodeOversized, "assembly exceeds max image bytes")
	}
}

// scanWorker runs on the worker tick: finalize anything complete (also the
// retry path after a transient finalization failure) and drive the NACK
// loop for incomplete assemblies.
func (m *Manager) scanWorker(w *deviceWorker, now time.Time) {
	for _, asm := range w.assemblies {
		if asm.Complete() {
			m.finalizeAssembly(w, asm)
			continue
		}
		if asm.TotalChunks <= 0 {
			continue
		}

		ref := asm.LastActivity
		if asm.LastNackAt.After(ref) {
			ref = asm.LastNackAt
		}
		if now.Sub(ref) < m.cfg.RetransmitDelay() {
			continue
		}

		missing := asm.Missing()
		if len(missing) == 0 {
			continue
		}

		if asm.Progressed {
			asm.Retries = 0
		}
		asm.Retries++
		if asm.Retries > m.cfg.RetransmitMax {
			m.hub.ReportError(m.ctx, errors.New(errors.CodeRetransmitExhausted, "retransmit budget exhausted", nil).
				WithDevice(w.hwID).WithCapture(asm.CaptureID).
				WithDetails(map[string]any{"missing_count": len(missing), "image_name": asm.ImageName}))
			m.failAssembly(w, asm, errors.CodeRetransmitExhausted, "retransmit budget exhausted")
			continue
		}

		nack := wire.NackMessage{ImageName: asm.ImageName, MissingChunks: missing}
		if err := m.acks.PublishAck(w.hwID, nack); err != nil {
			nuts.L.Warnf("[AssemblyManager] [%s] NACK publish failed for %s: %v", w.hwID, asm.ImageName, err)
			continue
		}
		asm.LastNackAt = now
		asm.Progressed = false
		nuts.L.Warnf("[AssemblyManager] [%s] NACK %d/%d for %s - %d chunks missing",
			w.hwID, asm.Retries, m.cfg.RetransmitMax, asm.ImageName, len(missing))
	}
}

func (m *Manager) reapWorker(w *deviceWorker, now time.Time) {
	for _, asm := range w.assemblies {
		if asm.Expired(now, m.cfg.CaptureTimeout()) {
			missing := asm.Missing()
			m.hub.ReportError(m.ctx, errors.New(errors.CodeAssemblyTimeout, "assembly aged out incomplete", nil).
				WithDevice(w.hwID).WithCapture(asm.CaptureID).
				WithDetails(map[string]any{"missing_count": len(missing), "image_name": asm.ImageName}))
			m.failAssembly(w, asm, errors.CodeAssemblyTimeout, "assembly aged out incomplete")
		}
	}
}

func (m *Manager) getOrCreate(w *deviceWorker, imageName string, now time.Time) (*Assembly, bool) {
	if asm, ok := w.assemblies[imageName]; ok {
		return asm, true
	}
	if len(w.assemblies) >= m.cfg.MaxPerDevice || int(m.total.Load()) >= m.cfg.MaxAssemblies {
		m.hub.ReportError(m.ctx, errors.New(errors.CodeOverload, "assembly capacity reached", nil).
			WithDevice(w.hwID).
			WithDetails(map[string]any{"device_assemblies": len(w.assemblies), "total_assemblies": m.total.Load()}))
		return nil, false
	}
	asm := New(w.hwID, imageName, m.cfg.MaxImageBytes, now)
	w.assemblies[imageName] = asm
	m.total.Add(1)
	if m.hub.Metrics != nil {
		m.hub.Metrics.AssembliesStarted.Inc()
		m.hub.Metrics.ActiveAssemblies.Set(float64(m.total.Load()))
	}
	return asm, true
}

func (m *Manager) finalizeAssembly(w *deviceWorker, asm *Assembly) {
	ferr := m.finalizer.Finalize(m.ctx, asm)
	if ferr == nil {
		m.remove(w, asm, "success")
		return
	}
	if transientCodes[ferr.Code] {
		// Capture stays assembling; the next scan retries and the reaper
		// eventually ages it out.
		return
	}
	m.failAssembly(w, asm, ferr.Code, ferr.Message)
}

func (m *Manager) failAssembly(w *deviceWorker, asm *Assembly, code errors.Code, message string) {
	if asm.CaptureID != "" {
		opCtx, cancel := m.hub.OpCtx(m.ctx)
		if err := m.hub.Captures.Fail(opCtx, asm.CaptureID, string(code), message); err != nil {
			nuts.L.Errorf("[AssemblyManager] [%s] Capture fail update failed for %s: %v", w.hwID, asm.CaptureID, err)
		}
		cancel()
		opCtx, cancel = m.hub.OpCtx(m.ctx)
		if err := m.hub.Captures.ReleaseChunks(opCtx, asm.CaptureID); err != nil {
			nuts.L.Warnf("[AssemblyManager] [%s] Chunk release failed for %s: %v", w.hwID, asm.CaptureID, err)
		}
		cancel()
	}
	m.remove(w, asm, "failed")
}

func (m *Manager) remove(w *deviceWorker, asm *Assembly, outcome string) {
	asm.Release()
	delete(w.assemblies, asm.ImageName)
	m.total.Add(-1)
	if m.hub.Metrics != nil {
		m.hub.Metrics.AssembliesDone.WithLabelValues(outcome).Inc()
		m.hub.Metrics.ActiveAssemblies.Set(float64(m.total.Load()))
	}
}
