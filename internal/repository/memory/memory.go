// FilePath: internal/repository/memory/memory.go
// Package memory provides an in-memory implementation of the persistence
// façade, used by the package test suites.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gxplatform/gxp-ingest/internal/database"
	"github.com/gxplatform/gxp-ingest/internal/errors"
	"github.com/gxplatform/gxp-ingest/internal/models"
)

type chunkKey struct {
	captureID string
	chunkID   int
}

// Store is a single in-memory backend implementing every repository
// interface of the persistence façade.
type Store struct {
	mu sync.Mutex

	seq      int
	devices  map[string]*models.Device // by hardware id
	configs  map[string]*models.DeviceConfig
	captures map[string]*models.Capture
	chunks   map[chunkKey][]byte
	commands map[string]*models.Command
	Statuses []*models.DeviceStatus
	Audits   []*models.AuditEntry
	Errors   []*models.ErrorRecord

	// FailNextWake forces UpdateNextWake to fail, for testing the
	// handshake persistence guard.
	FailNextWake bool
}

func NewStore() *Store {
	return &Store{
		devices:  map[string]*models.Device{},
		configs:  map[string]*models.DeviceConfig{},
		captures: map[string]*models.Capture{},
		chunks:   map[chunkKey][]byte{},
		commands: map[string]*models.Command{},
	}
}

func (s *Store) nextID(prefix string) string {
	s.seq++
	return prefix + "_" + strconv.Itoa(s.seq)
}

func (s *Store) BeginTx(ctx context.Context) (database.Transaction, error) {
	return nil, errors.NewInternalError("transactions not supported by memory store", nil)
}

// ---- DeviceRepository ----

func (s *Store) Resolve(ctx context.Context, hwID string) (*models.Device, error) {
	return s.ResolveWithIP(ctx, hwID, "")
}

func (s *Store) ResolveWithIP(ctx context.Context, hwID, lastIP string) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if device, ok := s.devices[hwID]; ok {
		device.LastSeenAt = now
		if lastIP != "" {
			ip := lastIP
			device.LastIP = &ip
		}
		out := *device
		return &out, nil
	}
	device := &models.Device{
		ID:         s.nextID("dev"),
		HardwareID: hwID,
		Model:      "ESP32S3-CAM",
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.devices[hwID] = device
	out := *device
	return &out, nil
}

func (s *Store) Get(ctx context.Context, deviceID string) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, device := range s.devices {
		if device.ID == deviceID {
			out := *device
			return &out, nil
		}
	}
	return nil, errors.NewNotFoundError("device not found", nil)
}

func (s *Store) GetConfig(ctx context.Context, deviceID string) (*models.DeviceConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg, ok := s.configs[deviceID]; ok {
		out := *cfg
		return &out, nil
	}
	return nil, errors.NewNotFoundError("device config not found", nil)
}

// SetConfig provisions a scheduling config, test-side.
func (s *Store) SetConfig(deviceID string, cfg models.DeviceConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.DeviceID = deviceID
	s.configs[deviceID] = &cfg
}

// SetNextWake seeds a device wake time, test-side.
func (s *Store) SetNextWake(hwID string, t *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if device, ok := s.devices[hwID]; ok {
		device.NextWakeAt = t
	}
}

func (s *Store) UpdateNextWake(ctx context.Context, deviceID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNextWake {
		return errors.NewDatabaseError("forced next-wake failure", nil)
	}
	for _, device := range s.devices {
		if device.ID == deviceID {
			wake := t
			device.NextWakeAt = &wake
			device.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return errors.NewNotFoundError("device not found", nil)
}

func (s *Store) InsertStatus(ctx context.Context, status *models.DeviceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status.ID == "" {
		status.ID = s.nextID("dst")
	}
	if status.ReceivedAt.IsZero() {
		status.ReceivedAt = time.Now().UTC()
	}
	s.Statuses = append(s.Statuses, status)
	return nil
}

func (s *Store) List(ctx context.Context, offset, limit int) ([]*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	devices := []*models.Device{}
	for _, device := range s.devices {
		out := *device
		devices = append(devices, &out)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return page(devices, offset, limit), nil
}

// ---- CaptureRepository ----

func (s *Store) UpsertFromMetadata(ctx context.Context, deviceID, name string, fields models.CaptureUpsert) (*models.Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()

	for _, capture := range s.captures {
		if capture.DeviceID == deviceID && capture.DeviceCaptureID == name &&
			capture.IngestStatus == models.IngestStatusAssembling {
			stickyInt64(&capture.ImageBytes, fields.ImageBytes)
			stickyInt(&capture.ChunkSizeBytes, fields.ChunkSizeBytes)
			stickyInt(&capture.TotalChunks, fields.TotalChunks)
			stickyStr(&capture.ImageSHA256, fields.ImageSHA256)
			stickyStr(&capture.Location, fields.Location)
			capture.SensorData = capture.SensorData.MergeSticky(fields.SensorData)
			capture.UpdatedAt = now
			out := *capture
			return &out, nil
		}
	}

	capture := &models.Capture{
		ID:              s.nextID("cap"),
		DeviceID:        deviceID,
		DeviceCaptureID: name,
		CapturedAt:      now,
		ImageBytes:      fields.ImageBytes,
		ChunkSizeBytes:  fields.ChunkSizeBytes,
		TotalChunks:     fields.TotalChunks,
		ImageSHA256:     fields.ImageSHA256,
		ImgFormat:       "jpeg",
		Location:        fields.Location,
		SensorData:      models.JSONMap{}.MergeSticky(fields.SensorData),
		IngestStatus:    models.IngestStatusAssembling,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if fields.CapturedAt != nil {
		capture.CapturedAt = *fields.CapturedAt
	}
	s.captures[capture.ID] = capture
	out := *capture
	return &out, nil
}

func (s *Store) AppendChunk(ctx context.Context, captureID string, chunkID int, payload []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := chunkKey{captureID: captureID, chunkID: chunkID}
	if _, ok := s.chunks[key]; ok {
		return false, nil
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	s.chunks[key] = buf
	return true, nil
}

func (s *Store) ListChunks(ctx context.Context, captureID string) ([]models.ChunkRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := []models.ChunkRecord{}
	for key, payload := range s.chunks {
		if key.captureID == captureID {
			records = append(records, models.ChunkRecord{
				CaptureID: captureID,
				ChunkID:   key.chunkID,
				Payload:   payload,
			})
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ChunkID < records[j].ChunkID })
	return records, nil
}

func (s *Store) Finalize(ctx context.Context, captureID, storagePath, imageURL, sha256 string, sensorMerge models.JSONMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	capture, ok := s.captures[captureID]
	if !ok {
		return errors.NewNotFoundError("capture not found", nil)
	}
	if capture.IngestStatus != models.IngestStatusAssembling {
		if capture.IngestStatus == models.IngestStatusSuccess {
			return nil
		}
		return errors.New(errors.CodeCaptureUpdateFail, "capture already terminal", nil)
	}
	capture.IngestStatus = models.IngestStatusSuccess
	capture.StoragePath = &storagePath
	capture.ImageURL = &imageURL
	capture.ImageSHA256 = &sha256
	capture.SensorData = capture.SensorData.MergeSticky(sensorMerge)
	capture.IngestError = nil
	capture.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) Fail(ctx context.Context, captureID, errorCode, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	capture, ok := s.captures[captureID]
	if !ok {
		return errors.NewNotFoundError("capture not found", nil)
	}
	if capture.IngestStatus != models.IngestStatusAssembling {
		if capture.IngestStatus == models.IngestStatusFailed {
			return nil
		}
		return errors.New(errors.CodeCaptureUpdateFail, "capture already terminal", nil)
	}
	msg := errorCode + ": " + message
	capture.IngestStatus = models.IngestStatusFailed
	capture.IngestError = &msg
	capture.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) GetCapture(ctx context.Context, captureID string) (*models.Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if capture, ok := s.captures[captureID]; ok {
		out := *capture
		return &out, nil
	}
	return nil, errors.NewNotFoundError("capture not found", nil)
}

func (s *Store) ListCaptures(ctx context.Context, filters models.CaptureFilters, offset, limit int) ([]*models.Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	captures := []*models.Capture{}
	for _, capture := range s.captures {
		if filters.DeviceID != "" && capture.DeviceID != filters.DeviceID {
			continue
		}
		if filters.IngestStatus != "" && string(capture.IngestStatus) != filters.IngestStatus {
			continue
		}
		out := *capture
		captures = append(captures, &out)
	}
	sort.Slice(captures, func(i, j int) bool { return captures[i].ID < captures[j].ID })
	return page(captures, offset, limit), nil
}

func (s *Store) ReleaseChunks(ctx context.Context, captureID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.chunks {
		if key.captureID == captureID {
			delete(s.chunks, key)
		}
	}
	return nil
}

// FindByName returns the capture for (deviceID, name) regardless of
// status, test-side.
func (s *Store) FindByName(deviceID, name string) *models.Capture {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, capture := range s.captures {
		if capture.DeviceID == deviceID && capture.DeviceCaptureID == name {
			out := *capture
			return &out
		}
	}
	return nil
}

// ---- CommandRepository ----

func (s *Store) Create(ctx context.Context, cmd *models.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cmd.ID == "" {
		cmd.ID = s.nextID("cmd")
	}
	if cmd.Status == "" {
		cmd.Status = models.CommandStatusQueued
	}
	if cmd.RequestedAt.IsZero() {
		cmd.RequestedAt = time.Now().UTC()
	}
	stored := *cmd
	s.commands[cmd.ID] = &stored
	return nil
}

func (s *Store) FetchQueued(ctx context.Context, limit int) ([]*models.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := []*models.Command{}
	for _, cmd := range s.commands {
		if cmd.Status == models.CommandStatusQueued {
			out := *cmd
			queued = append(queued, &out)
		}
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].RequestedAt.Before(queued[j].RequestedAt) })
	if limit > 0 && len(queued) > limit {
		queued = queued[:limit]
	}
	return queued, nil
}

func (s *Store) MarkSent(ctx context.Context, commandID string, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[commandID]
	if !ok || cmd.Status != models.CommandStatusQueued {
		return nil
	}
	cmd.Status = models.CommandStatusSent
	sent := sentAt
	cmd.SentAt = &sent
	return nil
}

func (s *Store) MarkAcknowledged(ctx context.Context, commandID string, ackedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[commandID]
	if !ok || cmd.Status != models.CommandStatusSent {
		return errors.NewNotFoundError("no sent command matches ack", nil)
	}
	cmd.Status = models.CommandStatusAcknowledged
	acked := ackedAt
	cmd.AckedAt = &acked
	return nil
}

// GetCommand returns a stored command by id, test-side.
func (s *Store) GetCommand(commandID string) *models.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cmd, ok := s.commands[commandID]; ok {
		out := *cmd
		return &out
	}
	return nil
}

// ---- AuditRepository ----

func (s *Store) Append(ctx context.Context, entry *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = s.nextID("aud")
	}
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now().UTC()
	}
	s.Audits = append(s.Audits, entry)
	return nil
}

func (s *Store) InsertError(ctx context.Context, rec *models.ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = s.nextID("err")
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}
	s.Errors = append(s.Errors, rec)
	return nil
}

// ErrorCodes returns the recorded error codes in insertion order,
// test-side.
func (s *Store) ErrorCodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := make([]string, 0, len(s.Errors))
	for _, rec := range s.Errors {
		codes = append(codes, rec.ErrorCode)
	}
	return codes
}

// ---- façade views ----
//
// The façade interfaces overlap on Get/List, so the shared Store is
// exposed through thin per-repository views.

type DeviceStore struct{ *Store }

type CaptureStore struct{ *Store }

func (c CaptureStore) Get(ctx context.Context, captureID string) (*models.Capture, error) {
	return c.GetCapture(ctx, captureID)
}

func (c CaptureStore) List(ctx context.Context, filters models.CaptureFilters, offset, limit int) ([]*models.Capture, error) {
	return c.ListCaptures(ctx, filters, offset, limit)
}

type CommandStore struct{ *Store }

type AuditStore struct{ *Store }

// DeviceRepo returns the DeviceRepository view.
func (s *Store) DeviceRepo() DeviceStore { return DeviceStore{s} }

// CaptureRepo returns the CaptureRepository view.
func (s *Store) CaptureRepo() CaptureStore { return CaptureStore{s} }

// CommandRepo returns the CommandRepository view.
func (s *Store) CommandRepo() CommandStore { return CommandStore{s} }

// AuditRepo returns the AuditRepository view.
func (s *Store) AuditRepo() AuditStore { return AuditStore{s} }

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func stickyInt64(dst **int64, src *int64) {
	if *dst == nil && src != nil {
		v := *src
		*dst = &v
	}
}

func stickyInt(dst **int, src *int) {
	if *dst == nil && src != nil {
		v := *src
		*dst = &v
	}
}

func stickyStr(dst **string, src *string) {
	if *dst == nil && src != nil {
		v := *src
		*dst = &v
	}
}
