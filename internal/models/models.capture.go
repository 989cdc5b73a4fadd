// FilePath: internal/models/models.capture.go
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// IngestStatus is the on-disk lifecycle state of a capture. Transitions are
// monotonic: assembling -> success or assembling -> failed, never backwards.
type IngestStatus string

const (
	IngestStatusAssembling IngestStatus = "assembling"
	IngestStatusSuccess    IngestStatus = "success"
	IngestStatusFailed     IngestStatus = "failed"
)

// Terminal reports whether the status is final.
func (s IngestStatus) Terminal() bool {
	return s == IngestStatusSuccess || s == IngestStatusFailed
}

// Well-known sensor data keys. The bag is open for forward-compatible
// additions; these are the ones the firmware ships today.
const (
	SensorKeyTemperature = "temperature_c"
	SensorKeyHumidity    = "humidity_pct"
	SensorKeyPressure    = "pressure_hpa"
	SensorKeyGas         = "gas_kohm"
)

// JSONMap is a JSONB column holding a semi-structured key/value bag.
type JSONMap map[string]any

// Value implements driver.Valuer for JSONB columns.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for JSONB columns.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONB source type %T", src)
	}
	return json.Unmarshal(b, m)
}

// MergeSticky merges src into m under the sticky-first-non-null rule: a key
// already holding a non-null value is never overwritten, and null values in
// src are ignored entirely. Returns the merged map (m if non-nil).
func (m JSONMap) MergeSticky(src JSONMap) JSONMap {
	if m == nil {
		m = JSONMap{}
	}
	for k, v := range src {
		if v == nil {
			continue
		}
		if existing, ok := m[k]; ok && existing != nil {
			continue
		}
		m[k] = v
	}
	return m
}

// Capture is one image plus its metadata and sensor readings produced by a
// single wake cycle of a device. (device_id, device_capture_id) is unique
// while ingest_status = assembling.
type Capture struct {
	ID              string       `json:"capture_id" db:"capture_id"`
	DeviceID        string       `json:"device_id" db:"device_id"`
	DeviceCaptureID string       `json:"device_capture_id" db:"device_capture_id"`
	CapturedAt      time.Time    `json:"captured_at" db:"captured_at"`
	ImageBytes      *int64       `json:"image_bytes" db:"image_bytes"`
	ChunkSizeBytes  *int         `json:"chunk_size_bytes" db:"chunk_size_bytes"`
	TotalChunks     *int         `json:"total_chunks" db:"total_chunks"`
	ImageSHA256     *string      `json:"image_sha256" db:"image_sha256"`
	ImgFormat       string       `json:"img_format" db:"img_format"`
	Location        *string      `json:"location" db:"location"`
	SensorData      JSONMap      `json:"sensor_data" db:"sensor_data"`
	IngestStatus    IngestStatus `json:"ingest_status" db:"ingest_status"`
	IngestError     *string      `json:"ingest_error" db:"ingest_error"`
	StoragePath     *string      `json:"storage_path" db:"storage_path"`
	ImageURL        *string      `json:"image_url" db:"image_url"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at" db:"updated_at"`
}

// CaptureUpsert carries the fields a metadata message may set on a capture.
// Nil pointers mean "absent" and never overwrite persisted non-null values.
type CaptureUpsert struct {
	CapturedAt     *time.Time
	ImageBytes     *int64
	ChunkSizeBytes *int
	TotalChunks    *int
	ImageSHA256    *string
	Location       *string
	SensorData     JSONMap
}

// ChunkRecord is one journaled image fragment. At most one entry exists per
// (capture_id, chunk_id); re-submissions are dropped.
type ChunkRecord struct {
	CaptureID  string    `json:"capture_id" db:"capture_id"`
	ChunkID    int       `json:"chunk_id" db:"chunk_id"`
	Payload    []byte    `json:"payload" db:"payload"`
	ReceivedAt time.Time `json:"received_at" db:"received_at"`
}

// CaptureFilters narrows admin capture listings.
type CaptureFilters struct {
	DeviceID     string `schema:"device_id"`
	IngestStatus string `schema:"ingest_status"`
	Since        string `schema:"since"`
}
