// FilePath: internal/wire/wire.go
package wire

import (
	"encoding/base64"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/gxplatform/gxp-ingest/internal/errors"
	"github.com/gxplatform/gxp-ingest/internal/models"
)

// Kind classifies an inbound payload. Classification on the data channel is
// content-based because devices multiplex metadata and chunks on one topic.
type Kind int

const (
	KindUnknown Kind = iota
	KindStatus
	KindMetadata
	KindChunk
	KindAck
)

// Channel is the last topic segment.
type Channel string

const (
	ChannelStatus Channel = "status"
	ChannelData   Channel = "data"
	ChannelAck    Channel = "ack"
	ChannelCmd    Channel = "cmd"
)

var hwIDPattern = regexp.MustCompile(`^[0-9A-F]{12}$`)

// ValidHardwareID reports whether s is a well-formed device hardware id
// (uppercase hex MAC, 12 chars).
func ValidHardwareID(s string) bool {
	return hwIDPattern.MatchString(s)
}

// ParseTopic extracts the hardware id and channel from an inbound topic of
// the form PREFIX/{hw}/{channel}.
func ParseTopic(topic string) (hwID string, ch Channel, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return "", "", errors.New(errors.CodeBadTopic, "topic has fewer than 3 segments", nil)
	}
	hwID = parts[1]
	if !ValidHardwareID(hwID) {
		return "", "", errors.New(errors.CodeBadTopic, "malformed hardware id in topic", nil).WithDevice(hwID)
	}
	return hwID, Channel(parts[len(parts)-1]), nil
}

// DeviceTopic instantiates a wildcard pattern like "DEVICE/+/cmd" for a
// specific hardware id.
func DeviceTopic(pattern, hwID string) string {
	return strings.Replace(pattern, "+", hwID, 1)
}

// StatusMessage is the periodic device heartbeat.
type StatusMessage struct {
	DeviceID   string `json:"device_id"`
	Status     string `json:"status"`
	PendingImg *int   `json:"pendingImg"`
	BatteryMV  *int   `json:"battery_mv"`
	WifiRSSI   *int   `json:"wifi_rssi"`
	UptimeMS   *int64 `json:"uptime_ms"`
	BootCount  *int   `json:"boot_count"`
}

// MetadataMessage announces a capture. Any field may be null on
// retransmission; absent fields never overwrite persisted values.
type MetadataMessage struct {
	DeviceID         string   `json:"device_id"`
	CaptureTimestamp *string  `json:"capture_timeStamp"`
	ImageName        string   `json:"image_name"`
	ImageSize        *int64   `json:"image_size"`
	MaxChunksSize    *int     `json:"max_chunks_size"`
	TotalChunkCount  *int     `json:"total_chunk_count"`
	Location         *string  `json:"location"`
	ErrorCode        *int     `json:"error"`
	ImageSHA256      *string  `json:"image_sha256"`
	Temperature      *float64 `json:"temperature"`
	Humidity         *float64 `json:"humidity"`
	Pressure         *float64 `json:"pressure"`
	GasResistance    *float64 `json:"gas_resistance"`
}

// SensorData maps the firmware sensor fields onto the well-known keys of
// the capture sensor bag. Null readings are omitted.
func (m *MetadataMessage) SensorData() models.JSONMap {
	bag := models.JSONMap{}
	if m.Temperature != nil {
		bag[models.SensorKeyTemperature] = *m.Temperature
	}
	if m.Humidity != nil {
		bag[models.SensorKeyHumidity] = *m.Humidity
	}
	if m.Pressure != nil {
		bag[models.SensorKeyPressure] = *m.Pressure
	}
	if m.GasResistance != nil {
		bag[models.SensorKeyGas] = *m.GasResistance
	}
	if len(bag) == 0 {
		return nil
	}
	return bag
}

// CaptureUpsert converts the metadata message into the persistence upsert
// form. The capture timestamp falls back to now when absent or unparseable.
func (m *MetadataMessage) CaptureUpsert(now time.Time) models.CaptureUpsert {
	up := models.CaptureUpsert{
		ImageBytes:     m.ImageSize,
		ChunkSizeBytes: m.MaxChunksSize,
		TotalChunks:    m.TotalChunkCount,
		ImageSHA256:    m.ImageSHA256,
		Location:       m.Location,
		SensorData:     m.SensorData(),
	}
	capturedAt := now
	if m.CaptureTimestamp != nil {
		if ts, err := time.Parse(time.RFC3339, *m.CaptureTimestamp); err == nil {
			capturedAt = ts
		}
	}
	up.CapturedAt = &capturedAt
	return up
}

// ChunkMessage carries one base64 image fragment.
type ChunkMessage struct {
	DeviceID     string `json:"device_id"`
	ImageName    string `json:"image_name"`
	ChunkID      int    `json:"chunk_id"`
	MaxChunkSize *int   `json:"max_chunk_size"`
	ImageSize    *int64 `json:"image_size"`
	TotalChunks  *int   `json:"total_chunks_count"`
	Payload      string `json:"payload"`
}

// Decode base64-decodes the chunk payload.
func (c *ChunkMessage) Decode() ([]byte, error) {
	return base64.StdEncoding.DecodeString(c.Payload)
}

// AckMessage is an arbitrary device acknowledgment. Only command_id has
// server-side meaning; the rest is kept for the audit trail.
type AckMessage struct {
	CommandID *string        `json:"command_id"`
	ImageName *string        `json:"image_name"`
	Raw       models.JSONMap `json:"-"`
}

// NackMessage requests retransmission of specific chunk ids.
type NackMessage struct {
	ImageName     string `json:"image_name"`
	MissingChunks []int  `json:"missing_chunks"`
}

// AckOKBody is the nested payload of a server ACK_OK.
type AckOKBody struct {
	NextWakeTime string `json:"next_wake_time,omitempty"`
}

// AckOKMessage confirms successful image receipt to the device.
type AckOKMessage struct {
	ImageName string    `json:"image_name"`
	AckOK     AckOKBody `json:"ACK_OK"`
}

// ClassifyData decides whether a data-channel payload is a chunk, metadata,
// or neither. Neither is common during device retransmission bursts and is
// dropped without an error.
func ClassifyData(raw models.JSONMap) Kind {
	_, hasChunkID := asInt(raw["chunk_id"])
	_, hasPayload := raw["payload"].(string)
	if hasChunkID && hasPayload {
		return KindChunk
	}
	if raw["total_chunk_count"] != nil || raw["image_size"] != nil {
		return KindMetadata
	}
	return KindUnknown
}

// ParseJSON decodes a payload into the raw map used for classification and
// audit logging. Unknown fields are kept; nothing ever throws on them.
func ParseJSON(payload []byte) (models.JSONMap, error) {
	raw := models.JSONMap{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, errors.New(errors.CodeParseFail, "inbound JSON unparseable", err)
	}
	return raw, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
