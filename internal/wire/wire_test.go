// FilePath: internal/wire/wire_test.go
package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gxplatform/gxp-ingest/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidHardwareID(t *testing.T) {
	assert.True(t, ValidHardwareID("AABBCCDDEEFF"))
	assert.True(t, ValidHardwareID("001122334455"))
	assert.False(t, ValidHardwareID("aabbccddeeff"), "lowercase is rejected")
	assert.False(t, ValidHardwareID("AABBCCDDEEF"), "11 chars is rejected")
	assert.False(t, ValidHardwareID("AABBCCDDEEFF0"), "13 chars is rejected")
	assert.False(t, ValidHardwareID("AABBCCDDEEGG"), "non-hex is rejected")
	assert.False(t, ValidHardwareID(""))
}

func TestParseTopic(t *testing.T) {
	hwID, channel, err := ParseTopic("DEVICE/AABBCCDDEEFF/data")
	require.NoError(t, err)
	assert.Equal(t, "AABBCCDDEEFF", hwID)
	assert.Equal(t, ChannelData, channel)

	_, _, err = ParseTopic("DEVICE/short")
	assert.Error(t, err)

	_, _, err = ParseTopic("DEVICE/nothex12chars/status")
	assert.Error(t, err)
}

func TestDeviceTopic(t *testing.T) {
	assert.Equal(t, "DEVICE/AABBCCDDEEFF/cmd", DeviceTopic("DEVICE/+/cmd", "AABBCCDDEEFF"))
	assert.Equal(t, "ESP32CAM/AABBCCDDEEFF/ack", DeviceTopic("ESP32CAM/+/ack", "AABBCCDDEEFF"))
}

func TestClassifyData(t *testing.T) {
	chunk, err := ParseJSON([]byte(`{"image_name":"a.jpg","chunk_id":0,"payload":"/9g="}`))
	require.NoError(t, err)
	assert.Equal(t, KindChunk, ClassifyData(chunk))

	meta, err := ParseJSON([]byte(`{"image_name":"a.jpg","total_chunk_count":2,"image_size":4}`))
	require.NoError(t, err)
	assert.Equal(t, KindMetadata, ClassifyData(meta))

	// image_size alone is enough for metadata
	meta2, err := ParseJSON([]byte(`{"image_name":"a.jpg","image_size":4}`))
	require.NoError(t, err)
	assert.Equal(t, KindMetadata, ClassifyData(meta2))

	// chunk_id without payload is not a chunk; without size fields it is
	// nothing at all (common during retransmission bursts)
	neither, err := ParseJSON([]byte(`{"image_name":"a.jpg","chunk_id":3}`))
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, ClassifyData(neither))

	empty, err := ParseJSON([]byte(`{"device_id":"AABBCCDDEEFF"}`))
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, ClassifyData(empty))
}

func TestParseJSONFailure(t *testing.T) {
	_, err := ParseJSON([]byte(`{"truncated":`))
	assert.Error(t, err)
}

func TestMetadataMessageNullableFields(t *testing.T) {
	payload := []byte(`{
		"device_id": "AABBCCDDEEFF",
		"image_name": "image_17.jpg",
		"image_size": null,
		"total_chunk_count": 45,
		"temperature": 23.5,
		"humidity": null,
		"unknown_future_field": {"nested": true}
	}`)

	msg := &MetadataMessage{}
	require.NoError(t, json.Unmarshal(payload, msg))

	assert.Equal(t, "image_17.jpg", msg.ImageName)
	assert.Nil(t, msg.ImageSize)
	require.NotNil(t, msg.TotalChunkCount)
	assert.Equal(t, 45, *msg.TotalChunkCount)

	bag := msg.SensorData()
	assert.Equal(t, 23.5, bag[models.SensorKeyTemperature])
	_, hasHumidity := bag[models.SensorKeyHumidity]
	assert.False(t, hasHumidity, "null readings are omitted from the bag")
}

func TestMetadataCaptureUpsertTimestamp(t *testing.T) {
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)

	ts := "2026-08-06T09:30:00Z"
	msg := &MetadataMessage{ImageName: "a.jpg", CaptureTimestamp: &ts}
	up := msg.CaptureUpsert(now)
	require.NotNil(t, up.CapturedAt)
	assert.Equal(t, time.Date(2026, 8, 6, 9, 30, 0, 0, time.UTC), up.CapturedAt.UTC())

	// Unparseable timestamps fall back to now
	bad := "yesterday-ish"
	msg = &MetadataMessage{ImageName: "a.jpg", CaptureTimestamp: &bad}
	up = msg.CaptureUpsert(now)
	require.NotNil(t, up.CapturedAt)
	assert.Equal(t, now, *up.CapturedAt)
}

func TestChunkDecode(t *testing.T) {
	msg := &ChunkMessage{Payload: "/9g="}
	b, err := msg.Decode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, b)

	msg = &ChunkMessage{Payload: "not base64!!"}
	_, err = msg.Decode()
	assert.Error(t, err)
}
