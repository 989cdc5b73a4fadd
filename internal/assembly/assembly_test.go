// FilePath: internal/assembly/assembly_test.go
package assembly

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }
func strPtr(v string) *string { return &v }

func TestCompletionThreshold(t *testing.T) {
	asm := New("AABBCCDDEEFF", "a.jpg", 1<<20, t0)

	// Unknown chunk count never completes
	asm.AddChunk(0, []byte{0xFF, 0xD8}, t0)
	assert.False(t, asm.Complete())

	asm.ApplyMetadata(int64Ptr(4), intPtr(2), nil, nil, nil, t0)
	assert.False(t, asm.Complete(), "last chunk missing")
	assert.Equal(t, []int{1}, asm.Missing())

	asm.AddChunk(1, []byte{0xFF, 0xD9}, t0)
	assert.True(t, asm.Complete())
	assert.Empty(t, asm.Missing())
}

func TestCompletionRequiresFirstAndLast(t *testing.T) {
	asm := New("AABBCCDDEEFF", "a.jpg", 1<<20, t0)
	asm.ApplyMetadata(nil, intPtr(3), nil, nil, nil, t0)

	asm.AddChunk(1, []byte{0x01}, t0)
	asm.AddChunk(2, []byte{0xFF, 0xD9}, t0)
	assert.False(t, asm.Complete(), "chunk 0 absent")

	asm.AddChunk(0, []byte{0xFF, 0xD8}, t0)
	assert.True(t, asm.Complete())
}

func TestAddChunkDuplicateAndConflict(t *testing.T) {
	asm := New("AABBCCDDEEFF", "a.jpg", 1<<20, t0)
	asm.ApplyMetadata(nil, intPtr(2), nil, nil, nil, t0)

	assert.Equal(t, AddAccepted, asm.AddChunk(0, []byte{0xAA}, t0))
	assert.Equal(t, AddDuplicate, asm.AddChunk(0, []byte{0xAA}, t0))
	assert.Equal(t, AddConflict, asm.AddChunk(0, []byte{0xBB}, t0))
	assert.Equal(t, 1, asm.ChunkCount())
	assert.True(t, asm.Has(0))
}

func TestAddChunkOutOfRange(t *testing.T) {
	asm := New("AABBCCDDEEFF", "a.jpg", 1<<20, t0)
	asm.ApplyMetadata(nil, intPtr(2), nil, nil, nil, t0)

	assert.Equal(t, AddOutOfRange, asm.AddChunk(2, []byte{0x01}, t0))
	assert.Equal(t, AddOutOfRange, asm.AddChunk(-1, []byte{0x01}, t0))
}

func TestAddChunkBeforeMetadataHasNoRangeCheck(t *testing.T) {
	asm := New("AABBCCDDEEFF", "a.jpg", 1<<20, t0)
	assert.Equal(t, AddAccepted, asm.AddChunk(7, []byte{0x01}, t0))
}

func TestAddChunkOversized(t *testing.T) {
	asm := New("AABBCCDDEEFF", "a.jpg", 4, t0)
	asm.ApplyMetadata(nil, intPtr(3), nil, nil, nil, t0)

	assert.Equal(t, AddAccepted, asm.AddChunk(0, []byte{1, 2, 3}, t0))
	assert.Equal(t, AddOversized, asm.AddChunk(1, []byte{4, 5}, t0))
}

func TestBytesConcatenatesInOrder(t *testing.T) {
	asm := New("AABBCCDDEEFF", "a.jpg", 1<<20, t0)
	asm.ApplyMetadata(nil, intPtr(3), nil, nil, nil, t0)

	// Arrival order does not matter, id order does
	asm.AddChunk(2, []byte{0xFF, 0xD9}, t0)
	asm.AddChunk(0, []byte{0xFF, 0xD8}, t0)
	asm.AddChunk(1, []byte{0x42}, t0)

	assert.Equal(t, []byte{0xFF, 0xD8, 0x42, 0xFF, 0xD9}, asm.Bytes())
	assert.Equal(t, int64(5), asm.ReceivedBytes())
}

func TestApplyMetadataSticky(t *testing.T) {
	asm := New("AABBCCDDEEFF", "a.jpg", 1<<20, t0)

	asm.ApplyMetadata(int64Ptr(100), intPtr(4), intPtr(32), strPtr("abc"), nil, t0)
	// Retransmitted metadata with different values never overwrites
	asm.ApplyMetadata(int64Ptr(999), intPtr(9), intPtr(64), strPtr("zzz"), nil, t0)

	assert.Equal(t, int64(100), asm.DeclaredSize)
	assert.Equal(t, 4, asm.TotalChunks)
	assert.Equal(t, 32, asm.ChunkSize)
	assert.Equal(t, "abc", asm.ExpectedSHA)
}

func TestExpired(t *testing.T) {
	asm := New("AABBCCDDEEFF", "a.jpg", 1<<20, t0)
	assert.False(t, asm.Expired(t0.Add(5*time.Minute), 10*time.Minute))
	assert.True(t, asm.Expired(t0.Add(11*time.Minute), 10*time.Minute))

	// Activity pushes the deadline out
	asm.AddChunk(0, []byte{0x01}, t0.Add(8*time.Minute))
	assert.False(t, asm.Expired(t0.Add(11*time.Minute), 10*time.Minute))
}
