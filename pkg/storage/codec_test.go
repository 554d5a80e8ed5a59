package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadStateRoundTrip(t *testing.T) {
	start := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	ack := time.Now().Truncate(time.Millisecond)

	state := &UploadState{
		FileID:      "file-1",
		FileName:    "holiday.zip",
		FileSize:    1 << 20,
		TotalChunks: 16,
		UploadedChunks: map[int]bool{
			0: true, 3: true, 7: true,
		},
		ClientID:   "client-a",
		StartTime:  start,
		LastUpdate: ack,
		Status:     UploadUploading,
		ChunkChecksums: map[int]string{
			0: "deadbeef",
			3: "cafebabe",
		},
		PendingAcks: map[int]PendingAck{
			3: {Timestamp: ack, Retries: 1},
			7: {Timestamp: ack, Retries: 0},
		},
		LastAckTime: ack,
	}

	data, err := EncodeUploadState(state)
	require.NoError(t, err)

	decoded, err := DecodeUploadState(data)
	require.NoError(t, err)

	assert.Equal(t, state.FileID, decoded.FileID)
	assert.Equal(t, state.FileName, decoded.FileName)
	assert.Equal(t, state.FileSize, decoded.FileSize)
	assert.Equal(t, state.TotalChunks, decoded.TotalChunks)
	assert.Equal(t, state.Status, decoded.Status)
	assert.Equal(t, state.ClientID, decoded.ClientID)

	// Membership semantics must survive the round-trip.
	assert.Equal(t, state.UploadedChunks, decoded.UploadedChunks)
	assert.Equal(t, state.ChunkChecksums, decoded.ChunkChecksums)
	require.Len(t, decoded.PendingAcks, 2)
	assert.Equal(t, 1, decoded.PendingAcks[3].Retries)
	assert.True(t, decoded.PendingAcks[3].Timestamp.Equal(ack))
	assert.True(t, decoded.LastAckTime.Equal(ack))
}

func TestUploadStateEmptySets(t *testing.T) {
	state := &UploadState{
		FileID:         "file-2",
		TotalChunks:    3,
		UploadedChunks: map[int]bool{},
		PendingAcks:    map[int]PendingAck{},
		Status:         UploadUploading,
	}

	data, err := EncodeUploadState(state)
	require.NoError(t, err)

	decoded, err := DecodeUploadState(data)
	require.NoError(t, err)

	assert.NotNil(t, decoded.UploadedChunks)
	assert.NotNil(t, decoded.PendingAcks)
	assert.Empty(t, decoded.UploadedChunks)
	assert.Empty(t, decoded.PendingAcks)
	assert.True(t, decoded.LastAckTime.IsZero())
	assert.False(t, decoded.Complete())
}

func TestUploadStateComplete(t *testing.T) {
	state := &UploadState{
		TotalChunks:    2,
		UploadedChunks: map[int]bool{0: true, 1: true},
	}
	assert.True(t, state.Complete())
	assert.Equal(t, 2, state.UploadedCount())

	empty := &UploadState{TotalChunks: 0, UploadedChunks: map[int]bool{}}
	assert.False(t, empty.Complete())
}

func TestShareSessionHelpers(t *testing.T) {
	share := &ShareSession{
		ShareID: "share-1",
		Clients: []string{"a", "b"},
	}
	assert.True(t, share.HasClient("a"))
	assert.False(t, share.HasClient("c"))
	assert.Equal(t, []string{"b"}, share.OtherClients("a"))
	assert.Equal(t, []string{"a", "b"}, share.OtherClients("c"))
}

func TestClientSessionDownloads(t *testing.T) {
	sess := &ClientSession{Downloads: []string{"f1", "f2", "f3"}}
	assert.True(t, sess.HasDownload("f2"))
	sess.RemoveDownload("f2")
	assert.False(t, sess.HasDownload("f2"))
	assert.Equal(t, []string{"f1", "f3"}, sess.Downloads)
}
