package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Wire form of UploadState. The uploaded-chunk set serializes as a sorted
// array and the pending-ack map as an array of (index, timestamp, retries)
// tuples so that membership semantics survive round-trips through any
// backend.

type uploadStateWire struct {
	FileID         string            `json:"fileId"`
	FileName       string            `json:"fileName"`
	FileSize       int64             `json:"fileSize"`
	TotalChunks    int               `json:"totalChunks"`
	UploadedChunks []int             `json:"uploadedChunks"`
	ClientID       string            `json:"clientId"`
	StartTime      time.Time         `json:"startTime"`
	LastUpdate     time.Time         `json:"lastUpdate"`
	Status         UploadStatus      `json:"status"`
	ChunkChecksums map[string]string `json:"chunkChecksums,omitempty"`
	PendingAcks    []pendingAckWire  `json:"pendingAcks"`
	LastAckTime    *time.Time        `json:"lastAckTime,omitempty"`
}

type pendingAckWire struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Retries   int       `json:"retries"`
}

// EncodeUploadState serializes an UploadState to its wire form.
func EncodeUploadState(state *UploadState) ([]byte, error) {
	wire := uploadStateWire{
		FileID:      state.FileID,
		FileName:    state.FileName,
		FileSize:    state.FileSize,
		TotalChunks: state.TotalChunks,
		ClientID:    state.ClientID,
		StartTime:   state.StartTime,
		LastUpdate:  state.LastUpdate,
		Status:      state.Status,
	}

	wire.UploadedChunks = make([]int, 0, len(state.UploadedChunks))
	for idx := range state.UploadedChunks {
		wire.UploadedChunks = append(wire.UploadedChunks, idx)
	}
	sort.Ints(wire.UploadedChunks)

	wire.PendingAcks = make([]pendingAckWire, 0, len(state.PendingAcks))
	for idx, ack := range state.PendingAcks {
		wire.PendingAcks = append(wire.PendingAcks, pendingAckWire{
			Index:     idx,
			Timestamp: ack.Timestamp,
			Retries:   ack.Retries,
		})
	}
	sort.Slice(wire.PendingAcks, func(i, j int) bool {
		return wire.PendingAcks[i].Index < wire.PendingAcks[j].Index
	})

	if len(state.ChunkChecksums) > 0 {
		wire.ChunkChecksums = make(map[string]string, len(state.ChunkChecksums))
		for idx, sum := range state.ChunkChecksums {
			wire.ChunkChecksums[fmt.Sprintf("%d", idx)] = sum
		}
	}

	if !state.LastAckTime.IsZero() {
		t := state.LastAckTime
		wire.LastAckTime = &t
	}

	return json.Marshal(wire)
}

// DecodeUploadState restores an UploadState from its wire form.
func DecodeUploadState(data []byte) (*UploadState, error) {
	var wire uploadStateWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode upload state: %w", err)
	}

	state := &UploadState{
		FileID:         wire.FileID,
		FileName:       wire.FileName,
		FileSize:       wire.FileSize,
		TotalChunks:    wire.TotalChunks,
		ClientID:       wire.ClientID,
		StartTime:      wire.StartTime,
		LastUpdate:     wire.LastUpdate,
		Status:         wire.Status,
		UploadedChunks: make(map[int]bool, len(wire.UploadedChunks)),
		PendingAcks:    make(map[int]PendingAck, len(wire.PendingAcks)),
	}

	for _, idx := range wire.UploadedChunks {
		state.UploadedChunks[idx] = true
	}
	for _, ack := range wire.PendingAcks {
		state.PendingAcks[ack.Index] = PendingAck{Timestamp: ack.Timestamp, Retries: ack.Retries}
	}
	if len(wire.ChunkChecksums) > 0 {
		state.ChunkChecksums = make(map[int]string, len(wire.ChunkChecksums))
		for key, sum := range wire.ChunkChecksums {
			var idx int
			if _, err := fmt.Sscanf(key, "%d", &idx); err != nil {
				continue
			}
			state.ChunkChecksums[idx] = sum
		}
	}
	if wire.LastAckTime != nil {
		state.LastAckTime = *wire.LastAckTime
	}

	return state, nil
}
