package protocol

import "encoding/json"

// Message is the framed envelope exchanged on the event channel.
//
// AckID, when non-zero, asks the server to attach its response to this
// specific inbound message. The reply travels as an "ack" envelope carrying
// the same AckID; the sender uses it as the flow-control gate on upload-chunk.
type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	AckID   uint64          `json:"ackId,omitempty"`
}

// AckEvent is the envelope event name used for request-scoped replies.
const AckEvent = "ack"

// RegisterPayload binds an opaque client identifier to the current socket.
type RegisterPayload struct {
	ClientID string `json:"clientId"`
}

// HeartbeatPayload keeps a client session alive.
type HeartbeatPayload struct {
	ClientID string `json:"clientId"`
}

// UploadInitPayload starts a new upload.
type UploadInitPayload struct {
	ClientID    string `json:"clientId"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	TotalChunks int    `json:"totalChunks"`
}

// UploadChunkPayload carries one chunk of file data.
// Chunk arrives base64-encoded on the wire; encoding/json decodes it.
type UploadChunkPayload struct {
	ClientID   string `json:"clientId"`
	FileID     string `json:"fileId"`
	ChunkIndex int    `json:"chunkIndex"`
	Chunk      []byte `json:"chunk"`
}

// ChunkAckPayload acknowledges receipt of a chunk.
type ChunkAckPayload struct {
	ClientID   string `json:"clientId"`
	FileID     string `json:"fileId"`
	ChunkIndex int    `json:"chunkIndex"`
}

// ChunkErrorPayload reports a per-chunk checksum disagreement from a receiver.
type ChunkErrorPayload struct {
	ClientID   string `json:"clientId"`
	FileID     string `json:"fileId"`
	ChunkIndex int    `json:"chunkIndex"`
	Checksum   string `json:"checksum"`
}

// DownloadConfirmedPayload arrives from a receiver once reassembly finished.
type DownloadConfirmedPayload struct {
	ClientID string `json:"clientId"`
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
	ShareID  string `json:"shareId"`
}

// CancelDownloadPayload stops relaying chunks of fileId to this client.
type CancelDownloadPayload struct {
	ClientID string `json:"clientId"`
	FileID   string `json:"fileId"`
}

// PauseResumePayload pauses or resumes an upload.
type PauseResumePayload struct {
	ClientID string `json:"clientId"`
	FileID   string `json:"fileId"`
}
