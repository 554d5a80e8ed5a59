// Package protocol defines the closed event vocabulary spoken between the
// gateway and clients, the payload structs for inbound events, and the
// byte-safe codec used to move payloads across nodes.
package protocol

// Client -> server events.
const (
	EventRegister          = "register"
	EventHeartbeat         = "heartbeat"
	EventUploadInit        = "upload-init"
	EventUploadChunk       = "upload-chunk"
	EventChunkAcknowledged = "chunk-acknowledged"
	EventChunkError        = "chunk-error"
	EventDownloadConfirmed = "download-confirmed"
	EventCancelDownload    = "cancel-download"
	EventPauseUpload       = "pause-upload"
	EventResumeUpload      = "resume-upload"
)

// Server -> client events.
const (
	EventRegistered          = "registered"
	EventHeartbeatAck        = "heartbeat-ack"
	EventUploadInitResponse  = "upload-init-response"
	EventChunkUploaded       = "chunk-uploaded"
	EventUploadComplete      = "upload-complete"
	EventUploadFailed        = "upload-failed"
	EventFileTransferStarted = "file-transfer-started"
	EventChunkReceived       = "chunk-received"
	EventChunkRetry          = "chunk-retry"
	EventTransferFailed      = "transfer-failed"
	EventDownloadCancelled   = "download-cancelled"
	EventClientJoinedShare   = "client-joined-share"
	EventClientDisconnected  = "client-disconnected-from-share"
	EventConnectionReady     = "connection-ready"
	EventClusterRoleChange   = "cluster-role-change"
	EventRateLimited         = "rate-limited"
)

// knownClientEvents is the closed set of events a client may send.
// Anything outside this set is rejected with a logged warning.
var knownClientEvents = map[string]bool{
	EventRegister:          true,
	EventHeartbeat:         true,
	EventUploadInit:        true,
	EventUploadChunk:       true,
	EventChunkAcknowledged: true,
	EventChunkError:        true,
	EventDownloadConfirmed: true,
	EventCancelDownload:    true,
	EventPauseUpload:       true,
	EventResumeUpload:      true,
}

// IsClientEvent reports whether name is a recognized client-originated event.
func IsClientEvent(name string) bool {
	return knownClientEvents[name]
}
