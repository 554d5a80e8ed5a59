// Package storage defines the unified key-spaced store used by the cluster
// coordinator, the session manager, and the transfer engine, together with
// the entity types it persists.
//
// Three backends implement the same contract: an in-process memory store, an
// embedded BadgerDB store with native TTL, and a Redis store for clustered
// deployments. Callers never depend on a concrete backend.
package storage

import "time"

// NodeStatus describes the liveness of a cluster node.
type NodeStatus string

const (
	NodeActive   NodeStatus = "active"
	NodeDead     NodeStatus = "dead"
	NodeInactive NodeStatus = "inactive"
)

// NodeRole is the transient role assigned by leader election.
type NodeRole string

const (
	RoleMaster NodeRole = "master"
	RoleWorker NodeRole = "worker"
)

// Node is one server instance in the cluster.
type Node struct {
	ID            string     `json:"id"`
	Hostname      string     `json:"hostname"`
	Port          int        `json:"port"`
	Status        NodeStatus `json:"status"`
	Role          NodeRole   `json:"role"`
	LastHeartbeat time.Time  `json:"lastHeartbeat"`
}

// ClientSession is the server-side record of a connected client.
type ClientSession struct {
	ClientID      string    `json:"clientId"`
	SocketID      string    `json:"socketId"`
	NodeID        string    `json:"nodeId"`
	Connected     bool      `json:"connected"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Uploads       []string  `json:"uploads"`
	Downloads     []string  `json:"downloads"`
	UploadSpeed   float64   `json:"uploadSpeed"`
	DownloadSpeed float64   `json:"downloadSpeed"`
	ShareID       string    `json:"shareId,omitempty"`
}

// HasDownload reports whether fileID is registered on the session.
func (s *ClientSession) HasDownload(fileID string) bool {
	for _, id := range s.Downloads {
		if id == fileID {
			return true
		}
	}
	return false
}

// RemoveDownload drops fileID from the session's download set.
func (s *ClientSession) RemoveDownload(fileID string) {
	out := s.Downloads[:0]
	for _, id := range s.Downloads {
		if id != fileID {
			out = append(out, id)
		}
	}
	s.Downloads = out
}

// ShareStatus describes the lifecycle state of a share session.
type ShareStatus string

const (
	ShareActive   ShareStatus = "active"
	ShareInactive ShareStatus = "inactive"
)

// MaxShareClients caps participants per share. A share is a two-party
// rendezvous; a third join attempt is rejected.
const MaxShareClients = 2

// ShareSession is a two-participant rendezvous room.
type ShareSession struct {
	ShareID      string      `json:"shareId"`
	CreatedAt    time.Time   `json:"createdAt"`
	LastActivity time.Time   `json:"lastActivity"`
	Clients      []string    `json:"clients"`
	Status       ShareStatus `json:"status"`
}

// HasClient reports whether clientID participates in the share.
func (s *ShareSession) HasClient(clientID string) bool {
	for _, id := range s.Clients {
		if id == clientID {
			return true
		}
	}
	return false
}

// OtherClients returns the participants other than clientID, in join order.
func (s *ShareSession) OtherClients(clientID string) []string {
	var out []string
	for _, id := range s.Clients {
		if id != clientID {
			out = append(out, id)
		}
	}
	return out
}

// UploadStatus is the state of one upload instance.
type UploadStatus string

const (
	UploadUploading UploadStatus = "uploading"
	UploadPaused    UploadStatus = "paused"
	UploadCompleted UploadStatus = "completed"
	UploadFailed    UploadStatus = "failed"
	UploadCancelled UploadStatus = "cancelled"
)

// PendingAck tracks one relayed chunk awaiting acknowledgment.
type PendingAck struct {
	Timestamp time.Time `json:"timestamp"`
	Retries   int       `json:"retries"`
}

// UploadState is the authoritative record of one upload instance.
//
// UploadedChunks and PendingAcks are mutated concurrently by the chunk ingest
// path and the ack-timeout scanner; callers serialize access per fileId (the
// transfer engine holds a per-file lock around every read-modify-write).
type UploadState struct {
	FileID         string
	FileName       string
	FileSize       int64
	TotalChunks    int
	UploadedChunks map[int]bool
	ClientID       string
	StartTime      time.Time
	LastUpdate     time.Time
	Status         UploadStatus
	ChunkChecksums map[int]string
	PendingAcks    map[int]PendingAck
	LastAckTime    time.Time
}

// UploadedCount returns the number of distinct chunks received so far.
func (u *UploadState) UploadedCount() int {
	return len(u.UploadedChunks)
}

// Complete reports whether every chunk has been ingested.
func (u *UploadState) Complete() bool {
	return u.TotalChunks > 0 && len(u.UploadedChunks) >= u.TotalChunks
}

// RateLimitResult is the outcome of a CheckRateLimit call.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// TTLs bounds the lifetime of persisted entities.
type TTLs struct {
	ClientSession   time.Duration
	ShareSession    time.Duration
	UploadState     time.Duration
	RateLimitWindow time.Duration
	Node            time.Duration
}

// DefaultTTLs mirrors the documented defaults.
func DefaultTTLs() TTLs {
	return TTLs{
		ClientSession:   time.Hour,
		ShareSession:    24 * time.Hour,
		UploadState:     24 * time.Hour,
		RateLimitWindow: time.Minute,
		Node:            24 * time.Hour,
	}
}

// Normalize fills zero fields with defaults.
func (t *TTLs) Normalize() {
	def := DefaultTTLs()
	if t.ClientSession <= 0 {
		t.ClientSession = def.ClientSession
	}
	if t.ShareSession <= 0 {
		t.ShareSession = def.ShareSession
	}
	if t.UploadState <= 0 {
		t.UploadState = def.UploadState
	}
	if t.RateLimitWindow <= 0 {
		t.RateLimitWindow = def.RateLimitWindow
	}
	if t.Node <= 0 {
		t.Node = def.Node
	}
}
