package logger

import (
	"log/slog"
	"time"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so that logs from the
// gateway, the coordinator, and the transfer engine can be correlated.
const (
	// ========================================================================
	// Cluster
	// ========================================================================
	KeyNodeID   = "node_id"  // Cluster node UUID
	KeyHostname = "hostname" // Node hostname
	KeyRole     = "role"     // Node role: master, worker
	KeyChannel  = "channel"  // PubSub channel name

	// ========================================================================
	// Sessions & shares
	// ========================================================================
	KeyClientID = "client_id" // Opaque client identifier
	KeySocketID = "socket_id" // Gateway socket identifier
	KeyShareID  = "share_id"  // Share session identifier
	KeyEvent    = "event"     // Event name on the client channel

	// ========================================================================
	// Transfers
	// ========================================================================
	KeyFileID      = "file_id"      // Upload instance identifier
	KeyFileName    = "file_name"    // Original file name
	KeyFileSize    = "file_size"    // File size in bytes
	KeyChunk       = "chunk"        // Chunk index
	KeyTotalChunks = "total_chunks" // Total chunk count
	KeyAttempt     = "attempt"      // Retry attempt number
	KeyStatus      = "status"       // Upload status

	// ========================================================================
	// Client identification
	// ========================================================================
	KeyClientIP   = "client_ip"   // Client IP address
	KeyClientPort = "client_port" // Client source port

	// ========================================================================
	// Errors & performance
	// ========================================================================
	KeyError      = "error"       // Error message
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyBytes      = "bytes"       // Payload size in bytes
)

// ----------------------------------------------------------------------------
// Cluster
// ----------------------------------------------------------------------------

// NodeID returns a slog.Attr for a cluster node identifier
func NodeID(id string) slog.Attr {
	return slog.String(KeyNodeID, id)
}

// Role returns a slog.Attr for a cluster role
func Role(role string) slog.Attr {
	return slog.String(KeyRole, role)
}

// Channel returns a slog.Attr for a pubsub channel name
func Channel(name string) slog.Attr {
	return slog.String(KeyChannel, name)
}

// ----------------------------------------------------------------------------
// Sessions & shares
// ----------------------------------------------------------------------------

// ClientID returns a slog.Attr for an opaque client identifier
func ClientID(id string) slog.Attr {
	return slog.String(KeyClientID, id)
}

// SocketID returns a slog.Attr for a gateway socket identifier
func SocketID(id string) slog.Attr {
	return slog.String(KeySocketID, id)
}

// ShareID returns a slog.Attr for a share session identifier
func ShareID(id string) slog.Attr {
	return slog.String(KeyShareID, id)
}

// Event returns a slog.Attr for an event name
func Event(name string) slog.Attr {
	return slog.String(KeyEvent, name)
}

// ----------------------------------------------------------------------------
// Transfers
// ----------------------------------------------------------------------------

// FileID returns a slog.Attr for an upload identifier
func FileID(id string) slog.Attr {
	return slog.String(KeyFileID, id)
}

// FileName returns a slog.Attr for an original file name
func FileName(name string) slog.Attr {
	return slog.String(KeyFileName, name)
}

// Chunk returns a slog.Attr for a chunk index
func Chunk(idx int) slog.Attr {
	return slog.Int(KeyChunk, idx)
}

// Attempt returns a slog.Attr for a retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// Status returns a slog.Attr for an upload status
func Status(s string) slog.Attr {
	return slog.String(KeyStatus, s)
}

// ----------------------------------------------------------------------------
// Errors & performance
// ----------------------------------------------------------------------------

// Err returns a slog.Attr for an error value
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

// Bytes returns a slog.Attr for a payload size
func Bytes(n int) slog.Attr {
	return slog.Int(KeyBytes, n)
}

// DurationMs returns a slog.Attr for an operation duration
func DurationMs(d time.Duration) slog.Attr {
	return slog.Float64(KeyDurationMs, float64(d.Microseconds())/1000.0)
}
