package metrics

// RelayMetrics provides observability for file transfer relaying.
//
// Implementations collect counters for relayed chunks, retries, and completed
// transfers, plus gauges for the live session and share population. This
// interface is optional - pass nil to disable metrics collection with zero
// overhead.
type RelayMetrics interface {
	// RecordChunkRelayed records one chunk forwarded from sender to
	// receivers, with its payload size in bytes.
	RecordChunkRelayed(bytes int)

	// RecordChunkRetry increments the retry counter for chunks whose
	// acknowledgement timed out.
	RecordChunkRetry()

	// RecordFileSent increments the completed transfer counter.
	RecordFileSent()

	// RecordTransferFailed increments the failed transfer counter.
	// reason is a short stable label such as "retries_exhausted" or
	// "checksum_mismatch".
	RecordTransferFailed(reason string)

	// RecordRateLimited increments the rejected-request counter for the
	// given surface ("heartbeat", "http").
	RecordRateLimited(surface string)

	// SetActiveSessions updates the current client session count.
	SetActiveSessions(count int)

	// SetActiveShares updates the current active share count.
	SetActiveShares(count int)

	// SetActiveConnections updates the current websocket connection count.
	SetActiveConnections(count int)

	// SetClusterRole records whether this node currently holds the master
	// lock (1) or runs as a worker (0).
	SetClusterRole(isMaster bool)
}

// GatewayMetrics provides observability for the HTTP and websocket surface.
type GatewayMetrics interface {
	// RecordRequest records a completed HTTP request with its route
	// pattern, status code class, and duration in milliseconds.
	RecordRequest(route string, status int, durationMs float64)

	// RecordConnectionAccepted increments the total accepted websocket
	// connections counter.
	RecordConnectionAccepted()

	// RecordConnectionClosed increments the total closed websocket
	// connections counter.
	RecordConnectionClosed()

	// RecordMessage records an inbound websocket event by name.
	RecordMessage(event string)
}
