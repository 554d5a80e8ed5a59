package storage

import (
	"context"
	"time"
)

// MasterLockKey is the single cluster-wide leader lock key.
const MasterLockKey = "cluster:master"

// CounterFilesSent is the persistent counter incremented on upload completion.
const CounterFilesSent = "filesSent"

// CounterUsersJoined is the persistent counter incremented on registration.
const CounterUsersJoined = "usersJoined"

// Store is the unified contract over all backends.
//
// Reads return (nil, nil) when the key is missing or expired; on the read
// path a null is indistinguishable from a missing key. Writes that fail are
// logged by callers and never crash the hot path.
type Store interface {
	// Nodes
	PutNode(ctx context.Context, node *Node) error
	GetNode(ctx context.Context, id string) (*Node, error)
	FindNodeByAddress(ctx context.Context, hostname string, port int) (*Node, error)
	ListNodes(ctx context.Context) ([]*Node, error)
	DeleteNode(ctx context.Context, id string) error

	// Client sessions
	PutSession(ctx context.Context, sess *ClientSession) error
	GetSession(ctx context.Context, clientID string) (*ClientSession, error)
	ListSessions(ctx context.Context) ([]*ClientSession, error)
	SessionsByNode(ctx context.Context, nodeID string) ([]*ClientSession, error)
	DeleteSession(ctx context.Context, clientID string) error

	// Share sessions
	PutShare(ctx context.Context, share *ShareSession) error
	GetShare(ctx context.Context, shareID string) (*ShareSession, error)
	ListShares(ctx context.Context) ([]*ShareSession, error)
	DeleteShare(ctx context.Context, shareID string) error

	// Upload state. SetUploadState writes the whole record atomically;
	// membership semantics of the chunk set and ack map survive round-trips.
	SetUploadState(ctx context.Context, state *UploadState) error
	GetUploadState(ctx context.Context, fileID string) (*UploadState, error)
	ListUploadStates(ctx context.Context) ([]*UploadState, error)
	DeleteUploadState(ctx context.Context, fileID string) error

	// Cancelled downloads: a set per fileId of clients that opted out.
	// Inserts are idempotent; the set expires with the upload TTL.
	AddCancelledDownload(ctx context.Context, fileID, clientID string) error
	IsDownloadCancelled(ctx context.Context, fileID, clientID string) (bool, error)
	ClearCancelledDownloads(ctx context.Context, fileID string) error

	// Rate limiting: atomic fixed-window counter. The first increment in a
	// window sets the expiry.
	CheckRateLimit(ctx context.Context, key string, max int, window time.Duration) (*RateLimitResult, error)

	// Cluster lock: atomic set-if-not-exists with TTL.
	AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	RefreshLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	GetLockHolder(ctx context.Context, key string) (string, error)

	// Persistent counters
	IncrCounter(ctx context.Context, name string) (int64, error)
	GetCounter(ctx context.Context, name string) (int64, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// Key builders shared by the Badger and Redis backends so that both speak
// the same keyspace.

func NodeKey(id string) string          { return "beam:node:" + id }
func SessionKey(clientID string) string { return "beam:session:" + clientID }
func ShareKey(shareID string) string    { return "beam:share:" + shareID }
func UploadKey(fileID string) string    { return "beam:upload:" + fileID }
func CancelledKey(fileID string) string { return "beam:cancelled:" + fileID }
func RateLimitKey(key string) string    { return "beam:ratelimit:" + key }
func CounterKey(name string) string     { return "beam:counter:" + name }

const (
	NodePrefix    = "beam:node:"
	SessionPrefix = "beam:session:"
	SharePrefix   = "beam:share:"
	UploadPrefix  = "beam:upload:"
)
