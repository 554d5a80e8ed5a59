// Package redis implements storage.Store on a Redis server. This is the
// backend required for clustered deployments: the leader lock relies on
// SET NX with TTL being atomic, rate limiting on INCR + EXPIRE, and
// cancelled-download sets on SADD / SISMEMBER.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/beamlink/beam/pkg/storage"
)

// Config holds Redis connection settings.
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns the host:port dial address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RedisStore is the distributed backend.
type RedisStore struct {
	client *redis.Client
	ttls   storage.TTLs
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg Config, ttls storage.TTLs) (*RedisStore, error) {
	ttls.Normalize()
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr(), err)
	}
	return &RedisStore{client: client, ttls: ttls}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests and by the
// pubsub layer, which shares the connection pool.
func NewRedisStoreFromClient(client *redis.Client, ttls storage.TTLs) *RedisStore {
	ttls.Normalize()
	return &RedisStore{client: client, ttls: ttls}
}

// Client exposes the underlying connection for the pubsub layer.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.client.Set(ctx, key, data, ttl).Err()
}

func (s *RedisStore) getJSON(ctx context.Context, key string, out any) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) scanPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	return keys, nil
}

// ============================================================================
// Nodes
// ============================================================================

func (s *RedisStore) PutNode(ctx context.Context, node *storage.Node) error {
	return s.setJSON(ctx, storage.NodeKey(node.ID), node, s.ttls.Node)
}

func (s *RedisStore) GetNode(ctx context.Context, id string) (*storage.Node, error) {
	var node storage.Node
	found, err := s.getJSON(ctx, storage.NodeKey(id), &node)
	if err != nil || !found {
		return nil, err
	}
	return &node, nil
}

func (s *RedisStore) FindNodeByAddress(ctx context.Context, hostname string, port int) (*storage.Node, error) {
	nodes, err := s.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	for _, node := range nodes {
		if node.Hostname == hostname && node.Port == port {
			return node, nil
		}
	}
	return nil, nil
}

func (s *RedisStore) ListNodes(ctx context.Context) ([]*storage.Node, error) {
	keys, err := s.scanPrefix(ctx, storage.NodePrefix)
	if err != nil {
		return nil, err
	}
	var out []*storage.Node
	for _, key := range keys {
		var node storage.Node
		found, err := s.getJSON(ctx, key, &node)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, &node)
		}
	}
	return out, nil
}

func (s *RedisStore) DeleteNode(ctx context.Context, id string) error {
	return s.client.Del(ctx, storage.NodeKey(id)).Err()
}

// ============================================================================
// Client sessions
// ============================================================================

func (s *RedisStore) PutSession(ctx context.Context, sess *storage.ClientSession) error {
	return s.setJSON(ctx, storage.SessionKey(sess.ClientID), sess, s.ttls.ClientSession)
}

func (s *RedisStore) GetSession(ctx context.Context, clientID string) (*storage.ClientSession, error) {
	var sess storage.ClientSession
	found, err := s.getJSON(ctx, storage.SessionKey(clientID), &sess)
	if err != nil || !found {
		return nil, err
	}
	return &sess, nil
}

func (s *RedisStore) ListSessions(ctx context.Context) ([]*storage.ClientSession, error) {
	keys, err := s.scanPrefix(ctx, storage.SessionPrefix)
	if err != nil {
		return nil, err
	}
	var out []*storage.ClientSession
	for _, key := range keys {
		var sess storage.ClientSession
		found, err := s.getJSON(ctx, key, &sess)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, &sess)
		}
	}
	return out, nil
}

func (s *RedisStore) SessionsByNode(ctx context.Context, nodeID string) ([]*storage.ClientSession, error) {
	all, err := s.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	var out []*storage.ClientSession
	for _, sess := range all {
		if sess.NodeID == nodeID {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, clientID string) error {
	return s.client.Del(ctx, storage.SessionKey(clientID)).Err()
}

// ============================================================================
// Share sessions
// ============================================================================

func (s *RedisStore) PutShare(ctx context.Context, share *storage.ShareSession) error {
	return s.setJSON(ctx, storage.ShareKey(share.ShareID), share, s.ttls.ShareSession)
}

func (s *RedisStore) GetShare(ctx context.Context, shareID string) (*storage.ShareSession, error) {
	var share storage.ShareSession
	found, err := s.getJSON(ctx, storage.ShareKey(shareID), &share)
	if err != nil || !found {
		return nil, err
	}
	return &share, nil
}

func (s *RedisStore) ListShares(ctx context.Context) ([]*storage.ShareSession, error) {
	keys, err := s.scanPrefix(ctx, storage.SharePrefix)
	if err != nil {
		return nil, err
	}
	var out []*storage.ShareSession
	for _, key := range keys {
		var share storage.ShareSession
		found, err := s.getJSON(ctx, key, &share)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, &share)
		}
	}
	return out, nil
}

func (s *RedisStore) DeleteShare(ctx context.Context, shareID string) error {
	return s.client.Del(ctx, storage.ShareKey(shareID)).Err()
}

// ============================================================================
// Upload state
// ============================================================================

func (s *RedisStore) SetUploadState(ctx context.Context, state *storage.UploadState) error {
	data, err := storage.EncodeUploadState(state)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, storage.UploadKey(state.FileID), data, s.ttls.UploadState).Err()
}

func (s *RedisStore) GetUploadState(ctx context.Context, fileID string) (*storage.UploadState, error) {
	data, err := s.client.Get(ctx, storage.UploadKey(fileID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return storage.DecodeUploadState(data)
}

func (s *RedisStore) ListUploadStates(ctx context.Context) ([]*storage.UploadState, error) {
	keys, err := s.scanPrefix(ctx, storage.UploadPrefix)
	if err != nil {
		return nil, err
	}
	var out []*storage.UploadState
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		state, err := storage.DecodeUploadState(data)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, nil
}

func (s *RedisStore) DeleteUploadState(ctx context.Context, fileID string) error {
	return s.client.Del(ctx, storage.UploadKey(fileID)).Err()
}

// ============================================================================
// Cancelled downloads
// ============================================================================

func (s *RedisStore) AddCancelledDownload(ctx context.Context, fileID, clientID string) error {
	key := storage.CancelledKey(fileID)
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key, clientID)
	pipe.Expire(ctx, key, s.ttls.UploadState)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) IsDownloadCancelled(ctx context.Context, fileID, clientID string) (bool, error) {
	return s.client.SIsMember(ctx, storage.CancelledKey(fileID), clientID).Result()
}

func (s *RedisStore) ClearCancelledDownloads(ctx context.Context, fileID string) error {
	return s.client.Del(ctx, storage.CancelledKey(fileID)).Err()
}

// ============================================================================
// Rate limiting
// ============================================================================

func (s *RedisStore) CheckRateLimit(ctx context.Context, key string, max int, window time.Duration) (*storage.RateLimitResult, error) {
	if window <= 0 {
		window = s.ttls.RateLimitWindow
	}
	rKey := storage.RateLimitKey(key)

	count, err := s.client.Incr(ctx, rKey).Result()
	if err != nil {
		return nil, err
	}
	// First increment in a window sets the expiry.
	if count == 1 {
		if err := s.client.Expire(ctx, rKey, window).Err(); err != nil {
			return nil, err
		}
	}

	ttl, err := s.client.TTL(ctx, rKey).Result()
	if err != nil || ttl < 0 {
		ttl = window
	}

	remaining := max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return &storage.RateLimitResult{
		Allowed:   count <= int64(max),
		Remaining: remaining,
		ResetAt:   time.Now().Add(ttl),
	}, nil
}

// ============================================================================
// Cluster lock
// ============================================================================

func (s *RedisStore) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, holder, ttl).Result()
}

func (s *RedisStore) RefreshLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	current, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if current != holder {
		return false, nil
	}
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStore) GetLockHolder(ctx context.Context, key string) (string, error) {
	holder, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return holder, err
}

// ============================================================================
// Counters
// ============================================================================

func (s *RedisStore) IncrCounter(ctx context.Context, name string) (int64, error) {
	return s.client.Incr(ctx, storage.CounterKey(name)).Result()
}

func (s *RedisStore) GetCounter(ctx context.Context, name string) (int64, error) {
	val, err := s.client.Get(ctx, storage.CounterKey(name)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

// ============================================================================
// Lifecycle
// ============================================================================

func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
