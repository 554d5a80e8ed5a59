// Package badgerstore implements storage.Store on an embedded BadgerDB.
//
// A middle ground between the memory and Redis backends: single-node like
// memory, but sessions, shares, and upload state survive a restart. TTL
// semantics use Badger's native per-entry expiry.
package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/beamlink/beam/pkg/storage"
)

// BadgerStore is the embedded persisted backend.
type BadgerStore struct {
	db   *badger.DB
	ttls storage.TTLs

	// Badger has no atomic SETNX-with-TTL or server-side INCR+EXPIRE; a
	// process-local mutex around those transactions is sufficient because
	// this backend is by definition single-node.
	lockMu sync.Mutex
	rateMu sync.Mutex
}

// NewBadgerStore opens (or creates) the database at path.
func NewBadgerStore(path string, ttls storage.TTLs) (*BadgerStore, error) {
	ttls.Normalize()
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	return &BadgerStore{db: db, ttls: ttls}, nil
}

func (s *BadgerStore) setJSON(key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.setRaw(key, data, ttl)
}

func (s *BadgerStore) setRaw(key string, data []byte, ttl time.Duration) error {
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), data)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (s *BadgerStore) getRaw(key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	return data, err
}

func (s *BadgerStore) getJSON(key string, out any) (bool, error) {
	data, err := s.getRaw(key)
	if err != nil || data == nil {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *BadgerStore) delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *BadgerStore) listPrefix(prefix string) ([][]byte, error) {
	var out [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, data)
		}
		return nil
	})
	return out, err
}

// ============================================================================
// Nodes
// ============================================================================

func (s *BadgerStore) PutNode(ctx context.Context, node *storage.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.setJSON(storage.NodeKey(node.ID), node, s.ttls.Node)
}

func (s *BadgerStore) GetNode(ctx context.Context, id string) (*storage.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var node storage.Node
	found, err := s.getJSON(storage.NodeKey(id), &node)
	if err != nil || !found {
		return nil, err
	}
	return &node, nil
}

func (s *BadgerStore) FindNodeByAddress(ctx context.Context, hostname string, port int) (*storage.Node, error) {
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

func (s *BadgerStore) ListNodes(ctx context.Context) ([]*storage.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	values, err := s.listPrefix(storage.NodePrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*storage.Node, 0, len(values))
	for _, data := range values {
		var node storage.Node
		if err := json.Unmarshal(data, &node); err != nil {
			return nil, err
		}
		out = append(out, &node)
	}
	return out, nil
}

func (s *BadgerStore) DeleteNode(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.delete(storage.NodeKey(id))
}

// ============================================================================
// Client sessions
// ============================================================================

func (s *BadgerStore) PutSession(ctx context.Context, sess *storage.ClientSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.setJSON(storage.SessionKey(sess.ClientID), sess, s.ttls.ClientSession)
}

func (s *BadgerStore) GetSession(ctx context.Context, clientID string) (*storage.ClientSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var sess storage.ClientSession
	found, err := s.getJSON(storage.SessionKey(clientID), &sess)
	if err != nil || !found {
		return nil, err
	}
	return &sess, nil
}

func (s *BadgerStore) ListSessions(ctx context.Context) ([]*storage.ClientSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	values, err := s.listPrefix(storage.SessionPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*storage.ClientSession, 0, len(values))
	for _, data := range values {
		var sess storage.ClientSession
		if err := json.Unmarshal(data, &sess); err != nil {
			return nil, err
		}
		out = append(out, &sess)
	}
	return out, nil
}

func (s *BadgerStore) SessionsByNode(ctx context.Context, nodeID string) ([]*storage.ClientSession, error) {
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

func (s *BadgerStore) DeleteSession(ctx context.Context, clientID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.delete(storage.SessionKey(clientID))
}

// ============================================================================
// Share sessions
// ============================================================================

func (s *BadgerStore) PutShare(ctx context.Context, share *storage.ShareSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.setJSON(storage.ShareKey(share.ShareID), share, s.ttls.ShareSession)
}

func (s *BadgerStore) GetShare(ctx context.Context, shareID string) (*storage.ShareSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var share storage.ShareSession
	found, err := s.getJSON(storage.ShareKey(shareID), &share)
	if err != nil || !found {
		return nil, err
	}
	return &share, nil
}

func (s *BadgerStore) ListShares(ctx context.Context) ([]*storage.ShareSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	values, err := s.listPrefix(storage.SharePrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*storage.ShareSession, 0, len(values))
	for _, data := range values {
		var share storage.ShareSession
		if err := json.Unmarshal(data, &share); err != nil {
			return nil, err
		}
		out = append(out, &share)
	}
	return out, nil
}

func (s *BadgerStore) DeleteShare(ctx context.Context, shareID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.delete(storage.ShareKey(shareID))
}

// ============================================================================
// Upload state
// ============================================================================

func (s *BadgerStore) SetUploadState(ctx context.Context, state *storage.UploadState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := storage.EncodeUploadState(state)
	if err != nil {
		return err
	}
	return s.setRaw(storage.UploadKey(state.FileID), data, s.ttls.UploadState)
}

func (s *BadgerStore) GetUploadState(ctx context.Context, fileID string) (*storage.UploadState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := s.getRaw(storage.UploadKey(fileID))
	if err != nil || data == nil {
		return nil, err
	}
	return storage.DecodeUploadState(data)
}

func (s *BadgerStore) ListUploadStates(ctx context.Context) ([]*storage.UploadState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	values, err := s.listPrefix(storage.UploadPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*storage.UploadState, 0, len(values))
	for _, data := range values {
		state, err := storage.DecodeUploadState(data)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, nil
}

func (s *BadgerStore) DeleteUploadState(ctx context.Context, fileID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.delete(storage.UploadKey(fileID))
}

// ============================================================================
// Cancelled downloads
// ============================================================================

func (s *BadgerStore) AddCancelledDownload(ctx context.Context, fileID, clientID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := storage.CancelledKey(fileID)
	return s.db.Update(func(txn *badger.Txn) error {
		set := make(map[string]bool)
		item, err := txn.Get([]byte(key))
		if err == nil {
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &set)
			})
			if err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		set[clientID] = true
		data, err := json.Marshal(set)
		if err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry([]byte(key), data).WithTTL(s.ttls.UploadState))
	})
}

func (s *BadgerStore) IsDownloadCancelled(ctx context.Context, fileID, clientID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var set map[string]bool
	found, err := s.getJSON(storage.CancelledKey(fileID), &set)
	if err != nil || !found {
		return false, err
	}
	return set[clientID], nil
}

func (s *BadgerStore) ClearCancelledDownloads(ctx context.Context, fileID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.delete(storage.CancelledKey(fileID))
}

// ============================================================================
// Rate limiting
// ============================================================================

type rateRecord struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"windowStart"`
}

func (s *BadgerStore) CheckRateLimit(ctx context.Context, key string, max int, window time.Duration) (*storage.RateLimitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if window <= 0 {
		window = s.ttls.RateLimitWindow
	}

	s.rateMu.Lock()
	defer s.rateMu.Unlock()

	rKey := storage.RateLimitKey(key)
	now := time.Now()

	var rec rateRecord
	found, err := s.getJSON(rKey, &rec)
	if err != nil {
		return nil, err
	}
	if !found || now.Sub(rec.WindowStart) >= window {
		rec = rateRecord{WindowStart: now}
	}
	rec.Count++
	if err := s.setJSON(rKey, rec, window); err != nil {
		return nil, err
	}

	remaining := max - rec.Count
	if remaining < 0 {
		remaining = 0
	}
	return &storage.RateLimitResult{
		Allowed:   rec.Count <= max,
		Remaining: remaining,
		ResetAt:   rec.WindowStart.Add(window),
	}, nil
}

// ============================================================================
// Cluster lock
// ============================================================================

func (s *BadgerStore) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	current, err := s.getRaw(key)
	if err != nil {
		return false, err
	}
	if current != nil {
		return false, nil
	}
	if err := s.setRaw(key, []byte(holder), ttl); err != nil {
		return false, err
	}
	return true, nil
}

func (s *BadgerStore) RefreshLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	current, err := s.getRaw(key)
	if err != nil {
		return false, err
	}
	if current == nil || string(current) != holder {
		return false, nil
	}
	if err := s.setRaw(key, []byte(holder), ttl); err != nil {
		return false, err
	}
	return true, nil
}

func (s *BadgerStore) GetLockHolder(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := s.getRaw(key)
	if err != nil || data == nil {
		return "", err
	}
	return string(data), nil
}

// ============================================================================
// Counters
// ============================================================================

func (s *BadgerStore) IncrCounter(ctx context.Context, name string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	key := []byte(storage.CounterKey(name))
	var value int64
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == nil {
			err = item.Value(func(val []byte) error {
				if len(val) == 8 {
					value = int64(binary.BigEndian.Uint64(val))
				}
				return nil
			})
			if err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		value++
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(value))
		return txn.Set(key, buf)
	})
	return value, err
}

func (s *BadgerStore) GetCounter(ctx context.Context, name string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	data, err := s.getRaw(storage.CounterKey(name))
	if err != nil || len(data) != 8 {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}

// ============================================================================
// Lifecycle
// ============================================================================

func (s *BadgerStore) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return fmt.Errorf("badger database is closed")
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
