// Package memory implements storage.Store with in-process maps.
//
// Suitable for standalone single-node deployments and tests. TTL semantics
// are approximated with expiry timestamps checked on access and swept by a
// janitor goroutine.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/beamlink/beam/pkg/storage"
)

const janitorInterval = 30 * time.Second

type expiringEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e expiringEntry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type rateWindow struct {
	count       int
	windowStart time.Time
	window      time.Duration
}

type lockEntry struct {
	holder    string
	expiresAt time.Time
}

// MemoryStore is the embedded backend.
type MemoryStore struct {
	mu sync.RWMutex

	ttls storage.TTLs

	nodes     map[string]expiringEntry[*storage.Node]
	sessions  map[string]expiringEntry[*storage.ClientSession]
	shares    map[string]expiringEntry[*storage.ShareSession]
	uploads   map[string]expiringEntry[*storage.UploadState]
	cancelled map[string]expiringEntry[map[string]bool]
	limits    map[string]*rateWindow
	locks     map[string]lockEntry
	counters  map[string]int64

	stop   chan struct{}
	closed bool
}

// NewMemoryStore creates an embedded store and starts its janitor.
func NewMemoryStore(ttls storage.TTLs) *MemoryStore {
	ttls.Normalize()
	s := &MemoryStore{
		ttls:      ttls,
		nodes:     make(map[string]expiringEntry[*storage.Node]),
		sessions:  make(map[string]expiringEntry[*storage.ClientSession]),
		shares:    make(map[string]expiringEntry[*storage.ShareSession]),
		uploads:   make(map[string]expiringEntry[*storage.UploadState]),
		cancelled: make(map[string]expiringEntry[map[string]bool]),
		limits:    make(map[string]*rateWindow),
		locks:     make(map[string]lockEntry),
		counters:  make(map[string]int64),
	}
	s.stop = make(chan struct{})
	go s.janitor()
	return s
}

// janitor sweeps expired entries so unread keys do not accumulate.
func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweepExpired(time.Now())
		}
	}
}

func (s *MemoryStore) sweepExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.nodes {
		if e.expired(now) {
			delete(s.nodes, k)
		}
	}
	for k, e := range s.sessions {
		if e.expired(now) {
			delete(s.sessions, k)
		}
	}
	for k, e := range s.shares {
		if e.expired(now) {
			delete(s.shares, k)
		}
	}
	for k, e := range s.uploads {
		if e.expired(now) {
			delete(s.uploads, k)
		}
	}
	for k, e := range s.cancelled {
		if e.expired(now) {
			delete(s.cancelled, k)
		}
	}
	for k, w := range s.limits {
		if now.Sub(w.windowStart) > w.window {
			delete(s.limits, k)
		}
	}
	for k, l := range s.locks {
		if now.After(l.expiresAt) {
			delete(s.locks, k)
		}
	}
}

// ============================================================================
// Nodes
// ============================================================================

func (s *MemoryStore) PutNode(ctx context.Context, node *storage.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *node
	s.nodes[node.ID] = expiringEntry[*storage.Node]{
		value:     &clone,
		expiresAt: time.Now().Add(s.ttls.Node),
	}
	return nil
}

func (s *MemoryStore) GetNode(ctx context.Context, id string) (*storage.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.nodes[id]
	if !ok || entry.expired(time.Now()) {
		return nil, nil
	}
	clone := *entry.value
	return &clone, nil
}

func (s *MemoryStore) FindNodeByAddress(ctx context.Context, hostname string, port int) (*storage.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	for _, entry := range s.nodes {
		if entry.expired(now) {
			continue
		}
		if entry.value.Hostname == hostname && entry.value.Port == port {
			clone := *entry.value
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListNodes(ctx context.Context) ([]*storage.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var out []*storage.Node
	for _, entry := range s.nodes {
		if entry.expired(now) {
			continue
		}
		clone := *entry.value
		out = append(out, &clone)
	}
	return out, nil
}

func (s *MemoryStore) DeleteNode(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
	return nil
}

// ============================================================================
// Client sessions
// ============================================================================

func cloneSession(sess *storage.ClientSession) *storage.ClientSession {
	clone := *sess
	clone.Uploads = append([]string(nil), sess.Uploads...)
	clone.Downloads = append([]string(nil), sess.Downloads...)
	return &clone
}

func (s *MemoryStore) PutSession(ctx context.Context, sess *storage.ClientSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ClientID] = expiringEntry[*storage.ClientSession]{
		value:     cloneSession(sess),
		expiresAt: time.Now().Add(s.ttls.ClientSession),
	}
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, clientID string) (*storage.ClientSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.sessions[clientID]
	if !ok || entry.expired(time.Now()) {
		return nil, nil
	}
	return cloneSession(entry.value), nil
}

func (s *MemoryStore) ListSessions(ctx context.Context) ([]*storage.ClientSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var out []*storage.ClientSession
	for _, entry := range s.sessions {
		if entry.expired(now) {
			continue
		}
		out = append(out, cloneSession(entry.value))
	}
	return out, nil
}

func (s *MemoryStore) SessionsByNode(ctx context.Context, nodeID string) ([]*storage.ClientSession, error) {
	all, err := s.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, sess := range all {
		if sess.NodeID == nodeID {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, clientID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, clientID)
	return nil
}

// ============================================================================
// Share sessions
// ============================================================================

func cloneShare(share *storage.ShareSession) *storage.ShareSession {
	clone := *share
	clone.Clients = append([]string(nil), share.Clients...)
	return &clone
}

func (s *MemoryStore) PutShare(ctx context.Context, share *storage.ShareSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shares[share.ShareID] = expiringEntry[*storage.ShareSession]{
		value:     cloneShare(share),
		expiresAt: time.Now().Add(s.ttls.ShareSession),
	}
	return nil
}

func (s *MemoryStore) GetShare(ctx context.Context, shareID string) (*storage.ShareSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.shares[shareID]
	if !ok || entry.expired(time.Now()) {
		return nil, nil
	}
	return cloneShare(entry.value), nil
}

func (s *MemoryStore) ListShares(ctx context.Context) ([]*storage.ShareSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var out []*storage.ShareSession
	for _, entry := range s.shares {
		if entry.expired(now) {
			continue
		}
		out = append(out, cloneShare(entry.value))
	}
	return out, nil
}

func (s *MemoryStore) DeleteShare(ctx context.Context, shareID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shares, shareID)
	return nil
}

// ============================================================================
// Upload state
// ============================================================================

// cloneUpload round-trips through the wire codec so memory behaves exactly
// like the persisted backends, including membership semantics.
func cloneUpload(state *storage.UploadState) *storage.UploadState {
	data, err := storage.EncodeUploadState(state)
	if err != nil {
		clone := *state
		return &clone
	}
	decoded, err := storage.DecodeUploadState(data)
	if err != nil {
		clone := *state
		return &clone
	}
	return decoded
}

func (s *MemoryStore) SetUploadState(ctx context.Context, state *storage.UploadState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[state.FileID] = expiringEntry[*storage.UploadState]{
		value:     cloneUpload(state),
		expiresAt: time.Now().Add(s.ttls.UploadState),
	}
	return nil
}

func (s *MemoryStore) GetUploadState(ctx context.Context, fileID string) (*storage.UploadState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.uploads[fileID]
	if !ok || entry.expired(time.Now()) {
		return nil, nil
	}
	return cloneUpload(entry.value), nil
}

func (s *MemoryStore) ListUploadStates(ctx context.Context) ([]*storage.UploadState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var out []*storage.UploadState
	for _, entry := range s.uploads {
		if entry.expired(now) {
			continue
		}
		out = append(out, cloneUpload(entry.value))
	}
	return out, nil
}

func (s *MemoryStore) DeleteUploadState(ctx context.Context, fileID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.uploads, fileID)
	return nil
}

// ============================================================================
// Cancelled downloads
// ============================================================================

func (s *MemoryStore) AddCancelledDownload(ctx context.Context, fileID, clientID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cancelled[fileID]
	if !ok || entry.expired(time.Now()) {
		entry = expiringEntry[map[string]bool]{
			value:     make(map[string]bool),
			expiresAt: time.Now().Add(s.ttls.UploadState),
		}
	}
	entry.value[clientID] = true
	s.cancelled[fileID] = entry
	return nil
}

func (s *MemoryStore) IsDownloadCancelled(ctx context.Context, fileID, clientID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.cancelled[fileID]
	if !ok || entry.expired(time.Now()) {
		return false, nil
	}
	return entry.value[clientID], nil
}

func (s *MemoryStore) ClearCancelledDownloads(ctx context.Context, fileID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancelled, fileID)
	return nil
}

// ============================================================================
// Rate limiting
// ============================================================================

// CheckRateLimit implements a fixed-window counter matching the semantics of
// the Redis backend (INCR + EXPIRE on first increment).
func (s *MemoryStore) CheckRateLimit(ctx context.Context, key string, max int, window time.Duration) (*storage.RateLimitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if window <= 0 {
		window = s.ttls.RateLimitWindow
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	w, ok := s.limits[key]
	if !ok || now.Sub(w.windowStart) >= w.window {
		w = &rateWindow{windowStart: now, window: window}
		s.limits[key] = w
	}
	w.count++

	remaining := max - w.count
	if remaining < 0 {
		remaining = 0
	}
	return &storage.RateLimitResult{
		Allowed:   w.count <= max,
		Remaining: remaining,
		ResetAt:   w.windowStart.Add(w.window),
	}, nil
}

// ============================================================================
// Cluster lock
// ============================================================================

func (s *MemoryStore) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if entry, ok := s.locks[key]; ok && now.Before(entry.expiresAt) {
		return false, nil
	}
	s.locks[key] = lockEntry{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) RefreshLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	entry, ok := s.locks[key]
	if !ok || now.After(entry.expiresAt) || entry.holder != holder {
		return false, nil
	}
	entry.expiresAt = now.Add(ttl)
	s.locks[key] = entry
	return true, nil
}

func (s *MemoryStore) GetLockHolder(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.locks[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", nil
	}
	return entry.holder, nil
}

// ============================================================================
// Counters
// ============================================================================

func (s *MemoryStore) IncrCounter(ctx context.Context, name string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name]++
	return s.counters[name], nil
}

func (s *MemoryStore) GetCounter(ctx context.Context, name string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[name], nil
}

// ============================================================================
// Lifecycle
// ============================================================================

func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stop)
	return nil
}
