package transfer

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamlink/beam/pkg/cluster"
	"github.com/beamlink/beam/pkg/protocol"
	pubsubmem "github.com/beamlink/beam/pkg/pubsub/memory"
	"github.com/beamlink/beam/pkg/storage"
	"github.com/beamlink/beam/pkg/storage/memory"
)

// localSender records frames delivered to locally bound sockets.
type localSender struct {
	mu      sync.Mutex
	clients map[string]string
	frames  map[string][]sentFrame
}

type sentFrame struct {
	Event   string
	Payload map[string]any
}

func newLocalSender() *localSender {
	return &localSender{
		clients: make(map[string]string),
		frames:  make(map[string][]sentFrame),
	}
}

func (l *localSender) bind(clientID, socketID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clients[clientID] = socketID
}

func (l *localSender) SendToSocket(socketID, event string, payload map[string]any) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for clientID, sid := range l.clients {
		if sid == socketID {
			l.frames[clientID] = append(l.frames[clientID], sentFrame{Event: event, Payload: payload})
			return true
		}
	}
	return false
}

func (l *localSender) SocketIDForClient(clientID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sid, ok := l.clients[clientID]
	return sid, ok
}

func (l *localSender) eventsFor(clientID, event string) []sentFrame {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []sentFrame
	for _, f := range l.frames[clientID] {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

type testEnv struct {
	store  storage.Store
	engine *Engine
	sender *localSender
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	ctx := context.Background()

	store := memory.NewMemoryStore(storage.DefaultTTLs())
	bus := pubsubmem.NewMemoryPubSub()

	reg := cluster.NewRegistry(store, cluster.RegistryConfig{Hostname: "n1", Port: 3000})
	require.NoError(t, reg.Start(ctx))

	coord := cluster.NewCoordinator(store, bus, reg, cluster.CoordinatorConfig{
		ElectionInterval: 50 * time.Millisecond,
		LockTTL:          time.Second,
	}, nil)
	sender := newLocalSender()
	coord.SetSender(sender)
	require.NoError(t, coord.Start(ctx))

	engine := NewEngine(store, coord, nil, cfg)

	t.Cleanup(func() {
		engine.Close()
		coord.Stop()
		_ = reg.Shutdown(ctx)
		_ = bus.Close()
		_ = store.Close()
	})

	return &testEnv{store: store, engine: engine, sender: sender}
}

// setupPair registers clients a and b on this node and puts them in a share.
func (e *testEnv) setupPair(t *testing.T, shareID, a, b string) {
	t.Helper()
	ctx := context.Background()

	for _, clientID := range []string{a, b} {
		socketID := "sock-" + clientID
		e.sender.bind(clientID, socketID)
		require.NoError(t, e.store.PutSession(ctx, &storage.ClientSession{
			ClientID:  clientID,
			SocketID:  socketID,
			NodeID:    "n1",
			Connected: true,
			ShareID:   shareID,
		}))
	}
	require.NoError(t, e.store.PutShare(ctx, &storage.ShareSession{
		ShareID:      shareID,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
		Clients:      []string{a, b},
		Status:       storage.ShareActive,
	}))
}

func TestHappyPathRelay(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.setupPair(t, "room-1", "alice", "bob")

	res, err := env.engine.InitUpload(ctx, "alice", "x", 48, 3)
	require.NoError(t, err)
	require.NotEmpty(t, res.FileID)
	assert.Zero(t, res.ResumeFrom)
	fileID := res.FileID

	// Receiver is told a transfer is coming.
	started := env.sender.eventsFor("bob", protocol.EventFileTransferStarted)
	require.Len(t, started, 1)
	assert.Equal(t, "x", started[0].Payload["fileName"])
	assert.Equal(t, 3, started[0].Payload["totalChunks"])

	chunks := [][]byte{
		[]byte("0123456789abcdef"),
		[]byte("fedcba9876543210"),
		[]byte("0000111122223333"),
	}
	wantProgress := []int{33, 66, 100}
	for i, chunk := range chunks {
		result, err := env.engine.IngestChunk(ctx, "alice", fileID, i, chunk)
		require.NoError(t, err)
		assert.Equal(t, wantProgress[i], result.Progress)
		assert.Equal(t, i == 2, result.Completed)
	}

	// Receiver got the three chunks in order.
	received := env.sender.eventsFor("bob", protocol.EventChunkReceived)
	require.Len(t, received, 3)
	for i, f := range received {
		assert.Equal(t, i, f.Payload["chunkIndex"])
		assert.Equal(t, chunks[i], f.Payload["chunk"])
	}

	// Sender observed progress, synthesized acks, and completion.
	uploaded := env.sender.eventsFor("alice", protocol.EventChunkUploaded)
	require.Len(t, uploaded, 3)
	for i, f := range uploaded {
		assert.Equal(t, wantProgress[i], f.Payload["progress"])
	}
	assert.Len(t, env.sender.eventsFor("alice", protocol.EventChunkAcknowledged), 3)

	complete := env.sender.eventsFor("alice", protocol.EventUploadComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, "x", complete[0].Payload["fileName"])

	state, err := env.store.GetUploadState(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, storage.UploadCompleted, state.Status)

	sent, err := env.store.GetCounter(ctx, storage.CounterFilesSent)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sent)

	// Receiver confirms reassembly; the notice lands on the sender.
	require.NoError(t, env.engine.ConfirmDownload(ctx, "bob", fileID, "x", "room-1"))
	confirmed := env.sender.eventsFor("alice", protocol.EventDownloadConfirmed)
	require.Len(t, confirmed, 1)
	assert.Equal(t, "x", confirmed[0].Payload["fileName"])
}

func TestFileSizeBoundary(t *testing.T) {
	env := newTestEnv(t, Config{MaxFileSize: 1024})
	ctx := context.Background()
	env.setupPair(t, "room-1", "alice", "bob")

	_, err := env.engine.InitUpload(ctx, "alice", "exact", 1024, 1)
	assert.NoError(t, err, "fileSize == limit is accepted")

	_, err = env.engine.InitUpload(ctx, "alice", "over", 1025, 1)
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestInitRequiresRegistration(t *testing.T) {
	env := newTestEnv(t, Config{})
	_, err := env.engine.InitUpload(context.Background(), "ghost", "x", 10, 1)
	assert.ErrorIs(t, err, ErrClientNotRegistered)
}

func TestInitFailsWhenAllReceiversBusy(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentDownloads: 1})
	ctx := context.Background()
	env.setupPair(t, "room-1", "alice", "bob")

	// Bob is already saturated.
	bob, err := env.store.GetSession(ctx, "bob")
	require.NoError(t, err)
	bob.Downloads = []string{"other-file"}
	require.NoError(t, env.store.PutSession(ctx, bob))

	_, err = env.engine.InitUpload(ctx, "alice", "x", 10, 1)
	assert.ErrorIs(t, err, ErrReceiversBusy)
}

func TestInitWithoutPeerSucceeds(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	env.sender.bind("alice", "sock-alice")
	require.NoError(t, env.store.PutSession(ctx, &storage.ClientSession{
		ClientID:  "alice",
		SocketID:  "sock-alice",
		NodeID:    "n1",
		Connected: true,
	}))

	res, err := env.engine.InitUpload(ctx, "alice", "x", 10, 1)
	require.NoError(t, err)
	assert.NotEmpty(t, res.FileID)
}

func TestUploadBudget(t *testing.T) {
	env := newTestEnv(t, Config{MaxConcurrentUploads: 2, MaxConcurrentTransfers: 10})
	ctx := context.Background()
	env.setupPair(t, "room-1", "alice", "bob")

	for i, name := range []string{"a", "b"} {
		_, err := env.engine.InitUpload(ctx, "alice", name, int64(100+i), 1)
		require.NoError(t, err)
	}

	_, err := env.engine.InitUpload(ctx, "alice", "c", 300, 1)
	assert.ErrorIs(t, err, ErrTooManyUploads)
}

func TestResumeReturnsExistingUpload(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.setupPair(t, "room-1", "alice", "bob")

	res, err := env.engine.InitUpload(ctx, "alice", "x", 48, 3)
	require.NoError(t, err)
	_, err = env.engine.IngestChunk(ctx, "alice", res.FileID, 0, []byte("0123456789abcdef"))
	require.NoError(t, err)

	again, err := env.engine.InitUpload(ctx, "alice", "x", 48, 3)
	require.NoError(t, err)
	assert.Equal(t, res.FileID, again.FileID)
	assert.Equal(t, 1, again.ResumeFrom)
}

func TestDuplicateChunkIsIdempotent(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.setupPair(t, "room-1", "alice", "bob")

	res, err := env.engine.InitUpload(ctx, "alice", "x", 32, 2)
	require.NoError(t, err)

	chunk := []byte("0123456789abcdef")
	first, err := env.engine.IngestChunk(ctx, "alice", res.FileID, 0, chunk)
	require.NoError(t, err)
	second, err := env.engine.IngestChunk(ctx, "alice", res.FileID, 0, chunk)
	require.NoError(t, err)

	assert.Equal(t, first.UploadedChunks, second.UploadedChunks)
	assert.Equal(t, first.Progress, second.Progress)
	assert.False(t, second.Completed)

	state, err := env.store.GetUploadState(ctx, res.FileID)
	require.NoError(t, err)
	assert.Equal(t, 1, state.UploadedCount())
	assert.Len(t, state.PendingAcks, 1, "duplicate does not reset the pending ack")
}

func TestChunkAfterCompletionRejected(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.setupPair(t, "room-1", "alice", "bob")

	res, err := env.engine.InitUpload(ctx, "alice", "x", 16, 1)
	require.NoError(t, err)

	chunk := []byte("0123456789abcdef")
	result, err := env.engine.IngestChunk(ctx, "alice", res.FileID, 0, chunk)
	require.NoError(t, err)
	require.True(t, result.Completed)

	_, err = env.engine.IngestChunk(ctx, "alice", res.FileID, 0, chunk)
	assert.ErrorIs(t, err, ErrUploadCompleted)

	// The receiver saw the chunk exactly once.
	assert.Len(t, env.sender.eventsFor("bob", protocol.EventChunkReceived), 1)
	assert.Len(t, env.sender.eventsFor("alice", protocol.EventUploadComplete), 1)
}

func TestChunkOutOfRange(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.setupPair(t, "room-1", "alice", "bob")

	res, err := env.engine.InitUpload(ctx, "alice", "x", 32, 2)
	require.NoError(t, err)

	_, err = env.engine.IngestChunk(ctx, "alice", res.FileID, 2, []byte("x"))
	assert.ErrorIs(t, err, ErrChunkOutOfRange)
	_, err = env.engine.IngestChunk(ctx, "alice", res.FileID, -1, []byte("x"))
	assert.ErrorIs(t, err, ErrChunkOutOfRange)
}

func TestChunkForUnknownUpload(t *testing.T) {
	env := newTestEnv(t, Config{})
	_, err := env.engine.IngestChunk(context.Background(), "alice", "no-such-file", 0, []byte("x"))
	assert.ErrorIs(t, err, ErrUploadNotFound)
}

func TestAckClearsPendingEntry(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.setupPair(t, "room-1", "alice", "bob")

	res, err := env.engine.InitUpload(ctx, "alice", "x", 32, 2)
	require.NoError(t, err)
	_, err = env.engine.IngestChunk(ctx, "alice", res.FileID, 0, []byte("0123456789abcdef"))
	require.NoError(t, err)

	require.NoError(t, env.engine.HandleAck(ctx, res.FileID, 0))

	state, err := env.store.GetUploadState(ctx, res.FileID)
	require.NoError(t, err)
	assert.Empty(t, state.PendingAcks)
	assert.False(t, state.LastAckTime.IsZero())

	// Acking again is a no-op.
	require.NoError(t, env.engine.HandleAck(ctx, res.FileID, 0))
}

func TestOverdueAckTriggersRetryThenRecovers(t *testing.T) {
	env := newTestEnv(t, Config{
		AckTimeout:   40 * time.Millisecond,
		ScanInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()
	env.setupPair(t, "room-1", "alice", "bob")
	env.engine.Start()

	res, err := env.engine.InitUpload(ctx, "alice", "x", 32, 2)
	require.NoError(t, err)
	_, err = env.engine.IngestChunk(ctx, "alice", res.FileID, 1, []byte("fedcba9876543210"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		retries := env.sender.eventsFor("alice", protocol.EventChunkRetry)
		return len(retries) >= 1
	}, time.Second, 5*time.Millisecond)

	retries := env.sender.eventsFor("alice", protocol.EventChunkRetry)
	assert.Equal(t, 1, retries[0].Payload["chunkIndex"])
	assert.Equal(t, 1, retries[0].Payload["attempt"])

	// The late ack lands; the pending entry is cleared and the transfer
	// can still complete.
	require.NoError(t, env.engine.HandleAck(ctx, res.FileID, 1))
	state, err := env.store.GetUploadState(ctx, res.FileID)
	require.NoError(t, err)
	assert.Empty(t, state.PendingAcks)
	assert.Equal(t, storage.UploadUploading, state.Status)
}

func TestRetryExhaustionFailsTransfer(t *testing.T) {
	env := newTestEnv(t, Config{
		AckTimeout:   20 * time.Millisecond,
		ScanInterval: 5 * time.Millisecond,
		MaxRetries:   3,
	})
	ctx := context.Background()
	env.setupPair(t, "room-1", "alice", "bob")
	env.engine.Start()

	res, err := env.engine.InitUpload(ctx, "alice", "x", 32, 2)
	require.NoError(t, err)
	_, err = env.engine.IngestChunk(ctx, "alice", res.FileID, 0, []byte("0123456789abcdef"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(env.sender.eventsFor("alice", protocol.EventTransferFailed)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	failed := env.sender.eventsFor("alice", protocol.EventTransferFailed)
	reason, _ := failed[0].Payload["reason"].(string)
	assert.True(t, strings.Contains(reason, "3 retries"), "reason %q names the budget", reason)
	assert.NotEmpty(t, failed[0].Payload["failedChunks"])

	state, err := env.store.GetUploadState(ctx, res.FileID)
	require.NoError(t, err)
	assert.Equal(t, storage.UploadFailed, state.Status)

	// No further chunks are relayed.
	before := len(env.sender.eventsFor("bob", protocol.EventChunkReceived))
	_, err = env.engine.IngestChunk(ctx, "alice", res.FileID, 1, []byte("x"))
	assert.ErrorIs(t, err, ErrUploadFailed)
	assert.Equal(t, before, len(env.sender.eventsFor("bob", protocol.EventChunkReceived)))
}

func TestCancelDownloadSkipsReceiver(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.setupPair(t, "room-1", "alice", "bob")

	res, err := env.engine.InitUpload(ctx, "alice", "x", 32, 2)
	require.NoError(t, err)

	require.NoError(t, env.engine.CancelDownload(ctx, "bob", res.FileID))
	assert.Len(t, env.sender.eventsFor("bob", protocol.EventDownloadCancelled), 1)

	bob, err := env.store.GetSession(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, bob.HasDownload(res.FileID))

	_, err = env.engine.IngestChunk(ctx, "alice", res.FileID, 0, []byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.Empty(t, env.sender.eventsFor("bob", protocol.EventChunkReceived))
}

func TestPauseAndResume(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.setupPair(t, "room-1", "alice", "bob")

	res, err := env.engine.InitUpload(ctx, "alice", "x", 32, 2)
	require.NoError(t, err)

	require.NoError(t, env.engine.PauseUpload(ctx, "alice", res.FileID))
	_, err = env.engine.IngestChunk(ctx, "alice", res.FileID, 0, []byte("x"))
	assert.ErrorIs(t, err, ErrUploadPaused)

	// Only the owner may pause or resume.
	assert.ErrorIs(t, env.engine.ResumeUpload(ctx, "bob", res.FileID), ErrNotUploadOwner)

	require.NoError(t, env.engine.ResumeUpload(ctx, "alice", res.FileID))
	_, err = env.engine.IngestChunk(ctx, "alice", res.FileID, 0, []byte("0123456789abcdef"))
	assert.NoError(t, err)
}

func TestConfirmDownloadFallsBackToShareRoster(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.setupPair(t, "room-1", "alice", "bob")

	res, err := env.engine.InitUpload(ctx, "alice", "x", 16, 1)
	require.NoError(t, err)

	// The upload state has been reaped; only the roster remains.
	require.NoError(t, env.store.DeleteUploadState(ctx, res.FileID))

	require.NoError(t, env.engine.ConfirmDownload(ctx, "bob", res.FileID, "x", "room-1"))
	assert.Len(t, env.sender.eventsFor("alice", protocol.EventDownloadConfirmed), 1)
}

func TestChecksumsRecordedWhenEnabled(t *testing.T) {
	env := newTestEnv(t, Config{Checksums: true})
	ctx := context.Background()
	env.setupPair(t, "room-1", "alice", "bob")

	res, err := env.engine.InitUpload(ctx, "alice", "x", 16, 1)
	require.NoError(t, err)
	_, err = env.engine.IngestChunk(ctx, "alice", res.FileID, 0, []byte("0123456789abcdef"))
	require.NoError(t, err)

	state, err := env.store.GetUploadState(ctx, res.FileID)
	require.NoError(t, err)
	require.Contains(t, state.ChunkChecksums, 0)
	assert.Len(t, state.ChunkChecksums[0], 64, "sha-256 hex digest")
}

func TestChunkErrorChargesRetryBudget(t *testing.T) {
	env := newTestEnv(t, Config{MaxRetries: 2})
	ctx := context.Background()
	env.setupPair(t, "room-1", "alice", "bob")

	res, err := env.engine.InitUpload(ctx, "alice", "x", 16, 1)
	require.NoError(t, err)
	_, err = env.engine.IngestChunk(ctx, "alice", res.FileID, 0, []byte("0123456789abcdef"))
	require.NoError(t, err)

	require.NoError(t, env.engine.HandleChunkError(ctx, res.FileID, 0, "checksum mismatch"))
	retries := env.sender.eventsFor("alice", protocol.EventChunkRetry)
	require.Len(t, retries, 1)
	assert.Equal(t, 1, retries[0].Payload["attempt"])

	require.NoError(t, env.engine.HandleChunkError(ctx, res.FileID, 0, "checksum mismatch"))
	require.NoError(t, env.engine.HandleChunkError(ctx, res.FileID, 0, "checksum mismatch"))

	state, err := env.store.GetUploadState(ctx, res.FileID)
	require.NoError(t, err)
	assert.Equal(t, storage.UploadFailed, state.Status)
}

func TestUploadProgressSnapshot(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.setupPair(t, "room-1", "alice", "bob")

	res, err := env.engine.InitUpload(ctx, "alice", "x", 32, 2)
	require.NoError(t, err)
	_, err = env.engine.IngestChunk(ctx, "alice", res.FileID, 0, []byte("0123456789abcdef"))
	require.NoError(t, err)

	progress, err := env.engine.UploadProgress(ctx, res.FileID)
	require.NoError(t, err)
	assert.Equal(t, "x", progress.FileName)
	assert.Equal(t, 1, progress.UploadedChunks)
	assert.Equal(t, 50, progress.Progress)
	assert.Equal(t, storage.UploadUploading, progress.Status)

	_, err = env.engine.UploadProgress(ctx, "missing")
	assert.ErrorIs(t, err, ErrUploadNotFound)
}
