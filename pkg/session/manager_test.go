package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamlink/beam/pkg/cluster"
	"github.com/beamlink/beam/pkg/protocol"
	"github.com/beamlink/beam/pkg/pubsub"
	pubsubmem "github.com/beamlink/beam/pkg/pubsub/memory"
	"github.com/beamlink/beam/pkg/storage"
	"github.com/beamlink/beam/pkg/storage/memory"
)

// localSender collects frames addressed to locally bound sockets.
type localSender struct {
	mu      sync.Mutex
	clients map[string]string
	frames  map[string][]sentFrame // clientID -> frames
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

func (l *localSender) framesFor(clientID string) []sentFrame {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]sentFrame, len(l.frames[clientID]))
	copy(out, l.frames[clientID])
	return out
}

func (l *localSender) countEvents(clientID, event string) int {
	n := 0
	for _, f := range l.framesFor(clientID) {
		if f.Event == event {
			n++
		}
	}
	return n
}

type testEnv struct {
	store  storage.Store
	bus    *pubsubmem.MemoryPubSub
	mgr    *Manager
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

	t.Cleanup(func() {
		coord.Stop()
		_ = reg.Shutdown(ctx)
		_ = bus.Close()
		_ = store.Close()
	})

	return &testEnv{
		store:  store,
		bus:    bus,
		mgr:    NewManager(store, bus, coord, reg, nil, cfg),
		sender: sender,
	}
}

// register binds a socket and registers the client in one step.
func (e *testEnv) register(t *testing.T, clientID, socketID string) *RegisterResult {
	t.Helper()
	e.sender.bind(clientID, socketID)
	res, err := e.mgr.Register(context.Background(), clientID, socketID)
	require.NoError(t, err)
	return res
}

func TestRegister(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	announced := make(chan map[string]any, 1)
	_, err := env.bus.Subscribe(ctx, pubsub.ChannelSessionCreated, func(_ string, p map[string]any) {
		announced <- p
	})
	require.NoError(t, err)

	res := env.register(t, "client-a", "sock-a")
	assert.NotEmpty(t, res.NodeID)
	assert.True(t, res.IsMaster, "single node is its own master")
	assert.Equal(t, res.NodeID, res.MasterID)

	sess, err := env.store.GetSession(ctx, "client-a")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.True(t, sess.Connected)
	assert.Equal(t, "sock-a", sess.SocketID)

	select {
	case p := <-announced:
		assert.Equal(t, "client-a", p["clientId"])
	case <-time.After(time.Second):
		t.Fatal("session:created not published")
	}
}

func TestRegisterReconnectKeepsTransfers(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	env.register(t, "client-a", "sock-1")
	sess, err := env.store.GetSession(ctx, "client-a")
	require.NoError(t, err)
	sess.Downloads = []string{"file-1"}
	require.NoError(t, env.store.PutSession(ctx, sess))

	env.register(t, "client-a", "sock-2")
	sess, err = env.store.GetSession(ctx, "client-a")
	require.NoError(t, err)
	assert.Equal(t, "sock-2", sess.SocketID)
	assert.Equal(t, []string{"file-1"}, sess.Downloads)
}

func TestHeartbeat(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	env.register(t, "client-a", "sock-a")
	before, err := env.store.GetSession(ctx, "client-a")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, env.mgr.Heartbeat(ctx, "client-a"))

	after, err := env.store.GetSession(ctx, "client-a")
	require.NoError(t, err)
	assert.True(t, after.LastHeartbeat.After(before.LastHeartbeat))
}

func TestHeartbeatUnknownClient(t *testing.T) {
	env := newTestEnv(t, Config{})
	err := env.mgr.Heartbeat(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestHeartbeatRateLimited(t *testing.T) {
	env := newTestEnv(t, Config{HeartbeatLimit: 3, HeartbeatWindow: time.Minute})
	ctx := context.Background()

	env.register(t, "client-a", "sock-a")
	for i := 0; i < 3; i++ {
		require.NoError(t, env.mgr.Heartbeat(ctx, "client-a"))
	}

	err := env.mgr.Heartbeat(ctx, "client-a")
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.True(t, rl.ResetAt.After(time.Now()))
}

func TestCreateShareGeneratesID(t *testing.T) {
	env := newTestEnv(t, Config{})

	env.register(t, "client-a", "sock-a")
	share, err := env.mgr.CreateShare(context.Background(), "client-a", "")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(share.ShareID, "share-"))
	assert.Equal(t, []string{"client-a"}, share.Clients)
	assert.Equal(t, storage.ShareActive, share.Status)

	// Creator hears the room is open.
	assert.Eventually(t, func() bool {
		return env.sender.countEvents("client-a", protocol.EventConnectionReady) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestCreateShareDuplicateRejected(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	env.register(t, "client-a", "sock-a")
	env.register(t, "client-b", "sock-b")

	_, err := env.mgr.CreateShare(ctx, "client-a", "room-1")
	require.NoError(t, err)

	_, err = env.mgr.CreateShare(ctx, "client-b", "room-1")
	assert.ErrorIs(t, err, ErrShareExists)
}

func TestJoinShare(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	env.register(t, "client-a", "sock-a")
	env.register(t, "client-b", "sock-b")

	_, err := env.mgr.CreateShare(ctx, "client-a", "room-1")
	require.NoError(t, err)

	share, err := env.mgr.JoinShare(ctx, "room-1", "client-b")
	require.NoError(t, err)
	assert.Equal(t, []string{"client-a", "client-b"}, share.Clients)

	// Each participant hears about the other exactly once.
	assert.Eventually(t, func() bool {
		return env.sender.countEvents("client-a", protocol.EventClientJoinedShare) == 1 &&
			env.sender.countEvents("client-b", protocol.EventClientJoinedShare) == 1
	}, time.Second, 10*time.Millisecond)

	for _, clientID := range []string{"client-a", "client-b"} {
		for _, f := range env.sender.framesFor(clientID) {
			if f.Event != protocol.EventClientJoinedShare {
				continue
			}
			assert.NotEqual(t, clientID, f.Payload["clientId"], "join notice names the peer, not self")
			assert.Equal(t, "room-1", f.Payload["shareId"])
		}
	}

	sess, err := env.store.GetSession(ctx, "client-b")
	require.NoError(t, err)
	assert.Equal(t, "room-1", sess.ShareID)
}

func TestJoinShareMissing(t *testing.T) {
	env := newTestEnv(t, Config{})
	_, err := env.mgr.JoinShare(context.Background(), "no-such-room", "client-a")
	assert.ErrorIs(t, err, ErrShareNotFound)
}

func TestJoinShareFull(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	env.register(t, "client-a", "sock-a")
	env.register(t, "client-b", "sock-b")
	env.register(t, "client-c", "sock-c")

	_, err := env.mgr.CreateShare(ctx, "client-a", "room-1")
	require.NoError(t, err)
	_, err = env.mgr.JoinShare(ctx, "room-1", "client-b")
	require.NoError(t, err)

	_, err = env.mgr.JoinShare(ctx, "room-1", "client-c")
	assert.ErrorIs(t, err, ErrShareFull)
}

func TestJoinShareIdempotentForMember(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	env.register(t, "client-a", "sock-a")
	_, err := env.mgr.CreateShare(ctx, "client-a", "room-1")
	require.NoError(t, err)

	share, err := env.mgr.JoinShare(ctx, "room-1", "client-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"client-a"}, share.Clients)
}

func TestCreateShareRejectsMemberOfAnotherShare(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	env.register(t, "client-a", "sock-a")
	env.register(t, "client-b", "sock-b")
	_, err := env.mgr.CreateShare(ctx, "client-b", "room-1")
	require.NoError(t, err)
	_, err = env.mgr.JoinShare(ctx, "room-1", "client-a")
	require.NoError(t, err)

	_, err = env.mgr.CreateShare(ctx, "client-a", "room-2")
	assert.ErrorIs(t, err, ErrAlreadyInShare)

	// The client stays in exactly one room and no second room appears.
	share, err := env.store.GetShare(ctx, "room-1")
	require.NoError(t, err)
	require.NotNil(t, share)
	assert.True(t, share.HasClient("client-a"))

	share, err = env.store.GetShare(ctx, "room-2")
	require.NoError(t, err)
	assert.Nil(t, share)

	sess, err := env.store.GetSession(ctx, "client-a")
	require.NoError(t, err)
	assert.Equal(t, "room-1", sess.ShareID)
}

func TestJoinShareRejectsMemberOfAnotherShare(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	env.register(t, "client-a", "sock-a")
	env.register(t, "client-b", "sock-b")
	_, err := env.mgr.CreateShare(ctx, "client-a", "room-1")
	require.NoError(t, err)
	_, err = env.mgr.CreateShare(ctx, "client-b", "room-2")
	require.NoError(t, err)

	_, err = env.mgr.JoinShare(ctx, "room-2", "client-a")
	assert.ErrorIs(t, err, ErrAlreadyInShare)

	share, err := env.store.GetShare(ctx, "room-2")
	require.NoError(t, err)
	require.NotNil(t, share)
	assert.Equal(t, []string{"client-b"}, share.Clients)

	sess, err := env.store.GetSession(ctx, "client-a")
	require.NoError(t, err)
	assert.Equal(t, "room-1", sess.ShareID)
}

func TestStaleShareBindingIsCleared(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	env.register(t, "client-a", "sock-a")
	_, err := env.mgr.CreateShare(ctx, "client-a", "room-1")
	require.NoError(t, err)

	// The room expires out of the store while the session binding lingers.
	require.NoError(t, env.store.DeleteShare(ctx, "room-1"))

	share, err := env.mgr.CreateShare(ctx, "client-a", "room-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"client-a"}, share.Clients)

	sess, err := env.store.GetSession(ctx, "client-a")
	require.NoError(t, err)
	assert.Equal(t, "room-2", sess.ShareID)
}

func TestDisconnectNotifiesPeerAndDeletesEmptyShare(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	env.register(t, "client-a", "sock-a")
	env.register(t, "client-b", "sock-b")
	_, err := env.mgr.CreateShare(ctx, "client-a", "room-1")
	require.NoError(t, err)
	_, err = env.mgr.JoinShare(ctx, "room-1", "client-b")
	require.NoError(t, err)

	ended := make(chan map[string]any, 1)
	_, err = env.bus.Subscribe(ctx, pubsub.ChannelSessionEnded, func(_ string, p map[string]any) {
		ended <- p
	})
	require.NoError(t, err)

	env.mgr.Disconnect(ctx, "sock-a")

	assert.Eventually(t, func() bool {
		return env.sender.countEvents("client-b", protocol.EventClientDisconnected) == 1
	}, time.Second, 10*time.Millisecond)

	sess, err := env.store.GetSession(ctx, "client-a")
	require.NoError(t, err)
	assert.False(t, sess.Connected)

	share, err := env.store.GetShare(ctx, "room-1")
	require.NoError(t, err)
	require.NotNil(t, share)
	assert.Equal(t, []string{"client-b"}, share.Clients)

	select {
	case p := <-ended:
		assert.Equal(t, "client-a", p["clientId"])
	case <-time.After(time.Second):
		t.Fatal("session:ended not published")
	}

	// Last participant leaves: the room is deleted.
	env.mgr.Disconnect(ctx, "sock-b")
	share, err = env.store.GetShare(ctx, "room-1")
	require.NoError(t, err)
	assert.Nil(t, share)
}

func TestDisconnectUnknownSocketIsNoOp(t *testing.T) {
	env := newTestEnv(t, Config{})
	assert.NotPanics(t, func() {
		env.mgr.Disconnect(context.Background(), "never-seen")
	})
}

func TestCollectStats(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	env.register(t, "client-a", "sock-a")
	env.register(t, "client-b", "sock-b")
	env.mgr.Disconnect(ctx, "sock-b")

	_, err := env.store.IncrCounter(ctx, storage.CounterFilesSent)
	require.NoError(t, err)

	stats, err := env.mgr.CollectStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.FilesSent)
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Equal(t, int64(2), stats.UsersJoined)
}

func TestShareLookup(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	env.register(t, "client-a", "sock-a")
	_, err := env.mgr.CreateShare(ctx, "client-a", "room-1")
	require.NoError(t, err)

	share, err := env.mgr.Share(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, "room-1", share.ShareID)

	_, err = env.mgr.Share(ctx, "missing")
	assert.True(t, errors.Is(err, ErrShareNotFound))
}
