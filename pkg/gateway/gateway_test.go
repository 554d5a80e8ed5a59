package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamlink/beam/pkg/cluster"
	"github.com/beamlink/beam/pkg/protocol"
	pubsubmem "github.com/beamlink/beam/pkg/pubsub/memory"
	"github.com/beamlink/beam/pkg/session"
	"github.com/beamlink/beam/pkg/storage"
	storagemem "github.com/beamlink/beam/pkg/storage/memory"
	"github.com/beamlink/beam/pkg/transfer"
)

type testStack struct {
	gateway *Gateway
	store   storage.Store
	coord   *cluster.Coordinator
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	store := storagemem.NewMemoryStore(storage.DefaultTTLs())
	bus := pubsubmem.NewMemoryPubSub()

	registry := cluster.NewRegistry(store, cluster.RegistryConfig{
		Hostname: "gw-test",
		Port:     0,
	})
	require.NoError(t, registry.Start(context.Background()))

	coord := cluster.NewCoordinator(store, bus, registry, cluster.CoordinatorConfig{
		ElectionInterval: 50 * time.Millisecond,
		LockTTL:          time.Second,
	}, nil)

	sessions := session.NewManager(store, bus, coord, registry, nil, session.Config{
		HeartbeatLimit:  1000,
		HeartbeatWindow: time.Minute,
	})
	transfers := transfer.NewEngine(store, coord, nil, transfer.Config{})

	gw := New(sessions, transfers, coord, registry, store, nil, nil, Config{
		CORSOrigin:     "*",
		Version:        "test",
		ClusterEnabled: true,
	})
	require.NoError(t, coord.Start(context.Background()))

	t.Cleanup(func() {
		coord.Stop()
		_ = registry.Shutdown(context.Background())
	})

	return &testStack{gateway: gw, store: store, coord: coord}
}

func TestHealthEndpoint(t *testing.T) {
	stack := newTestStack(t)
	srv := httptest.NewServer(stack.gateway.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])

	features := body["features"].(map[string]any)
	assert.Equal(t, true, features["cluster"])
	assert.Equal(t, false, features["redis"])

	clusterInfo := body["cluster"].(map[string]any)
	assert.NotEmpty(t, clusterInfo["nodeId"])
}

func TestShareCreateAndJoin(t *testing.T) {
	stack := newTestStack(t)
	srv := httptest.NewServer(stack.gateway.Router())
	defer srv.Close()

	post := func(path string, body map[string]any) (*http.Response, map[string]any) {
		raw, _ := json.Marshal(body)
		resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(raw))
		require.NoError(t, err)
		var decoded map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
		resp.Body.Close()
		return resp, decoded
	}

	resp, body := post("/api/share/create", map[string]any{"clientId": "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	shareID := body["shareId"].(string)
	assert.True(t, strings.HasPrefix(shareID, "share-"))

	resp, body = post("/api/share/join", map[string]any{"shareId": shareID, "clientId": "bob"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["connectedClients"])

	// Third participant is refused.
	resp, body = post("/api/share/join", map[string]any{"shareId": shareID, "clientId": "carol"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	errBody := body["error"].(map[string]any)
	assert.Equal(t, CodeShareSessionFull, errBody["code"])

	// Unknown share is a 404.
	resp, body = post("/api/share/join", map[string]any{"shareId": "share-nope", "clientId": "dave"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	errBody = body["error"].(map[string]any)
	assert.Equal(t, CodeNotFound, errBody["code"])
}

func TestShareCreateValidatesBody(t *testing.T) {
	stack := newTestStack(t)
	srv := httptest.NewServer(stack.gateway.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/share/create", "application/json",
		strings.NewReader(`{"shareId": "share-x"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	errBody := body["error"].(map[string]any)
	assert.Equal(t, CodeBadRequest, errBody["code"])
}

func TestDuplicateShareConflicts(t *testing.T) {
	stack := newTestStack(t)
	srv := httptest.NewServer(stack.gateway.Router())
	defer srv.Close()

	raw := []byte(`{"clientId": "alice", "shareId": "share-dup"}`)
	resp, err := http.Post(srv.URL+"/api/share/create", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/share/create", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestUploadProgressEndpoint(t *testing.T) {
	stack := newTestStack(t)
	srv := httptest.NewServer(stack.gateway.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/uploads/missing-file")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClusterEndpoints(t *testing.T) {
	stack := newTestStack(t)
	srv := httptest.NewServer(stack.gateway.Router())
	defer srv.Close()

	assert.Eventually(t, func() bool {
		return stack.coord.IsMaster()
	}, time.Second, 10*time.Millisecond)

	var body map[string]any
	resp, err := http.Get(srv.URL + "/api/cluster/master")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["isMe"])
	assert.Equal(t, body["nodeId"], body["masterId"])

	resp, err = http.Get(srv.URL + "/api/cluster/nodes")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	nodes := body["nodes"].([]any)
	require.Len(t, nodes, 1)
	node := nodes[0].(map[string]any)
	assert.Equal(t, "gw-test", node["hostname"])
	assert.Equal(t, string(storage.NodeActive), node["status"])

	resp, err = http.Get(srv.URL + "/api/cluster/stats")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	stats := body["stats"].(map[string]any)
	assert.Equal(t, string(storage.RoleMaster), stats["role"])
	assert.Equal(t, float64(1), stats["nodes"])
}

func TestCORSHeadersAndPreflight(t *testing.T) {
	stack := newTestStack(t)
	stack.gateway.cfg.CORSOrigin = "https://beam.example.com"
	srv := httptest.NewServer(stack.gateway.Router())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/health", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://beam.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestOriginChecker(t *testing.T) {
	check := originChecker("https://beam.example.com")

	newReq := func(origin string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		return req
	}

	assert.True(t, check(newReq("")), "non-browser clients send no Origin")
	assert.True(t, check(newReq("https://beam.example.com")))
	assert.True(t, check(newReq("HTTPS://BEAM.EXAMPLE.COM")))
	assert.False(t, check(newReq("https://evil.example.com")))

	allowAll := originChecker("*")
	assert.True(t, allowAll(newReq("https://anywhere.example.com")))
}

// dialWS opens a websocket client against the test server.
func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// sendEvent writes one envelope on the client side.
func sendEvent(t *testing.T, ws *websocket.Conn, event string, payload any, ackID uint64) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(protocol.Message{
		Event:   event,
		Payload: raw,
		AckID:   ackID,
	}))
}

// readEvent reads frames until one matches the wanted event name.
func readEvent(t *testing.T, ws *websocket.Conn, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	require.NoError(t, ws.SetReadDeadline(deadline))
	for {
		var msg protocol.Message
		require.NoError(t, ws.ReadJSON(&msg), "waiting for %q", want)
		if msg.Event != want {
			continue
		}
		if msg.Payload == nil {
			return nil
		}
		decoded, err := protocol.Unmarshal(msg.Payload)
		require.NoError(t, err)
		return decoded
	}
}

func TestWebsocketRegisterAndHeartbeat(t *testing.T) {
	stack := newTestStack(t)
	srv := httptest.NewServer(stack.gateway.Router())
	defer srv.Close()

	ws := dialWS(t, srv)

	sendEvent(t, ws, protocol.EventRegister, map[string]any{"clientId": "alice"}, 0)
	registered := readEvent(t, ws, protocol.EventRegistered)
	assert.Equal(t, "alice", registered["clientId"])
	assert.NotEmpty(t, registered["nodeId"])

	sendEvent(t, ws, protocol.EventHeartbeat, map[string]any{"clientId": "alice"}, 0)
	ack := readEvent(t, ws, protocol.EventHeartbeatAck)
	assert.NotNil(t, ack["timestamp"])

	// The hub now resolves the client locally.
	socketID, ok := stack.gateway.Hub().SocketIDForClient("alice")
	assert.True(t, ok)
	assert.NotEmpty(t, socketID)
}

func TestWebsocketChunkRelay(t *testing.T) {
	stack := newTestStack(t)
	srv := httptest.NewServer(stack.gateway.Router())
	defer srv.Close()

	sender := dialWS(t, srv)
	receiver := dialWS(t, srv)

	sendEvent(t, sender, protocol.EventRegister, map[string]any{"clientId": "alice"}, 0)
	readEvent(t, sender, protocol.EventRegistered)
	sendEvent(t, receiver, protocol.EventRegister, map[string]any{"clientId": "bob"}, 0)
	readEvent(t, receiver, protocol.EventRegistered)

	// Pair the two clients over the HTTP admission surface.
	raw, _ := json.Marshal(map[string]any{"clientId": "alice", "shareId": "share-ws"})
	resp, err := http.Post(srv.URL+"/api/share/create", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	resp.Body.Close()
	raw, _ = json.Marshal(map[string]any{"clientId": "bob", "shareId": "share-ws"})
	resp, err = http.Post(srv.URL+"/api/share/join", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	resp.Body.Close()

	readEvent(t, sender, protocol.EventClientJoinedShare)

	sendEvent(t, sender, protocol.EventUploadInit, map[string]any{
		"clientId":    "alice",
		"fileName":    "photo.jpg",
		"fileSize":    6,
		"totalChunks": 2,
	}, 0)
	initResp := readEvent(t, sender, protocol.EventUploadInitResponse)
	fileID := initResp["fileId"].(string)
	require.NotEmpty(t, fileID)

	readEvent(t, receiver, protocol.EventFileTransferStarted)

	chunk := []byte("abc")
	sendEvent(t, sender, protocol.EventUploadChunk, map[string]any{
		"clientId":   "alice",
		"fileId":     fileID,
		"chunkIndex": 0,
		"chunk":      chunk,
	}, 7)

	received := readEvent(t, receiver, protocol.EventChunkReceived)
	assert.Equal(t, fileID, received["fileId"])
	assert.Equal(t, chunk, received["chunk"])

	// Sender gets its flow-control ack back with the matching id.
	require.NoError(t, sender.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg protocol.Message
		require.NoError(t, sender.ReadJSON(&msg))
		if msg.Event != protocol.AckEvent {
			continue
		}
		assert.Equal(t, uint64(7), msg.AckID)
		decoded, err := protocol.Unmarshal(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, true, decoded["received"])
		break
	}
}

func TestUnknownEventIsDiscarded(t *testing.T) {
	stack := newTestStack(t)
	srv := httptest.NewServer(stack.gateway.Router())
	defer srv.Close()

	ws := dialWS(t, srv)
	sendEvent(t, ws, "launch-missiles", map[string]any{}, 0)

	// Connection stays usable afterwards.
	sendEvent(t, ws, protocol.EventRegister, map[string]any{"clientId": "alice"}, 0)
	registered := readEvent(t, ws, protocol.EventRegistered)
	assert.Equal(t, "alice", registered["clientId"])
}

func TestDisconnectUnbindsClient(t *testing.T) {
	stack := newTestStack(t)
	srv := httptest.NewServer(stack.gateway.Router())
	defer srv.Close()

	ws := dialWS(t, srv)
	sendEvent(t, ws, protocol.EventRegister, map[string]any{"clientId": "alice"}, 0)
	readEvent(t, ws, protocol.EventRegistered)
	ws.Close()

	assert.Eventually(t, func() bool {
		_, ok := stack.gateway.Hub().SocketIDForClient("alice")
		return !ok
	}, 2*time.Second, 20*time.Millisecond)

	sess, err := stack.store.GetSession(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.False(t, sess.Connected)
}
