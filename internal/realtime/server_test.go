package realtime

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/iris-garden-go/internal/auth"
	"github.com/lk2023060901/iris-garden-go/internal/json"
	"github.com/lk2023060901/iris-garden-go/internal/presence"
	"github.com/lk2023060901/iris-garden-go/internal/realtime/broadcast"
	"github.com/lk2023060901/iris-garden-go/internal/realtime/gate"
	"github.com/lk2023060901/iris-garden-go/internal/realtime/protocol"
	"github.com/lk2023060901/iris-garden-go/internal/realtime/room"
	"github.com/lk2023060901/iris-garden-go/internal/realtime/session"
	"github.com/lk2023060901/iris-garden-go/pkg/log"
)

const testSecret = "server-test-secret"

type testEnv struct {
	srv   *httptest.Server
	store presence.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log.SetupTestLogger(t)

	registry := session.NewRegistry()
	rooms := room.NewIndex()
	engine := broadcast.NewEngine(registry, rooms, nil)
	store := presence.NewMemoryStore()
	g := gate.NewGate(auth.NewJWTVerifier(testSecret), nil)

	server := NewServer(g, registry, rooms, engine, store, session.Config{})
	httpSrv := httptest.NewServer(server.Handler())
	t.Cleanup(httpSrv.Close)

	return &testEnv{srv: httpSrv, store: store}
}

// dial 以 userID 的身份建立一条实时连接。
func (e *testEnv) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, err := auth.Issue(testSecret, userID, time.Minute)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws/" + userID + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// deliver 通过投递入口注入一条信封。
func (e *testEnv) deliver(t *testing.T, env *protocol.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	resp, err := http.Post(e.srv.URL+"/deliver", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func sendFrame(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

// readFrameOfType 读帧直到遇到目标类型，中途的其它帧丢弃。
func readFrameOfType(t *testing.T, conn *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for frame type %q", frameType)
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame["type"] == frameType {
			return frame
		}
	}
}

func assertNoFrameOfType(t *testing.T, conn *websocket.Conn, frameType string, wait time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		require.NotEqual(t, frameType, frame["type"])
	}
}

func TestGroupBroadcastLifecycle(t *testing.T) {
	e := newTestEnv(t)
	alice := e.dial(t, "alice")
	bob := e.dial(t, "bob")

	sendFrame(t, alice, `{"type":"join_group","group_id":"g-1"}`)
	sendFrame(t, bob, `{"type":"join_group","group_id":"g-1"}`)

	// join 无应答帧，经 ping/pong 确认帧已被处理。
	sendFrame(t, alice, `{"type":"ping"}`)
	readFrameOfType(t, alice, protocol.FramePong)
	sendFrame(t, bob, `{"type":"ping"}`)
	readFrameOfType(t, bob, protocol.FramePong)

	e.deliver(t, &protocol.Envelope{ID: "m-1", SenderID: "alice", GroupID: "g-1", Content: "hello"})

	frame := readFrameOfType(t, bob, protocol.FrameMessage)
	assert.Equal(t, "hello", frame["content"])
	assert.Equal(t, "alice", frame["sender_id"])

	// 发送方不经实时通道回显。
	assertNoFrameOfType(t, alice, protocol.FrameMessage, 300*time.Millisecond)
}

func TestDirectDelivery(t *testing.T) {
	e := newTestEnv(t)
	alice := e.dial(t, "alice")
	bob := e.dial(t, "bob")

	sendFrame(t, alice, `{"type":"ping"}`)
	readFrameOfType(t, alice, protocol.FramePong)

	e.deliver(t, &protocol.Envelope{ID: "m-1", SenderID: "alice", ReceiverID: "bob", Content: "psst"})

	frame := readFrameOfType(t, bob, protocol.FrameMessage)
	assert.Equal(t, "psst", frame["content"])
	assertNoFrameOfType(t, alice, protocol.FrameMessage, 300*time.Millisecond)
}

func TestLeaveGroupStopsDelivery(t *testing.T) {
	e := newTestEnv(t)
	bob := e.dial(t, "bob")

	sendFrame(t, bob, `{"type":"join_group","group_id":"g-1"}`)
	sendFrame(t, bob, `{"type":"leave_group","group_id":"g-1"}`)
	sendFrame(t, bob, `{"type":"ping"}`)
	readFrameOfType(t, bob, protocol.FramePong)

	e.deliver(t, &protocol.Envelope{ID: "m-1", SenderID: "alice", GroupID: "g-1", Content: "hello"})
	assertNoFrameOfType(t, bob, protocol.FrameMessage, 300*time.Millisecond)
}

func TestMalformedFrameKeepsConnectionUsable(t *testing.T) {
	e := newTestEnv(t)
	bob := e.dial(t, "bob")

	sendFrame(t, bob, `{"type":`)
	readFrameOfType(t, bob, protocol.FrameError)

	sendFrame(t, bob, `{"type":"subscribe"}`)
	readFrameOfType(t, bob, protocol.FrameError)

	sendFrame(t, bob, `{"type":"ping"}`)
	readFrameOfType(t, bob, protocol.FramePong)
}

func TestPresenceBroadcast(t *testing.T) {
	e := newTestEnv(t)
	watcher := e.dial(t, "watcher")

	bob := e.dial(t, "bob")
	online := readFrameOfType(t, watcher, protocol.FrameOnlineStatus)
	assert.Equal(t, "bob", online["user_id"])
	assert.Equal(t, true, online["is_online"])

	require.NoError(t, bob.Close())
	offline := readFrameOfType(t, watcher, protocol.FrameOnlineStatus)
	assert.Equal(t, "bob", offline["user_id"])
	assert.Equal(t, false, offline["is_online"])
}

func TestSupersessionKeepsFreshConnection(t *testing.T) {
	e := newTestEnv(t)
	stale := e.dial(t, "bob")

	fresh := e.dial(t, "bob")
	sendFrame(t, fresh, `{"type":"join_group","group_id":"g-1"}`)
	sendFrame(t, fresh, `{"type":"ping"}`)
	readFrameOfType(t, fresh, protocol.FramePong)

	// 旧连接被服务端关闭。
	require.NoError(t, stale.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := stale.ReadMessage(); err != nil {
			break
		}
	}

	// 旧连接的拆除不能把用户摘下线，也不能清掉新连接的房间成员关系。
	e.deliver(t, &protocol.Envelope{ID: "m-1", SenderID: "alice", GroupID: "g-1", Content: "still here"})
	frame := readFrameOfType(t, fresh, protocol.FrameMessage)
	assert.Equal(t, "still here", frame["content"])

	rec, err := e.store.Get(t.Context(), "bob")
	require.NoError(t, err)
	assert.True(t, rec.Online)
}

func TestTeardownRecordsLastSeen(t *testing.T) {
	e := newTestEnv(t)
	bob := e.dial(t, "bob")
	sendFrame(t, bob, `{"type":"ping"}`)
	readFrameOfType(t, bob, protocol.FramePong)

	require.NoError(t, bob.Close())

	require.Eventually(t, func() bool {
		rec, err := e.store.Get(t.Context(), "bob")
		return err == nil && !rec.Online && rec.LastSeen != nil
	}, 3*time.Second, 50*time.Millisecond)
}

func TestShutdownDrainsSessions(t *testing.T) {
	log.SetupTestLogger(t)
	dir := t.TempDir()

	store, err := presence.OpenBadgerStore(dir)
	require.NoError(t, err)

	registry := session.NewRegistry()
	rooms := room.NewIndex()
	engine := broadcast.NewEngine(registry, rooms, nil)
	g := gate.NewGate(auth.NewJWTVerifier(testSecret), nil)
	server := NewServer(g, registry, rooms, engine, store, session.Config{})
	httpSrv := httptest.NewServer(server.Handler())
	defer httpSrv.Close()

	e := &testEnv{srv: httpSrv, store: store}
	bob := e.dial(t, "bob")
	sendFrame(t, bob, `{"type":"ping"}`)
	readFrameOfType(t, bob, protocol.FramePong)

	ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
	defer cancel()
	server.Shutdown(ctx)
	assert.Equal(t, 0, registry.Count())

	// 客户端侧观察到连接被服务端关闭。
	require.NoError(t, bob.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := bob.ReadMessage(); err != nil {
			break
		}
	}

	require.NoError(t, store.Close())

	// 模拟重启：重新打开同一数据目录，排空时写入的离线状态必须还在。
	reopened, err := presence.OpenBadgerStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.Get(t.Context(), "bob")
	require.NoError(t, err)
	assert.False(t, rec.Online)
	assert.NotNil(t, rec.LastSeen)
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	resp, err := http.Get(e.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOnlineEndpoint(t *testing.T) {
	e := newTestEnv(t)
	alice := e.dial(t, "alice")
	sendFrame(t, alice, `{"type":"ping"}`)
	readFrameOfType(t, alice, protocol.FramePong)

	resp, err := http.Get(e.srv.URL + "/online")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Users []string `json:"users"`
		Count int      `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.Users, "alice")
	assert.Equal(t, 1, body.Count)
}

func TestPresenceEndpoint(t *testing.T) {
	e := newTestEnv(t)

	resp, err := http.Get(e.srv.URL + "/presence/ghost")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	alice := e.dial(t, "alice")
	sendFrame(t, alice, `{"type":"ping"}`)
	readFrameOfType(t, alice, protocol.FramePong)

	resp, err = http.Get(e.srv.URL + "/presence/alice")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rec presence.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.True(t, rec.Online)
}
