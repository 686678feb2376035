package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	security "github.com/simanam/omni-realtime/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("gateway-test-secret")

func newTestGateway(t *testing.T) (*Manager, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := &fakeBus{}
	mgr := NewManager(Conf{NodeID: "node-test", PresenceTTL: time.Minute}, bus)
	require.NoError(t, mgr.Run(context.Background()))
	t.Cleanup(mgr.Close)

	srv := NewServer(mgr, testSecret)
	r := gin.New()
	r.GET("/ws", srv.HandleWS)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return mgr, ts
}

func testToken(t *testing.T, user string) string {
	t.Helper()
	token, _, _, err := security.Generate(security.DefaultOptions(testSecret), user, nil)
	require.NoError(t, err)
	return token
}

func dialWS(t *testing.T, ts *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + testToken(t, user)
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })

	// connected ack arrives before anything else
	env := readEnvelope(t, ws)
	require.Equal(t, EventConnected, env.Type)
	require.Equal(t, user, env.Data["user_id"])
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	env := &Envelope{}
	require.NoError(t, json.Unmarshal(raw, env))
	return env
}

func writeJSON(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, raw))
}

func TestHandshakeRejectsMissingToken(t *testing.T) {
	_, ts := newTestGateway(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "upgrade succeeds, close follows")
	if resp != nil {
		defer resp.Body.Close()
	}
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, rerr := ws.ReadMessage()
	require.Error(t, rerr)
	assert.True(t, websocket.IsCloseError(rerr, websocket.ClosePolicyViolation),
		"expected policy violation close, got %v", rerr)
}

func TestHandshakeRejectsGarbageToken(t *testing.T) {
	mgr, ts := newTestGateway(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=not-a-jwt"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, rerr := ws.ReadMessage()
	require.Error(t, rerr)
	assert.Empty(t, mgr.localUsers(), "no registry state before auth succeeds")
}

func TestPingPong(t *testing.T) {
	_, ts := newTestGateway(t)
	ws := dialWS(t, ts, "alice")

	writeJSON(t, ws, map[string]any{"type": "ping"})
	env := readEnvelope(t, ws)
	assert.Equal(t, EventPong, env.Type)
	assert.NotEmpty(t, env.Timestamp)
}

func TestSubscribeWithoutChannelKeepsConnOpen(t *testing.T) {
	_, ts := newTestGateway(t)
	ws := dialWS(t, ts, "alice")

	writeJSON(t, ws, map[string]any{"type": "subscribe"})
	env := readEnvelope(t, ws)
	require.Equal(t, EventError, env.Type)
	assert.Equal(t, CodeInvalidRequest, env.Data["code"])

	// still connected
	writeJSON(t, ws, map[string]any{"type": "ping"})
	assert.Equal(t, EventPong, readEnvelope(t, ws).Type)
}

func TestMalformedFrameKeepsConnOpen(t *testing.T) {
	_, ts := newTestGateway(t)
	ws := dialWS(t, ts, "alice")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	env := readEnvelope(t, ws)
	require.Equal(t, EventError, env.Type)
	assert.Equal(t, CodeInvalidJSON, env.Data["code"])

	writeJSON(t, ws, map[string]any{"type": "ping"})
	assert.Equal(t, EventPong, readEnvelope(t, ws).Type)
}

func TestUnknownEventTag(t *testing.T) {
	_, ts := newTestGateway(t)
	ws := dialWS(t, ts, "alice")

	writeJSON(t, ws, map[string]any{"type": "teleport"})
	env := readEnvelope(t, ws)
	require.Equal(t, EventError, env.Type)
	assert.Equal(t, CodeUnknownEvent, env.Data["code"])
}

func TestMessageRequiresChannelAndData(t *testing.T) {
	_, ts := newTestGateway(t)
	ws := dialWS(t, ts, "alice")

	writeJSON(t, ws, map[string]any{"type": "message", "channel": "room"})
	env := readEnvelope(t, ws)
	require.Equal(t, EventError, env.Type)
	assert.Equal(t, CodeInvalidRequest, env.Data["code"])
}

func TestChannelMessageExcludesSender(t *testing.T) {
	_, ts := newTestGateway(t)
	wsA := dialWS(t, ts, "alice")
	wsB := dialWS(t, ts, "bob")

	writeJSON(t, wsA, map[string]any{"type": "subscribe", "channel": "room"})
	require.Equal(t, EventSubscribed, readEnvelope(t, wsA).Type)
	writeJSON(t, wsB, map[string]any{"type": "subscribe", "channel": "room"})
	require.Equal(t, EventSubscribed, readEnvelope(t, wsB).Type)

	writeJSON(t, wsA, map[string]any{
		"type":    "message",
		"channel": "room",
		"data":    map[string]any{"text": "hello"},
	})

	env := readEnvelope(t, wsB)
	require.Equal(t, EventMessage, env.Type)
	assert.Equal(t, "room", env.Channel)
	assert.Equal(t, "hello", env.Data["text"])
	assert.Equal(t, "alice", env.Data["sender_id"])

	// the sender must not see its own broadcast
	require.NoError(t, wsA.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, rerr := wsA.ReadMessage()
	assert.Error(t, rerr, "no frame expected for the sender")
}

func TestCloseTriggersDisconnectCleanup(t *testing.T) {
	mgr, ts := newTestGateway(t)
	ws := dialWS(t, ts, "alice")

	writeJSON(t, ws, map[string]any{"type": "subscribe", "channel": "room"})
	require.Equal(t, EventSubscribed, readEnvelope(t, ws).Type)

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = ws.Close()

	require.Eventually(t, func() bool {
		return len(mgr.localUsers()) == 0
	}, 2*time.Second, 20*time.Millisecond, "registry cleaned after transport close")

	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	assert.Empty(t, mgr.byChannel, "channel membership cleaned")
}

func TestStatusEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	bus := &fakeBus{}
	mgr := NewManager(Conf{NodeID: "node-test", PresenceTTL: time.Minute}, bus)
	require.NoError(t, mgr.Run(context.Background()))
	t.Cleanup(mgr.Close)

	mustConnect(t, mgr, "alice")
	mustConnect(t, mgr, "alice")
	mustConnect(t, mgr, "bob")

	r := gin.New()
	r.GET("/status", StatusHandler(mgr))
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var st Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, 3, st.LocalConnections)
	assert.Equal(t, 2, st.LocalUsers)
	assert.Equal(t, 2, st.TotalOnlineUsers)
	assert.ElementsMatch(t, []string{"alice", "bob"}, st.OnlineUserIDs)
}
