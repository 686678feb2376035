package chat

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/simanam/omni-realtime/logger"
	"github.com/simanam/omni-realtime/tools/safe"
	security "github.com/simanam/omni-realtime/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	readLimit    = 1 << 20 // 1MB
	readTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Server is the gateway endpoint: it upgrades the transport, runs the
// auth handshake, and drives the receive loop against the manager's
// contract. It never touches the registry directly.
type Server struct {
	mgr     *Manager
	jwtOpts security.Options
}

func NewServer(mgr *Manager, jwtSecret []byte) *Server {
	return &Server{
		mgr:     mgr,
		jwtOpts: security.DefaultOptions(jwtSecret),
	}
}

func (s *Server) Manager() *Manager { return s.mgr }

// HandleWS is the websocket route. State machine:
// awaiting-auth -> connected -> (subscribed)* -> closed.
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade failed: %v", err)
		return
	}

	// auth handshake before any manager state exists
	userID, aerr := s.authenticate(c.Request)
	if aerr != nil {
		logger.Infof("[ws] auth rejected from=%s: %v", c.Request.RemoteAddr, aerr)
		deadline := time.Now().Add(2 * time.Second)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"), deadline)
		_ = ws.Close()
		return
	}

	conn, cerr := s.mgr.Connect(ws, userID)
	if cerr != nil {
		logger.Errorf("[ws] connect user=%s: %v", userID, cerr)
		_ = ws.Close()
		return
	}
	// registry cleanup happens on every exit path; Disconnect is
	// idempotent so the implicit disconnect on a failed write is fine
	defer s.mgr.Disconnect(conn)

	s.mgr.SendToConn(conn, NewEnvelope(EventConnected, map[string]any{
		"connection_id": conn.ID,
		"user_id":       userID,
	}, ""))

	ws.SetReadLimit(readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	safe.Go(func() { keepalive(ws, done) })

	s.readLoop(conn, ws)
}

func (s *Server) readLoop(conn *Conn, ws *websocket.Conn) {
	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[ws] peer closed conn=%s", conn.ID)
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Infof("[ws] read timeout conn=%s", conn.ID)
			} else {
				logger.Infof("[ws] read err conn=%s: %v", conn.ID, rerr)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		env, perr := ParseEnvelope(data)
		if perr != nil {
			s.mgr.SendError(conn, CodeInvalidJSON, "malformed message payload", nil)
			continue
		}
		s.dispatch(conn, env)
	}
}

// dispatch handles one inbound envelope. Protocol errors answer with an
// error frame and keep the connection open.
func (s *Server) dispatch(conn *Conn, env *Envelope) {
	switch env.Type {
	case EventPing:
		s.mgr.SendToConn(conn, NewEnvelope(EventPong, nil, ""))

	case EventSubscribe:
		if env.Channel == "" {
			s.mgr.SendError(conn, CodeInvalidRequest, "subscribe requires a channel", nil)
			return
		}
		s.mgr.Subscribe(conn, env.Channel)

	case EventUnsubscribe:
		if env.Channel == "" {
			s.mgr.SendError(conn, CodeInvalidRequest, "unsubscribe requires a channel", nil)
			return
		}
		s.mgr.Unsubscribe(conn, env.Channel)

	case EventMessage:
		if env.Channel == "" || env.Data == nil {
			s.mgr.SendError(conn, CodeInvalidRequest, "message requires channel and data", nil)
			return
		}
		out := NewEnvelope(EventMessage, env.Data, env.Channel)
		out.Data["sender_id"] = conn.UserID
		s.mgr.BroadcastChannel(env.Channel, out, conn.UserID)

	default:
		s.mgr.SendError(conn, CodeUnknownEvent, "unrecognized event type", map[string]any{"type": string(env.Type)})
	}
}

// authenticate resolves the bearer credential from the token query
// parameter or the Authorization header.
func (s *Server) authenticate(r *http.Request) (string, error) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
			if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				token = strings.TrimSpace(authz[len("bearer "):])
			}
		}
	}
	claims, err := security.Verify(s.jwtOpts, token)
	if err != nil {
		return "", err
	}
	return claims.Subject()
}

func keepalive(ws *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
