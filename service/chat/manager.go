package chat

import (
	"context"
	"sync"
	"time"

	"github.com/simanam/omni-realtime/logger"
	"github.com/simanam/omni-realtime/service/relay"
	"github.com/simanam/omni-realtime/service/storage"
	"github.com/simanam/omni-realtime/tools/safe"

	"github.com/pkg/errors"
)

// PresenceChannel carries user_online/user_offline envelopes. Clients
// subscribe to it like any other channel.
const PresenceChannel = "presence"

type Conf struct {
	NodeID        string
	PresenceTTL   time.Duration // staleness cutoff for cluster presence reads
	RefreshEvery  time.Duration // presence re-stamp interval
	WriteDeadline time.Duration // per-frame transport write deadline
}

func (c *Conf) norm() {
	if c.NodeID == "" {
		c.NodeID = "rt_gw-1"
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = 60 * time.Second
	}
	if c.RefreshEvery <= 0 {
		c.RefreshEvery = c.PresenceTTL / 3
	}
	if c.WriteDeadline <= 0 {
		c.WriteDeadline = 5 * time.Second
	}
}

// Manager owns the local connection registry and composes the presence
// store and relay bus behind the connect/disconnect/subscribe/broadcast
// contract. The registry is only ever mutated here, under mu; the
// gateway endpoint goes through these methods.
//
// Presence store and relay bus are best effort: failures are logged and
// swallowed, local delivery always proceeds.
type Manager struct {
	mu        sync.RWMutex
	byUser    map[string]map[string]*Conn    // user -> conn_id -> conn
	byChannel map[string]map[string]struct{} // channel -> set of user ids

	bus  relay.Bus
	conf Conf

	runCtx   context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func NewManager(conf Conf, bus relay.Bus) *Manager {
	conf.norm()
	return &Manager{
		byUser:    make(map[string]map[string]*Conn),
		byChannel: make(map[string]map[string]struct{}),
		bus:       bus,
		conf:      conf,
	}
}

func (m *Manager) NodeID() string { return m.conf.NodeID }

// Run starts the relay listener and the presence refresher. One call
// per process; returns once the listener subscription is live.
func (m *Manager) Run(ctx context.Context) error {
	m.runCtx, m.cancel = context.WithCancel(ctx)
	if err := m.bus.Subscribe(m.runCtx, m.handleRelay); err != nil {
		m.cancel()
		return errors.Wrap(err, "relay listener")
	}
	safe.Go(func() { m.refresher(m.runCtx) })
	return nil
}

// Close stops the relay listener and refresher. Idempotent. Live
// connections are not closed; they go away on their own disconnects.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
	})
}

// ===== connect / disconnect =====

// Connect registers an authenticated transport session. The gateway has
// already completed the handshake; this never fails on shared-infra
// trouble, only on bad arguments.
func (m *Manager) Connect(ws Transport, userID string) (*Conn, error) {
	if ws == nil || userID == "" {
		return nil, errors.New("transport/user empty")
	}
	conn := newConn(userID, ws)

	m.mu.Lock()
	mm := m.byUser[userID]
	first := len(mm) == 0
	if mm == nil {
		mm = make(map[string]*Conn)
		m.byUser[userID] = mm
	}
	mm[conn.ID] = conn
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := storage.PresenceOnline(ctx, m.conf.NodeID, userID); err != nil {
		logger.Warnf("[manager] presence online user=%s: %v", userID, err)
	}
	if first {
		m.BroadcastChannel(PresenceChannel, NewEnvelope(EventUserOnline, map[string]any{"user_id": userID}, PresenceChannel), "")
	}

	logger.Infof("[manager] connect user=%s conn=%s", userID, conn.ID)
	return conn, nil
}

// Disconnect removes the connection from the registry and every channel
// it was part of, then closes the transport. Safe to call from any exit
// path, any number of times.
func (m *Manager) Disconnect(conn *Conn) {
	if conn == nil {
		return
	}

	m.mu.Lock()
	mm := m.byUser[conn.UserID]
	_, known := mm[conn.ID]
	if known {
		delete(mm, conn.ID)
		for ch := range conn.channels {
			if !m.userHasChannelLocked(conn.UserID, ch) {
				m.dropSubscriberLocked(ch, conn.UserID)
			}
		}
		conn.channels = make(map[string]struct{})
		if len(mm) == 0 {
			delete(m.byUser, conn.UserID)
		}
	}
	last := known && m.byUser[conn.UserID] == nil
	// taken under the lock: a reconnect racing this disconnect stamps
	// presence strictly later, and the conditional delete leaves a
	// newer stamp alone
	cutoff := time.Now().UnixMilli()
	m.mu.Unlock()

	conn.closeQuiet()
	if !known {
		return
	}

	if last {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := storage.PresenceOffline(ctx, m.conf.NodeID, conn.UserID, cutoff); err != nil {
			logger.Warnf("[manager] presence offline user=%s: %v", conn.UserID, err)
		}
		m.BroadcastChannel(PresenceChannel, NewEnvelope(EventUserOffline, map[string]any{"user_id": conn.UserID}, PresenceChannel), "")
	}
	logger.Infof("[manager] disconnect user=%s conn=%s last=%v", conn.UserID, conn.ID, last)
}

// another live connection of this user still subscribed to ch?
func (m *Manager) userHasChannelLocked(userID, ch string) bool {
	for _, other := range m.byUser[userID] {
		if _, ok := other.channels[ch]; ok {
			return true
		}
	}
	return false
}

func (m *Manager) dropSubscriberLocked(ch, userID string) {
	if subs := m.byChannel[ch]; subs != nil {
		delete(subs, userID)
		if len(subs) == 0 {
			delete(m.byChannel, ch)
		}
	}
}

// ===== subscribe / unsubscribe =====

// Subscribe refuses a connection that is no longer registered: the
// read loop can race an implicit disconnect, and a mutation on behalf
// of a dead connection would leave the user in the channel's subscriber
// set with no cleanup path left to remove it.
func (m *Manager) Subscribe(conn *Conn, channel string) {
	if conn == nil || channel == "" {
		return
	}
	m.mu.Lock()
	if _, live := m.byUser[conn.UserID][conn.ID]; !live {
		m.mu.Unlock()
		return
	}
	conn.channels[channel] = struct{}{}
	subs := m.byChannel[channel]
	if subs == nil {
		subs = make(map[string]struct{})
		m.byChannel[channel] = subs
	}
	subs[conn.UserID] = struct{}{}
	m.mu.Unlock()

	m.SendToConn(conn, NewEnvelope(EventSubscribed, map[string]any{"channel": channel}, channel))
}

// Unsubscribe is a silent no-op for a channel the connection never
// subscribed to. The user stays in the channel's subscriber set while
// another of their connections still holds it.
func (m *Manager) Unsubscribe(conn *Conn, channel string) {
	if conn == nil || channel == "" {
		return
	}
	m.mu.Lock()
	_, had := conn.channels[channel]
	if had {
		delete(conn.channels, channel)
		if !m.userHasChannelLocked(conn.UserID, channel) {
			m.dropSubscriberLocked(channel, conn.UserID)
		}
	}
	m.mu.Unlock()

	if had {
		m.SendToConn(conn, NewEnvelope(EventUnsubscribed, map[string]any{"channel": channel}, channel))
	}
}

// ===== delivery =====

// SendToConn writes one envelope to a single connection. A transport
// failure is an implicit disconnect: the error never reaches the
// caller, only the false return does.
func (m *Manager) SendToConn(conn *Conn, env *Envelope) bool {
	if conn == nil || env == nil {
		return false
	}
	data, err := env.Encode()
	if err != nil {
		logger.Errorf("[manager] encode envelope type=%s: %v", env.Type, err)
		return false
	}
	if err := conn.write(data, m.conf.WriteDeadline); err != nil {
		logger.Infof("[manager] write failed, dropping conn user=%s conn=%s: %v", conn.UserID, conn.ID, err)
		m.Disconnect(conn)
		return false
	}
	return true
}

// SendToUser delivers to every local connection of the user and relays
// the envelope so their connections on other nodes get it too. Returns
// the local delivery count only.
func (m *Manager) SendToUser(userID string, env *Envelope) int {
	n := m.deliverUser(userID, env, "")
	m.publish(&RelayMessage{Scope: ScopeUser, Target: userID, Origin: m.conf.NodeID, Payload: env})
	return n
}

// BroadcastChannel delivers to every local subscriber of the channel
// except excludeUser, and relays with the same exclusion. Returns the
// local delivery count only.
func (m *Manager) BroadcastChannel(channel string, env *Envelope, excludeUser string) int {
	n := m.deliverChannel(channel, env, excludeUser)
	m.publish(&RelayMessage{Scope: ScopeChannel, Target: channel, Exclude: excludeUser, Origin: m.conf.NodeID, Payload: env})
	return n
}

// BroadcastAll delivers to every local connection and relays cluster
// wide.
func (m *Manager) BroadcastAll(env *Envelope) int {
	n := m.deliverAll(env, "")
	m.publish(&RelayMessage{Scope: ScopeAll, Origin: m.conf.NodeID, Payload: env})
	return n
}

// SendError wraps a coded error frame for the offending connection.
func (m *Manager) SendError(conn *Conn, code, message string, details map[string]any) {
	m.SendToConn(conn, NewErrorEnvelope(code, message, details))
}

// local-only delivery, shared by the public ops and the relay listener

func (m *Manager) deliverUser(userID string, env *Envelope, excludeUser string) int {
	if userID == excludeUser {
		return 0
	}
	m.mu.RLock()
	conns := make([]*Conn, 0, len(m.byUser[userID]))
	for _, c := range m.byUser[userID] {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	n := 0
	for _, c := range conns {
		if m.SendToConn(c, env) {
			n++
		}
	}
	return n
}

func (m *Manager) deliverChannel(channel string, env *Envelope, excludeUser string) int {
	m.mu.RLock()
	var conns []*Conn
	for uid := range m.byChannel[channel] {
		if uid == excludeUser {
			continue
		}
		for _, c := range m.byUser[uid] {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	n := 0
	for _, c := range conns {
		if m.SendToConn(c, env) {
			n++
		}
	}
	return n
}

func (m *Manager) deliverAll(env *Envelope, excludeUser string) int {
	m.mu.RLock()
	var conns []*Conn
	for uid, mm := range m.byUser {
		if uid == excludeUser {
			continue
		}
		for _, c := range mm {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	n := 0
	for _, c := range conns {
		if m.SendToConn(c, env) {
			n++
		}
	}
	return n
}

// ===== relay =====

func (m *Manager) publish(rm *RelayMessage) {
	data, err := rm.Encode()
	if err != nil {
		logger.Errorf("[manager] encode relay scope=%s: %v", rm.Scope, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.bus.Publish(ctx, data); err != nil {
		logger.Warnf("[manager] relay publish scope=%s: %v", rm.Scope, err)
	}
}

// handleRelay re-delivers an inbound relay message to local connections
// only. It never publishes: anything it put back on the bus would loop
// across nodes forever. Our own echoes are dropped by origin.
func (m *Manager) handleRelay(_ context.Context, payload []byte) {
	rm, err := DecodeRelay(payload)
	if err != nil {
		logger.Warnf("[manager] bad relay payload: %v", err)
		return
	}
	if rm.Origin == m.conf.NodeID {
		return
	}
	switch rm.Scope {
	case ScopeAll:
		m.deliverAll(rm.Payload, rm.Exclude)
	case ScopeUser:
		m.deliverUser(rm.Target, rm.Payload, rm.Exclude)
	case ScopeChannel:
		m.deliverChannel(rm.Target, rm.Payload, rm.Exclude)
	default:
		logger.Warnf("[manager] unknown relay scope=%q origin=%s", rm.Scope, rm.Origin)
	}
}

// ===== presence =====

// OnlineUsers reads cluster-wide presence; on a store outage it
// degrades to this node's local users.
func (m *Manager) OnlineUsers(ctx context.Context) []string {
	users, err := storage.ListOnline(ctx, m.conf.PresenceTTL)
	if err != nil {
		logger.Warnf("[manager] presence read degraded to local: %v", err)
		return m.localUsers()
	}
	return users
}

func (m *Manager) localUsers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byUser))
	for uid := range m.byUser {
		out = append(out, uid)
	}
	return out
}

// refresher re-stamps this node's users so their presence entries only
// age out when the node actually dies.
func (m *Manager) refresher(ctx context.Context) {
	t := time.NewTicker(m.conf.RefreshEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := storage.PresenceRefresh(rctx, m.conf.NodeID, m.localUsers()); err != nil {
				logger.Debug("presence refresh skipped: " + err.Error())
			}
			cancel()
		}
	}
}

// ===== status =====

type Stats struct {
	LocalConnections int      `json:"local_connections"`
	LocalUsers       int      `json:"local_users"`
	TotalOnlineUsers int      `json:"total_online_users"`
	OnlineUserIDs    []string `json:"online_user_ids"`
}

const statusMaxIDs = 100

func (m *Manager) StatsSnapshot(ctx context.Context) Stats {
	m.mu.RLock()
	conns := 0
	for _, mm := range m.byUser {
		conns += len(mm)
	}
	users := len(m.byUser)
	m.mu.RUnlock()

	online := m.OnlineUsers(ctx)
	ids := online
	if len(ids) > statusMaxIDs {
		ids = ids[:statusMaxIDs]
	}
	return Stats{
		LocalConnections: conns,
		LocalUsers:       users,
		TotalOnlineUsers: len(online),
		OnlineUserIDs:    ids,
	}
}
