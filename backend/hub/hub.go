// Package hub multiplexes persistent websocket connections into consultation
// sessions and fans chat and typing traffic out to their members.
package hub

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/consultwire/consult-backend/backend/model"
)

const (
	defaultSendQueueSize  = 256
	defaultWriteDeadline  = 10 * time.Second
	defaultMaxMessageSize = 8192

	// pong wait minus ping interval is how long the peer has to answer the last probe
	defaultPingInterval = 54 * time.Second
	defaultPongWait     = 60 * time.Second

	defaultMessageRate  = rate.Limit(20)
	defaultMessageBurst = 40
)

type Config struct {
	Logger *zerolog.Logger

	// SendQueueSize bounds each connection's outbound queue. A member whose
	// queue is full at fan-out time is evicted instead of stalling the room.
	SendQueueSize int

	PingInterval  time.Duration
	PongWait      time.Duration
	WriteDeadline time.Duration

	MaxMessageSize int64
	MessageRate    rate.Limit
	MessageBurst   int
}

func (cfg Config) withDefaults() Config {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.WriteDeadline <= 0 {
		cfg.WriteDeadline = defaultWriteDeadline
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.MessageRate <= 0 {
		cfg.MessageRate = defaultMessageRate
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = defaultMessageBurst
	}
	return cfg
}

// Hub is the single authority over membership and routing. All mutations
// flow through one event loop, so a registration and a broadcast never
// interleave and every room observes broadcasts in the same order.
type Hub struct {
	cfg    Config
	logger zerolog.Logger

	conns map[*Connection]struct{}
	users map[string][]*Connection // registration order, most recent last
	rooms *roomTable

	register   chan *Connection
	unregister chan *Connection
	inbound    chan model.Envelope
	commands   chan func()

	done chan struct{}
}

func New(cfg Config) *Hub {
	cfg = cfg.withDefaults()
	return &Hub{
		cfg:        cfg,
		logger:     cfg.Logger.With().Str("component", "hub").Logger(),
		conns:      make(map[*Connection]struct{}),
		users:      make(map[string][]*Connection),
		rooms:      newRoomTable(),
		register:   make(chan *Connection),
		unregister: make(chan *Connection),
		inbound:    make(chan model.Envelope),
		commands:   make(chan func()),
		done:       make(chan struct{}),
	}
}

// Run processes registrations, unregistrations, and inbound envelopes one
// at a time until ctx is canceled. It must be running before any connection
// is handed to Register.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info().Msg("hub started")
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case conn := <-h.register:
			h.handleRegister(conn)
		case conn := <-h.unregister:
			h.drop(conn)
		case env := <-h.inbound:
			h.route(env)
		case fn := <-h.commands:
			fn()
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	for conn := range h.conns {
		conn.closeQueue()
	}
	h.logger.Info().Int("connections", len(h.conns)).Msg("hub stopped")
	h.conns = make(map[*Connection]struct{})
	h.users = make(map[string][]*Connection)
	h.rooms = newRoomTable()
}

// Register adds the connection to the hub and confirms it to the client.
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
	case <-h.done:
	}
}

// Unregister removes the connection from the hub and from every session it
// had joined. Unregistering an already-removed connection is a no-op.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Dispatch hands an inbound envelope to the router.
func (h *Hub) Dispatch(env model.Envelope) {
	select {
	case h.inbound <- env:
	case <-h.done:
	}
}

func (h *Hub) do(fn func()) {
	select {
	case h.commands <- fn:
	case <-h.done:
	}
}

// JoinRoom adds the user's most recent connection to the session.
func (h *Hub) JoinRoom(userID, sessionID string) {
	h.do(func() {
		h.joinRoom(userID, sessionID)
	})
}

// LeaveRoom removes the user's most recent connection from the session,
// deleting the session once its last member is gone.
func (h *Hub) LeaveRoom(userID, sessionID string) {
	h.do(func() {
		h.leaveRoom(userID, sessionID)
	})
}

// BroadcastToRoom delivers the envelope to every current member of the
// session, sender included.
func (h *Hub) BroadcastToRoom(sessionID string, env model.Envelope) {
	h.do(func() {
		h.broadcastToRoom(sessionID, env, "")
	})
}

// BroadcastToUser delivers the envelope to every live connection of the user.
func (h *Hub) BroadcastToUser(userID string, env model.Envelope) {
	h.do(func() {
		h.stamp(&env)
		for _, conn := range append([]*Connection(nil), h.users[userID]...) {
			h.offer(conn, env)
		}
	})
}

// ConnectedUsers reports the number of live connections.
func (h *Hub) ConnectedUsers() int {
	res := make(chan int, 1)
	h.do(func() { res <- len(h.conns) })
	select {
	case n := <-res:
		return n
	case <-h.done:
		return 0
	}
}

// RoomParticipants reports the number of members currently in the session.
func (h *Hub) RoomParticipants(sessionID string) int {
	res := make(chan int, 1)
	h.do(func() { res <- h.rooms.participants(sessionID) })
	select {
	case n := <-res:
		return n
	case <-h.done:
		return 0
	}
}

func (h *Hub) handleRegister(conn *Connection) {
	h.conns[conn] = struct{}{}
	h.users[conn.userID] = append(h.users[conn.userID], conn)

	h.logger.Debug().
		Str("connID", conn.id).
		Str("userID", conn.userID).
		Msg("connection registered")

	confirmation := model.Envelope{
		Type: model.TypeConnectionConfirmed,
		Data: map[string]any{"status": "connected"},
	}
	h.stamp(&confirmation)
	h.offer(conn, confirmation)
}

// drop removes the connection from the global set, its user slot, and every
// room it had joined, then closes its queue. Safe to call more than once.
func (h *Hub) drop(conn *Connection) {
	if _, ok := h.conns[conn]; !ok {
		return
	}
	delete(h.conns, conn)

	remaining := h.users[conn.userID][:0]
	for _, c := range h.users[conn.userID] {
		if c != conn {
			remaining = append(remaining, c)
		}
	}
	if len(remaining) == 0 {
		delete(h.users, conn.userID)
	} else {
		h.users[conn.userID] = remaining
	}

	h.rooms.leaveAll(conn)
	conn.closeQueue()

	h.logger.Debug().
		Str("connID", conn.id).
		Str("userID", conn.userID).
		Msg("connection removed")
}

// route maps an envelope type to its handler. Unknown types are dropped
// without surfacing an error to the sender.
func (h *Hub) route(env model.Envelope) {
	switch env.Type {
	case model.TypeJoinConsultation:
		h.handleJoin(env)
	case model.TypeLeaveConsultation:
		h.handleLeave(env)
	case model.TypeChatMessage:
		h.handleChat(env)
	case model.TypeTypingStart, model.TypeTypingStop:
		h.handleTyping(env)
	case model.TypePing:
		h.handlePing(env)
	default:
		h.logger.Warn().
			Str("type", env.Type).
			Str("userID", env.UserID).
			Msg("unknown envelope type, dropping")
	}
}

// resolve returns the most recently registered connection of the user,
// matching one active session per user.
func (h *Hub) resolve(userID string) *Connection {
	conns := h.users[userID]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

func (h *Hub) handleJoin(env model.Envelope) {
	sessionID, ok := model.SessionIDFromData(env.Data)
	if !ok {
		h.logger.Debug().Str("userID", env.UserID).Msg("join without session id")
		return
	}
	h.joinRoom(env.UserID, sessionID)
}

func (h *Hub) handleLeave(env model.Envelope) {
	sessionID, ok := model.SessionIDFromData(env.Data)
	if !ok {
		return
	}
	h.leaveRoom(env.UserID, sessionID)
}

func (h *Hub) joinRoom(userID, sessionID string) {
	conn := h.resolve(userID)
	if conn == nil {
		return
	}
	h.rooms.join(sessionID, conn)
	h.logger.Debug().
		Str("connID", conn.id).
		Str("sessionID", sessionID).
		Msg("connection joined session")
}

func (h *Hub) leaveRoom(userID, sessionID string) {
	conn := h.resolve(userID)
	if conn == nil || !h.rooms.isMember(sessionID, conn) {
		return
	}
	h.rooms.leave(sessionID, conn)
	h.logger.Debug().
		Str("connID", conn.id).
		Str("sessionID", sessionID).
		Msg("connection left session")
}

func (h *Hub) handleChat(env model.Envelope) {
	sessionID, ok := model.SessionIDFromData(env.Data)
	if !ok {
		return
	}
	conn := h.resolve(env.UserID)
	if conn == nil || !h.rooms.isMember(sessionID, conn) {
		h.logger.Debug().
			Str("userID", env.UserID).
			Str("sessionID", sessionID).
			Msg("chat from non-member, dropping")
		return
	}
	h.broadcastToRoom(sessionID, model.Envelope{
		Type:   model.TypeChatMessage,
		Data:   env.Data,
		ID:     env.ID,
		UserID: env.UserID,
	}, "")
}

func (h *Hub) handleTyping(env model.Envelope) {
	sessionID, ok := model.SessionIDFromData(env.Data)
	if !ok {
		return
	}
	conn := h.resolve(env.UserID)
	if conn == nil || !h.rooms.isMember(sessionID, conn) {
		return
	}
	h.broadcastToRoom(sessionID, model.Envelope{
		Type: env.Type,
		Data: map[string]any{"userId": env.UserID},
	}, env.UserID)
}

func (h *Hub) handlePing(env model.Envelope) {
	conn := h.resolve(env.UserID)
	if conn == nil {
		return
	}
	pong := model.Envelope{Type: model.TypePong, ID: env.ID}
	h.stamp(&pong)
	h.offer(conn, pong)
}

// broadcastToRoom stamps the envelope and enqueues it onto every member of
// the session as of this moment, skipping members owned by skipUserID.
func (h *Hub) broadcastToRoom(sessionID string, env model.Envelope, skipUserID string) {
	env.SessionID = sessionID
	h.stamp(&env)
	for _, member := range h.rooms.members(sessionID) {
		if skipUserID != "" && member.userID == skipUserID {
			continue
		}
		h.offer(member, env)
	}
}

// offer enqueues without ever blocking the loop: a full queue means the
// member is too slow to keep and is evicted on the spot.
func (h *Hub) offer(conn *Connection, env model.Envelope) bool {
	if _, ok := h.conns[conn]; !ok {
		return false
	}
	select {
	case conn.send <- env:
		return true
	default:
		h.logger.Warn().
			Str("connID", conn.id).
			Str("userID", conn.userID).
			Msg("outbound queue full, evicting connection")
		h.drop(conn)
		return false
	}
}

func (h *Hub) stamp(env *model.Envelope) {
	env.Timestamp = time.Now().Unix()
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
}
