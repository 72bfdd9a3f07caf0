package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/consultwire/consult-backend/backend/model"
)

// Connection owns one physical websocket channel. Its read loop forwards
// authenticated envelopes to the hub, its write loop drains the bounded
// send queue and probes peer liveness. Closing the send queue is the single
// signal that unwinds both loops and releases the underlying channel.
type Connection struct {
	id     string
	userID string
	ws     *websocket.Conn
	hub    *Hub
	send   chan model.Envelope

	// rooms this connection has joined; hub loop bookkeeping only
	rooms map[string]struct{}

	limiter   *rate.Limiter
	closeSend sync.Once
	logger    zerolog.Logger
}

// NewConnection wraps an upgraded websocket channel for the given
// authenticated user. The connection still has to be handed to
// Hub.Register before it receives any traffic.
func NewConnection(id, userID string, ws *websocket.Conn, h *Hub) *Connection {
	return &Connection{
		id:      id,
		userID:  userID,
		ws:      ws,
		hub:     h,
		send:    make(chan model.Envelope, h.cfg.SendQueueSize),
		rooms:   make(map[string]struct{}),
		limiter: rate.NewLimiter(h.cfg.MessageRate, h.cfg.MessageBurst),
		logger: h.logger.With().
			Str("connID", id).
			Str("userID", userID).
			Logger(),
	}
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) UserID() string {
	return c.userID
}

func (c *Connection) closeQueue() {
	c.closeSend.Do(func() {
		close(c.send)
	})
}

// ReadLoop receives envelopes until the peer goes away, misbehaves, or the
// idle-read deadline elapses without a frame or pong. Every exit path funnels
// through Unregister so membership state cannot leak a dangling member.
func (c *Connection) ReadLoop() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(c.hub.cfg.MaxMessageSize)
	readDeadlineFunc := func() error {
		return c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	}
	c.ws.SetPongHandler(func(string) error {
		c.logger.Trace().Msg("got pong")
		return readDeadlineFunc()
	})
	if err := readDeadlineFunc(); err != nil {
		c.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("connection closed")
			} else {
				c.logger.Error().Err(err).Msg("unexpected error during receive")
			}
			return
		}

		// a live peer refreshes the idle deadline with every frame
		_ = readDeadlineFunc()

		if !c.limiter.Allow() {
			c.logger.Warn().Msg("message rate exceeded, discarding envelope")
			continue
		}

		var env model.Envelope
		if err = json.Unmarshal(data, &env); err != nil {
			c.logger.Error().Err(err).Msg("malformed envelope")
			return
		}

		// sender-supplied identity is never trusted
		env.UserID = c.userID
		c.hub.Dispatch(env)
	}
}

// WriteLoop multiplexes the send queue with the liveness probe ticker in a
// single goroutine, keeping all writes to the websocket channel serialized.
func (c *Connection) WriteLoop() {
	pingTicker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		pingTicker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteDeadline)); err != nil {
				c.logger.Error().Err(err).Msg("failed to set websocket write deadline")
				return
			}
			if !ok {
				// queue closed by the hub, say goodbye
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(env); err != nil {
				c.logger.Error().Err(err).Msg("failed to write outgoing envelope")
				return
			}

		case <-pingTicker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteDeadline)); err != nil {
				c.logger.Error().Err(err).Msg("failed to set websocket write deadline")
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				c.logger.Error().Err(err).Msg("failed to send ping")
				return
			}
			c.logger.Trace().Msg("ping sent")
		}
	}
}
