package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beaconhq/beacon-delivery/internal/domain"
	"github.com/beaconhq/beacon-delivery/internal/presence"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 4096
	sendBufferSize = 64
)

var errSendBufferFull = errors.New("session send buffer full")

// Client bridges one websocket connection and the presence manager. It is
// the presence.Sender for its session: events are queued on a buffered
// channel drained by the write pump, and a recipient that cannot keep up is
// dropped rather than allowed to block delivery to everyone else.
type Client struct {
	conn    *websocket.Conn
	manager *presence.Manager
	logger  *slog.Logger

	send      chan domain.Event
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	session *presence.Session
}

func NewClient(conn *websocket.Conn, manager *presence.Manager, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		conn:    conn,
		manager: manager,
		logger:  logger,
		send:    make(chan domain.Event, sendBufferSize),
		done:    make(chan struct{}),
	}
}

func (c *Client) bind(session *presence.Session) {
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
}

func (c *Client) boundSession() *presence.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Send queues an event for the write pump. Never blocks: a full buffer drops
// the client, mirroring the slow-consumer policy of the underlying hub.
func (c *Client) Send(ev domain.Event) error {
	select {
	case <-c.done:
		return domain.ErrSessionNotFound
	default:
	}
	select {
	case c.send <- ev:
		return nil
	default:
		c.logger.Warn("dropping slow websocket client", "session", c.sessionID())
		c.Close()
		return errSendBufferFull
	}
}

// Close shuts the transport down. Idempotent; safe from any goroutine.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) sessionID() string {
	if s := c.boundSession(); s != nil {
		return s.ID
	}
	return ""
}

// readPump consumes inbound events until the connection drops, then tears
// the session down. All inbound traffic counts as liveness for the idle
// sweep.
func (c *Client) readPump() {
	defer func() {
		if s := c.boundSession(); s != nil {
			c.manager.Disconnect(s)
		}
		c.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.manager.Touch(c.boundSession())
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Info("websocket read error", "session", c.sessionID(), "error", err.Error())
			}
			return
		}
		c.manager.Touch(c.boundSession())
		ev, err := domain.DecodeEvent(raw)
		if err != nil {
			c.logger.Warn("rejecting malformed event", "session", c.sessionID(), "error", err.Error())
			continue
		}
		c.handleInbound(ev)
	}
}

// handleInbound dispatches the closed event set. Server-originated types
// arriving from a client are ignored.
func (c *Client) handleInbound(ev domain.Event) {
	session := c.boundSession()
	if session == nil {
		return
	}
	switch ev.Type {
	case domain.EventPresenceOnline:
		c.manager.SetVisibility(session, true)
	case domain.EventPresenceOffline:
		c.manager.SetVisibility(session, false)
	case domain.EventTypingStart, domain.EventTypingStop:
		c.forwardTyping(session, ev)
	case domain.EventSessionJoin, domain.EventOnlineSnapshot, domain.EventAlertForward:
		// server-to-client only
	}
}

// forwardTyping relays chat typing hints realtime-only. They share the
// transport with alerts but carry no delivery guarantee and are never
// recorded as delivery attempts.
func (c *Client) forwardTyping(session *presence.Session, ev domain.Event) {
	var payload domain.TypingPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return
	}
	payload.FromUser = session.UserID
	out, err := domain.NewEvent(ev.Type, payload)
	if err != nil {
		return
	}
	for _, id := range payload.RecipientIDs {
		_ = c.manager.Forward(id, out)
	}
}

// writePump drains the send queue onto the wire and keeps the connection
// alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.logger.Info("websocket write error", "session", c.sessionID(), "error", err.Error())
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
