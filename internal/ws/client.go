package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeTimeout     = 10 * time.Second
	wsReadLimit      = 4096
	clientSendBuffer = 256
	maxConnLifetime  = 4 * time.Hour
	pingInterval     = 30 * time.Second
	pingTimeout      = 10 * time.Second
	maxMissedPongs   = 2
)

const resetReason = "requested events no longer available, reload the dashboard"

// Client is one feed connection. It belongs to exactly one dashboard for
// its whole life; switching dashboards means a new connection.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	log         *logrus.Entry
	DashboardID string
	deadline    time.Time

	mu     sync.Mutex
	closed bool
}

// NewClient binds conn to dashboardID. The caller registers it with the hub
// and runs both pumps.
func NewClient(hub *Hub, conn *websocket.Conn, dashboardID string) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, clientSendBuffer),
		log:         hub.log.WithField("dashboard_id", dashboardID),
		DashboardID: dashboardID,
		deadline:    time.Now().Add(maxConnLifetime),
	}
}

// trySend queues msg without blocking and reports whether it was accepted.
func (c *Client) trySend(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// closeSend ends the write pump. Safe to call more than once.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	close(c.send)
}

// ReadPump consumes client frames until the connection drops. Only
// subscribe frames mean anything; everything else is ignored.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.CloseNow() //nolint:errcheck // teardown
	}()

	c.conn.SetReadLimit(wsReadLimit)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				c.log.WithField("status", status).Debug("client disconnected")
			}

			return
		}

		var msg SubscribeMsg
		if json.Unmarshal(data, &msg) != nil || msg.Type != TypeSubscribe {
			continue
		}

		c.subscribe(msg.LastEventID)
	}
}

// subscribe replays what the client missed, or tells it to reload when the
// gap cannot be closed from the buffer.
func (c *Client) subscribe(lastEventID uint64) {
	if c.hub.ReplayEvents(c, lastEventID) {
		return
	}

	c.log.WithField("last_event_id", lastEventID).Info("replay unavailable, sending reset")

	if msg, err := json.Marshal(ResetMsg{Type: TypeReset, Reason: resetReason}); err == nil {
		c.trySend(msg)
	}
}

// WritePump drains the send queue onto the socket, pings the peer, and
// closes the connection once its lifetime is up so clients reconnect with
// their last event id.
func (c *Client) WritePump(ctx context.Context) {
	defer c.conn.CloseNow() //nolint:errcheck // teardown

	expiry := time.NewTimer(time.Until(c.deadline))
	defer expiry.Stop()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	missed := 0

	for {
		select {
		case <-ctx.Done():
			return

		case <-ping.C:
			if c.ping(ctx) {
				missed = 0
				continue
			}
			if missed++; missed >= maxMissedPongs {
				c.log.WithField("missed", missed).Debug("closing: peer stopped answering pings")
				return
			}

		case msg, ok := <-c.send:
			if !ok {
				c.conn.Close(websocket.StatusGoingAway, "closing") //nolint:errcheck // teardown
				return
			}
			if err := c.write(ctx, msg); err != nil {
				c.log.WithError(err).Debug("write failed")
				return
			}

		case <-expiry.C:
			c.log.Info("closing feed connection: lifetime exceeded")
			c.conn.Close(websocket.StatusNormalClosure, "max connection lifetime exceeded") //nolint:errcheck // teardown

			return
		}
	}
}

func (c *Client) ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	return c.conn.Ping(ctx) == nil
}

func (c *Client) write(ctx context.Context, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return c.conn.Write(ctx, websocket.MessageText, msg)
}
