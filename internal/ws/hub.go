// Package ws implements the per-dashboard WebSocket change feed.
package ws

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/persistorai/dashsync/internal/metrics"
)

// Hub channel buffer sizes and connection limits.
const (
	broadcastBuffer  = 256
	registerBuffer   = 64
	maxClients       = 1000
	maxPerDashboard  = 200
	defaultHeartbeat = 15 * time.Second
)

// dashboardBroadcast is sent through the broadcast channel to the Run goroutine.
type dashboardBroadcast struct {
	dashboardID string // empty means every client
	msg         []byte
}

// Hub manages active WebSocket clients and broadcasts messages.
// All client map mutations happen exclusively in the Run goroutine.
type Hub struct {
	clients        map[*Client]bool
	dashboardCount map[string]int
	register       chan *Client
	unregister     chan *Client
	broadcast      chan dashboardBroadcast
	shutdown       chan struct{} // signals Run to begin graceful drain
	shutdownOnce   sync.Once
	done           chan struct{} // closed when Run has finished draining
	count          atomic.Int64
	log            *logrus.Logger
	seq            *EventSequence
	buffer         *EventBuffer
	heartbeat      time.Duration
}

// NewHub creates a new Hub. heartbeat is the interval between heartbeat
// frames; zero selects the default.
func NewHub(log *logrus.Logger, heartbeat time.Duration) *Hub {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	return &Hub{
		clients:        make(map[*Client]bool),
		dashboardCount: make(map[string]int),
		register:       make(chan *Client, registerBuffer),
		unregister:     make(chan *Client, registerBuffer),
		broadcast:      make(chan dashboardBroadcast, broadcastBuffer),
		shutdown:       make(chan struct{}),
		done:           make(chan struct{}),
		log:            log,
		seq:            NewEventSequence(),
		buffer:         NewEventBuffer(defaultBufferMaxLen, defaultBufferMaxAge),
		heartbeat:      heartbeat,
	}
}

// drainTimeout is how long the hub waits for clients to flush after shutdown.
const drainTimeout = 3 * time.Second

// Run starts the hub event loop. It should be run as a goroutine.
// It exits when Shutdown is called or the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	prune := time.NewTicker(pruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			h.drainClients()

			return
		case <-h.shutdown:
			h.drainClients()

			return

		case client := <-h.register:
			if len(h.clients) >= maxClients {
				h.log.Warn("global connection limit reached, dropping client")
				client.closeSend()
				continue
			}
			if h.dashboardCount[client.DashboardID] >= maxPerDashboard {
				h.log.WithField("dashboard_id", client.DashboardID).Warn("per-dashboard connection limit reached, dropping client")
				client.closeSend()
				continue
			}
			h.clients[client] = true
			h.dashboardCount[client.DashboardID]++
			h.updateCount()
			h.log.WithFields(logrus.Fields{
				"dashboard_id": client.DashboardID,
				"total":        len(h.clients),
			}).Info("client registered")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.remove(client)
			}
			h.updateCount()
			h.log.WithField("total", len(h.clients)).Info("client unregistered")

		case b := <-h.broadcast:
			h.deliver(b)

		case <-ticker.C:
			h.deliver(dashboardBroadcast{msg: controlFrame(TypeHeartbeat)})

		case now := <-prune.C:
			h.buffer.Prune(now)
		}
	}
}

// deliver hands msg to every matching client. A client whose buffer is
// full is disconnected so it resubscribes and resyncs instead of silently
// missing events.
func (h *Hub) deliver(b dashboardBroadcast) {
	for client := range h.clients {
		if b.dashboardID != "" && client.DashboardID != b.dashboardID {
			continue
		}
		if !client.trySend(b.msg) {
			h.log.WithField("dashboard_id", client.DashboardID).Warn("client too slow, disconnecting")
			h.remove(client)
		}
	}
	h.updateCount()
}

func (h *Hub) remove(client *Client) {
	delete(h.clients, client)
	client.closeSend()
	h.dashboardCount[client.DashboardID]--
	if h.dashboardCount[client.DashboardID] <= 0 {
		delete(h.dashboardCount, client.DashboardID)
	}
}

func (h *Hub) updateCount() {
	h.count.Store(int64(len(h.clients)))
	metrics.WSConnections.Set(float64(len(h.clients)))
}

// maxBroadcastPayload bounds a single event frame. Widget content is capped
// well below this by request validation.
const maxBroadcastPayload = 64 << 10

// BroadcastToDashboard sends a message only to clients of the dashboard.
// Oversized payloads are dropped with a warning log. The actual send is
// performed by the Run goroutine via a channel.
func (h *Hub) BroadcastToDashboard(dashboardID string, msg []byte) {
	if len(msg) > maxBroadcastPayload {
		h.log.WithFields(logrus.Fields{
			"dashboard_id": dashboardID,
			"payload_size": len(msg),
			"max_size":     maxBroadcastPayload,
		}).Warn("dropping oversized broadcast payload")
		return
	}
	select {
	case h.broadcast <- dashboardBroadcast{dashboardID: dashboardID, msg: msg}:
	default:
		h.log.Warn("broadcast channel full, dropping message")
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	default:
		h.log.Warn("register channel full, dropping client")
		c.closeSend()
	}
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	default:
		// Run loop already exited; client cleanup happened in Run shutdown.
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// BroadcastEvent assigns a sequence ID, stores the event in the replay
// buffer, and broadcasts it to all clients of the dashboard.
func (h *Hub) BroadcastEvent(eventType, dashboardID string, data json.RawMessage) {
	evt := Event{
		Type:        eventType,
		ID:          h.seq.Next(dashboardID),
		DashboardID: dashboardID,
		Data:        data,
		Time:        time.Now(),
	}

	msg, err := json.Marshal(evt)
	if err != nil {
		h.log.WithError(err).Error("failed to marshal event")
		return
	}

	h.buffer.Append(dashboardID, &evt)
	h.BroadcastToDashboard(dashboardID, msg)
}

// Shutdown initiates a graceful drain: sends a shutdown frame to every
// connected client, waits for their write pumps to flush, then closes all
// connections. It blocks until the drain is complete or times out.
func (h *Hub) Shutdown() {
	h.shutdownOnce.Do(func() { close(h.shutdown) })
	<-h.done
}

// drainClients sends a shutdown frame to every client and waits for buffers to flush.
func (h *Hub) drainClients() {
	if len(h.clients) == 0 {
		return
	}

	h.log.WithField("clients", len(h.clients)).Info("draining WebSocket clients")

	shutdownMsg := controlFrame(TypeShutdown)
	for client := range h.clients {
		client.trySend(shutdownMsg)
	}

	deadline := time.After(drainTimeout)
	ticker := time.NewTicker(50 * time.Millisecond) //nolint:mnd // poll interval
	defer ticker.Stop()

drain:
	for {
		allDrained := true

		for client := range h.clients {
			if len(client.send) > 0 {
				allDrained = false

				break
			}
		}

		if allDrained {
			break
		}

		select {
		case <-deadline:
			h.log.Warn("WebSocket drain timeout, closing remaining clients")

			break drain
		case <-ticker.C:
		}
	}

	for client := range h.clients {
		client.closeSend()
		delete(h.clients, client)
	}

	h.dashboardCount = make(map[string]int)
	h.updateCount()
}

// ReplayEvents sends buffered events newer than lastEventID to the client.
// A zero lastEventID means a fresh subscriber that loads its own snapshot,
// so nothing is replayed. It returns false when the gap cannot be filled
// from the buffer and the client must reload instead.
func (h *Hub) ReplayEvents(client *Client, lastEventID uint64) bool {
	if lastEventID == 0 {
		return true
	}

	current := h.seq.Current(client.DashboardID)
	if lastEventID == current {
		return true
	}

	// An id from the future means the sequence restarted with the server.
	if lastEventID > current {
		return false
	}

	events := h.buffer.Since(client.DashboardID, lastEventID)
	if len(events) == 0 || events[0].ID != lastEventID+1 {
		return false
	}

	for _, evt := range events {
		msg, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		if !client.trySend(msg) {
			// Buffer full or closed: the tail cannot be delivered in order.
			return false
		}
	}

	return true
}

func controlFrame(typ string) []byte {
	msg, _ := json.Marshal(controlMsg{Type: typ, Time: time.Now()}) //nolint:errcheck // static struct, cannot fail.
	return msg
}
