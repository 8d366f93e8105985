package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Control message types sent to clients.
const (
	TypeHeartbeat = "heartbeat"
	TypeReset     = "reset"
	TypeShutdown  = "shutdown"
	TypeSubscribe = "subscribe"
)

// Event is the structured message sent to WebSocket clients.
type Event struct {
	Type        string          `json:"type"`
	ID          uint64          `json:"id"`
	DashboardID string          `json:"-"`
	Data        json.RawMessage `json:"data"`
	Time        time.Time       `json:"time"`
}

// SubscribeMsg is sent by the client on connect. A non-zero LastEventID
// requests replay of newer buffered events.
type SubscribeMsg struct {
	Type        string `json:"type"`
	LastEventID uint64 `json:"last_event_id"`
}

// ResetMsg tells the client to reload the dashboard (requested events are
// no longer buffered).
type ResetMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// controlMsg is a heartbeat or shutdown frame.
type controlMsg struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
}

// EventSequence tracks monotonic event IDs per dashboard.
type EventSequence struct {
	mu       sync.Mutex
	counters map[string]*atomic.Uint64
}

// NewEventSequence creates a new EventSequence.
func NewEventSequence() *EventSequence {
	return &EventSequence{
		counters: make(map[string]*atomic.Uint64),
	}
}

func (es *EventSequence) counter(dashboardID string) *atomic.Uint64 {
	es.mu.Lock()
	defer es.mu.Unlock()

	c, ok := es.counters[dashboardID]
	if !ok {
		c = &atomic.Uint64{}
		es.counters[dashboardID] = c
	}

	return c
}

// Next returns the next sequence number for a dashboard.
func (es *EventSequence) Next(dashboardID string) uint64 {
	return es.counter(dashboardID).Add(1)
}

// Current returns the last sequence number issued for a dashboard.
func (es *EventSequence) Current(dashboardID string) uint64 {
	return es.counter(dashboardID).Load()
}
