// Package events carries widget change events over NATS as an alternative
// transport to the WebSocket hub.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Subjects.
const (
	WidgetSubjectPrefix = "dashsync.widgets."
	HeartbeatSubject    = "dashsync.heartbeat"
	HeartbeatType       = "heartbeat"
)

// WidgetSubject returns the subject carrying one dashboard's widget events.
func WidgetSubject(dashboardID string) string {
	return WidgetSubjectPrefix + dashboardID
}

// Envelope is the JSON message published on every subject.
type Envelope struct {
	Type        string          `json:"type"`
	DashboardID string          `json:"dashboard_id,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Time        time.Time       `json:"time"`
}

// Publisher publishes events to the event bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

// Subscriber receives events from the event bus.
type Subscriber interface {
	// Subscribe delivers raw event payloads on the returned channel.
	// Call the returned cancel function to unsubscribe and close the channel.
	Subscribe(topic string) (<-chan []byte, func(), error)
	Close() error
}
