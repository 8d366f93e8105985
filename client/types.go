package client

import (
	"encoding/json"
	"time"
)

// Position is the layout rectangle of a widget.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Widget is a dashboard widget as returned by the API.
type Widget struct {
	ID          string         `json:"id"`
	DashboardID string         `json:"dashboard_id"`
	Type        string         `json:"type"`
	Content     map[string]any `json:"content"`
	Position    Position       `json:"position"`
	Version     int64          `json:"version"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// CreateWidgetRequest is the payload for creating a widget. Empty fields
// take server defaults.
type CreateWidgetRequest struct {
	Type     string         `json:"type,omitempty"`
	Content  map[string]any `json:"content,omitempty"`
	Position *Position      `json:"position,omitempty"`
}

// UpdateContentRequest is a version-guarded content write.
type UpdateContentRequest struct {
	Content         map[string]any `json:"content"`
	ExpectedVersion int64          `json:"expected_version"`
}

// UpdatePositionRequest is a version-guarded layout write.
type UpdatePositionRequest struct {
	Position        Position `json:"position"`
	ExpectedVersion int64    `json:"expected_version"`
}

// DeleteResponse lists the rows removed by a delete (zero or one).
type DeleteResponse struct {
	Deleted []Widget `json:"deleted"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// Feed message types sent by the server.
const (
	FeedHeartbeat = "heartbeat"
	FeedReset     = "reset"
	FeedShutdown  = "shutdown"
)

// FeedEvent is one message from the change feed: a widget event
// ("widget.inserted", "widget.updated", "widget.deleted") or a control
// message (heartbeat, reset, shutdown).
type FeedEvent struct {
	Type   string          `json:"type"`
	ID     uint64          `json:"id,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Time   time.Time       `json:"time"`
	Reason string          `json:"reason,omitempty"`
}
