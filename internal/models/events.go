package models

import (
	"encoding/json"
	"fmt"
)

// Wire names of change events, shared by the notify bridge, the WebSocket
// feed and the NATS feed.
const (
	EventInserted = "widget.inserted"
	EventUpdated  = "widget.updated"
	EventDeleted  = "widget.deleted"
)

// ChangeKind tags a ChangeEvent.
type ChangeKind int

// Change kinds.
const (
	ChangeInserted ChangeKind = iota + 1
	ChangeUpdated
	ChangeDeleted
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInserted:
		return EventInserted
	case ChangeUpdated:
		return EventUpdated
	case ChangeDeleted:
		return EventDeleted
	default:
		return fmt.Sprintf("ChangeKind(%d)", int(k))
	}
}

// ChangeEvent is one row-level mutation delivered by the change feed.
// Widget is set for inserts and updates; ID is always set.
type ChangeEvent struct {
	Kind   ChangeKind
	ID     string
	Widget *Widget
}

// Inserted builds an insert event.
func Inserted(w Widget) ChangeEvent {
	return ChangeEvent{Kind: ChangeInserted, ID: w.ID, Widget: &w}
}

// Updated builds an update event.
func Updated(w Widget) ChangeEvent {
	return ChangeEvent{Kind: ChangeUpdated, ID: w.ID, Widget: &w}
}

// Deleted builds a delete event.
func Deleted(id string) ChangeEvent {
	return ChangeEvent{Kind: ChangeDeleted, ID: id}
}

// DeletedPayload is the event data of a widget.deleted event.
type DeletedPayload struct {
	ID          string `json:"id"`
	DashboardID string `json:"dashboard_id,omitempty"`
	Version     int64  `json:"version,omitempty"`
}

// EventData encodes the data field carried on the wire for e.
func (e ChangeEvent) EventData() (json.RawMessage, error) {
	if e.Kind == ChangeDeleted {
		return json.Marshal(DeletedPayload{ID: e.ID})
	}

	if e.Widget == nil {
		return nil, fmt.Errorf("%s event without widget", e.Kind)
	}

	return json.Marshal(e.Widget)
}

// DecodeChangeEvent parses a wire event type and data into a ChangeEvent.
func DecodeChangeEvent(eventType string, data json.RawMessage) (ChangeEvent, error) {
	switch eventType {
	case EventInserted, EventUpdated:
		var w Widget
		if err := json.Unmarshal(data, &w); err != nil {
			return ChangeEvent{}, fmt.Errorf("decoding %s: %w", eventType, err)
		}

		if w.ID == "" {
			return ChangeEvent{}, fmt.Errorf("decoding %s: missing id", eventType)
		}

		if eventType == EventInserted {
			return Inserted(w), nil
		}

		return Updated(w), nil
	case EventDeleted:
		var p DeletedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return ChangeEvent{}, fmt.Errorf("decoding %s: %w", eventType, err)
		}

		if p.ID == "" {
			return ChangeEvent{}, fmt.Errorf("decoding %s: missing id", eventType)
		}

		return Deleted(p.ID), nil
	default:
		return ChangeEvent{}, fmt.Errorf("unknown event type %q", eventType)
	}
}
