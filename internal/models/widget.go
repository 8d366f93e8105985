// Package models defines data types for dashboard widgets and their change events.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field limits shared by request validation and the store.
const (
	MaxTypeLen     = 100
	MaxContentSize = 32 << 10
	DefaultType    = "text"
	TextField      = "text"
)

// Content is the semi-structured widget payload (field name to value).
type Content map[string]any

// Clone returns a deep copy of c by round-tripping through JSON, so nested
// maps and slices are never shared between the store and an edit buffer.
func (c Content) Clone() Content {
	if c == nil {
		return nil
	}

	data, err := json.Marshal(c)
	if err != nil {
		out := make(Content, len(c))
		for k, v := range c {
			out[k] = v
		}

		return out
	}

	var out Content
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}

	return out
}

// Equal reports whether two payloads have the same canonical JSON encoding.
// encoding/json sorts map keys, and numbers decoded from the wire and numbers
// typed locally compare equal as long as they encode the same way.
func (c Content) Equal(other Content) bool {
	if len(c) == 0 && len(other) == 0 {
		return true
	}

	a, errA := json.Marshal(c)
	b, errB := json.Marshal(other)
	if errA != nil || errB != nil {
		return false
	}

	return bytes.Equal(a, b)
}

// Text returns the "text" field, or "" when absent or not a string.
func (c Content) Text() string {
	s, _ := c[TextField].(string)
	return s
}

// WithText returns a copy of c with the "text" field set.
func (c Content) WithText(text string) Content {
	out := c.Clone()
	if out == nil {
		out = Content{}
	}
	out[TextField] = text

	return out
}

// Position is the layout rectangle of a widget.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// DefaultPosition is applied to widgets created without an explicit layout.
var DefaultPosition = Position{X: 0, Y: 0, W: 4, H: 2}

// Validate checks the rectangle has a usable size.
func (p Position) Validate() error {
	if p.X < 0 || p.Y < 0 {
		return fmt.Errorf("position must not be negative")
	}

	if p.W <= 0 || p.H <= 0 {
		return fmt.Errorf("position width and height must be positive")
	}

	return nil
}

// Widget is the unit of synchronization. Version is incremented exactly once
// per successful persisted mutation.
type Widget struct {
	ID          string    `json:"id"`
	DashboardID string    `json:"dashboard_id"`
	Type        string    `json:"type"`
	Content     Content   `json:"content"`
	Position    Position  `json:"position"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone returns a copy of w that shares no mutable state with it.
func (w Widget) Clone() Widget {
	w.Content = w.Content.Clone()
	return w
}

// CreateWidgetRequest is the payload for creating a widget.
type CreateWidgetRequest struct {
	DashboardID string    `json:"dashboard_id"`
	Type        string    `json:"type,omitempty"`
	Content     Content   `json:"content,omitempty"`
	Position    *Position `json:"position,omitempty"`
}

// Validate fills defaults and checks limits on CreateWidgetRequest.
func (r *CreateWidgetRequest) Validate() error {
	if err := ValidateDashboardID(r.DashboardID); err != nil {
		return err
	}

	if r.Type == "" {
		r.Type = DefaultType
	}

	if len(r.Type) > MaxTypeLen {
		return ErrFieldTooLong("type", MaxTypeLen)
	}

	if r.Content == nil {
		r.Content = Content{TextField: "New Widget"}
	}

	if err := validateContent(r.Content); err != nil {
		return err
	}

	if r.Position == nil {
		p := DefaultPosition
		r.Position = &p
	}

	return r.Position.Validate()
}

// UpdateContentRequest is a version-guarded content write.
type UpdateContentRequest struct {
	Content         Content `json:"content"`
	ExpectedVersion *int64  `json:"expected_version"`
}

// Validate checks UpdateContentRequest fields.
func (r *UpdateContentRequest) Validate() error {
	if r.Content == nil {
		return ErrMissingContent
	}

	if r.ExpectedVersion == nil {
		return ErrMissingVersion
	}

	if *r.ExpectedVersion < 0 {
		return fmt.Errorf("expected_version must not be negative")
	}

	return validateContent(r.Content)
}

// UpdatePositionRequest is a version-guarded layout write.
type UpdatePositionRequest struct {
	Position        *Position `json:"position"`
	ExpectedVersion *int64    `json:"expected_version"`
}

// Validate checks UpdatePositionRequest fields.
func (r *UpdatePositionRequest) Validate() error {
	if r.Position == nil {
		return fmt.Errorf("position is required")
	}

	if r.ExpectedVersion == nil {
		return ErrMissingVersion
	}

	if *r.ExpectedVersion < 0 {
		return fmt.Errorf("expected_version must not be negative")
	}

	return r.Position.Validate()
}

// ValidateDashboardID checks that id is a UUID.
func ValidateDashboardID(id string) error {
	if id == "" {
		return ErrMissingDashboardID
	}

	if _, err := uuid.Parse(id); err != nil {
		return ErrInvalidDashboardID
	}

	return nil
}

func validateContent(c Content) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("invalid content: %w", err)
	}

	if len(data) > MaxContentSize {
		return ErrFieldTooLong("content", MaxContentSize)
	}

	return nil
}
