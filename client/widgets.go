package client

import (
	"context"
	"net/url"
)

// WidgetService handles widget CRUD and version-guarded writes.
type WidgetService struct {
	c *Client
}

// widgetListResponse wraps the dashboard snapshot response.
type widgetListResponse struct {
	Widgets []Widget `json:"widgets"`
}

// List returns every widget of a dashboard ordered by creation time.
func (s *WidgetService) List(ctx context.Context, dashboardID string) ([]Widget, error) {
	var resp widgetListResponse
	if err := s.c.get(ctx, dashboardPath(dashboardID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Widgets, nil
}

// Get returns a single widget by ID.
func (s *WidgetService) Get(ctx context.Context, id string) (*Widget, error) {
	var w Widget
	if err := s.c.get(ctx, widgetPath(id), nil, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// Create creates a widget on a dashboard.
func (s *WidgetService) Create(ctx context.Context, dashboardID string, req *CreateWidgetRequest) (*Widget, error) {
	if req == nil {
		req = &CreateWidgetRequest{}
	}
	var w Widget
	if err := s.c.post(ctx, dashboardPath(dashboardID), req, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// UpdateContent replaces a widget's content if its version still equals
// expectedVersion. A stale version yields an error for which IsConflict is
// true; a missing widget one for which IsNotFound is true.
func (s *WidgetService) UpdateContent(ctx context.Context, id string, content map[string]any, expectedVersion int64) (*Widget, error) {
	req := UpdateContentRequest{Content: content, ExpectedVersion: expectedVersion}
	var w Widget
	if err := s.c.put(ctx, widgetPath(id)+"/content", req, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// UpdatePosition moves or resizes a widget under the same version guard.
func (s *WidgetService) UpdatePosition(ctx context.Context, id string, pos Position, expectedVersion int64) (*Widget, error) {
	req := UpdatePositionRequest{Position: pos, ExpectedVersion: expectedVersion}
	var w Widget
	if err := s.c.put(ctx, widgetPath(id)+"/position", req, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// Delete removes a widget and returns the deleted rows. An empty result
// means nothing was deleted.
func (s *WidgetService) Delete(ctx context.Context, id string) ([]Widget, error) {
	var resp DeleteResponse
	if err := s.c.del(ctx, widgetPath(id), &resp); err != nil {
		return nil, err
	}
	return resp.Deleted, nil
}

func dashboardPath(dashboardID string) string {
	return "/api/v1/dashboards/" + url.PathEscape(dashboardID) + "/widgets"
}

func widgetPath(id string) string {
	return "/api/v1/widgets/" + url.PathEscape(id)
}
