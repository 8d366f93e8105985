// Package service provides business logic between API handlers and data stores.
package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/dashsync/internal/domain"
	"github.com/persistorai/dashsync/internal/models"
)

// WidgetStore is the data-access interface WidgetService depends on.
// It reuses domain.WidgetService since the method sets are identical.
type WidgetStore = domain.WidgetService

// Compile-time check: *WidgetService must satisfy domain.WidgetService.
var _ domain.WidgetService = (*WidgetService)(nil)

// WidgetService wraps WidgetStore with id normalization and write logging.
type WidgetService struct {
	store WidgetStore
	log   *logrus.Logger
}

// NewWidgetService creates a WidgetService.
func NewWidgetService(store WidgetStore, log *logrus.Logger) *WidgetService {
	return &WidgetService{store: store, log: log}
}

// ListWidgets returns the dashboard snapshot (pass-through).
func (s *WidgetService) ListWidgets(ctx context.Context, dashboardID string) ([]models.Widget, error) {
	return s.store.ListWidgets(ctx, dashboardID)
}

// GetWidget returns a single widget. A malformed id cannot name a widget
// and yields ErrWidgetNotFound without a query.
func (s *WidgetService) GetWidget(ctx context.Context, id string) (*models.Widget, error) {
	if !validID(id) {
		return nil, models.ErrWidgetNotFound
	}

	return s.store.GetWidget(ctx, id)
}

// CreateWidget inserts a new widget at version 0.
func (s *WidgetService) CreateWidget(ctx context.Context, req models.CreateWidgetRequest) (*models.Widget, error) {
	w, err := s.store.CreateWidget(ctx, req)
	if err != nil {
		return nil, err
	}

	s.logWrite("widget.create", w)

	return w, nil
}

// UpdateWidgetContent performs the version-guarded content write.
func (s *WidgetService) UpdateWidgetContent(
	ctx context.Context, id string, content models.Content, expectedVersion int64,
) (*models.Widget, error) {
	if !validID(id) {
		return nil, models.ErrWidgetNotFound
	}

	w, err := s.store.UpdateWidgetContent(ctx, id, content, expectedVersion)
	if err != nil {
		return nil, err
	}

	s.logWrite("widget.update_content", w)

	return w, nil
}

// UpdateWidgetPosition performs the version-guarded layout write.
func (s *WidgetService) UpdateWidgetPosition(
	ctx context.Context, id string, pos models.Position, expectedVersion int64,
) (*models.Widget, error) {
	if !validID(id) {
		return nil, models.ErrWidgetNotFound
	}

	w, err := s.store.UpdateWidgetPosition(ctx, id, pos, expectedVersion)
	if err != nil {
		return nil, err
	}

	s.logWrite("widget.update_position", w)

	return w, nil
}

// DeleteWidget removes a widget. A malformed id deletes nothing.
func (s *WidgetService) DeleteWidget(ctx context.Context, id string) ([]models.Widget, error) {
	if !validID(id) {
		return []models.Widget{}, nil
	}

	deleted, err := s.store.DeleteWidget(ctx, id)
	if err != nil {
		return nil, err
	}

	for i := range deleted {
		s.logWrite("widget.delete", &deleted[i])
	}

	return deleted, nil
}

func (s *WidgetService) logWrite(action string, w *models.Widget) {
	s.log.WithFields(logrus.Fields{
		"action":       action,
		"widget_id":    w.ID,
		"dashboard_id": w.DashboardID,
		"version":      w.Version,
	}).Debug("widget write")
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
