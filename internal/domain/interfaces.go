// Package domain defines the canonical service interfaces shared by the HTTP
// layer and the service layer. Consumers should depend on these interfaces
// rather than re-declaring equivalent ones.
package domain

import (
	"context"

	"github.com/persistorai/dashsync/internal/models"
)

// WidgetService defines all widget operations.
//
// UpdateWidgetContent and UpdateWidgetPosition are version-guarded: they
// return models.ErrVersionConflict when expectedVersion is stale and
// models.ErrWidgetNotFound when the widget does not exist.
type WidgetService interface {
	ListWidgets(ctx context.Context, dashboardID string) ([]models.Widget, error)
	GetWidget(ctx context.Context, id string) (*models.Widget, error)
	CreateWidget(ctx context.Context, req models.CreateWidgetRequest) (*models.Widget, error)
	UpdateWidgetContent(ctx context.Context, id string, content models.Content, expectedVersion int64) (*models.Widget, error)
	UpdateWidgetPosition(ctx context.Context, id string, pos models.Position, expectedVersion int64) (*models.Widget, error)
	DeleteWidget(ctx context.Context, id string) ([]models.Widget, error)
}
