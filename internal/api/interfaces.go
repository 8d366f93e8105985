package api

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/persistorai/dashsync/internal/models"
)

// WidgetRepository defines widget operations used by WidgetHandler.
type WidgetRepository interface {
	ListWidgets(ctx context.Context, dashboardID string) ([]models.Widget, error)
	GetWidget(ctx context.Context, id string) (*models.Widget, error)
	CreateWidget(ctx context.Context, req models.CreateWidgetRequest) (*models.Widget, error)
	UpdateWidgetContent(ctx context.Context, id string, content models.Content, expectedVersion int64) (*models.Widget, error)
	UpdateWidgetPosition(ctx context.Context, id string, pos models.Position, expectedVersion int64) (*models.Widget, error)
	DeleteWidget(ctx context.Context, id string) ([]models.Widget, error)
}

// DatabaseChecker is the part of the connection pool the health endpoints use.
type DatabaseChecker interface {
	HealthCheck(ctx context.Context) error
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ClientCounter reports connected change-feed clients.
type ClientCounter interface {
	ClientCount() int
}
