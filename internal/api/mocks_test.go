package api_test

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/persistorai/dashsync/internal/models"
)

// mockWidgetRepo implements api.WidgetRepository for testing.
type mockWidgetRepo struct {
	listFn           func(ctx context.Context, dashboardID string) ([]models.Widget, error)
	getFn            func(ctx context.Context, id string) (*models.Widget, error)
	createFn         func(ctx context.Context, req models.CreateWidgetRequest) (*models.Widget, error)
	updateContentFn  func(ctx context.Context, id string, content models.Content, expectedVersion int64) (*models.Widget, error)
	updatePositionFn func(ctx context.Context, id string, pos models.Position, expectedVersion int64) (*models.Widget, error)
	deleteFn         func(ctx context.Context, id string) ([]models.Widget, error)
}

func (m *mockWidgetRepo) ListWidgets(ctx context.Context, dashboardID string) ([]models.Widget, error) {
	return m.listFn(ctx, dashboardID)
}

func (m *mockWidgetRepo) GetWidget(ctx context.Context, id string) (*models.Widget, error) {
	return m.getFn(ctx, id)
}

func (m *mockWidgetRepo) CreateWidget(ctx context.Context, req models.CreateWidgetRequest) (*models.Widget, error) {
	return m.createFn(ctx, req)
}

func (m *mockWidgetRepo) UpdateWidgetContent(ctx context.Context, id string, content models.Content, expectedVersion int64) (*models.Widget, error) {
	return m.updateContentFn(ctx, id, content, expectedVersion)
}

func (m *mockWidgetRepo) UpdateWidgetPosition(ctx context.Context, id string, pos models.Position, expectedVersion int64) (*models.Widget, error) {
	return m.updatePositionFn(ctx, id, pos, expectedVersion)
}

func (m *mockWidgetRepo) DeleteWidget(ctx context.Context, id string) ([]models.Widget, error) {
	return m.deleteFn(ctx, id)
}

// mockDatabase implements api.DatabaseChecker for testing.
type mockDatabase struct {
	healthErr error
	schemaErr error
}

func (m *mockDatabase) HealthCheck(context.Context) error {
	return m.healthErr
}

func (m *mockDatabase) QueryRow(context.Context, string, ...any) pgx.Row {
	return mockRow{err: m.schemaErr}
}

type mockRow struct {
	err error
}

func (r mockRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != 1 {
		return errors.New("unexpected scan arity")
	}
	if n, ok := dest[0].(*int); ok {
		*n = 0
	}
	return nil
}

type fixedCounter int

func (f fixedCounter) ClientCount() int { return int(f) }
