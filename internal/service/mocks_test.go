package service

import (
	"context"
	"sync"

	"github.com/persistorai/dashsync/internal/models"
)

// mockWidgetStore records calls and returns configured responses.
type mockWidgetStore struct {
	mu    sync.Mutex
	calls []string

	listWidgets          func(ctx context.Context, dashboardID string) ([]models.Widget, error)
	getWidget            func(ctx context.Context, id string) (*models.Widget, error)
	createWidget         func(ctx context.Context, req models.CreateWidgetRequest) (*models.Widget, error)
	updateWidgetContent  func(ctx context.Context, id string, content models.Content, expectedVersion int64) (*models.Widget, error)
	updateWidgetPosition func(ctx context.Context, id string, pos models.Position, expectedVersion int64) (*models.Widget, error)
	deleteWidget         func(ctx context.Context, id string) ([]models.Widget, error)
}

func (m *mockWidgetStore) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
}

func (m *mockWidgetStore) called() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockWidgetStore) ListWidgets(ctx context.Context, dashboardID string) ([]models.Widget, error) {
	m.record("ListWidgets")
	return m.listWidgets(ctx, dashboardID)
}

func (m *mockWidgetStore) GetWidget(ctx context.Context, id string) (*models.Widget, error) {
	m.record("GetWidget")
	return m.getWidget(ctx, id)
}

func (m *mockWidgetStore) CreateWidget(ctx context.Context, req models.CreateWidgetRequest) (*models.Widget, error) {
	m.record("CreateWidget")
	return m.createWidget(ctx, req)
}

func (m *mockWidgetStore) UpdateWidgetContent(ctx context.Context, id string, content models.Content, expectedVersion int64) (*models.Widget, error) {
	m.record("UpdateWidgetContent")
	return m.updateWidgetContent(ctx, id, content, expectedVersion)
}

func (m *mockWidgetStore) UpdateWidgetPosition(ctx context.Context, id string, pos models.Position, expectedVersion int64) (*models.Widget, error) {
	m.record("UpdateWidgetPosition")
	return m.updateWidgetPosition(ctx, id, pos, expectedVersion)
}

func (m *mockWidgetStore) DeleteWidget(ctx context.Context, id string) ([]models.Widget, error) {
	m.record("DeleteWidget")
	return m.deleteWidget(ctx, id)
}
