package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/dashsync/internal/metrics"
	"github.com/persistorai/dashsync/internal/models"
)

// WidgetStore handles widget CRUD and version-guarded writes.
type WidgetStore struct {
	Base
}

// NewWidgetStore creates a new WidgetStore.
func NewWidgetStore(base Base) *WidgetStore {
	return &WidgetStore{Base: base}
}

// ListWidgets returns every widget of a dashboard ordered by creation time.
func (s *WidgetStore) ListWidgets(ctx context.Context, dashboardID string) ([]models.Widget, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.Pool.Query(ctx,
		`SELECT `+widgetColumns+` FROM widgets
		WHERE dashboard_id = $1
		ORDER BY created_at, id`,
		dashboardID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing widgets: %w", err)
	}
	defer rows.Close()

	return collectWidgets(rows)
}

// GetWidget returns a single widget by ID.
func (s *WidgetStore) GetWidget(ctx context.Context, id string) (*models.Widget, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	row := s.Pool.QueryRow(ctx, `SELECT `+widgetColumns+` FROM widgets WHERE id = $1`, id)

	w, err := scanWidget(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrWidgetNotFound
		}

		return nil, fmt.Errorf("getting widget: %w", err)
	}

	return w, nil
}

// CreateWidget inserts a widget at version 0. req must already be validated
// so that its defaults are filled in.
func (s *WidgetStore) CreateWidget(ctx context.Context, req models.CreateWidgetRequest) (*models.Widget, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	contentJSON, err := json.Marshal(req.Content)
	if err != nil {
		return nil, fmt.Errorf("marshalling widget content: %w", err)
	}

	pos := models.DefaultPosition
	if req.Position != nil {
		pos = *req.Position
	}

	positionJSON, err := json.Marshal(pos)
	if err != nil {
		return nil, fmt.Errorf("marshalling widget position: %w", err)
	}

	row := s.Pool.QueryRow(ctx,
		`INSERT INTO widgets (dashboard_id, type, content, position)
		VALUES ($1, $2, $3, $4)
		RETURNING `+widgetColumns,
		req.DashboardID, req.Type, contentJSON, positionJSON,
	)

	w, err := scanWidget(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("scanning created widget: %w", err)
	}

	return w, nil
}

// UpdateWidgetContent replaces content only if the persisted version equals
// expectedVersion, incrementing the version by exactly one. Zero affected
// rows is resolved into ErrVersionConflict or ErrWidgetNotFound.
func (s *WidgetStore) UpdateWidgetContent(ctx context.Context, id string, content models.Content, expectedVersion int64) (*models.Widget, error) {
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshalling widget content: %w", err)
	}

	return s.guardedUpdate(ctx, "content", id, contentJSON, expectedVersion)
}

// UpdateWidgetPosition moves or resizes a widget under the same version
// guard as UpdateWidgetContent.
func (s *WidgetStore) UpdateWidgetPosition(ctx context.Context, id string, pos models.Position, expectedVersion int64) (*models.Widget, error) {
	positionJSON, err := json.Marshal(pos)
	if err != nil {
		return nil, fmt.Errorf("marshalling widget position: %w", err)
	}

	return s.guardedUpdate(ctx, "position", id, positionJSON, expectedVersion)
}

// guardedUpdate runs the single conditional UPDATE. column is one of the
// two fixed names above, never caller input.
func (s *WidgetStore) guardedUpdate(ctx context.Context, column, id string, value []byte, expectedVersion int64) (*models.Widget, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `UPDATE widgets
		SET ` + column + ` = $3, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING ` + widgetColumns

	row := s.Pool.QueryRow(ctx, query, id, expectedVersion, value)

	w, err := scanWidget(row.Scan)
	if err == nil {
		metrics.WidgetWrites.WithLabelValues("applied").Inc()
		return w, nil
	}

	if !errors.Is(err, pgx.ErrNoRows) {
		metrics.WidgetWrites.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("updating widget %s: %w", column, err)
	}

	exists, err := s.exists(ctx, id)
	if err != nil {
		metrics.WidgetWrites.WithLabelValues("error").Inc()
		return nil, err
	}

	if !exists {
		metrics.WidgetWrites.WithLabelValues("not_found").Inc()
		return nil, models.ErrWidgetNotFound
	}

	metrics.WidgetWrites.WithLabelValues("conflict").Inc()
	s.Log.WithFields(logrus.Fields{
		"widget_id":        id,
		"expected_version": expectedVersion,
	}).Debug("rejected stale widget write")

	return nil, models.ErrVersionConflict
}

func (s *WidgetStore) exists(ctx context.Context, id string) (bool, error) {
	var ok bool

	err := s.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM widgets WHERE id = $1)`, id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("checking widget existence: %w", err)
	}

	return ok, nil
}

// DeleteWidget removes a widget and returns the deleted rows. An empty
// slice means nothing matched.
func (s *WidgetStore) DeleteWidget(ctx context.Context, id string) ([]models.Widget, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.Pool.Query(ctx, `DELETE FROM widgets WHERE id = $1 RETURNING `+widgetColumns, id)
	if err != nil {
		return nil, fmt.Errorf("deleting widget: %w", err)
	}
	defer rows.Close()

	return collectWidgets(rows)
}
