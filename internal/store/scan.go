package store

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/persistorai/dashsync/internal/models"
)

// widgetColumns lists the columns selected for widget queries.
const widgetColumns = `id::text, dashboard_id::text, type, content, position, version, created_at, updated_at`

// scanWidget scans a single row into a models.Widget.
func scanWidget(scan func(dest ...any) error) (*models.Widget, error) {
	var w models.Widget
	var content, position []byte

	err := scan(
		&w.ID,
		&w.DashboardID,
		&w.Type,
		&content,
		&position,
		&w.Version,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(content, &w.Content); err != nil {
		return nil, fmt.Errorf("unmarshalling widget content: %w", err)
	}

	if err := json.Unmarshal(position, &w.Position); err != nil {
		return nil, fmt.Errorf("unmarshalling widget position: %w", err)
	}

	return &w, nil
}

// collectWidgets scans all rows into a widget slice.
func collectWidgets(rows pgx.Rows) ([]models.Widget, error) {
	widgets := make([]models.Widget, 0, 16)

	for rows.Next() {
		w, err := scanWidget(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning widget row: %w", err)
		}

		widgets = append(widgets, *w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating widget rows: %w", err)
	}

	return widgets, nil
}
