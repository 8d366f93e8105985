package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand/v2"

	"github.com/jackc/pgx/v5"
)

// sqliteWidget is one row of the local-first store. Dashboards there are
// named, not keyed by UUID.
type sqliteWidget struct {
	ID        string
	Dashboard string
	Type      sql.NullString
	Content   sql.NullString
	Position  sql.NullString
	Version   int64
	Created   string
	Updated   string
}

// widget is a row ready for PostgreSQL.
type widget struct {
	ID          string
	DashboardID string
	Type        string
	Content     string
	Position    string
	Version     int64
	Created     string
	Updated     string
}

// readWidgets reads every widget from SQLite.
func readWidgets(ctx context.Context, db *sql.DB) ([]sqliteWidget, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, dashboard, type, content, position, version, created, updated
		 FROM widgets ORDER BY created, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sqliteWidget
	for rows.Next() {
		var w sqliteWidget
		if err := rows.Scan(&w.ID, &w.Dashboard, &w.Type, &w.Content, &w.Position,
			&w.Version, &w.Created, &w.Updated); err != nil {
			return nil, fmt.Errorf("scan widget: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// normalizeWidgets maps SQLite rows onto the server schema: dashboard names
// become deterministic UUIDs, blank fields take the server defaults, and
// rows whose id is not a UUID are skipped.
func normalizeWidgets(rows []sqliteWidget) ([]widget, []skippedWidget) {
	var (
		out     = make([]widget, 0, len(rows))
		skipped []skippedWidget
	)

	for i := range rows {
		r := &rows[i]
		if !isUUID(r.ID) {
			skipped = append(skipped, skippedWidget{ID: r.ID, Reason: "id is not a UUID"})
			continue
		}
		if r.Version < 0 {
			skipped = append(skipped, skippedWidget{ID: r.ID, Reason: "negative version"})
			continue
		}

		dash := r.Dashboard
		if !isUUID(dash) {
			dash = deterministicUUID("dashboard:" + dash)
		}

		typ := "text"
		if r.Type.Valid && r.Type.String != "" {
			typ = r.Type.String
		}

		out = append(out, widget{
			ID:          r.ID,
			DashboardID: dash,
			Type:        typ,
			Content:     normalizeJSON(r.Content, `{"text":"New Widget"}`),
			Position:    normalizeJSON(r.Position, `{"x":0,"y":0,"w":4,"h":2}`),
			Version:     r.Version,
			Created:     r.Created,
			Updated:     r.Updated,
		})
	}

	return out, skipped
}

// insertWidgets inserts rows in batches. Rows whose id already exists are
// left untouched; the returned count covers new rows only.
func insertWidgets(ctx context.Context, tx pgx.Tx, widgets []widget) (int, error) {
	const batchSize = 100

	inserted := 0
	for i := 0; i < len(widgets); i += batchSize {
		end := min(i+batchSize, len(widgets))

		batch := &pgx.Batch{}
		for j := i; j < end; j++ {
			w := &widgets[j]
			batch.Queue(
				`INSERT INTO widgets (id, dashboard_id, type, content, position, version, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				 ON CONFLICT (id) DO NOTHING`,
				w.ID, w.DashboardID, w.Type, w.Content, w.Position, w.Version,
				parseTime(w.Created), parseTime(w.Updated),
			)
		}

		results := tx.SendBatch(ctx, batch)
		for j := i; j < end; j++ {
			tag, err := results.Exec()
			if err != nil {
				results.Close()
				return inserted, fmt.Errorf("insert widget %s: %w", widgets[j].ID, err)
			}
			inserted += int(tag.RowsAffected())
		}
		if err := results.Close(); err != nil {
			return inserted, fmt.Errorf("batch %d-%d: %w", i, end, err)
		}
	}

	return inserted, nil
}

// countImported counts how many of the imported ids exist in PostgreSQL.
func countImported(ctx context.Context, tx pgx.Tx, widgets []widget) (int, error) {
	ids := make([]string, len(widgets))
	for i := range widgets {
		ids[i] = widgets[i].ID
	}

	var count int
	err := tx.QueryRow(ctx, `SELECT count(*) FROM widgets WHERE id::text = ANY($1)`, ids).Scan(&count)
	return count, err
}

// spotCheck compares up to five random widgets between the two stores.
func spotCheck(ctx context.Context, tx pgx.Tx, widgets []widget) []string {
	if len(widgets) == 0 {
		return nil
	}

	count := min(5, len(widgets))
	var checks []string

	for _, idx := range rand.Perm(len(widgets))[:count] {
		w := widgets[idx]

		var (
			pgDash    string
			pgVersion int64
			pgContent []byte
		)
		err := tx.QueryRow(ctx,
			`SELECT dashboard_id::text, version, content FROM widgets WHERE id = $1`, w.ID,
		).Scan(&pgDash, &pgVersion, &pgContent)
		if err != nil {
			checks = append(checks, fmt.Sprintf("❌ %s: not found in postgres: %v", w.ID, err))
			continue
		}

		if pgDash == w.DashboardID && pgVersion == w.Version && jsonEqual(pgContent, []byte(w.Content)) {
			checks = append(checks, fmt.Sprintf("✅ %s: dashboard=%s, v%d", w.ID, pgDash, pgVersion))
		} else {
			checks = append(checks, fmt.Sprintf("❌ %s: mismatch pg(%s/v%d) vs sqlite(%s/v%d)",
				w.ID, pgDash, pgVersion, w.DashboardID, w.Version))
		}
	}

	return checks
}

func jsonEqual(a, b []byte) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	ca, _ := json.Marshal(va) //nolint:errcheck // re-marshal of decoded JSON.
	cb, _ := json.Marshal(vb) //nolint:errcheck
	return string(ca) == string(cb)
}

func dashboardSet(widgets []widget) map[string]bool {
	m := make(map[string]bool)
	for i := range widgets {
		m[widgets[i].DashboardID] = true
	}
	return m
}
