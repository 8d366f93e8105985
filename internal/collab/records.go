// Package collab keeps a replicated, version-checked view of one dashboard's
// widgets in sync with the server while several clients edit them.
//
// All engine state is owned by a single goroutine (Engine.Run). Remote
// calls, debounce timers and change-feed pumps run elsewhere and hand their
// results back to that goroutine as closures, so none of the types in this
// package take locks.
package collab

import (
	"sort"

	"github.com/persistorai/dashsync/internal/models"
)

// Records is the authoritative local copy of one dashboard's widgets and the
// only structure the rendering layer reads. Not safe for concurrent use.
type Records struct {
	widgets map[string]models.Widget
}

// NewRecords creates an empty Records.
func NewRecords() *Records {
	return &Records{widgets: make(map[string]models.Widget)}
}

// Upsert stores w if its id is new or its version is >= the stored version.
// An equal version is a duplicate delivery and overwrites as a no-op.
// Returns false when w is older than what is held.
func (r *Records) Upsert(w models.Widget) bool {
	if cur, ok := r.widgets[w.ID]; ok && w.Version < cur.Version {
		return false
	}

	r.widgets[w.ID] = w.Clone()

	return true
}

// Remove deletes id regardless of version. Returns whether it was present.
func (r *Records) Remove(id string) bool {
	if _, ok := r.widgets[id]; !ok {
		return false
	}

	delete(r.widgets, id)

	return true
}

// Get returns a copy of the widget stored under id.
func (r *Records) Get(id string) (models.Widget, bool) {
	w, ok := r.widgets[id]
	if !ok {
		return models.Widget{}, false
	}

	return w.Clone(), true
}

// List returns copies of all widgets ordered by creation time, then id.
func (r *Records) List() []models.Widget {
	out := make([]models.Widget, 0, len(r.widgets))
	for _, w := range r.widgets {
		out = append(out, w.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}

		return out[i].ID < out[j].ID
	})

	return out
}

// Len returns the number of stored widgets.
func (r *Records) Len() int {
	return len(r.widgets)
}

func (r *Records) ids() []string {
	ids := make([]string, 0, len(r.widgets))
	for id := range r.widgets {
		ids = append(ids, id)
	}

	return ids
}
