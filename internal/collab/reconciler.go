package collab

import "github.com/persistorai/dashsync/internal/models"

// Reconciler applies change events, write results and snapshots to Records.
// Ordering is decided entirely by Records.Upsert; nothing is filtered by
// origin.
type Reconciler struct {
	records *Records

	// removed holds ids known to be deleted. Ids are never reused, so a
	// late insert or update for one of them is stale.
	removed map[string]struct{}
	// touched is non-nil while a snapshot is being fetched. It maps each id
	// an event reached since the fetch started to the version stored when
	// that first happened, or unknownVersion if the id was not stored.
	touched map[string]int64
}

const unknownVersion = -1

func newReconciler(records *Records) *Reconciler {
	return &Reconciler{
		records: records,
		removed: make(map[string]struct{}),
	}
}

// Apply merges one change event. Returns whether the store changed.
func (r *Reconciler) Apply(evt models.ChangeEvent) bool {
	switch evt.Kind {
	case models.ChangeInserted, models.ChangeUpdated:
		if evt.Widget == nil {
			return false
		}

		return r.ApplyWrite(*evt.Widget)
	case models.ChangeDeleted:
		return r.ApplyRemoval(evt.ID)
	default:
		return false
	}
}

// ApplyWrite upserts a record returned by the server. A duplicate of the
// stored version is accepted but does not count as a change.
func (r *Reconciler) ApplyWrite(w models.Widget) bool {
	if _, gone := r.removed[w.ID]; gone {
		return false
	}

	r.touch(w.ID)

	prev, had := r.records.Get(w.ID)
	if !r.records.Upsert(w) {
		return false
	}

	return !had || prev.Version != w.Version || prev.Position != w.Position || !prev.Content.Equal(w.Content)
}

// ApplyRemoval removes id and remembers it as deleted.
func (r *Reconciler) ApplyRemoval(id string) bool {
	r.removed[id] = struct{}{}
	r.touch(id)

	return r.records.Remove(id)
}

// BeginResync starts tracking ids changed while a snapshot is in flight.
func (r *Reconciler) BeginResync() {
	r.touched = make(map[string]int64)
}

// AbortResync stops tracking without touching the store.
func (r *Reconciler) AbortResync() {
	r.touched = nil
}

// Rebuild makes the store match snapshot. Records present in it go through
// the version gate, so events newer than the snapshot survive. A record
// absent from it is dropped unless an event after the fetch began inserted
// it or moved it past the version it had then; a redelivered event for a
// record deleted during the gap does neither. Returns the dropped ids.
func (r *Reconciler) Rebuild(snapshot []models.Widget) []string {
	present := make(map[string]struct{}, len(snapshot))

	for _, w := range snapshot {
		present[w.ID] = struct{}{}

		if _, gone := r.removed[w.ID]; gone {
			continue
		}

		r.records.Upsert(w)
	}

	var dropped []string

	for _, id := range r.records.ids() {
		if _, ok := present[id]; ok {
			continue
		}

		if r.advancedDuringResync(id) {
			continue
		}

		r.records.Remove(id)
		r.removed[id] = struct{}{}
		dropped = append(dropped, id)
	}

	r.touched = nil

	return dropped
}

func (r *Reconciler) advancedDuringResync(id string) bool {
	before, ok := r.touched[id]
	if !ok {
		return false
	}

	if before == unknownVersion {
		return true
	}

	cur, ok := r.records.Get(id)

	return ok && cur.Version > before
}

// touch must run before the event is applied so the prior version is kept.
func (r *Reconciler) touch(id string) {
	if r.touched == nil {
		return
	}

	if _, seen := r.touched[id]; seen {
		return
	}

	if w, ok := r.records.Get(id); ok {
		r.touched[id] = w.Version
	} else {
		r.touched[id] = unknownVersion
	}
}
