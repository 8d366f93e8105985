package collab

import (
	"fmt"
	"time"

	"github.com/persistorai/dashsync/internal/models"
)

// EditState is the debouncer state of one mounted widget.
type EditState int

// Edit states.
const (
	StateIdle EditState = iota
	StateDirty
	StateSaving
	StateConflict
	// StateRemoved is terminal: the widget is gone and no write will be issued.
	StateRemoved
)

func (s EditState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDirty:
		return "dirty"
	case StateSaving:
		return "saving"
	case StateConflict:
		return "conflict"
	case StateRemoved:
		return "removed"
	default:
		return fmt.Sprintf("EditState(%d)", int(s))
	}
}

// EditStatus is a read-only view of a PendingEdit plus the stored record.
type EditStatus struct {
	WidgetID    string
	Mounted     bool
	State       EditState
	Buffer      models.Content
	BaseVersion int64
	Dirty       bool
	Conflict    bool
	Err         error
	Widget      *models.Widget
}

// PendingEdit is the per-widget edit buffer and debounce timer. It refers to
// its widget by id only; the record itself lives in Records.
type PendingEdit struct {
	widgetID string
	state    EditState

	buffer      models.Content
	base        models.Content
	baseVersion int64
	conflict    bool
	lastErr     error

	timer Timer
	// token invalidates timer callbacks that were already queued when the
	// timer was stopped.
	token uint64
	// writeSeq identifies the live write; results with an older seq only
	// touch the store.
	writeSeq uint64
}

func newPendingEdit(w models.Widget) *PendingEdit {
	pe := &PendingEdit{widgetID: w.ID}
	pe.adopt(w)

	return pe
}

// adopt discards the buffer and takes the record's content and version.
func (pe *PendingEdit) adopt(w models.Widget) {
	pe.buffer = w.Content.Clone()
	pe.base = w.Content.Clone()
	pe.baseVersion = w.Version
	pe.conflict = false
	pe.lastErr = nil
	pe.state = StateIdle
}

// arm cancels any running quiet-period timer and schedules a new one.
func (pe *PendingEdit) arm(s Scheduler, d time.Duration, fire func(token uint64)) {
	pe.cancel()

	tok := pe.token
	pe.timer = s.AfterFunc(d, func() { fire(tok) })
}

func (pe *PendingEdit) cancel() {
	if pe.timer != nil {
		pe.timer.Stop()
		pe.timer = nil
	}

	pe.token++
}

func (pe *PendingEdit) dirty() bool {
	return !pe.buffer.Equal(pe.base)
}

func (pe *PendingEdit) status(w *models.Widget) EditStatus {
	return EditStatus{
		WidgetID:    pe.widgetID,
		Mounted:     true,
		State:       pe.state,
		Buffer:      pe.buffer.Clone(),
		BaseVersion: pe.baseVersion,
		Dirty:       pe.dirty(),
		Conflict:    pe.conflict,
		Err:         pe.lastErr,
		Widget:      w,
	}
}
