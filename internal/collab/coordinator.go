package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/persistorai/dashsync/internal/metrics"
	"github.com/persistorai/dashsync/internal/models"
)

// Remote is the hosted platform as seen by the engine.
//
// UpdateContent must return the updated record (version = expectedVersion+1),
// models.ErrVersionConflict, models.ErrWidgetNotFound, or
// models.ErrStaleOrMissing when the platform cannot tell the last two apart.
// Any other error is a transport failure. Get returns models.ErrWidgetNotFound
// for a missing widget. Delete returns the deleted rows (zero or one).
type Remote interface {
	Snapshot(ctx context.Context, dashboardID string) ([]models.Widget, error)
	Get(ctx context.Context, id string) (*models.Widget, error)
	Create(ctx context.Context, req models.CreateWidgetRequest) (*models.Widget, error)
	UpdateContent(ctx context.Context, id string, content models.Content, expectedVersion int64) (*models.Widget, error)
	Delete(ctx context.Context, id string) ([]models.Widget, error)
}

// Outcome classifies a conditional write.
type Outcome int

// Write outcomes.
const (
	OutcomeApplied Outcome = iota + 1
	OutcomeConflict
	OutcomeNotFound
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeConflict:
		return "conflict"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// WriteResult is the classified result of one conditional write. Widget is
// the updated record on Applied and, when known, the current server record
// on Conflict.
type WriteResult struct {
	Outcome Outcome
	Widget  *models.Widget
	Err     error
}

// Coordinator issues version-guarded writes and unconditional deletes. It
// never retries.
type Coordinator struct {
	remote  Remote
	timeout time.Duration
	log     *logrus.Logger
}

func newCoordinator(remote Remote, timeout time.Duration, log *logrus.Logger) *Coordinator {
	return &Coordinator{remote: remote, timeout: timeout, log: log}
}

// Write submits content for id guarded by expectedVersion.
func (c *Coordinator) Write(ctx context.Context, id string, content models.Content, expectedVersion int64) WriteResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	w, err := c.remote.UpdateContent(ctx, id, content, expectedVersion)
	res := c.classify(ctx, id, w, err)

	metrics.EngineWrites.WithLabelValues(res.Outcome.String()).Inc()

	c.log.WithFields(logrus.Fields{
		"widget_id":        id,
		"expected_version": expectedVersion,
		"outcome":          res.Outcome.String(),
	}).Debug("conditional write finished")

	return res
}

func (c *Coordinator) classify(ctx context.Context, id string, w *models.Widget, err error) WriteResult {
	switch {
	case err == nil && w != nil:
		return WriteResult{Outcome: OutcomeApplied, Widget: w}
	case err == nil:
		return WriteResult{Outcome: OutcomeFailed, Err: &TransportError{Op: "update_content", Err: errors.New("empty response")}}
	case errors.Is(err, models.ErrVersionConflict):
		return WriteResult{Outcome: OutcomeConflict, Err: err}
	case errors.Is(err, models.ErrWidgetNotFound):
		return WriteResult{Outcome: OutcomeNotFound, Err: err}
	case errors.Is(err, models.ErrStaleOrMissing):
		return c.disambiguate(ctx, id)
	default:
		return WriteResult{Outcome: OutcomeFailed, Err: &TransportError{Op: "update_content", Err: err}}
	}
}

// disambiguate resolves a write that failed as "stale or missing" with an
// existence check.
func (c *Coordinator) disambiguate(ctx context.Context, id string) WriteResult {
	cur, err := c.remote.Get(ctx, id)

	switch {
	case err == nil && cur != nil:
		return WriteResult{Outcome: OutcomeConflict, Widget: cur, Err: models.ErrVersionConflict}
	case err == nil, errors.Is(err, models.ErrWidgetNotFound):
		return WriteResult{Outcome: OutcomeNotFound, Err: models.ErrWidgetNotFound}
	default:
		return WriteResult{Outcome: OutcomeFailed, Err: &TransportError{Op: "get", Err: err}}
	}
}

// Delete removes id and confirms that exactly the expected row went away.
// Zero deleted rows is ErrDeleteNotApplied, never success.
func (c *Coordinator) Delete(ctx context.Context, id string) (*models.Widget, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	deleted, err := c.remote.Delete(ctx, id)

	switch {
	case errors.Is(err, models.ErrWidgetNotFound):
		return nil, fmt.Errorf("deleting widget %s: %w", id, ErrDeleteNotApplied)
	case err != nil:
		return nil, &TransportError{Op: "delete", Err: err}
	}

	for i := range deleted {
		if deleted[i].ID == id {
			return &deleted[i], nil
		}
	}

	return nil, fmt.Errorf("deleting widget %s: %w", id, ErrDeleteNotApplied)
}
