package collab

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/persistorai/dashsync/internal/backoff"
	"github.com/persistorai/dashsync/internal/metrics"
	"github.com/persistorai/dashsync/internal/models"
)

// Engine defaults.
const (
	DefaultQuietPeriod      = 600 * time.Millisecond
	DefaultHeartbeatTimeout = 45 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	defaultSignalBuffer     = 64
	opsBuffer               = 256
)

// Option configures an Engine.
type Option func(*Engine)

// WithQuietPeriod sets how long edits must pause before a write is issued.
func WithQuietPeriod(d time.Duration) Option {
	return func(e *Engine) { e.quiet = d }
}

// WithHeartbeatTimeout sets how long the feed may stay silent before it is
// treated as dropped. Zero disables the watchdog.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(e *Engine) { e.heartbeatTimeout = d }
}

// WithScheduler replaces the debounce timer source.
func WithScheduler(s Scheduler) Option {
	return func(e *Engine) { e.sched = s }
}

// WithWriteTimeout bounds each remote call made by the engine.
func WithWriteTimeout(d time.Duration) Option {
	return func(e *Engine) { e.writeTimeout = d }
}

// WithSignalBuffer sets the capacity of the Signals channel.
func WithSignalBuffer(n int) Option {
	return func(e *Engine) { e.signalBuffer = n }
}

// Engine keeps one dashboard's widgets in sync. Run must be running for any
// other method to make progress.
type Engine struct {
	remote           Remote
	log              *logrus.Logger
	sched            Scheduler
	quiet            time.Duration
	heartbeatTimeout time.Duration
	writeTimeout     time.Duration
	signalBuffer     int

	ops     chan func()
	stopped chan struct{}
	running atomic.Bool
	signals chan Signal

	coord    *Coordinator
	listener *Listener

	// Owned by the Run goroutine.
	ctx            context.Context
	dashboardID    string
	gen            uint64
	records        *Records
	reconciler     *Reconciler
	edits          map[string]*PendingEdit
	waiters        []chan error
	resyncInFlight bool
	resyncAgain    bool
	retryTimer     Timer
	retryDelay     time.Duration
}

// New creates an Engine talking to remote and feed.
func New(remote Remote, feed Feed, log *logrus.Logger, opts ...Option) *Engine {
	if log == nil {
		log = logrus.New()
	}

	e := &Engine{
		remote:           remote,
		log:              log,
		sched:            realScheduler{},
		quiet:            DefaultQuietPeriod,
		heartbeatTimeout: DefaultHeartbeatTimeout,
		writeTimeout:     DefaultWriteTimeout,
		signalBuffer:     defaultSignalBuffer,
		ops:              make(chan func(), opsBuffer),
		stopped:          make(chan struct{}),
		records:          NewRecords(),
		edits:            make(map[string]*PendingEdit),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.signals = make(chan Signal, e.signalBuffer)
	e.reconciler = newReconciler(e.records)
	e.coord = newCoordinator(remote, e.writeTimeout, log)
	e.listener = newListener(feed, log, e.post, e, e.heartbeatTimeout)

	return e
}

// Signals delivers UI-facing notifications. Signals are dropped when the
// channel is full.
func (e *Engine) Signals() <-chan Signal {
	return e.signals
}

// Run processes engine work until ctx is cancelled. All engine state is
// touched only from this goroutine.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("collab: engine already running")
	}

	e.ctx = ctx

	defer close(e.stopped)
	defer e.shutdown()

	e.log.Debug("sync engine started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-e.ops:
			fn()
		}
	}
}

func (e *Engine) shutdown() {
	e.leave()
	e.listener.Wait()
	e.log.Debug("sync engine stopped")
}

// post queues fn for the Run goroutine.
func (e *Engine) post(ctx context.Context, fn func()) bool {
	select {
	case e.ops <- fn:
		return true
	case <-e.stopped:
		return false
	case <-ctx.Done():
		return false
	}
}

// call runs fn on the Run goroutine and waits for its result.
func (e *Engine) call(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)

	if !e.post(ctx, func() { errc <- fn() }) {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return ErrEngineStopped
	}

	select {
	case err := <-errc:
		return err
	case <-e.stopped:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Open switches to dashboardID and waits for its first snapshot. The
// previous dashboard's subscription is closed before the new one opens and
// all of its pending edits are discarded.
func (e *Engine) Open(ctx context.Context, dashboardID string) error {
	if dashboardID == "" {
		return models.ErrMissingDashboardID
	}

	wait := make(chan error, 1)

	err := e.call(ctx, func() error {
		e.open(dashboardID, wait)
		return nil
	})
	if err != nil {
		return err
	}

	select {
	case err := <-wait:
		return err
	case <-e.stopped:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Leave closes the subscription and discards all pending edits.
func (e *Engine) Leave(ctx context.Context) error {
	return e.call(ctx, func() error {
		e.leave()
		return nil
	})
}

// DashboardID returns the open dashboard, or "".
func (e *Engine) DashboardID(ctx context.Context) (string, error) {
	var id string

	err := e.call(ctx, func() error {
		id = e.dashboardID
		return nil
	})

	return id, err
}

// Widgets returns the local store in render order.
func (e *Engine) Widgets(ctx context.Context) ([]models.Widget, error) {
	var out []models.Widget

	err := e.call(ctx, func() error {
		if e.dashboardID == "" {
			return ErrNotOpen
		}

		out = e.records.List()

		return nil
	})

	return out, err
}

// Widget returns one record from the local store.
func (e *Engine) Widget(ctx context.Context, id string) (models.Widget, bool, error) {
	var (
		w  models.Widget
		ok bool
	)

	err := e.call(ctx, func() error {
		if e.dashboardID == "" {
			return ErrNotOpen
		}

		w, ok = e.records.Get(id)

		return nil
	})

	return w, ok, err
}

// Mount creates the edit buffer for id from the stored record. Mounting
// never issues a write.
func (e *Engine) Mount(ctx context.Context, id string) error {
	return e.call(ctx, func() error {
		_, err := e.mount(id)
		return err
	})
}

// Unmount discards the edit buffer for id. A write already in flight still
// lands in the store but no longer produces signals.
func (e *Engine) Unmount(ctx context.Context, id string) error {
	return e.call(ctx, func() error {
		if pe, ok := e.edits[id]; ok {
			pe.cancel()
			delete(e.edits, id)
		}

		return nil
	})
}

// Edit replaces the edit buffer of id and restarts its quiet period.
func (e *Engine) Edit(ctx context.Context, id string, content models.Content) error {
	content = content.Clone()

	return e.call(ctx, func() error {
		return e.edit(id, func(models.Content) models.Content { return content })
	})
}

// EditText sets the "text" field of id's edit buffer.
func (e *Engine) EditText(ctx context.Context, id, text string) error {
	return e.call(ctx, func() error {
		return e.edit(id, func(cur models.Content) models.Content { return cur.WithText(text) })
	})
}

// Flush issues the pending write for id now instead of waiting for the quiet
// period. It is the manual retry after a transport failure.
func (e *Engine) Flush(ctx context.Context, id string) error {
	return e.call(ctx, func() error {
		pe, ok := e.edits[id]
		if !ok {
			return ErrUnknownWidget
		}

		switch pe.state {
		case StateRemoved:
			return ErrWidgetRemoved
		case StateDirty:
			pe.cancel()
			e.flushEdit(id, pe)
		}

		return nil
	})
}

// Refresh discards the edit buffer of id and adopts the latest record. This
// is the only way out of the conflict state.
func (e *Engine) Refresh(ctx context.Context, id string) error {
	latest, fetchErr := e.fetchLatest(ctx, id)

	return e.call(ctx, func() error {
		if e.dashboardID == "" {
			return ErrNotOpen
		}

		switch {
		case errors.Is(fetchErr, models.ErrWidgetNotFound):
			if e.reconciler.ApplyRemoval(id) {
				e.emit(Signal{Kind: SignalChanged, WidgetID: id})
			}
		case latest != nil && latest.DashboardID == e.dashboardID:
			if e.reconciler.ApplyWrite(*latest) {
				e.emit(Signal{Kind: SignalChanged, WidgetID: id, Widget: latest})
			}
		}

		w, ok := e.records.Get(id)

		pe, mounted := e.edits[id]
		if !mounted {
			if !ok {
				return ErrUnknownWidget
			}

			e.edits[id] = newPendingEdit(w)

			return nil
		}

		pe.cancel()
		pe.writeSeq++

		if !ok {
			pe.state = StateRemoved
			return ErrWidgetRemoved
		}

		pe.adopt(w)

		return nil
	})
}

// Status reports the edit state of id.
func (e *Engine) Status(ctx context.Context, id string) (EditStatus, error) {
	var st EditStatus

	err := e.call(ctx, func() error {
		var stored *models.Widget
		if w, ok := e.records.Get(id); ok {
			stored = &w
		}

		if pe, ok := e.edits[id]; ok {
			st = pe.status(stored)
			return nil
		}

		if stored == nil {
			return ErrUnknownWidget
		}

		st = EditStatus{
			WidgetID:    id,
			State:       StateIdle,
			Buffer:      stored.Content.Clone(),
			BaseVersion: stored.Version,
			Widget:      stored,
		}

		return nil
	})

	return st, err
}

// Create creates a widget on the open dashboard (or req.DashboardID) and
// applies the result to the store.
func (e *Engine) Create(ctx context.Context, req models.CreateWidgetRequest) (models.Widget, error) {
	if req.DashboardID == "" {
		id, err := e.DashboardID(ctx)
		if err != nil {
			return models.Widget{}, err
		}

		if id == "" {
			return models.Widget{}, ErrNotOpen
		}

		req.DashboardID = id
	}

	cctx, cancel := context.WithTimeout(ctx, e.writeTimeout)
	defer cancel()

	w, err := e.remote.Create(cctx, req)
	if err != nil {
		return models.Widget{}, &TransportError{Op: "create", Err: err}
	}

	if w == nil {
		return models.Widget{}, &TransportError{Op: "create", Err: errors.New("empty response")}
	}

	created := w.Clone()

	err = e.call(ctx, func() error {
		if created.DashboardID == e.dashboardID && e.reconciler.ApplyWrite(created) {
			e.emit(Signal{Kind: SignalChanged, WidgetID: created.ID, Widget: &created})
		}

		return nil
	})

	return *w, err
}

// Delete removes id remotely. Zero affected rows is reported as
// ErrDeleteNotApplied and a SignalDeleteFailed, never as success.
func (e *Engine) Delete(ctx context.Context, id string) error {
	_, err := e.coord.Delete(ctx, id)
	if err != nil {
		kind := SignalDeleteFailed
		if IsTransport(err) {
			kind = SignalTransportFailure
		}

		e.log.WithError(err).WithField("widget_id", id).Warn("delete failed")

		if cerr := e.call(ctx, func() error {
			e.emit(Signal{Kind: kind, WidgetID: id, Err: err})
			return nil
		}); cerr != nil {
			return errors.Join(err, cerr)
		}

		return err
	}

	return e.call(ctx, func() error {
		if e.dashboardID == "" {
			return nil
		}

		if e.reconciler.ApplyRemoval(id) {
			e.emit(Signal{Kind: SignalChanged, WidgetID: id})
		}

		e.markRemoved(id)

		return nil
	})
}

func (e *Engine) fetchLatest(ctx context.Context, id string) (*models.Widget, error) {
	ctx, cancel := context.WithTimeout(ctx, e.writeTimeout)
	defer cancel()

	w, err := e.remote.Get(ctx, id)
	if err != nil && !errors.Is(err, models.ErrWidgetNotFound) {
		e.log.WithError(err).WithField("widget_id", id).Warn("refresh fetch failed, using local copy")
	}

	return w, err
}

// --- Run goroutine only below this line. ---

func (e *Engine) open(dashboardID string, wait chan error) {
	e.leave()

	e.gen++
	e.dashboardID = dashboardID
	e.waiters = append(e.waiters, wait)

	e.log.WithField("dashboard_id", dashboardID).Info("opening dashboard")

	e.listener.Activate(e.ctx, e.gen, dashboardID)
}

func (e *Engine) leave() {
	if e.dashboardID == "" {
		return
	}

	e.log.WithField("dashboard_id", e.dashboardID).Info("leaving dashboard")

	e.listener.Deactivate()

	for id, pe := range e.edits {
		pe.cancel()
		delete(e.edits, id)
	}

	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}

	e.resolveWaiters(ErrNotOpen)

	e.gen++
	e.dashboardID = ""
	e.records = NewRecords()
	e.reconciler = newReconciler(e.records)
	e.resyncInFlight = false
	e.resyncAgain = false
	e.retryDelay = 0
}

func (e *Engine) mount(id string) (*PendingEdit, error) {
	if e.dashboardID == "" {
		return nil, ErrNotOpen
	}

	if pe, ok := e.edits[id]; ok {
		return pe, nil
	}

	w, ok := e.records.Get(id)
	if !ok {
		return nil, ErrUnknownWidget
	}

	pe := newPendingEdit(w)
	e.edits[id] = pe

	return pe, nil
}

func (e *Engine) edit(id string, next func(models.Content) models.Content) error {
	pe, err := e.mount(id)
	if err != nil {
		return err
	}

	if pe.state == StateRemoved {
		return ErrWidgetRemoved
	}

	content := next(pe.buffer)
	if content.Equal(pe.buffer) {
		return nil
	}

	pe.buffer = content

	// The outcome of the in-flight write decides what happens next.
	if pe.state == StateSaving {
		return nil
	}

	pe.state = StateDirty
	e.armQuiet(id, pe)

	return nil
}

func (e *Engine) armQuiet(id string, pe *PendingEdit) {
	ctx := e.ctx

	pe.arm(e.sched, e.quiet, func(tok uint64) {
		e.post(ctx, func() { e.quietElapsed(id, pe, tok) })
	})
}

func (e *Engine) quietElapsed(id string, pe *PendingEdit, tok uint64) {
	if e.edits[id] != pe || pe.token != tok || pe.state != StateDirty {
		return
	}

	pe.timer = nil
	e.flushEdit(id, pe)
}

// flushEdit leaves Dirty: either the buffer matches the persisted content
// and nothing is written, or a conditional write is issued with the version
// captured when the buffer was created.
func (e *Engine) flushEdit(id string, pe *PendingEdit) {
	if !pe.dirty() {
		metrics.DebouncedWrites.WithLabelValues("suppressed").Inc()

		if pe.conflict {
			pe.state = StateConflict
			return
		}

		pe.state = StateIdle
		e.syncIdle(pe)

		return
	}

	metrics.DebouncedWrites.WithLabelValues("issued").Inc()

	pe.state = StateSaving
	pe.writeSeq++

	var (
		seq     = pe.writeSeq
		content = pe.buffer.Clone()
		version = pe.baseVersion
		dash    = e.dashboardID
		ctx     = e.ctx
	)

	go func() {
		res := e.coord.Write(ctx, id, content, version)
		e.post(ctx, func() { e.writeFinished(dash, id, pe, seq, res) })
	}()
}

func (e *Engine) writeFinished(dash, id string, pe *PendingEdit, seq uint64, res WriteResult) {
	if dash != e.dashboardID {
		return
	}

	switch res.Outcome {
	case OutcomeApplied, OutcomeConflict:
		if res.Widget != nil && e.reconciler.ApplyWrite(*res.Widget) {
			e.emit(Signal{Kind: SignalChanged, WidgetID: id, Widget: res.Widget})
		}
	case OutcomeNotFound:
		if e.reconciler.ApplyRemoval(id) {
			e.emit(Signal{Kind: SignalChanged, WidgetID: id})
		}
	}

	if e.edits[id] != pe || pe.writeSeq != seq || pe.state != StateSaving {
		return
	}

	log := e.log.WithFields(logrus.Fields{"widget_id": id, "outcome": res.Outcome.String()})

	switch res.Outcome {
	case OutcomeApplied:
		pe.base = res.Widget.Content.Clone()
		pe.baseVersion = res.Widget.Version
		pe.conflict = false
		pe.lastErr = nil

		if pe.dirty() {
			pe.state = StateDirty
			e.armQuiet(id, pe)
		} else {
			pe.state = StateIdle
			e.syncIdle(pe)
		}

		log.WithField("version", res.Widget.Version).Debug("widget saved")
		e.emit(Signal{Kind: SignalSaved, WidgetID: id, Widget: res.Widget})
	case OutcomeConflict:
		pe.state = StateConflict
		pe.conflict = true
		pe.lastErr = res.Err

		log.Info("write rejected: version conflict")
		e.emit(Signal{Kind: SignalConflict, WidgetID: id, Widget: res.Widget, Err: res.Err})
	case OutcomeNotFound:
		pe.state = StateRemoved
		pe.lastErr = res.Err

		log.Info("write target no longer exists")
		e.emit(Signal{Kind: SignalNotFound, WidgetID: id, Err: res.Err})
	case OutcomeFailed:
		pe.state = StateDirty
		pe.lastErr = res.Err

		log.WithError(res.Err).Warn("write failed")
		e.emit(Signal{Kind: SignalTransportFailure, WidgetID: id, Err: res.Err})
	}
}

// syncIdle keeps an idle buffer tracking the stored record.
func (e *Engine) syncIdle(pe *PendingEdit) {
	if pe.state != StateIdle {
		return
	}

	if w, ok := e.records.Get(pe.widgetID); ok && w.Version >= pe.baseVersion {
		pe.adopt(w)
	}
}

func (e *Engine) markRemoved(id string) {
	pe, ok := e.edits[id]
	if !ok || pe.state == StateRemoved {
		return
	}

	pe.cancel()
	pe.writeSeq++
	pe.state = StateRemoved

	e.emit(Signal{Kind: SignalRemoved, WidgetID: id})
}

// subscribed, received and resyncRequired implement listenerHooks.

func (e *Engine) subscribed(gen uint64) {
	if gen != e.gen {
		return
	}

	e.requestResync("subscribed")
}

func (e *Engine) received(gen uint64, evt models.ChangeEvent) {
	if gen != e.gen {
		return
	}

	changed := e.reconciler.Apply(evt)

	e.log.WithFields(logrus.Fields{
		"widget_id": evt.ID,
		"kind":      evt.Kind.String(),
		"changed":   changed,
	}).Debug("change event applied")

	if evt.Kind == models.ChangeDeleted {
		e.markRemoved(evt.ID)
	} else if pe, ok := e.edits[evt.ID]; ok && changed {
		e.syncIdle(pe)
	}

	if changed {
		e.emit(Signal{Kind: SignalChanged, WidgetID: evt.ID, Widget: evt.Widget})
	}
}

func (e *Engine) resyncRequired(gen uint64, reason string, err error) {
	if gen != e.gen {
		return
	}

	entry := e.log.WithFields(logrus.Fields{"dashboard_id": e.dashboardID, "reason": reason})
	if err != nil {
		entry = entry.WithError(err)
	}

	entry.Info("resync required")
	e.requestResync(reason)
}

func (e *Engine) requestResync(reason string) {
	if e.dashboardID == "" {
		return
	}

	if e.resyncInFlight {
		e.resyncAgain = true
		return
	}

	e.startResync(reason)
}

func (e *Engine) startResync(reason string) {
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}

	e.resyncInFlight = true
	e.reconciler.BeginResync()

	var (
		gen  = e.gen
		dash = e.dashboardID
		ctx  = e.ctx
	)

	go func() {
		sctx, cancel := context.WithTimeout(ctx, e.writeTimeout)
		snapshot, err := e.remote.Snapshot(sctx, dash)
		cancel()

		e.post(ctx, func() { e.resyncFinished(gen, reason, snapshot, err) })
	}()
}

func (e *Engine) resyncFinished(gen uint64, reason string, snapshot []models.Widget, err error) {
	if gen != e.gen {
		return
	}

	e.resyncInFlight = false
	log := e.log.WithFields(logrus.Fields{"dashboard_id": e.dashboardID, "reason": reason})

	if err != nil {
		e.reconciler.AbortResync()
		e.resyncAgain = false

		metrics.EngineResyncs.WithLabelValues("failed").Inc()

		err = &TransportError{Op: "snapshot", Err: fmt.Errorf("%w: %w", ErrResyncFailed, err)}
		log.WithError(err).Warn("resync failed")

		e.emit(Signal{Kind: SignalTransportFailure, Err: err})
		e.resolveWaiters(err)
		e.scheduleResyncRetry(gen)

		return
	}

	for _, id := range e.reconciler.Rebuild(snapshot) {
		e.markRemoved(id)
	}

	for _, pe := range e.edits {
		e.syncIdle(pe)
	}

	e.retryDelay = 0
	metrics.EngineResyncs.WithLabelValues("ok").Inc()
	log.WithField("widgets", e.records.Len()).Debug("resync complete")

	e.emit(Signal{Kind: SignalResynced})
	e.resolveWaiters(nil)

	if e.resyncAgain {
		e.resyncAgain = false
		e.startResync("coalesced")
	}
}

func (e *Engine) scheduleResyncRetry(gen uint64) {
	e.retryDelay = backoff.Next(e.retryDelay, backoff.Max)

	ctx := e.ctx
	e.retryTimer = e.sched.AfterFunc(e.retryDelay, func() {
		e.post(ctx, func() {
			if gen != e.gen {
				return
			}

			e.retryTimer = nil
			e.requestResync("retry")
		})
	})
}

func (e *Engine) resolveWaiters(err error) {
	for _, w := range e.waiters {
		w <- err
	}

	e.waiters = nil
}

// emit delivers s without blocking the Run goroutine.
func (e *Engine) emit(s Signal) {
	if s.DashboardID == "" {
		s.DashboardID = e.dashboardID
	}

	select {
	case e.signals <- s:
	default:
		e.log.WithFields(logrus.Fields{
			"signal":    s.Kind.String(),
			"widget_id": s.WidgetID,
		}).Warn("signal buffer full, dropping signal")
	}
}
