package collab_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/persistorai/dashsync/internal/collab"
	"github.com/persistorai/dashsync/internal/models"
)

const (
	testDashboard  = "11111111-1111-1111-1111-111111111111"
	otherDashboard = "22222222-2222-2222-2222-222222222222"
	waitTimeout    = 3 * time.Second
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)

	return l
}

type updateCall struct {
	ID              string
	Content         models.Content
	ExpectedVersion int64
}

// fakePlatform is an in-memory hosted platform. It implements both
// collab.Remote and collab.Feed and fans every committed mutation out to the
// open subscriptions of the widget's dashboard.
type fakePlatform struct {
	mu          sync.Mutex
	widgets     map[string]models.Widget
	subs        map[*fakeSub]struct{}
	updates     []updateCall
	snapshots   int
	subscribes  int
	log         []string
	updateErr   error
	snapshotErr error
	updateGate  chan struct{}
	snapGate    chan struct{}
	created     time.Time
}

func newFakePlatform(widgets ...models.Widget) *fakePlatform {
	p := &fakePlatform{
		widgets: make(map[string]models.Widget),
		subs:    make(map[*fakeSub]struct{}),
		created: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	for _, w := range widgets {
		p.widgets[w.ID] = w.Clone()
	}

	return p
}

func seedWidget(id string, version int64, text string) models.Widget {
	return models.Widget{
		ID:          id,
		DashboardID: testDashboard,
		Type:        models.DefaultType,
		Content:     models.Content{"text": text},
		Position:    models.DefaultPosition,
		Version:     version,
		CreatedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (p *fakePlatform) Snapshot(ctx context.Context, dashboardID string) ([]models.Widget, error) {
	p.mu.Lock()
	p.snapshots++
	gate := p.snapGate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.snapshotErr != nil {
		return nil, p.snapshotErr
	}

	return p.snapshotLocked(dashboardID), nil
}

func (p *fakePlatform) snapshotLocked(dashboardID string) []models.Widget {
	var out []models.Widget

	for _, w := range p.widgets {
		if w.DashboardID == dashboardID {
			out = append(out, w.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}

		return out[i].ID < out[j].ID
	})

	return out
}

func (p *fakePlatform) Get(_ context.Context, id string) (*models.Widget, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.widgets[id]
	if !ok {
		return nil, models.ErrWidgetNotFound
	}

	w = w.Clone()

	return &w, nil
}

func (p *fakePlatform) Create(_ context.Context, req models.CreateWidgetRequest) (*models.Widget, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.created = p.created.Add(time.Second)
	w := models.Widget{
		ID:          fmt.Sprintf("created-%d", len(p.widgets)+1),
		DashboardID: req.DashboardID,
		Type:        req.Type,
		Content:     req.Content.Clone(),
		Position:    *req.Position,
		CreatedAt:   p.created,
		UpdatedAt:   p.created,
	}
	p.widgets[w.ID] = w
	p.broadcastLocked(w.DashboardID, models.Inserted(w.Clone()))

	return &w, nil
}

func (p *fakePlatform) UpdateContent(ctx context.Context, id string, content models.Content, expectedVersion int64) (*models.Widget, error) {
	p.mu.Lock()
	gate := p.updateGate
	p.updates = append(p.updates, updateCall{ID: id, Content: content.Clone(), ExpectedVersion: expectedVersion})
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.updateErr != nil {
		return nil, p.updateErr
	}

	w, ok := p.widgets[id]
	if !ok {
		return nil, models.ErrWidgetNotFound
	}

	if w.Version != expectedVersion {
		return nil, models.ErrVersionConflict
	}

	w.Content = content.Clone()
	w.Version++
	w.UpdatedAt = time.Now()
	p.widgets[id] = w
	p.broadcastLocked(w.DashboardID, models.Updated(w.Clone()))

	out := w.Clone()

	return &out, nil
}

func (p *fakePlatform) Delete(_ context.Context, id string) ([]models.Widget, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.widgets[id]
	if !ok {
		return nil, nil
	}

	delete(p.widgets, id)
	p.broadcastLocked(w.DashboardID, models.Deleted(id))

	return []models.Widget{w}, nil
}

func (p *fakePlatform) Subscribe(_ context.Context, dashboardID string) (collab.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for s := range p.subs {
		if s.dashboardID != dashboardID {
			// A client may hold at most one subscription; an open one for a
			// different dashboard means the previous one leaked.
			p.log = append(p.log, "overlap "+s.dashboardID)
		}
	}

	s := &fakeSub{p: p, dashboardID: dashboardID, ch: make(chan collab.FeedMessage, 256)}
	p.subs[s] = struct{}{}
	p.subscribes++
	p.log = append(p.log, "open "+dashboardID)

	return s, nil
}

// setSilently changes platform state without notifying subscribers, as if
// the notification was lost in transit.
func (p *fakePlatform) setSilently(w models.Widget) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.widgets[w.ID] = w.Clone()
}

func (p *fakePlatform) deleteSilently(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.widgets, id)
}

// inject delivers msg to every open subscription of dashboardID.
func (p *fakePlatform) inject(dashboardID string, msg collab.FeedMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for s := range p.subs {
		if s.dashboardID == dashboardID {
			s.ch <- msg
		}
	}
}

// dropSubscriptions closes every subscription from the server side.
func (p *fakePlatform) dropSubscriptions() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for s := range p.subs {
		p.closeLocked(s)
	}
}

func (p *fakePlatform) broadcastLocked(dashboardID string, evt models.ChangeEvent) {
	for s := range p.subs {
		if s.dashboardID == dashboardID {
			s.ch <- collab.FeedMessage{Kind: collab.MessageEvent, Event: evt}
		}
	}
}

func (p *fakePlatform) closeLocked(s *fakeSub) {
	if _, ok := p.subs[s]; !ok {
		return
	}

	delete(p.subs, s)
	close(s.ch)
	p.log = append(p.log, "close "+s.dashboardID)
}

func (p *fakePlatform) updateCalls() []updateCall {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]updateCall(nil), p.updates...)
}

func (p *fakePlatform) snapshotCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.snapshots
}

func (p *fakePlatform) subscribeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.subscribes
}

func (p *fakePlatform) subscriptionLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.log...)
}

func (p *fakePlatform) current(dashboardID string) []models.Widget {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.snapshotLocked(dashboardID)
}

func (p *fakePlatform) setUpdateErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.updateErr = err
}

func (p *fakePlatform) setSnapshotErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.snapshotErr = err
}

// holdSnapshots makes every later Snapshot wait for a value on the returned
// channel, so each send lets exactly one fetch through.
func (p *fakePlatform) holdSnapshots() chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.snapGate = make(chan struct{})

	return p.snapGate
}

func (p *fakePlatform) holdUpdates() chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.updateGate = make(chan struct{})

	return p.updateGate
}

type fakeSub struct {
	p           *fakePlatform
	dashboardID string
	ch          chan collab.FeedMessage
}

func (s *fakeSub) Messages() <-chan collab.FeedMessage { return s.ch }

func (s *fakeSub) Close() error {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()

	s.p.closeLocked(s)

	return nil
}

// manualScheduler fires debounce timers only when told to.
type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	s       *manualScheduler
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	active := !t.stopped && !t.fired
	t.stopped = true

	return active
}

func (s *manualScheduler) AfterFunc(_ time.Duration, f func()) collab.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &manualTimer{s: s, f: f}
	s.timers = append(s.timers, t)

	return t
}

// FireAll runs every pending timer and returns how many fired.
func (s *manualScheduler) FireAll() int {
	s.mu.Lock()

	var due []*manualTimer

	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}

	s.mu.Unlock()

	for _, t := range due {
		t.f()
	}

	return len(due)
}

// Pending returns the number of armed timers.
func (s *manualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0

	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}

	return n
}

// startEngine runs an engine against p until the test ends.
func startEngine(t *testing.T, p *fakePlatform, sched collab.Scheduler, opts ...collab.Option) *collab.Engine {
	t.Helper()

	opts = append([]collab.Option{
		collab.WithScheduler(sched),
		collab.WithHeartbeatTimeout(0),
		collab.WithWriteTimeout(time.Second),
	}, opts...)

	eng := collab.New(p, p, testLogger(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return eng
}

func openEngine(t *testing.T, p *fakePlatform, sched collab.Scheduler, opts ...collab.Option) *collab.Engine {
	t.Helper()

	eng := startEngine(t, p, sched, opts...)
	if err := eng.Open(testCtx(t), testDashboard); err != nil {
		t.Fatalf("Open: %v", err)
	}

	return eng
}

func testCtx(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)

	return ctx
}

// waitSignal reads signals until one of kind for widgetID arrives. An empty
// widgetID matches any widget. Skipped signals are returned too.
func waitSignal(t *testing.T, eng *collab.Engine, kind collab.SignalKind, widgetID string) (collab.Signal, []collab.Signal) {
	t.Helper()

	var skipped []collab.Signal

	deadline := time.After(waitTimeout)

	for {
		select {
		case s := <-eng.Signals():
			if s.Kind == kind && (widgetID == "" || s.WidgetID == widgetID) {
				return s, skipped
			}

			skipped = append(skipped, s)
		case <-deadline:
			t.Fatalf("timed out waiting for %s signal for %q (saw %v)", kind, widgetID, kinds(skipped))
			return collab.Signal{}, nil
		}
	}
}

func kinds(signals []collab.Signal) []string {
	out := make([]string, 0, len(signals))
	for _, s := range signals {
		out = append(out, s.Kind.String()+":"+s.WidgetID)
	}

	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}

		time.Sleep(5 * time.Millisecond)
	}
}

// settle gives completions already posted to the engine time to run, then
// returns every signal emitted so far.
func settle(t *testing.T, eng *collab.Engine) []collab.Signal {
	t.Helper()

	time.Sleep(50 * time.Millisecond)

	if _, err := eng.Widgets(testCtx(t)); err != nil {
		t.Fatalf("Widgets: %v", err)
	}

	var out []collab.Signal

	for {
		select {
		case s := <-eng.Signals():
			out = append(out, s)
		default:
			return out
		}
	}
}

func mustStatus(t *testing.T, eng *collab.Engine, id string) collab.EditStatus {
	t.Helper()

	st, err := eng.Status(testCtx(t), id)
	if err != nil {
		t.Fatalf("Status(%s): %v", id, err)
	}

	return st
}
