package collab

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/persistorai/dashsync/client"
	"github.com/persistorai/dashsync/internal/models"
)

// HTTPRemote is a Remote backed by the dashsync REST API.
type HTTPRemote struct {
	c *client.Client
}

// NewHTTPRemote returns a Remote that talks to the API through c.
func NewHTTPRemote(c *client.Client) *HTTPRemote {
	return &HTTPRemote{c: c}
}

// Snapshot lists every widget of a dashboard.
func (r *HTTPRemote) Snapshot(ctx context.Context, dashboardID string) ([]models.Widget, error) {
	list, err := r.c.Widgets.List(ctx, dashboardID)
	if err != nil {
		return nil, remoteError(err)
	}

	out := make([]models.Widget, 0, len(list))
	for i := range list {
		out = append(out, fromClient(&list[i]))
	}

	return out, nil
}

// Get returns one widget or an error wrapping models.ErrWidgetNotFound.
func (r *HTTPRemote) Get(ctx context.Context, id string) (*models.Widget, error) {
	w, err := r.c.Widgets.Get(ctx, id)
	if err != nil {
		return nil, remoteError(err)
	}

	m := fromClient(w)

	return &m, nil
}

// Create inserts a widget on req.DashboardID.
func (r *HTTPRemote) Create(ctx context.Context, req models.CreateWidgetRequest) (*models.Widget, error) {
	body := &client.CreateWidgetRequest{Type: req.Type, Content: req.Content.Clone()}
	if req.Position != nil {
		p := client.Position(*req.Position)
		body.Position = &p
	}

	w, err := r.c.Widgets.Create(ctx, req.DashboardID, body)
	if err != nil {
		return nil, remoteError(err)
	}

	m := fromClient(w)

	return &m, nil
}

// UpdateContent performs the version-guarded content write.
func (r *HTTPRemote) UpdateContent(ctx context.Context, id string, content models.Content, expectedVersion int64) (*models.Widget, error) {
	w, err := r.c.Widgets.UpdateContent(ctx, id, content.Clone(), expectedVersion)
	if err != nil {
		return nil, remoteError(err)
	}

	m := fromClient(w)

	return &m, nil
}

// Delete removes a widget and returns the deleted rows.
func (r *HTTPRemote) Delete(ctx context.Context, id string) ([]models.Widget, error) {
	list, err := r.c.Widgets.Delete(ctx, id)
	if err != nil {
		return nil, remoteError(err)
	}

	out := make([]models.Widget, 0, len(list))
	for i := range list {
		out = append(out, fromClient(&list[i]))
	}

	return out, nil
}

// remoteError maps API status errors onto the model sentinels the
// coordinator classifies.
func remoteError(err error) error {
	switch {
	case client.IsConflict(err):
		return fmt.Errorf("%w: %w", models.ErrVersionConflict, err)
	case client.IsNotFound(err):
		return fmt.Errorf("%w: %w", models.ErrWidgetNotFound, err)
	default:
		return err
	}
}

func fromClient(w *client.Widget) models.Widget {
	return models.Widget{
		ID:          w.ID,
		DashboardID: w.DashboardID,
		Type:        w.Type,
		Content:     models.Content(w.Content),
		Position:    models.Position(w.Position),
		Version:     w.Version,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}
}

// WSFeed is a Feed backed by the server's WebSocket change feed. It
// remembers the last event id per dashboard so a resubscribe asks the
// server to replay what was missed.
type WSFeed struct {
	c   *client.Client
	log *logrus.Logger

	mu      sync.Mutex
	lastSeq map[string]uint64
}

// NewWSFeed returns a Feed over c's WebSocket endpoint.
func NewWSFeed(c *client.Client, log *logrus.Logger) *WSFeed {
	return &WSFeed{c: c, log: log, lastSeq: make(map[string]uint64)}
}

func (f *WSFeed) last(dashboardID string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.lastSeq[dashboardID]
}

func (f *WSFeed) record(dashboardID string, seq uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if seq > f.lastSeq[dashboardID] {
		f.lastSeq[dashboardID] = seq
	}
}

func (f *WSFeed) forget(dashboardID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.lastSeq, dashboardID)
}

// Subscribe opens the feed for dashboardID.
func (f *WSFeed) Subscribe(ctx context.Context, dashboardID string) (Subscription, error) {
	sub, err := f.c.Subscribe(ctx, dashboardID, f.last(dashboardID))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &wsSubscription{
		sub:    sub,
		msgs:   make(chan FeedMessage, cap(sub.Events())),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go s.translate(ctx, f, dashboardID)

	return s, nil
}

type wsSubscription struct {
	sub    *client.Subscription
	msgs   chan FeedMessage
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *wsSubscription) Messages() <-chan FeedMessage { return s.msgs }

func (s *wsSubscription) Close() error {
	s.cancel()
	err := s.sub.Close()
	<-s.done

	return err
}

func (s *wsSubscription) translate(ctx context.Context, f *WSFeed, dashboardID string) {
	defer close(s.done)
	defer close(s.msgs)

	log := f.log.WithField("dashboard_id", dashboardID)

	for evt := range s.sub.Events() {
		var msg FeedMessage

		switch evt.Type {
		case client.FeedHeartbeat:
			msg = FeedMessage{Kind: MessageHeartbeat}
		case client.FeedReset:
			// Replay is impossible; the resync starts from a fresh snapshot.
			f.forget(dashboardID)
			msg = FeedMessage{Kind: MessageReset}
		case client.FeedShutdown:
			return
		default:
			change, err := models.DecodeChangeEvent(evt.Type, evt.Data)
			if err != nil {
				log.WithError(err).WithField("event_id", evt.ID).Warn("skipping undecodable feed event")
				continue
			}

			f.record(dashboardID, evt.ID)
			msg = FeedMessage{Kind: MessageEvent, Seq: evt.ID, Event: change}
		}

		select {
		case s.msgs <- msg:
		case <-ctx.Done():
			return
		}
	}
}
