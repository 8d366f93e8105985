package db

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/persistorai/dashsync/internal/backoff"
	"github.com/persistorai/dashsync/internal/dbpool"
	"github.com/persistorai/dashsync/internal/metrics"
	"github.com/persistorai/dashsync/internal/models"
)

// validChannel matches safe PostgreSQL LISTEN channel names.
var validChannel = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	listenChannel = "widget_changes"
	listenPoll    = 2 * time.Minute
	fetchTimeout  = 5 * time.Second
)

// Broadcaster delivers widget events to subscribers of a dashboard.
type Broadcaster interface {
	BroadcastEvent(eventType, dashboardID string, data json.RawMessage)
}

// RowFetcher loads a widget whose row was too large for the NOTIFY payload.
type RowFetcher interface {
	GetWidget(ctx context.Context, id string) (*models.Widget, error)
}

// notifyPayload is the JSON emitted by the widgets_notify trigger.
type notifyPayload struct {
	Op          string         `json:"op"`
	DashboardID string         `json:"dashboard_id"`
	ID          string         `json:"id"`
	Version     int64          `json:"version"`
	Widget      *models.Widget `json:"widget,omitempty"`
}

// NotifyBridge subscribes to PostgreSQL LISTEN/NOTIFY on the widget_changes
// channel and forwards each row change to every broadcaster.
type NotifyBridge struct {
	log     *logrus.Logger
	pool    *dbpool.Pool
	fetcher RowFetcher
	outs    []Broadcaster
	fetches singleflight.Group
}

// NewNotifyBridge creates a NotifyBridge wired to the given pool, row fetcher
// and broadcasters.
func NewNotifyBridge(log *logrus.Logger, pool *dbpool.Pool, fetcher RowFetcher, outs ...Broadcaster) *NotifyBridge {
	return &NotifyBridge{
		log:     log,
		pool:    pool,
		fetcher: fetcher,
		outs:    outs,
	}
}

// Start launches the LISTEN/NOTIFY loop in a background goroutine.
// It verifies the initial connection before returning. The background
// goroutine handles reconnection for subsequent failures.
func (b *NotifyBridge) Start(ctx context.Context) error {
	if !validChannel.MatchString(listenChannel) {
		return fmt.Errorf("notify bridge: invalid channel name %q", listenChannel)
	}

	if err := b.pool.Ping(ctx); err != nil {
		return fmt.Errorf("notify bridge: database not reachable: %w", err)
	}

	go b.listen(ctx)

	return nil
}

// listen acquires a connection, subscribes to the channel, and processes
// notifications until the context is cancelled.
func (b *NotifyBridge) listen(ctx context.Context) {
	delay := backoff.Initial

	for {
		if ctx.Err() != nil {
			return
		}

		err := b.subscribeAndForward(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}

		b.log.WithError(err).WithField("retry_in", delay).
			Warn("notify bridge connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay = backoff.Next(delay, backoff.Max)
	}
}

// subscribeAndForward holds a LISTEN connection and forwards notifications
// until the connection fails or the context is cancelled.
func (b *NotifyBridge) subscribeAndForward(ctx context.Context) error {
	l, err := b.pool.Listen(ctx, listenChannel)
	if err != nil {
		return err
	}
	defer l.Release()

	b.log.WithField("channel", listenChannel).Info("notify bridge listening")

	for {
		n, err := l.Wait(ctx, listenPoll)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		if n != nil {
			b.handleNotification(ctx, n)
		}
	}
}

func (b *NotifyBridge) handleNotification(ctx context.Context, n *pgconn.Notification) {
	b.log.WithFields(logrus.Fields{
		"channel": n.Channel,
		"pid":     n.PID,
	}).Debug("notification received")

	b.forward(ctx, n.Payload)
}

// forward decodes one trigger payload and broadcasts the resulting event.
func (b *NotifyBridge) forward(ctx context.Context, raw string) {
	var p notifyPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil || p.ID == "" || p.DashboardID == "" {
		b.log.Warn("dropping malformed widget notification")
		return
	}

	log := b.log.WithFields(logrus.Fields{
		"dashboard_id": p.DashboardID,
		"widget_id":    p.ID,
		"op":           p.Op,
	})

	var evt models.ChangeEvent

	switch p.Op {
	case "delete":
		evt = models.Deleted(p.ID)
	case "insert", "update":
		w := p.Widget
		if w == nil {
			fetched, err := b.fetchRow(ctx, p.ID, p.Version)
			if err != nil {
				// A missing row means a delete followed; its own notification
				// will reach subscribers.
				log.WithError(err).Warn("could not load widget omitted from notification")
				return
			}

			w = fetched
		}

		if p.Op == "insert" {
			evt = models.Inserted(*w)
		} else {
			evt = models.Updated(*w)
		}
	default:
		log.Warn("dropping notification with unknown op")
		return
	}

	data, err := evt.EventData()
	if err != nil {
		log.WithError(err).Warn("encoding widget event")
		return
	}

	eventType := evt.Kind.String()
	for _, out := range b.outs {
		out.BroadcastEvent(eventType, p.DashboardID, data)
	}

	metrics.NotificationsForwarded.WithLabelValues(eventType).Inc()
}

// fetchRow loads a widget for an oversized notification. Concurrent
// notifications for the same row version share one query.
func (b *NotifyBridge) fetchRow(ctx context.Context, id string, version int64) (*models.Widget, error) {
	key := id + "@" + strconv.FormatInt(version, 10)

	v, err, _ := b.fetches.Do(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
		defer cancel()

		return b.fetcher.GetWidget(ctx, id)
	})
	if err != nil {
		return nil, err
	}

	w := v.(*models.Widget).Clone() //nolint:forcetypeassert // the group only stores *models.Widget.

	return &w, nil
}
