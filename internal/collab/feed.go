package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/persistorai/dashsync/internal/backoff"
	"github.com/persistorai/dashsync/internal/metrics"
	"github.com/persistorai/dashsync/internal/models"
)

// MessageKind tags a FeedMessage.
type MessageKind int

// Feed message kinds.
const (
	MessageEvent MessageKind = iota + 1
	MessageHeartbeat
	// MessageReset means the server cannot replay what was missed.
	MessageReset
)

// FeedMessage is one item delivered by a Subscription.
type FeedMessage struct {
	Kind  MessageKind
	Seq   uint64
	Event models.ChangeEvent
}

// Subscription is a cancellable handle on one dashboard's change stream.
// Messages is closed when the transport drops or Close is called.
type Subscription interface {
	Messages() <-chan FeedMessage
	Close() error
}

// Feed opens change-stream subscriptions. Delivery is at-least-once.
type Feed interface {
	Subscribe(ctx context.Context, dashboardID string) (Subscription, error)
}

// listenerHooks are invoked on the engine goroutine.
type listenerHooks interface {
	subscribed(gen uint64)
	received(gen uint64, evt models.ChangeEvent)
	resyncRequired(gen uint64, reason string, err error)
}

// Listener owns at most one subscription at a time. A subscription is
// always fully closed before the next one is opened.
type Listener struct {
	feed             Feed
	log              *logrus.Logger
	post             func(ctx context.Context, fn func()) bool
	hooks            listenerHooks
	heartbeatTimeout time.Duration
	maxBackoff       time.Duration

	// Engine goroutine only.
	cancel context.CancelFunc
	done   chan struct{}
}

func newListener(feed Feed, log *logrus.Logger, post func(context.Context, func()) bool, hooks listenerHooks, heartbeatTimeout time.Duration) *Listener {
	return &Listener{
		feed:             feed,
		log:              log,
		post:             post,
		hooks:            hooks,
		heartbeatTimeout: heartbeatTimeout,
		maxBackoff:       backoff.Max,
	}
}

// Activate releases the current subscription and starts a new one for
// dashboardID. It does not block: the new pump goroutine waits for the old
// one to finish closing before it subscribes.
func (l *Listener) Activate(ctx context.Context, gen uint64, dashboardID string) {
	prev := l.release()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done

	go l.run(ctx, gen, dashboardID, prev, done)
}

// Deactivate releases the current subscription without opening a new one.
func (l *Listener) Deactivate() {
	l.release()
}

// Wait blocks until the most recent subscription has been closed.
func (l *Listener) Wait() {
	if l.done != nil {
		<-l.done
	}
}

func (l *Listener) release() chan struct{} {
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}

	return l.done
}

func (l *Listener) run(ctx context.Context, gen uint64, dashboardID string, prev, done chan struct{}) {
	defer close(done)

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			<-prev
			return
		}
	}

	log := l.log.WithField("dashboard_id", dashboardID)
	delay := backoff.Initial

	for {
		if ctx.Err() != nil {
			return
		}

		connected, err := l.subscribeAndPump(ctx, gen, dashboardID)
		if ctx.Err() != nil {
			return
		}

		if connected {
			delay = backoff.Initial
		}

		reason := "subscription_lost"
		if errors.Is(err, ErrHeartbeatTimeout) {
			reason = "heartbeat_timeout"
		}

		log.WithError(err).WithField("retry_in", delay).Warn("change feed lost, resubscribing")

		if !l.post(ctx, func() { l.hooks.resyncRequired(gen, reason, err) }) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay = backoff.Next(delay, l.maxBackoff)
	}
}

// subscribeAndPump forwards messages until the subscription drops, the
// heartbeat watchdog fires, or ctx is cancelled.
func (l *Listener) subscribeAndPump(ctx context.Context, gen uint64, dashboardID string) (bool, error) {
	sub, err := l.feed.Subscribe(ctx, dashboardID)
	if err != nil {
		return false, fmt.Errorf("%w: subscribing: %w", ErrSubscriptionLost, err)
	}
	defer sub.Close() //nolint:errcheck // best-effort close on release.

	metrics.FeedSubscriptions.Inc()
	defer metrics.FeedSubscriptions.Dec()

	if !l.post(ctx, func() { l.hooks.subscribed(gen) }) {
		return true, nil
	}

	var (
		watchdog *time.Timer
		expired  <-chan time.Time
	)

	if l.heartbeatTimeout > 0 {
		watchdog = time.NewTimer(l.heartbeatTimeout)
		defer watchdog.Stop()
		expired = watchdog.C
	}

	msgs := sub.Messages()

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case <-expired:
			return true, ErrHeartbeatTimeout
		case m, ok := <-msgs:
			if !ok {
				return true, ErrSubscriptionLost
			}

			if watchdog != nil {
				watchdog.Reset(l.heartbeatTimeout)
			}

			switch m.Kind {
			case MessageHeartbeat:
				continue
			case MessageReset:
				if !l.post(ctx, func() { l.hooks.resyncRequired(gen, "reset", nil) }) {
					return true, nil
				}
			case MessageEvent:
				evt := m.Event
				if !l.post(ctx, func() { l.hooks.received(gen, evt) }) {
					return true, nil
				}
			}
		}
	}
}
