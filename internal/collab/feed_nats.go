package collab

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/persistorai/dashsync/internal/events"
	"github.com/persistorai/dashsync/internal/models"
)

// NATSFeed is a Feed that reads widget events published by the server on
// NATS. The bus keeps no history, so every subscription is followed by a
// snapshot resync in the engine.
type NATSFeed struct {
	sub events.Subscriber
	log *logrus.Logger
}

// NewNATSFeed returns a Feed reading from sub.
func NewNATSFeed(sub events.Subscriber, log *logrus.Logger) *NATSFeed {
	return &NATSFeed{sub: sub, log: log}
}

// Subscribe listens on the dashboard's widget subject and the shared
// heartbeat subject.
func (f *NATSFeed) Subscribe(ctx context.Context, dashboardID string) (Subscription, error) {
	widgets, cancelWidgets, err := f.sub.Subscribe(events.WidgetSubject(dashboardID))
	if err != nil {
		return nil, fmt.Errorf("subscribing to widget events: %w", err)
	}

	beats, cancelBeats, err := f.sub.Subscribe(events.HeartbeatSubject)
	if err != nil {
		cancelWidgets()
		return nil, fmt.Errorf("subscribing to heartbeats: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &natsSubscription{
		msgs: make(chan FeedMessage, 64),
		cancel: func() {
			cancel()
			cancelWidgets()
			cancelBeats()
		},
		done: make(chan struct{}),
	}

	go s.merge(ctx, f.log.WithField("dashboard_id", dashboardID), dashboardID, widgets, beats)

	return s, nil
}

type natsSubscription struct {
	msgs   chan FeedMessage
	cancel func()
	done   chan struct{}
}

func (s *natsSubscription) Messages() <-chan FeedMessage { return s.msgs }

func (s *natsSubscription) Close() error {
	s.cancel()
	<-s.done

	return nil
}

// merge ends the subscription as soon as either subject closes, since a
// closed NATS channel means events may have been lost.
func (s *natsSubscription) merge(ctx context.Context, log *logrus.Entry, dashboardID string, widgets, beats <-chan []byte) {
	defer close(s.done)
	defer close(s.msgs)

	for {
		var msg FeedMessage

		select {
		case <-ctx.Done():
			return
		case _, ok := <-beats:
			if !ok {
				return
			}
			msg = FeedMessage{Kind: MessageHeartbeat}
		case raw, ok := <-widgets:
			if !ok {
				return
			}

			var env events.Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				log.WithError(err).Warn("skipping malformed NATS envelope")
				continue
			}

			if env.DashboardID != "" && env.DashboardID != dashboardID {
				continue
			}

			change, err := models.DecodeChangeEvent(env.Type, env.Data)
			if err != nil {
				log.WithError(err).WithField("event", env.Type).Warn("skipping undecodable NATS event")
				continue
			}

			msg = FeedMessage{Kind: MessageEvent, Event: change}
		}

		select {
		case s.msgs <- msg:
		case <-ctx.Done():
			return
		}
	}
}
